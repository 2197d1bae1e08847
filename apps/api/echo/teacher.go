package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/bootcamp/core/report"
	"github.com/trezcool/bootcamp/core/roster"
)

type teacherApi struct {
	svc      *roster.Service
	reporter *report.Reporter
	notify   *notifier
}

func registerTeacherAPI(g *echo.Group, svc *roster.Service, reporter *report.Reporter, notify *notifier) {
	api := teacherApi{svc: svc, reporter: reporter, notify: notify}

	tg := g.Group("/teachers")
	tg.POST("", api.create)
	tg.GET("", api.query)

	dg := tg.Group("/:id")
	dg.GET("", api.retrieve)
	dg.PUT("", api.update)
	dg.GET("/earnings", api.earnings)
}

func (api *teacherApi) create(ctx echo.Context) error {
	var data roster.NewTeacher
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewTeacher")
	}
	t, err := api.svc.CreateTeacher(ctx.Request().Context(), data)
	if err != nil {
		return err
	}
	api.notify.written(ctx.Request().Context())
	return ctx.JSON(http.StatusCreated, t)
}

func (api *teacherApi) query(ctx echo.Context) error {
	var qf roster.QueryFilter
	if err := ctx.Bind(&qf); err != nil {
		return ctx.JSON(http.StatusOK, []roster.Teacher{})
	}
	ordering := new(Ordering)
	ordering.Bind(ctx)

	teachers, err := api.svc.QueryTeachers(ctx.Request().Context(), qf.Filter(ordering.Orderings))
	if err != nil {
		return errors.Wrap(err, "querying teachers")
	}
	if teachers == nil {
		teachers = []roster.Teacher{}
	}
	return ctx.JSON(http.StatusOK, teachers)
}

func (api *teacherApi) retrieve(ctx echo.Context) error {
	t, err := api.svc.GetTeacher(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "finding teacher")
	}
	return ctx.JSON(http.StatusOK, t)
}

func (api *teacherApi) update(ctx echo.Context) error {
	rctx := ctx.Request().Context()
	id := ctx.Param("id")
	if _, err := api.svc.GetTeacher(rctx, id); err != nil {
		return errors.Wrap(err, "finding teacher")
	}

	var data roster.UpdateTeacher
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UpdateTeacher")
	}
	t, err := api.svc.UpdateTeacher(rctx, id, data)
	if err != nil {
		return err
	}
	api.notify.written(rctx)
	return ctx.JSON(http.StatusOK, t)
}

func (api *teacherApi) earnings(ctx echo.Context) error {
	rollup, err := api.reporter.TeacherRollup(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "summarizing teacher")
	}
	return ctx.JSON(http.StatusOK, rollup)
}

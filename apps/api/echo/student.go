package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/bootcamp/core/enrollment"
	"github.com/trezcool/bootcamp/core/report"
	"github.com/trezcool/bootcamp/core/roster"
)

type studentApi struct {
	svc      *roster.Service
	sync     *enrollment.Synchronizer
	reporter *report.Reporter
	notify   *notifier
}

func registerStudentAPI(
	g *echo.Group,
	svc *roster.Service,
	sync *enrollment.Synchronizer,
	reporter *report.Reporter,
	notify *notifier,
) {
	api := studentApi{svc: svc, sync: sync, reporter: reporter, notify: notify}

	sg := g.Group("/students")
	sg.POST("", api.create)
	sg.GET("", api.query)

	dg := sg.Group("/:id")
	dg.GET("", api.retrieve)
	dg.PUT("", api.update)
	dg.PUT("/batches", api.reconcile)
	dg.GET("/summary", api.summary)
}

// StudentResponse is a student with the plan of the enrollment the request triggered, if any.
type StudentResponse struct {
	roster.Student
	Enrollment *enrollment.Plan `json:"enrollment,omitempty"`
}

func (api *studentApi) create(ctx echo.Context) error {
	var data roster.NewStudent
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewStudent")
	}

	s, plan, err := api.sync.Admit(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "admitting student")
	}
	api.notify.admitted(ctx.Request().Context(), s, plan)
	return ctx.JSON(http.StatusCreated, StudentResponse{Student: s, Enrollment: &plan})
}

func (api *studentApi) query(ctx echo.Context) error {
	var qf roster.QueryFilter
	if err := ctx.Bind(&qf); err != nil {
		return ctx.JSON(http.StatusOK, []roster.Student{})
	}
	ordering := new(Ordering)
	ordering.Bind(ctx)

	students, err := api.svc.QueryStudents(ctx.Request().Context(), qf.Filter(ordering.Orderings))
	if err != nil {
		return errors.Wrap(err, "querying students")
	}
	if students == nil {
		students = []roster.Student{}
	}
	return ctx.JSON(http.StatusOK, students)
}

func (api *studentApi) retrieve(ctx echo.Context) error {
	s, err := api.svc.GetStudent(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "finding student")
	}
	return ctx.JSON(http.StatusOK, s)
}

// update applies identity fields, then reconciles batches when given.
func (api *studentApi) update(ctx echo.Context) error {
	rctx := ctx.Request().Context()
	id := ctx.Param("id")
	current, err := api.svc.GetStudent(rctx, id)
	if err != nil {
		return errors.Wrap(err, "finding student")
	}

	var data roster.UpdateStudent
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UpdateStudent")
	}
	if err = api.svc.ValidateUpdateStudent(rctx, id, &data); err != nil {
		return err
	}
	if data.Batches != nil {
		// reject unknown batches before any write
		if _, err = api.sync.Plan(rctx, id, current.Batches, data.Batches); err != nil {
			return errors.Wrap(err, "planning batches")
		}
	}

	s, err := api.svc.UpdateStudent(rctx, id, data)
	if err != nil {
		return errors.Wrap(err, "updating student")
	}
	resp := StudentResponse{Student: s}
	if data.Batches != nil {
		plan, err := api.sync.Reconcile(rctx, id, data.Batches)
		if err != nil {
			return errors.Wrap(err, "reconciling batches")
		}
		api.notify.reconciled(rctx, id, plan, api.svc)
		if resp.Student, err = api.svc.GetStudent(rctx, id); err != nil {
			return errors.Wrap(err, "finding student")
		}
		resp.Enrollment = &plan
	} else {
		api.notify.written(rctx)
	}
	return ctx.JSON(http.StatusOK, resp)
}

func (api *studentApi) reconcile(ctx echo.Context) error {
	rctx := ctx.Request().Context()
	var data BatchesRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to BatchesRequest")
	}
	if data.Batches == nil {
		data.Batches = []string{}
	}

	id := ctx.Param("id")
	plan, err := api.sync.Reconcile(rctx, id, data.Batches)
	if err != nil {
		return errors.Wrap(err, "reconciling batches")
	}
	api.notify.reconciled(rctx, id, plan, api.svc)
	return ctx.JSON(http.StatusOK, plan)
}

func (api *studentApi) summary(ctx echo.Context) error {
	rollup, err := api.reporter.StudentRollup(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "summarizing student")
	}
	return ctx.JSON(http.StatusOK, rollup)
}

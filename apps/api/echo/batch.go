package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/bootcamp/core"
	"github.com/trezcool/bootcamp/core/enrollment"
	"github.com/trezcool/bootcamp/core/report"
	"github.com/trezcool/bootcamp/core/revenue"
	"github.com/trezcool/bootcamp/core/roster"
)

var errStudentRequired = errors.New("this field is required")

type batchApi struct {
	svc      *roster.Service
	sync     *enrollment.Synchronizer
	reporter *report.Reporter
	notify   *notifier
}

func registerBatchAPI(
	g *echo.Group,
	svc *roster.Service,
	sync *enrollment.Synchronizer,
	reporter *report.Reporter,
	notify *notifier,
) {
	api := batchApi{svc: svc, sync: sync, reporter: reporter, notify: notify}

	bg := g.Group("/batches")
	bg.POST("", api.create)
	bg.GET("", api.query)

	dg := bg.Group("/:id")
	dg.GET("", api.retrieve)
	dg.PUT("", api.update)
	dg.PUT("/teacher", api.reassign)
	dg.POST("/students", api.enroll)
	dg.DELETE("/students/:student_id", api.withdraw)
}

// BatchResponse is a batch with the split of its revenue.
type BatchResponse struct {
	roster.Batch
	Split revenue.Split `json:"split"`
}

func (api *batchApi) withSplit(b roster.Batch) (BatchResponse, error) {
	split, err := api.reporter.Calculator().Compute(b.Revenue)
	if err != nil {
		return BatchResponse{}, errors.Wrapf(err, "splitting revenue of batch %s", b.ID)
	}
	return BatchResponse{Batch: b, Split: split}, nil
}

func (api *batchApi) create(ctx echo.Context) error {
	var data roster.NewBatch
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewBatch")
	}
	b, err := api.svc.CreateBatch(ctx.Request().Context(), data)
	if err != nil {
		return err
	}
	api.notify.written(ctx.Request().Context())
	resp, err := api.withSplit(b)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, resp)
}

func (api *batchApi) query(ctx echo.Context) error {
	var qf roster.QueryFilter
	if err := ctx.Bind(&qf); err != nil {
		return ctx.JSON(http.StatusOK, []roster.Batch{})
	}
	ordering := new(Ordering)
	ordering.Bind(ctx)

	batches, err := api.svc.QueryBatches(ctx.Request().Context(), qf.Filter(ordering.Orderings))
	if err != nil {
		return errors.Wrap(err, "querying batches")
	}
	if batches == nil {
		batches = []roster.Batch{}
	}
	return ctx.JSON(http.StatusOK, batches)
}

func (api *batchApi) retrieve(ctx echo.Context) error {
	b, err := api.svc.GetBatch(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "finding batch")
	}
	resp, err := api.withSplit(b)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, resp)
}

func (api *batchApi) update(ctx echo.Context) error {
	rctx := ctx.Request().Context()
	id := ctx.Param("id")
	if _, err := api.svc.GetBatch(rctx, id); err != nil {
		return errors.Wrap(err, "finding batch")
	}

	var data roster.UpdateBatch
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UpdateBatch")
	}
	b, err := api.svc.UpdateBatch(rctx, id, data)
	if err != nil {
		return err
	}
	api.notify.written(rctx)
	resp, err := api.withSplit(b)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, resp)
}

func (api *batchApi) reassign(ctx echo.Context) error {
	rctx := ctx.Request().Context()
	var data TeacherRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to TeacherRequest")
	}

	r, err := api.sync.ReassignTeacher(rctx, ctx.Param("id"), data.Teacher)
	if err != nil {
		return errors.Wrap(err, "reassigning teacher")
	}
	if len(r.Steps) > 0 {
		api.notify.written(rctx)
	}
	return ctx.JSON(http.StatusOK, r)
}

func (api *batchApi) enroll(ctx echo.Context) error {
	rctx := ctx.Request().Context()
	var data EnrollRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to EnrollRequest")
	}
	data.StudentID = core.CleanString(data.StudentID)
	if data.StudentID == "" {
		return core.NewFieldValidationError("student_id", errStudentRequired)
	}

	batchID := ctx.Param("id")
	if _, err := api.svc.GetBatch(rctx, batchID); err != nil {
		return errors.Wrap(err, "finding batch")
	}
	plan, err := api.sync.Enroll(rctx, data.StudentID, batchID)
	if err != nil {
		return errors.Wrap(err, "enrolling student")
	}
	api.notify.reconciled(rctx, data.StudentID, plan, api.svc)
	return ctx.JSON(http.StatusOK, plan)
}

func (api *batchApi) withdraw(ctx echo.Context) error {
	rctx := ctx.Request().Context()
	batchID, studentID := ctx.Param("id"), ctx.Param("student_id")
	if _, err := api.svc.GetBatch(rctx, batchID); err != nil {
		return errors.Wrap(err, "finding batch")
	}
	plan, err := api.sync.Withdraw(rctx, studentID, batchID)
	if err != nil {
		return errors.Wrap(err, "withdrawing student")
	}
	api.notify.reconciled(rctx, studentID, plan, api.svc)
	return ctx.JSON(http.StatusOK, plan)
}

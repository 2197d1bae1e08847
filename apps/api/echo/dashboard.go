package echoapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/bootcamp/core/report"
	"github.com/trezcool/bootcamp/core/revenue"
)

var errInvalidYear = errors.New("must be a year between 1 and 9999")

type dashboardApi struct {
	reporter *report.Reporter
	loc      *time.Location
}

func registerDashboardAPI(g *echo.Group, reporter *report.Reporter, loc *time.Location) {
	if loc == nil {
		loc = time.UTC
	}
	api := dashboardApi{reporter: reporter, loc: loc}

	dg := g.Group("/dashboard")
	dg.GET("/revenue", api.revenue)
	dg.GET("/enrollment", api.enrollment)
	dg.GET("/batches", api.batches)
	dg.GET("/totals", api.totals)
}

func (api *dashboardApi) revenue(ctx echo.Context) error {
	year, err := yearParam(ctx, api.loc)
	if err != nil {
		return err
	}
	months, err := api.reporter.MonthlyRevenue(ctx.Request().Context(), year)
	if err != nil {
		return errors.Wrap(err, "computing monthly revenue")
	}
	return ctx.JSON(http.StatusOK, months)
}

func (api *dashboardApi) enrollment(ctx echo.Context) error {
	year, err := yearParam(ctx, api.loc)
	if err != nil {
		return err
	}
	months, err := api.reporter.MonthlyEnrollment(ctx.Request().Context(), year)
	if err != nil {
		return errors.Wrap(err, "computing monthly enrollment")
	}
	return ctx.JSON(http.StatusOK, months)
}

func (api *dashboardApi) batches(ctx echo.Context) error {
	rows, err := api.reporter.BatchRollup(ctx.Request().Context())
	if err != nil {
		return errors.Wrap(err, "computing batch rollup")
	}
	return ctx.JSON(http.StatusOK, rows)
}

func (api *dashboardApi) totals(ctx echo.Context) error {
	totals, err := api.reporter.PlatformTotals(ctx.Request().Context())
	if err != nil {
		return errors.Wrap(err, "computing platform totals")
	}
	return ctx.JSON(http.StatusOK, totals)
}

type splitApi struct {
	calc revenue.Calculator
}

func registerSplitAPI(g *echo.Group, calc revenue.Calculator) {
	api := splitApi{calc: calc}
	g.GET("/splits", api.compute)
}

// SplitRequest defaults to the configured mode.
type SplitRequest struct {
	Amount string `query:"amount"`
	Mode   string `query:"mode"`
}

func (api *splitApi) compute(ctx echo.Context) error {
	var data SplitRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(revenue.ErrInvalidAmount, err.Error())
	}
	amount, err := strconv.ParseFloat(strings.TrimSpace(data.Amount), 64)
	if err != nil {
		return errors.Wrapf(revenue.ErrInvalidAmount, "amount %q", data.Amount)
	}
	calc := api.calc
	if data.Mode != "" {
		mode, err := revenue.ParseMode(data.Mode)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		calc = revenue.NewCalculator(mode)
	}
	split, err := calc.Compute(amount)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, split)
}

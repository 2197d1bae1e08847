package echoapi

import (
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/trezcool/bootcamp/core"
)

var orderingParam = "ordering"

type Ordering struct {
	Orderings []core.DBOrdering
}

func (ord *Ordering) Bind(ctx echo.Context) {
	val := ctx.QueryParam(orderingParam)
	if strings.TrimSpace(val) == "" {
		return
	}
	ord.Orderings = core.ParseOrderings(val)
}

// yearParam reads ?year=, defaulting to the current year in loc.
func yearParam(ctx echo.Context, loc *time.Location) (int, error) {
	val := strings.TrimSpace(ctx.QueryParam("year"))
	if val == "" {
		return time.Now().In(loc).Year(), nil
	}
	year, err := strconv.Atoi(val)
	if err != nil || year < 1 || year > 9999 {
		return 0, core.NewFieldValidationError("year", errInvalidYear)
	}
	return year, nil
}

type (
	// BatchesRequest is the desired membership of a student.
	BatchesRequest struct {
		Batches []string `json:"batches"`
	}

	EnrollRequest struct {
		StudentID string `json:"student_id"`
	}

	TeacherRequest struct {
		Teacher string `json:"teacher"`
	}
)

package echoapi

import (
	"net/http"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/bootcamp/core"
	"github.com/trezcool/bootcamp/core/enrollment"
	"github.com/trezcool/bootcamp/core/revenue"
	"github.com/trezcool/bootcamp/core/roster"
)

var errHttpNotFound = echo.NewHTTPError(http.StatusNotFound, "not found")

// statusOf maps the domain errors to a status, 0 for server errors.
func statusOf(err error) int {
	var perr *enrollment.PartialApplyError
	if errors.As(err, &perr) {
		return 0
	}
	switch errors.Cause(err) {
	case roster.ErrStudentNotFound, roster.ErrTeacherNotFound, roster.ErrBatchNotFound:
		return http.StatusNotFound
	case enrollment.ErrReconciliationConflict, roster.ErrVersionConflict, roster.ErrEmailExists:
		return http.StatusConflict
	case revenue.ErrInvalidAmount:
		return http.StatusBadRequest
	}
	return 0
}

// newAppHTTPErrorHandler returns a custom echo.HTTPErrorHandler that knows how to handle our errors.
// signalShutdown is called in order to gracefully shutdown the Server whenever a core.shutdown error is caught.
func newAppHTTPErrorHandler(logger core.Logger, translator ut.Translator, signalShutdown func()) echo.HTTPErrorHandler {
	return func(err error, ctx echo.Context) {
		var code int
		var message interface{}

		switch origErr := errors.Cause(err).(type) {
		case *echo.HTTPError:
			if origErr.Internal != nil {
				if herr, ok := origErr.Internal.(*echo.HTTPError); ok {
					origErr = herr
				}
			}
			code = origErr.Code
			message = origErr.Message
		case validator.ValidationErrors:
			fldErrs := make(map[string]string, len(origErr))
			for _, vErr := range origErr {
				fldErrs[vErr.Field()] = vErr.Translate(translator)
			}
			code = http.StatusBadRequest
			message = fldErrs
		case *core.ValidationError:
			if origErr.Fields != nil {
				fldErrs := make(map[string]string, len(origErr.Fields))
				for _, fErr := range origErr.Fields {
					fldErrs[fErr.Field] = fErr.Error
				}
				message = fldErrs
			} else {
				message = origErr.Error()
			}
			code = http.StatusBadRequest
		default:
			if code = statusOf(err); code != 0 {
				message = errors.Cause(err).Error()
				break
			}
			// any other error is a server error
			code = http.StatusInternalServerError
			msg := http.StatusText(http.StatusInternalServerError)
			message = msg

			extras := map[string]interface{}{
				"method": ctx.Request().Method,
				"path":   ctx.Path(),
			}
			var perr *enrollment.PartialApplyError
			if errors.As(err, &perr) {
				pending := make([]string, 0, len(perr.Pending))
				for _, s := range perr.Pending {
					pending = append(pending, s.String())
				}
				extras["student"] = perr.StudentID
				extras["pending"] = pending
			}
			logger.Error(msg, errors.Wrap(err, msg), extras)

			// shutting down...
			if core.IsShutdown(err) {
				signalShutdown()
			}
		}

		if ctx.Echo().Debug {
			message = err.Error()
		}
		if m, ok := message.(string); ok {
			message = echo.Map{"error": m}
		}

		// Send response
		if !ctx.Response().Committed {
			if ctx.Request().Method == http.MethodHead { // Issue #608
				err = ctx.NoContent(code)
			} else {
				err = ctx.JSON(code, message)
			}
			if err != nil {
				ctx.Echo().Logger.Error(err)
			}
		}
	}
}

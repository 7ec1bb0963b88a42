package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/referrals/internal/platform/apperror"
)

// Recovery turns a handler panic into a 500 with the standard error body.
// The panic value is logged, never returned.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				var stack [4096]byte
				n := runtime.Stack(stack[:], false)
				rid, _ := c.Get("request_id").(string)
				pid, _ := c.Get("practice_id").(string)

				logger.Error().
					Str("request_id", rid).
					Str("practice_id", pid).
					Str("method", c.Request().Method).
					Str("route", c.Path()).
					Str("panic", fmt.Sprintf("%v", r)).
					Bytes("stack", stack[:n]).
					Msg("panic recovered")

				err = echo.NewHTTPError(http.StatusInternalServerError, apperror.Body{
					Code:    apperror.KindInternal,
					Message: "internal server error",
				})
			}()
			return next(c)
		}
	}
}

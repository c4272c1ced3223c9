package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// RequestIDHeader is echoed back on every response.
const RequestIDHeader = echo.HeaderXRequestID

const maxRequestIDLen = 128

// RequestID reuses the caller's X-Request-ID or mints a UUID, and stores it
// under "request_id" for the logger and recovery middleware. Oversized
// caller IDs are replaced.
func RequestID() echo.MiddlewareFunc {
	assign := echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		TargetHeader: RequestIDHeader,
		Generator:    uuid.NewString,
		RequestIDHandler: func(c echo.Context, rid string) {
			c.Set("request_id", rid)
		},
	})
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		h := assign(next)
		return func(c echo.Context) error {
			if len(c.Request().Header.Get(RequestIDHeader)) > maxRequestIDLen {
				c.Request().Header.Del(RequestIDHeader)
			}
			return h(c)
		}
	}
}

package middleware

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// SecurityHeaders sets the response headers of a JSON API that serves
// clinical data. HSTS is only sent on TLS requests, including those marked
// by X-Forwarded-Proto.
func SecurityHeaders() echo.MiddlewareFunc {
	secure := echomw.SecureWithConfig(echomw.SecureConfig{
		XSSProtection:         "0",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		ReferrerPolicy:        "no-referrer",
	})
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return secure(func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			// Worklists change on every write.
			h.Set("Cache-Control", "no-store")
			return next(c)
		})
	}
}

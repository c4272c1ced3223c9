package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextWithRoles(roles ...string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	withIdentity(c, "user-1", roles)
	return c
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name    string
		has     []string
		allowed bool
	}{
		{"matching role", []string{"physician"}, true},
		{"one of several", []string{"registrar", "billing"}, true},
		{"admin bypass", []string{"admin"}, true},
		{"no roles", nil, false},
		{"other role", []string{"billing"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			h := RequireRole("physician", "registrar")(func(c echo.Context) error {
				called = true
				return nil
			})
			err := h(contextWithRoles(tt.has...))
			if tt.allowed {
				if err != nil || !called {
					t.Fatalf("expected access, got err=%v called=%v", err, called)
				}
				return
			}
			expectHTTPStatus(t, err, http.StatusForbidden)
			if called {
				t.Error("handler should not run when access is denied")
			}
		})
	}
}

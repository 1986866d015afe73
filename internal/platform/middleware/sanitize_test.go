package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func runSanitize(req *http.Request) error {
	e := echo.New()
	c := e.NewContext(req, httptest.NewRecorder())
	return Sanitize(zerolog.Nop())(func(c echo.Context) error { return c.NoContent(http.StatusOK) })(c)
}

func TestSanitize_Blocks(t *testing.T) {
	tests := []struct {
		name string
		req  func() *http.Request
	}{
		{"path traversal", func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/api/v1/queries", nil)
			r.URL.Path = "/api/v1/../etc/passwd"
			return r
		}},
		{"encoded traversal", func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/api/v1/queries", nil)
			r.URL.RawPath = "/api/v1/%2e%2e/secret"
			return r
		}},
		{"null byte in query", func() *http.Request {
			return httptest.NewRequest(http.MethodGet, "/api/v1/queries?limit=1%00", nil)
		}},
		{"script in query", func() *http.Request {
			return httptest.NewRequest(http.MethodGet, "/api/v1/review-queue?urgency=%3Cscript%3E", nil)
		}},
		{"header injection", func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/api/v1/queries", nil)
			r.Header["X-Custom"] = []string{"a\r\nb"}
			return r
		}},
		{"oversized header", func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/api/v1/queries", nil)
			r.Header.Set("X-Custom", strings.Repeat("a", maxHeaderValueSize+1))
			return r
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runSanitize(tt.req())
			var he *echo.HTTPError
			if !errors.As(err, &he) || he.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %v", err)
			}
		})
	}
}

func TestSanitize_AllowsNormalRequests(t *testing.T) {
	for _, target := range []string{
		"/api/v1/queries?limit=20&offset=0",
		"/api/v1/review-queue?urgency=HIGH&unclaimed=true",
		"/api/v1/queries?q=1=1",
	} {
		if err := runSanitize(httptest.NewRequest(http.MethodGet, target, nil)); err != nil {
			t.Errorf("%s: unexpected error %v", target, err)
		}
	}
}

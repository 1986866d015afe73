package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout puts a deadline on each request's context and answers 504
// when the handler overruns it. Live-channel upgrades are long-lived and
// skipped.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isLiveChannel(c.Request()) {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					if c.Response().Committed {
						return nil
					}
					return c.JSON(http.StatusGatewayTimeout, map[string]string{
						"message": "request processing exceeded the allowed time",
					})
				}
				return ctx.Err()
			}
		}
	}
}

func isLiveChannel(r *http.Request) bool {
	return strings.HasSuffix(r.URL.Path, "/ws") ||
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medquery/medquery/internal/platform/auth"
	"github.com/medquery/medquery/internal/platform/hipaa"
)

// AccessEntry describes one API call for the access log.
type AccessEntry struct {
	RequestID string
	CallerRef string
	Roles     []string
	Resource  string
	QueryID   string
	Action    string
	Method    string
	Path      string
	Status    int
	RemoteIP  string
	Timestamp time.Time
}

// AccessLog logs every call under /api/v1 after it completes. Patient
// callers are logged by pseudonymous reference; clinician ids are logged as
// is.
func AccessLog(logger zerolog.Logger, pseudo *hipaa.Pseudonymizer) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			entry := buildAccessEntry(c, err, pseudo)
			evt := logger.Info()
			if entry.Status == http.StatusUnauthorized || entry.Status == http.StatusForbidden {
				evt = logger.Warn()
			}
			evt.
				Str("type", "api_access").
				Str("request_id", entry.RequestID).
				Str("caller_ref", entry.CallerRef).
				Strs("roles", entry.Roles).
				Str("resource", entry.Resource).
				Str("query_id", entry.QueryID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Int("status", entry.Status).
				Str("remote_ip", entry.RemoteIP).
				Msg("api_access")

			return err
		}
	}
}

func buildAccessEntry(c echo.Context, err error, pseudo *hipaa.Pseudonymizer) AccessEntry {
	req := c.Request()
	ctx := req.Context()

	entry := AccessEntry{
		RequestID: requestID(c),
		Roles:     auth.RolesFromContext(ctx),
		Resource:  resourceFromPath(req.URL.Path),
		Action:    methodToAction(req.Method),
		Method:    req.Method,
		Path:      c.Path(),
		Status:    c.Response().Status,
		RemoteIP:  c.RealIP(),
		Timestamp: time.Now().UTC(),
	}
	if entry.Path == "" {
		entry.Path = req.URL.Path
	}
	if he, ok := err.(*echo.HTTPError); ok {
		entry.Status = he.Code
	}
	if id := c.Param("id"); id != "" {
		if _, perr := uuid.Parse(id); perr == nil {
			entry.QueryID = id
		}
	}

	uid := auth.UserIDFromContext(ctx)
	switch {
	case uid == "":
	case auth.HasRole(ctx, auth.RoleClinician):
		entry.CallerRef = uid
	default:
		entry.CallerRef = pseudo.Ref(uid)
	}
	return entry
}

func methodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "write"
	case http.MethodPut, http.MethodPatch, http.MethodDelete:
		return "update"
	default:
		return "read"
	}
}

// resourceFromPath returns the first segment after /api/v1/.
func resourceFromPath(path string) string {
	rest := strings.TrimPrefix(path, "/api/v1/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" {
		return "unknown"
	}
	return rest
}

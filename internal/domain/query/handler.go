package query

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medquery/medquery/internal/platform/auth"
	"github.com/medquery/medquery/internal/review"
	"github.com/medquery/medquery/internal/triage"
	"github.com/medquery/medquery/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	patient := auth.RequireRole(auth.RolePatient)
	clinician := auth.RequireRole(auth.RoleClinician)

	api.POST("/queries", h.SubmitQuery, patient)
	api.GET("/queries", h.ListQueries, patient)
	api.GET("/queries/:id", h.GetQuery, auth.RequireRole(auth.RolePatient, auth.RoleClinician))

	api.GET("/review-queue", h.ListReviewQueue, clinician)
	api.POST("/review-queue/:id/claim", h.ClaimQuery, clinician)
	api.POST("/review-queue/:id/approve", h.ApproveQuery, clinician)
	api.POST("/review-queue/:id/reject", h.RejectQuery, clinician)
	api.POST("/review-queue/:id/release", h.ReleaseQuery, clinician)
}

// httpError maps service errors onto API responses.
func httpError(c echo.Context, err error) error {
	var verr *ValidationError
	var rerr *RateLimitError
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, verr.Error())
	case errors.As(err, &rerr):
		secs := int(math.Ceil(rerr.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
		return echo.NewHTTPError(http.StatusTooManyRequests, rerr.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "query not found")
	case errors.Is(err, ErrAlreadyClaimed):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrNotClaimedByCaller):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrStaleStatus):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) SubmitQuery(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.PatientID = auth.UserIDFromContext(c.Request().Context())

	q, err := h.svc.Submit(c.Request().Context(), req)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusAccepted, q.PatientView())
}

func (h *Handler) ListQueries(c echo.Context) error {
	p := pagination.FromContext(c)
	patientID := auth.UserIDFromContext(c.Request().Context())
	items, total, err := h.svc.ListByPatient(c.Request().Context(), patientID, p.Limit, p.Offset)
	if err != nil {
		return httpError(c, err)
	}
	views := make([]*Query, 0, len(items))
	for _, q := range items {
		views = append(views, q.PatientView())
	}
	if links := p.Links(c.Request().URL.Path, total); len(links) > 0 {
		c.Response().Header().Set("Link", pagination.Header(links))
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(views, total, p.Limit, p.Offset))
}

// GetQuery returns the full record to clinicians. Patients only see their
// own queries, without the unreviewed draft.
func (h *Handler) GetQuery(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	q, err := h.svc.Get(ctx, id)
	if err != nil {
		return httpError(c, err)
	}
	if auth.HasRole(ctx, auth.RoleClinician) {
		return c.JSON(http.StatusOK, q)
	}
	if q.PatientID != auth.UserIDFromContext(ctx) {
		return httpError(c, ErrNotFound)
	}
	return c.JSON(http.StatusOK, q.PatientView())
}

func (h *Handler) ListReviewQueue(c echo.Context) error {
	var f review.Filter
	if v := c.QueryParam("urgency"); v != "" {
		u, err := triage.ParseUrgency(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		f.Urgency = u
	}
	if v := c.QueryParam("unclaimed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid unclaimed")
		}
		f.UnclaimedOnly = b
	}
	entries, err := h.svc.ListQueue(c.Request().Context(), f)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  entries,
		"total": len(entries),
	})
}

func (h *Handler) ClaimQuery(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	q, err := h.svc.Claim(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, q)
}

type approveRequest struct {
	FinalResponse string `json:"final_response"`
}

func (h *Handler) ApproveQuery(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req approveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	q, err := h.svc.Approve(ctx, id, auth.UserIDFromContext(ctx), req.FinalResponse)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, q)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) RejectQuery(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req rejectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	q, err := h.svc.Reject(ctx, id, auth.UserIDFromContext(ctx), req.Reason)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, q)
}

func (h *Handler) ReleaseQuery(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	q, err := h.svc.Release(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, q)
}

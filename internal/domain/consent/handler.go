package consent

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/consent/internal/platform/auth"
	"github.com/ehr/consent/internal/platform/signature"
	"github.com/ehr/consent/pkg/pagination"
)

// ErrorBody is the JSON shape of every API error.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Handler serves the consent API over the lifecycle engine and the
// read-only query service.
type Handler struct {
	engine *Engine
	query  *QueryService
}

// NewHandler returns a Handler. Writes go through engine and reads through
// query.
func NewHandler(engine *Engine, query *QueryService) *Handler {
	return &Handler{engine: engine, query: query}
}

// RegisterRoutes mounts the consent endpoints on api. Reads are open to
// clinical, patient and auditor roles; writes to physicians and patients.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints
	readGroup := api.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleNurse, auth.RolePatient, auth.RoleAuditor))
	readGroup.GET("/consents", h.ListConsents)
	readGroup.GET("/consents/stats", h.GetStats)
	readGroup.GET("/consents/purposes", h.ListPurposes)
	readGroup.GET("/consents/message", h.GetMessage)
	readGroup.GET("/consents/:id", h.GetConsent)
	readGroup.GET("/consents/:id/history", h.GetHistory)

	// Write endpoints
	writeGroup := api.Group("", auth.RequireRole(auth.RolePhysician, auth.RolePatient))
	writeGroup.POST("/consents", h.CreateConsent)
	writeGroup.PATCH("/consents/:id", h.UpdateConsent)
}

type listResponse struct {
	Consents   []*Consent      `json:"consents"`
	Pagination pagination.Meta `json:"pagination"`
	Error      string          `json:"error,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// ListConsents handles GET /consents with optional patientId and status
// filters. A store outage returns 503 with an empty page.
func (h *Handler) ListConsents(c echo.Context) error {
	pg, err := pagination.FromContext(c)
	if err != nil {
		return httpError(ErrInvalidPagination, err.Error())
	}
	f := Filter{PatientID: strings.TrimSpace(c.QueryParam("patientId"))}
	if raw := c.QueryParam("status"); raw != "" {
		st, err := ParseStatus(raw)
		if err != nil {
			return httpError(err, "")
		}
		f.Status = st
	}

	page, err := h.query.List(c.Request().Context(), f, pg.Page, pg.PageSize)
	if err != nil {
		if errors.Is(err, ErrStoreUnavailable) {
			return c.JSON(http.StatusServiceUnavailable, listResponse{
				Consents:   []*Consent{},
				Pagination: pagination.NewMeta(pg, 0),
				Error:      "store_unavailable",
				Message:    "consent store is unavailable, try again later",
			})
		}
		return httpError(err, "")
	}
	return c.JSON(http.StatusOK, listResponse{
		Consents:   page.Items,
		Pagination: pagination.NewMeta(pg, page.Total),
	})
}

// GetConsent handles GET /consents/:id.
func (h *Handler) GetConsent(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return httpError(ErrInvalidRequest, "invalid id")
	}
	consent, err := h.query.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err, "")
	}
	return c.JSON(http.StatusOK, consent)
}

// GetHistory handles GET /consents/:id/history, oldest event first.
func (h *Handler) GetHistory(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return httpError(ErrInvalidRequest, "invalid id")
	}
	events, err := h.query.History(c.Request().Context(), id)
	if err != nil {
		return httpError(err, "")
	}
	if events == nil {
		events = []*Event{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"events": events})
}

// GetStats handles GET /consents/stats.
func (h *Handler) GetStats(c echo.Context) error {
	st, err := h.query.Stats(c.Request().Context())
	if err != nil {
		return httpError(err, "")
	}
	return c.JSON(http.StatusOK, st)
}

// ListPurposes handles GET /consents/purposes.
func (h *Handler) ListPurposes(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"purposes": Purposes()})
}

// GetMessage returns the exact text a wallet must sign for a consent.
func (h *Handler) GetMessage(c echo.Context) error {
	purpose, err := ParsePurpose(c.QueryParam("purpose"))
	if err != nil {
		return httpError(err, "")
	}
	patientID := strings.TrimSpace(c.QueryParam("patientId"))
	if patientID == "" {
		return httpError(ErrInvalidRequest, "patientId is required")
	}
	version := c.QueryParam("messageVersion")
	if version == "" {
		version = signature.CurrentMessageVersion
	}
	msg, err := signature.CanonicalMessage(version, string(purpose), patientID)
	if err != nil {
		return httpError(ErrInvalidRequest, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{
		"message":        msg,
		"messageVersion": version,
	})
}

// CreateConsent handles POST /consents. The consent is stored as pending
// once its signature verifies.
func (h *Handler) CreateConsent(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return httpError(ErrInvalidRequest, "malformed request body")
	}
	consent, err := h.engine.CreateConsent(c.Request().Context(), req)
	if err != nil {
		return httpError(err, "")
	}
	return c.JSON(http.StatusCreated, consent)
}

type updateRequest struct {
	Status string `json:"status"`
}

// UpdateConsent handles PATCH /consents/:id. The body status must be
// "active" or "revoked".
func (h *Handler) UpdateConsent(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return httpError(ErrInvalidRequest, "invalid id")
	}
	var req updateRequest
	if err := c.Bind(&req); err != nil {
		return httpError(ErrInvalidRequest, "malformed request body")
	}
	if req.Status == "" {
		return httpError(ErrInvalidRequest, "status is required")
	}
	consent, err := h.engine.UpdateStatus(c.Request().Context(), id, req.Status)
	if err != nil {
		return httpError(err, "")
	}
	return c.JSON(http.StatusOK, consent)
}

// httpError maps a domain error to its status code and error code. An empty
// message falls back to err's text.
func httpError(err error, message string) *echo.HTTPError {
	if message == "" {
		message = err.Error()
	}
	status, code := classify(err)
	switch status {
	case http.StatusInternalServerError:
		message = "internal error"
	case http.StatusServiceUnavailable:
		message = "consent store is unavailable, try again later"
	}
	return echo.NewHTTPError(status, ErrorBody{Error: code, Message: message})
}

// classify maps a domain error to an HTTP status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidPurpose):
		return http.StatusBadRequest, "invalid_purpose"
	case errors.Is(err, ErrInvalidSignature):
		return http.StatusBadRequest, "invalid_signature"
	case errors.Is(err, ErrInvalidPagination):
		return http.StatusBadRequest, "invalid_pagination"
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrDuplicateConsent):
		return http.StatusConflict, "duplicate_consent"
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, ErrConcurrentModification), errors.Is(err, ErrVersionConflict):
		return http.StatusConflict, "concurrent_modification"
	case errors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/consent/internal/platform/auth"
)

// AuditEntry records who touched which consent, when, and with what result.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	Wallet     string
	Resource   string
	ConsentID  string
	PatientID  string
	Action     string // read, list, create, update
	IPAddress  string
	UserAgent  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries. The middleware always emits a
// structured log line as well.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

const apiPrefix = "/api/v1/"

// Audit logs every /api/v1 request after the handler runs, so the entry
// carries the final status.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !strings.HasPrefix(path, apiPrefix) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			ctx := req.Context()
			entry := AuditEntry{
				UserID:     auth.UserIDFromContext(ctx),
				UserRoles:  auth.RolesFromContext(ctx),
				Wallet:     auth.WalletFromContext(ctx),
				Resource:   resourceOf(path),
				ConsentID:  consentIDOf(path),
				PatientID:  c.QueryParam("patientId"),
				Action:     actionOf(req.Method, path),
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				Path:       path,
				Method:     req.Method,
				Timestamp:  time.Now().UTC(),
				StatusCode: status,
			}
			entry.RequestID, _ = c.Get("request_id").(string)

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "consent_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("wallet", entry.Wallet).
				Str("resource", entry.Resource).
				Str("consent_id", entry.ConsentID).
				Str("patient_id", entry.PatientID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("consent_access")

			return err
		}
	}
}

func actionOf(method, path string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	}
	if consentIDOf(path) == "" {
		return "list"
	}
	return "read"
}

// resourceOf returns the first path segment after /api/v1/.
func resourceOf(path string) string {
	seg := strings.SplitN(strings.TrimPrefix(path, apiPrefix), "/", 2)
	if seg[0] == "" {
		return "unknown"
	}
	return seg[0]
}

// consentIDOf extracts the id from /api/v1/consents/<uuid>[/...].
func consentIDOf(path string) string {
	rest := strings.TrimPrefix(path, apiPrefix+"consents/")
	if rest == path {
		return ""
	}
	id := strings.SplitN(rest, "/", 2)[0]
	if _, err := uuid.Parse(id); err != nil {
		return ""
	}
	return id
}

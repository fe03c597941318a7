package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	RoleAdmin     = "admin"
	RolePhysician = "physician"
	RoleNurse     = "nurse"
	RolePatient   = "patient"
	RoleAuditor   = "auditor"
)

// RequireRole admits callers holding at least one of roles. Admin is
// always admitted.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasRole(RolesFromContext(c.Request().Context()), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden, map[string]string{
				"error":   "forbidden",
				"message": fmt.Sprintf("required role: %s", strings.Join(roles, " or ")),
			})
		}
	}
}

// HasRole reports whether held contains admin or any of required.
func HasRole(held []string, required ...string) bool {
	for _, has := range held {
		if has == RoleAdmin {
			return true
		}
		for _, r := range required {
			if has == r {
				return true
			}
		}
	}
	return false
}

package middleware

import "github.com/labstack/echo/v4"

// errorBody matches the {error, message} shape the API handlers return.
func errorBody(code, message string) map[string]string {
	return map[string]string{"error": code, "message": message}
}

func jsonError(status int, code, message string) *echo.HTTPError {
	return echo.NewHTTPError(status, errorBody(code, message))
}

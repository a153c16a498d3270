package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"issueagent/pkg/errclass"
	"issueagent/pkg/github"
	"issueagent/pkg/jobs"
)

// APIError is the error body of every failed request.
type APIError struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

// FieldError is one failed query or body field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports the first failed field of a request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// requestValidator adapts go-playground/validator to echo.
type requestValidator struct {
	validator *validator.Validate
}

func newRequestValidator() *requestValidator {
	return &requestValidator{validator: validator.New()}
}

func (v *requestValidator) Validate(i any) error {
	if err := v.validator.Struct(i); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ValidationError{Field: fe.Field(), Message: fmt.Sprintf("failed on '%s' validation", fe.Tag())}
		}
		return fmt.Errorf("validate request: %w", err)
	}
	return nil
}

// errorHandler renders every handler error as an APIError.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, apiErr := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("❌ %s %s: %v", c.Request().Method, c.Request().URL.Path, err)
	}
	if jsonErr := c.JSON(status, map[string]APIError{"error": apiErr}); jsonErr != nil {
		s.logger.Error("Failed to send error response: %v", jsonErr)
	}
}

func mapError(err error) (int, APIError) {
	var echoErr *echo.HTTPError
	if errors.As(err, &echoErr) {
		msg, _ := echoErr.Message.(string)
		if msg == "" {
			msg = http.StatusText(echoErr.Code)
		}
		return echoErr.Code, APIError{Code: http.StatusText(echoErr.Code), Message: msg}
	}

	var validationErr *ValidationError
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, APIError{
			Code:    "validation_error",
			Message: "Validation failed",
			Details: []FieldError{{Field: validationErr.Field, Message: validationErr.Message}},
		}
	case errors.Is(err, jobs.ErrNotFound):
		return http.StatusNotFound, APIError{Code: "not_found", Message: err.Error()}
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, APIError{Code: "forbidden", Message: "You do not have permission to perform this action"}
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, github.ErrMissingSignature),
		errors.Is(err, github.ErrInvalidSignature):
		return http.StatusUnauthorized, APIError{Code: "unauthorized", Message: err.Error()}
	case errors.Is(err, jobs.ErrClosed):
		return http.StatusServiceUnavailable, APIError{Code: "unavailable", Message: err.Error()}
	case errclass.CategoryOf(err) == errclass.Validation:
		return http.StatusBadRequest, APIError{Code: "invalid_input", Message: err.Error()}
	default:
		return http.StatusInternalServerError, APIError{Code: "internal_error", Message: "An unexpected error occurred"}
	}
}

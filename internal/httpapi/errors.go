package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"checkout-service/internal/apperr"
	"github.com/go-playground/validator/v10"
)

type errorResponse struct {
	Error   string             `json:"error"`
	Message string             `json:"message,omitempty"`
	Details *validationDetails `json:"details,omitempty"`
}

type validationDetails struct {
	FormErrors  []string            `json:"formErrors"`
	FieldErrors map[string][]string `json:"fieldErrors"`
}

// writeError answers domain errors with their own code and status. Anything
// else is logged and answered with an opaque INTERNAL_ERROR.
func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	if e, ok := apperr.From(err); ok {
		writeJSON(w, apperr.HTTPStatus(e), errorResponse{Error: e.Code, Message: e.Message})
		return
	}
	h.logger.ErrorContext(ctx, "Unexpected error handling request", "error", fmt.Sprintf("%+v", err))
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: apperr.CodeInternal})
}

func writeValidationError(w http.ResponseWriter, code string, err error) {
	details := &validationDetails{FormErrors: []string{}, FieldErrors: map[string][]string{}}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			details.FieldErrors[fe.Field()] = append(details.FieldErrors[fe.Field()], describe(fe))
		}
	} else {
		details.FormErrors = append(details.FormErrors, err.Error())
	}
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: code, Details: details})
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must have at least %s characters", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

// writeJSON writes v as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

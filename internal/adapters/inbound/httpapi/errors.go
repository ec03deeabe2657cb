package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sufield/devicefleet/internal/domain"
)

type errorBody struct {
	Error         string   `json:"error"`
	Message       string   `json:"message"`
	Field         string   `json:"field,omitempty"`
	Required      []string `json:"required,omitempty"`
	EffectUnknown bool     `json:"effect_unknown,omitempty"`
	Retryable     bool     `json:"retryable,omitempty"`
}

// classify maps the error taxonomy to an HTTP status and a stable error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, domain.ErrCredential):
		return http.StatusUnauthorized, "credential"
	case errors.Is(err, domain.ErrChallenge):
		return http.StatusUnprocessableEntity, "challenge"
	case errors.Is(err, domain.ErrNotAuthenticated):
		return http.StatusUnauthorized, "not_authenticated"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, domain.ErrDeviceNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrGroupsUnresolved):
		return http.StatusServiceUnavailable, "groups_unresolved"
	case errors.Is(err, domain.ErrConnectivity):
		if domain.EffectUnknown(err) {
			return http.StatusGatewayTimeout, "connectivity"
		}
		return http.StatusBadGateway, "connectivity"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func errorPayload(err error) (int, errorBody) {
	status, code := classify(err)
	body := errorBody{
		Error:         code,
		Message:       err.Error(),
		EffectUnknown: domain.EffectUnknown(err),
		Retryable:     domain.Retryable(err),
	}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		body.Field = verr.Field
	}
	var aerr *domain.AuthorizationError
	if errors.As(err, &aerr) {
		body.Required = aerr.Required
	}
	return status, body
}

func writeError(w http.ResponseWriter, err error) {
	status, body := errorPayload(err)
	if body.Retryable && !body.EffectUnknown {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &domain.ValidationError{Field: "body", Reason: "is not valid JSON: " + err.Error()}
	}
	return nil
}

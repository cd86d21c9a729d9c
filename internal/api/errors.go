package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kenneth/fieldcrypt/internal/crypto"
)

// Error codes returned in the JSON error body.
const (
	CodeBadRequest           = "bad_request"
	CodeKeyNotFound          = "key_not_found"
	CodeUnsupportedKeyType   = "unsupported_key_type"
	CodeUnsupportedOperation = "unsupported_operation"
	CodeConfiguration        = "configuration_error"
	CodeInternal             = "internal_error"
)

// APIError is the JSON error response.
type APIError struct {
	Code       string `json:"error"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id,omitempty"`
	HTTPStatus int    `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// WriteJSON writes the error response.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	_ = json.NewEncoder(w).Encode(e)
}

func badRequest(msg string) *APIError {
	return &APIError{Code: CodeBadRequest, Message: msg, HTTPStatus: http.StatusBadRequest}
}

// TranslateError maps crypto failures to API errors. Key material problems
// are server faults and their detail is not echoed to the caller.
func TranslateError(err error) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch crypto.ErrorKindOf(err) {
	case crypto.KindKeyNotFound:
		return &APIError{Code: CodeKeyNotFound, Message: err.Error(), HTTPStatus: http.StatusNotFound}
	case crypto.KindUnsupportedKeyType:
		return &APIError{Code: CodeUnsupportedKeyType, Message: err.Error(), HTTPStatus: http.StatusUnprocessableEntity}
	case crypto.KindUnsupportedOperation:
		return &APIError{Code: CodeUnsupportedOperation, Message: err.Error(), HTTPStatus: http.StatusUnprocessableEntity}
	case crypto.KindConfiguration:
		return &APIError{Code: CodeConfiguration, Message: err.Error(), HTTPStatus: http.StatusUnprocessableEntity}
	default:
		return &APIError{Code: CodeInternal, Message: "internal server error", HTTPStatus: http.StatusInternalServerError}
	}
}

package utils

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/zhouzirui/chatstream/internal/apperr"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error   string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// RespondJSON writes payload as JSON with the given status.
func RespondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Warn("failed to encode response", zap.Error(err))
	}
}

// RespondError writes a plain error message.
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorBody{Error: message})
}

// RespondAppError maps err through the apperr taxonomy.
func RespondAppError(w http.ResponseWriter, err error) {
	RespondAppErrorDetails(w, err, nil)
}

// RespondAppErrorDetails is RespondAppError with per-field details.
func RespondAppErrorDetails(w http.ResponseWriter, err error, details map[string]string) {
	RespondJSON(w, apperr.HTTPStatus(err), ErrorBody{
		Error:   apperr.PublicMessage(err),
		Code:    apperr.Code(err),
		Details: details,
	})
}

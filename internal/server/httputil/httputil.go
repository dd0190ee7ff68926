// Package httputil writes the JSON response envelope shared by every
// endpoint: {success, data, error}.
package httputil

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Error codes of the HTTP surface.
const (
	CodeTaskRunning   = "TASK_RUNNING"
	CodeNoBaseVersion = "NO_BASE_VERSION"
	CodeHookFailed    = "HOOK_FAILED"
	CodeNeo4jError    = "NEO4J_ERROR"
	CodeBadRequest    = "BAD_REQUEST"
	CodeNotFound      = "NOT_FOUND"
)

// ErrorBody is the error half of the envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// WriteJSON writes a success envelope.
func WriteJSON(w http.ResponseWriter, log *zap.Logger, data any) {
	write(w, log, http.StatusOK, envelope{Success: true, Data: data})
}

// WriteError writes a failure envelope with the given HTTP status.
func WriteError(w http.ResponseWriter, log *zap.Logger, status int, code, message string, detail any) {
	write(w, log, status, envelope{Success: false, Error: &ErrorBody{Code: code, Message: message, Detail: detail}})
}

func write(w http.ResponseWriter, log *zap.Logger, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error("failed to write JSON response", zap.Error(err))
	}
}

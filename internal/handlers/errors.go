package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}

const (
	errTypeInvalidRequest = "invalid_request_error"
	errTypeRateLimit      = "rate_limit_error"
	errTypeNotFound       = "not_found_error"
	errTypeBackend        = "backend_error"
	errTypeInternal       = "internal_error"
)

func sendError(logger *zap.Logger, w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(ErrorResponse{
		Error: APIError{Message: message, Type: errType},
	}); err != nil {
		logger.Error("Failed to encode error response", zap.Error(err))
	}
}

func sendJSON(logger *zap.Logger, w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}

// sendRaw writes a backend JSON body unchanged.
func sendRaw(logger *zap.Logger, w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		logger.Debug("Client went away before response was written", zap.Error(err))
	}
}

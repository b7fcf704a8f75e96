package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/amerfu/infergate/internal/auth"
)

type contextKey string

const APIKeyContextKey contextKey = "api_key"

// KeyVerifier resolves an Authorization header to a key entry.
type KeyVerifier interface {
	Verify(authorization string) (auth.APIKey, error)
	IsAdmin(key auth.APIKey) bool
}

type AuthMiddleware struct {
	logger *zap.Logger
	keys   KeyVerifier
}

func NewAuthMiddleware(logger *zap.Logger, keys KeyVerifier) *AuthMiddleware {
	return &AuthMiddleware{logger: logger, keys: keys}
}

// Authenticate rejects requests without a valid, enabled API key and stores
// the key entry in the request context.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := m.keys.Verify(r.Header.Get("Authorization"))
		if err != nil {
			m.logger.Debug("Authentication failed",
				zap.String("path", r.URL.Path),
				zap.String("remote", r.RemoteAddr),
				zap.Error(err))
			sendAuthError(w, http.StatusUnauthorized, err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), APIKeyContextKey, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin must run after Authenticate.
func (m *AuthMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := GetAPIKey(r.Context())
		if !ok || !m.keys.IsAdmin(key) {
			m.logger.Warn("Admin access denied",
				zap.String("path", r.URL.Path),
				zap.String("user", key.User))
			sendAuthError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func sendAuthError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "authentication_error",
			"code":    statusCode,
		},
	})
}

func GetAPIKey(ctx context.Context) (auth.APIKey, bool) {
	key, ok := ctx.Value(APIKeyContextKey).(auth.APIKey)
	return key, ok
}

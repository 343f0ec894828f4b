// ABOUTME: HTTP middleware and helpers for JWT authentication on API and websocket endpoints
// ABOUTME: Reads the token from the Authorization header or the token query parameter

package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// TokenFromRequest extracts a bearer token from the Authorization header,
// falling back to the "token" query parameter for browser websocket clients.
func TokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		if !strings.HasPrefix(h, "Bearer ") {
			return "", errors.New("invalid authorization header format")
		}
		token := strings.TrimPrefix(h, "Bearer ")
		if token == "" {
			return "", ErrMissingToken
		}
		return token, nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingToken
}

// Authenticate verifies the token on r and returns the identity.
func Authenticate(r *http.Request, verifier TokenVerifier) (string, error) {
	token, err := TokenFromRequest(r)
	if err != nil {
		return "", err
	}
	return verifier.Verify(token)
}

// HTTPAuthMiddleware rejects requests without a valid token with 401 and
// attaches the identity to the request context.
func HTTPAuthMiddleware(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := Authenticate(r, verifier)
			if err != nil {
				logger.Debug("rejected request", "path", r.URL.Path, "error", err)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"` + errorMessage(err) + `"}`))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, ErrExpiredToken):
		return "token expired"
	case errors.Is(err, ErrMissingToken):
		return "missing token"
	default:
		return "invalid token"
	}
}

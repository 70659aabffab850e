package middleware

import (
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrMissingToken is returned when no Authorization header is present.
	ErrMissingToken = errors.New("missing authorization header")
	// ErrMalformedToken is returned when the header is not "Bearer <token>".
	ErrMalformedToken = errors.New("invalid authorization header format")
)

// BearerToken extracts the bearer token from the Authorization header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", ErrMalformedToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", ErrMalformedToken
	}
	return token, nil
}

// NoStore marks responses as non-cacheable. Mounted on routes that return
// bearer tokens.
func NoStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		next.ServeHTTP(w, r)
	})
}

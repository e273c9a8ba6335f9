package server

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AuthConfig controls API authentication. With neither a secret nor an API
// key configured the server runs open, which is the local dev default.
type AuthConfig struct {
	Secret string
	APIKey string
}

func (a AuthConfig) open() bool {
	return strings.TrimSpace(a.Secret) == "" && strings.TrimSpace(a.APIKey) == ""
}

func newAuthMiddleware(basePath string, auth AuthConfig) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	openAPIPath := path.Join(basePath, "openapi.json")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth.open() {
				next.ServeHTTP(w, r)
				return
			}
			switch r.URL.Path {
			case healthPath, openAPIPath, "/docs":
				next.ServeHTTP(w, r)
				return
			}
			if auth.APIKey != "" {
				key := r.Header.Get("X-Api-Key")
				if key != "" && subtle.ConstantTimeCompare([]byte(key), []byte(auth.APIKey)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}
			if auth.Secret != "" {
				header := r.Header.Get("Authorization")
				if token, ok := strings.CutPrefix(header, "Bearer "); ok {
					if err := validateToken(token, auth.Secret); err == nil {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
			writeUnauthorized(w)
		})
	}
}

func validateToken(token, secret string) error {
	_, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	return err
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]any{
		"error": apiErrorBody{
			Code:    "unauthorized",
			Message: "missing or invalid credentials",
		},
	})
}

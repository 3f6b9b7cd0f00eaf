package util

import (
	"net/http"

	"github.com/rs/cors"
)

// WithCORS answers preflight requests and decorates responses for the listed
// origins. An empty list allows any origin without credentials.
func WithCORS(next http.Handler, allowedOrigins ...string) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", requestIDHeader},
		ExposedHeaders: []string{"Content-Disposition", requestIDHeader},
		MaxAge:         600,
	})
	return c.Handler(next)
}

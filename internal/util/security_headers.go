package util

import (
	"mime"
	"net/http"
	"strings"
)

const apiCSP = "default-src 'none'; frame-ancestors 'none'; base-uri 'none'"

// WithSecurityHeaders adds API-safe security response headers.
func WithSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Safe defaults for JSON APIs.
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Permissions-Policy", "geolocation=(), camera=(), microphone=()")
		w.Header().Set("Content-Security-Policy", apiCSP)

		// Only emit HSTS when request is over HTTPS (direct or forwarded).
		if r.TLS != nil || strings.EqualFold(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")), "https") {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

// SetAttachmentHeaders prepares a response that streams user-supplied bytes.
// The content is forced to download and sandboxed should a browser render it anyway.
func SetAttachmentHeaders(h http.Header, filename, contentType string) {
	if strings.TrimSpace(contentType) == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": filename})
	if disposition == "" {
		disposition = "attachment"
	}
	h.Set("Content-Disposition", disposition)
	h.Set("Content-Security-Policy", "sandbox; "+apiCSP)
	h.Set("Cache-Control", "private, no-store")
}

// security.go - Security headers for every response.
package server

import (
	"net/http"
)

// contentSecurityPolicy fits the script-free upload form: inline styles are
// not used and the form may only post back to this origin.
const contentSecurityPolicy = "default-src 'none'; " +
	"img-src 'self'; " +
	"form-action 'self'; " +
	"frame-ancestors 'none'; " +
	"base-uri 'none'"

// securityHeadersMiddleware adds security headers to all responses
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()

		// Prevent clickjacking
		h.Set("X-Frame-Options", "DENY")

		// Prevent MIME sniffing
		h.Set("X-Content-Type-Options", "nosniff")

		// Referrer Policy - don't leak URLs
		h.Set("Referrer-Policy", "no-referrer")

		h.Set("Content-Security-Policy", contentSecurityPolicy)

		// Permissions Policy - disable unused browser features
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")

		next.ServeHTTP(w, r)
	})
}

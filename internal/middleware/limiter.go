package middleware

import (
	"net/http"
)

// RequestSizeLimit caps webhook body size. Declared-oversize requests are
// rejected before the handler reads anything; the MaxBytesReader backstop
// covers bodies sent without a Content-Length.
func RequestSizeLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				denyJSON(w, http.StatusRequestEntityTooLarge, "Request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

			next.ServeHTTP(w, r)
		})
	}
}

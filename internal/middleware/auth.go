package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
)

// EnsureInternalAuth guards the operator API with the X-Internal-Secret
// header. A server started without a secret refuses operator calls outright
// rather than running the API open.
func EnsureInternalAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				denyJSON(w, http.StatusServiceUnavailable, "Operator API disabled: no internal secret configured")
				return
			}

			provided := r.Header.Get("X-Internal-Secret")

			// Constant-time comparison to prevent timing attacks
			if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
				denyJSON(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func denyJSON(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

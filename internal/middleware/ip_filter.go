package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// IPFilter restricts the gateway webhook endpoints to the bank's notification
// sources. Entries may be single addresses or CIDR ranges. An empty allowlist
// admits everything, which is only sensible against the sandbox.
func IPFilter(allowedIPs []string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := clientAddress(r)

			if !ipAllowed(clientIP, allowedIPs) {
				logger.Warn("webhook rejected: source not in allowlist",
					"client_ip", clientIP,
					"path", r.URL.Path,
				)
				denyJSON(w, http.StatusForbidden, "Forbidden: Source IP not allowed")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientAddress resolves the originating address, preferring the headers a
// fronting proxy sets over the socket peer.
func clientAddress(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First hop in the chain is the originating client.
		if first, _, found := strings.Cut(xff, ","); found || first != "" {
			return strings.TrimSpace(first)
		}
	}

	ip, _, _ := net.SplitHostPort(r.RemoteAddr)
	return ip
}

func ipAllowed(clientIP string, allowedIPs []string) bool {
	if len(allowedIPs) == 0 {
		return true
	}

	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}

	for _, allowed := range allowedIPs {
		if strings.Contains(allowed, "/") {
			_, ipNet, err := net.ParseCIDR(allowed)
			if err == nil && ipNet.Contains(ip) {
				return true
			}
			continue
		}
		if allowedIP := net.ParseIP(allowed); allowedIP != nil && ip.Equal(allowedIP) {
			return true
		}
	}

	return false
}

package middleware

import (
	"log/slog"
	"net"
	"net/http"

	h "churchevents/internal/delivery/http/helpers"
	"churchevents/internal/domain"
)

// RateLimit throttles operation per caller, keyed by user ID when authenticated and by client IP
// otherwise. Limiter failures let the request through.
func RateLimit(limiter domain.RateLimiter, operation string, logger *slog.Logger) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			key := clientIP(r)
			if p, ok := PrincipalFromContext(r.Context()); ok {
				key = p.UserID
			}
			allowed, err := limiter.Allow(r.Context(), operation, key)
			if err != nil {
				logger.WarnContext(r.Context(), "rate limit check failed", "operation", operation, "err", err)
			}
			if !allowed {
				w.Header().Set("Retry-After", "60")
				h.WriteJSONError(w, http.StatusTooManyRequests, h.ErrCodeTooManyRequests, "too many requests, try again later")
				return
			}
			next(w, r)
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package auth

import (
	"net"
	"net/http"

	"github.com/Mindburn-Labs/benchdepot/pkg/api"
)

// RateLimitMiddleware throttles per authenticated principal, falling back
// to the client IP. It must run after NewMiddleware to see the principal.
func RateLimitMiddleware(limiter *api.RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := "ip:" + clientIP(r)
			if p, err := GetPrincipal(r.Context()); err == nil {
				key = "user:" + p.ID
			}

			if ok, retryAfter := limiter.Allow(key); !ok {
				api.WriteTooManyRequests(w, retryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

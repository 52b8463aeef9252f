package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/snappy/internal/ratelimit"
	"github.com/dunamismax/snappy/internal/response"
)

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !shouldRateLimit(r) || s.charge(w, r, ratelimit.CostRequest) {
			next.ServeHTTP(w, r)
		}
	})
}

// chargeTransform bills the remainder of the transform cost once a handler
// knows the request will run the image engine. The middleware has already
// charged the base request cost.
func (s *Server) chargeTransform(w http.ResponseWriter, r *http.Request) bool {
	if s.rateLimiter == nil {
		return true
	}
	extra := s.transformCost - ratelimit.CostRequest
	if extra <= 0 {
		return true
	}
	return s.charge(w, r, extra)
}

// charge takes cost tokens from the client's bucket. When the bucket is
// short it writes 429 and returns false. Limiter failures let the request
// through.
func (s *Server) charge(w http.ResponseWriter, r *http.Request, cost int) bool {
	subject := clientIP(r)
	decision, err := s.rateLimiter.Allow(r.Context(), subject, cost)
	if err != nil {
		s.logger.WithError(err).WithField("subject", subject).Warn("rate limiter check failed")
		return true
	}

	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
	if decision.Allowed {
		return true
	}

	retryAfter := int(decision.RetryAfter.Round(time.Second).Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	s.metrics.rateLimitRejected.WithLabelValues(routeLabel(r.URL.Path)).Inc()
	s.write(w, response.TooManyRequests(retryAfter))
	return false
}

func shouldRateLimit(r *http.Request) bool {
	if r.Method == http.MethodOptions {
		return false
	}
	return strings.HasPrefix(r.URL.Path, "/v1/")
}

// clientIP prefers the first X-Forwarded-For hop, then the peer address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

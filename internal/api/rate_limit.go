package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/dunamismax/viewflow/internal/ratelimit"
)

type RateLimiter interface {
	AllowN(ctx context.Context, subject string, cost int) (ratelimit.Decision, error)
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.admit(w, r, 1) {
			next.ServeHTTP(w, r)
		}
	})
}

// admit charges cost tokens to the caller for this route. It writes the 429 itself and returns
// false when the request must stop. Limiter failures let the request through.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, cost int) bool {
	if s.rateLimiter == nil {
		return true
	}

	subject := s.userID(r)
	if subject == "" {
		subject = "anonymous"
	}
	subject = subject + ":" + routeLabel(r.URL.Path)

	decision, err := s.rateLimiter.AllowN(r.Context(), subject, cost)
	if err != nil {
		s.logger.Printf("rate limiter check failed for subject=%s err=%v", subject, err)
		return true
	}

	if decision.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
	}
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
	if decision.Allowed {
		return true
	}

	retryAfter := int(decision.RetryAfter.Round(time.Second).Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	s.metrics.throttled.WithLabelValues(routeLabel(r.URL.Path)).Inc()
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

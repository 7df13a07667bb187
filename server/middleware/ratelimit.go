package middleware

import (
	"math"
	"net/http"

	"github.com/teilomillet/lindagate/errors"
	"github.com/teilomillet/lindagate/server/metrics"
	"github.com/teilomillet/lindagate/server/ratelimit"
	"go.uber.org/zap"
)

// RateLimit admits requests per client IP. scope separates the counters
// of different routes sharing one limiter. A failing limiter lets the
// request pass.
func RateLimit(scope string, limiter ratelimit.Admitter, m *metrics.Metrics, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ratelimit.ClientIP(r)
			decision, err := limiter.Admit(r.Context(), scope+"|"+ip)
			if err != nil {
				logger.Error("rate limiter failed, admitting request",
					zap.String("scope", scope),
					zap.Error(err),
				)
				next.ServeHTTP(w, r)
				return
			}
			if !decision.Allowed {
				if m != nil {
					m.RateLimitHits.WithLabelValues(scope).Inc()
				}
				logger.Info("rate limit exceeded",
					zap.String("scope", scope),
					zap.String("request_id", GetRequestID(r.Context())),
				)
				retryAfter := int(math.Ceil(decision.RetryAfter.Seconds()))
				errors.WriteError(w, errors.NewRateLimitError(GetRequestID(r.Context()), retryAfter))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

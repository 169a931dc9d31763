package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/vango-go/vai-relay/pkg/core"
	"github.com/vango-go/vai-relay/pkg/gateway/auth"
	"github.com/vango-go/vai-relay/pkg/gateway/config"
	"github.com/vango-go/vai-relay/pkg/gateway/ratelimit"
)

// RateLimit applies the per-principal limiter. WebSocket upgrades take a
// realtime permit held for the life of the connection; other requests take a
// request permit. Anonymous callers are keyed by client IP. onLimited, if
// set, is told which limit rejected a request.
func RateLimit(cfg config.Config, limiter *ratelimit.Limiter, onLimited func(limitType string), next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		key := auth.Key(r, cfg.TrustProxyHeaders)

		limitType := "request"
		var dec ratelimit.Decision
		if IsWebSocketUpgrade(r) {
			limitType = "realtime"
			dec = limiter.AcquireRealtime(key, time.Now())
		} else {
			dec = limiter.AcquireRequest(key, time.Now())
		}
		if !dec.Allowed {
			if onLimited != nil {
				onLimited(limitType)
			}
			reqID, _ := RequestIDFrom(r.Context())
			var retryAfter *int
			if dec.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
				v := dec.RetryAfter
				retryAfter = &v
			}
			writeJSONError(w, http.StatusTooManyRequests, &core.Error{
				Type:       core.ErrRateLimit,
				Message:    "rate limit exceeded",
				RequestID:  reqID,
				RetryAfter: retryAfter,
			})
			return
		}
		defer dec.Permit.Release()
		next.ServeHTTP(w, r)
	})
}

package mw

import (
	"net/http"
	"strings"

	"github.com/vango-go/vai-relay/pkg/core"
	"github.com/vango-go/vai-relay/pkg/gateway/config"
)

const corsAllowedMethods = "GET, POST, OPTIONS"

var corsAllowedHeaders = strings.Join([]string{
	"Authorization",
	"Content-Type",
	"X-Request-ID",
	apiVersionHeader,
}, ", ")

const corsExposedHeaders = "X-Request-ID, Retry-After"

// CORS answers preflights and tags responses for allowlisted browser origins
// only. An empty allowlist disables CORS entirely.
func CORS(cfg config.Config, next http.Handler) http.Handler {
	allowed := cfg.CORSAllowedOrigins
	isAllowed := func(origin string) bool {
		if origin == "" || len(allowed) == 0 {
			return false
		}
		_, ok := allowed[origin]
		return ok
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))

		if r.Method == http.MethodOptions && strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != "" {
			if !isAllowed(origin) {
				reqID, _ := RequestIDFrom(r.Context())
				writeJSONError(w, http.StatusForbidden, &core.Error{
					Type:      core.ErrPermission,
					Message:   "origin not allowed",
					Param:     "Origin",
					RequestID: reqID,
				})
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", corsAllowedMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsAllowedHeaders)
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if isAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Expose-Headers", corsExposedHeaders)
		}
		next.ServeHTTP(w, r)
	})
}

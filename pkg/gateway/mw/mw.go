package mw

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/vai-relay/pkg/core"
	"github.com/vango-go/vai-relay/pkg/gateway/auth"
	"github.com/vango-go/vai-relay/pkg/gateway/config"
)

type ctxKeyRequestID struct{}

func RequestIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeyRequestID{}).(string)
	return id, ok && id != ""
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID{}, id)
}

func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = "req_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}

func Auth(cfg config.Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID, _ := RequestIDFrom(r.Context())

		switch cfg.AuthMode {
		case config.AuthModeDisabled:
			next.ServeHTTP(w, r)
			return
		case config.AuthModeOptional, config.AuthModeRequired:
		default:
			writeJSONError(w, http.StatusInternalServerError, &core.Error{
				Type:      core.ErrAPI,
				Message:   "invalid auth_mode",
				RequestID: reqID,
			})
			return
		}
		if r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		p, ok := auth.Credential(r, IsWebSocketUpgrade(r))
		if !ok {
			if cfg.AuthMode == config.AuthModeRequired {
				writeJSONError(w, http.StatusUnauthorized, &core.Error{
					Type:      core.ErrAuthentication,
					Message:   "missing bearer token",
					Param:     "Authorization",
					RequestID: reqID,
				})
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := cfg.APIKeys[p.APIKey]; !ok {
			writeJSONError(w, http.StatusUnauthorized, &core.Error{
				Type:      core.ErrAuthentication,
				Message:   "invalid api key",
				RequestID: reqID,
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), &p)))
	})
}

func Recover(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				reqID, _ := RequestIDFrom(r.Context())
				if logger != nil {
					logger.Error("panic", "panic", v, "request_id", reqID, "path", r.URL.Path)
				}
				writeJSONError(w, http.StatusInternalServerError, &core.Error{
					Type:      core.ErrAPI,
					Message:   "internal error",
					RequestID: reqID,
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

type hijackWriter struct{ *statusWriter }

// Hijack hands the connection to a WebSocket upgrader. A hijacked request is
// logged as 101.
func (w hijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.status = http.StatusSwitchingProtocols
	return w.ResponseWriter.(http.Hijacker).Hijack()
}

type flushWriter struct{ *statusWriter }

func (w flushWriter) Flush() { w.ResponseWriter.(http.Flusher).Flush() }

type flushHijackWriter struct{ *statusWriter }

func (w flushHijackWriter) Flush() { w.ResponseWriter.(http.Flusher).Flush() }

func (w flushHijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return hijackWriter{w.statusWriter}.Hijack()
}

// wrapStatus records the response status without hiding the optional
// interfaces of the underlying writer.
func wrapStatus(w http.ResponseWriter) (http.ResponseWriter, *statusWriter) {
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	_, canFlush := w.(http.Flusher)
	_, canHijack := w.(http.Hijacker)
	switch {
	case canFlush && canHijack:
		return flushHijackWriter{sw}, sw
	case canHijack:
		return hijackWriter{sw}, sw
	case canFlush:
		return flushWriter{sw}, sw
	default:
		return sw, sw
	}
}

func AccessLog(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww, sw := wrapStatus(w)
		next.ServeHTTP(ww, r)
		if logger == nil {
			return
		}
		reqID, _ := RequestIDFrom(r.Context())
		logger.Info("request",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"upgrade", IsWebSocketUpgrade(r),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type errorEnvelope struct {
	Error *core.Error `json:"error"`
}

func writeJSONError(w http.ResponseWriter, status int, err *core.Error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: err})
}

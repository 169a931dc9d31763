package handlers

import (
	"net/http"
	"time"

	"github.com/vango-go/vai-relay/pkg/core"
	"github.com/vango-go/vai-relay/pkg/gateway/config"
	"github.com/vango-go/vai-relay/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports whether new realtime connections should be routed here.
type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	// Connections reports live realtime connections. Optional.
	Connections func() int
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK            bool     `json:"ok"`
		Draining      bool     `json:"draining"`
		DrainingSince string   `json:"draining_since,omitempty"`
		Mode          string   `json:"mode"`
		AuthMode      string   `json:"auth_mode"`
		LimitsEnabled bool     `json:"limits_enabled"`
		Connections   int      `json:"connections"`
		Issues        []string `json:"issues,omitempty"`
	}

	var issues []string
	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}
	issues = append(issues, h.Config.UpstreamIssues()...)
	if h.Config.WSPingInterval <= 0 || h.Config.WSWriteTimeout <= 0 {
		issues = append(issues, "ws ping interval and write timeout must be > 0")
	}

	draining := h.Lifecycle.IsDraining()
	if draining {
		issues = append(issues, "draining")
	}
	since := ""
	if draining {
		since = h.Lifecycle.DrainingSince().UTC().Format(time.RFC3339)
	}
	conns := 0
	if h.Connections != nil {
		conns = h.Connections()
	}

	ok := len(issues) == 0
	status := http.StatusOK
	switch {
	case draining:
		status = core.StatusOverloaded
	case !ok:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, readyResp{
		OK:            ok,
		Draining:      draining,
		DrainingSince: since,
		Mode:          string(h.Config.Mode),
		AuthMode:      string(h.Config.AuthMode),
		LimitsEnabled: (h.Config.LimitRPS > 0 && h.Config.LimitBurst > 0) || h.Config.LimitMaxConcurrentRequests > 0 || h.Config.LimitMaxRealtimeConns > 0,
		Connections:   conns,
		Issues:        issues,
	})
}

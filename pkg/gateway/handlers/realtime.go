package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-relay/pkg/core"
	"github.com/vango-go/vai-relay/pkg/gateway/agents"
	"github.com/vango-go/vai-relay/pkg/gateway/config"
	"github.com/vango-go/vai-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-relay/pkg/gateway/live/relay"
	"github.com/vango-go/vai-relay/pkg/gateway/live/session"
	"github.com/vango-go/vai-relay/pkg/gateway/live/sessions"
)

// RealtimeHandler upgrades GET /realtime and hands the socket to the relay engine.
type RealtimeHandler struct {
	Config    config.Config
	Engine    *relay.Engine
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle
	Conns     *sessions.Tracker
	// ReadLimit caps a single client message. Zero leaves gorilla's default.
	ReadLimit int64
}

func (h RealtimeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	if r.Method != http.MethodGet {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"}, http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle.IsDraining() {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrOverloaded, Message: "relay is draining", Code: "draining"}, 529)
		return
	}
	if h.Engine == nil {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrAPI, Message: "realtime relay is not configured", Code: "relay_unavailable"}, http.StatusServiceUnavailable)
		return
	}
	if !h.originAllowed(r) {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrPermission, Message: "origin is not allowed", Param: "Origin"}, http.StatusForbidden)
		return
	}

	c, err := h.connection(r)
	if err != nil {
		coreErr, status := coreErrorFrom(err, reqID)
		writeCoreErrorJSON(w, reqID, coreErr, status)
		return
	}
	c.RequestID = reqID
	c.Outbox = session.NewOutbox()

	upgrader := websocket.Upgrader{CheckOrigin: h.originAllowed}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		return
	}
	defer conn.Close()
	if h.ReadLimit > 0 {
		conn.SetReadLimit(h.ReadLimit)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	unregister := h.Conns.Register(uuid.NewString(), sessions.Conn{
		SessionKey: c.SessionKey,
		Cancel:     cancel,
		Outbox:     c.Outbox,
	})
	defer unregister()

	if err := h.Engine.Serve(ctx, conn, c); err != nil && h.Logger != nil {
		h.Logger.Warn("realtime connection ended with error", "session_key", c.SessionKey, "request_id", reqID, "error", err)
	}
}

// connection reads the query parameters for the configured mode. Agent mode
// identifies the conversation by session_state_key and may name the customer.
func (h RealtimeHandler) connection(r *http.Request) (relay.Connection, error) {
	q := r.URL.Query()
	if h.Engine.Mode() == config.RelayModeAgent {
		key := strings.TrimSpace(q.Get("session_state_key"))
		if key == "" {
			key = relay.DefaultAgentSessionKey
		}
		return relay.Connection{
			SessionKey: key,
			Customer: agents.Customer{
				Name: strings.TrimSpace(q.Get("customer_name")),
				ID:   strings.TrimSpace(q.Get("customer_id")),
			},
		}, nil
	}
	key := strings.TrimSpace(q.Get("session_key"))
	if key == "" {
		return relay.Connection{}, core.NewInvalidRequestErrorWithParam("session_key is required", "session_key")
	}
	return relay.Connection{
		SessionKey: key,
		UserLang:   strings.TrimSpace(q.Get("user_lang")),
	}, nil
}

// originAllowed accepts non-browser clients and browser origins on the CORS allowlist.
func (h RealtimeHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

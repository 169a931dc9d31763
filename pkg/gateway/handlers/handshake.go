package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/vango-go/vai-relay/pkg/core"
	"github.com/vango-go/vai-relay/pkg/gateway/live/session"
	"github.com/vango-go/vai-relay/pkg/gateway/metrics"
)

// HandshakeHandler serves GET /handshake: the admission step that creates,
// joins or inspects a two-party translation session before either side opens
// the realtime socket.
type HandshakeHandler struct {
	Sessions *session.Table
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

type handshakeResponse struct {
	Status      string  `json:"status"`
	SessionKey  string  `json:"session_key"`
	Ready       bool    `json:"ready"`
	PartnerLang *string `json:"partner_lang"`
}

func (h HandshakeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	if r.Method != http.MethodGet {
		writeStatusError(w, reqID, &core.Error{Type: core.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"}, http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	action := strings.TrimSpace(q.Get("action"))
	key := strings.TrimSpace(q.Get("session_key"))
	lang := strings.TrimSpace(q.Get("user_lang"))

	var (
		snap session.Snapshot
		err  error
	)
	switch action {
	case "create":
		snap, err = h.Sessions.Create(lang)
	case "join":
		if key == "" || lang == "" {
			h.reject(w, reqID, action, core.NewInvalidRequestErrorWithParam("session_key and user_lang are required", missingParam(key, lang)))
			return
		}
		snap, err = h.Sessions.Join(key, lang)
	case "status":
		if key == "" {
			h.reject(w, reqID, action, core.NewInvalidRequestErrorWithParam("session_key is required", "session_key"))
			return
		}
		snap, err = h.Sessions.Status(key, lang)
	default:
		h.reject(w, reqID, "unknown", core.NewInvalidRequestErrorWithParam("action must be one of create|join|status", "action"))
		return
	}
	if err != nil {
		h.reject(w, reqID, action, err)
		return
	}

	h.Metrics.RecordHandshake(action, "ok")
	if h.Logger != nil {
		h.Logger.Info("handshake", "action", action, "session_key", snap.Key, "user_lang", lang, "ready", snap.Ready, "request_id", reqID)
	}
	writeJSON(w, http.StatusOK, handshakeResponse{
		Status:      "ok",
		SessionKey:  snap.Key,
		Ready:       snap.Ready,
		PartnerLang: snap.PartnerLang,
	})
}

func (h HandshakeHandler) reject(w http.ResponseWriter, reqID, action string, err error) {
	coreErr, status := coreErrorFrom(err, reqID)
	h.Metrics.RecordHandshake(action, "error")
	if h.Logger != nil && status >= http.StatusInternalServerError {
		h.Logger.Error("handshake failed", "action", action, "request_id", reqID, "error", err)
	}
	writeStatusError(w, reqID, coreErr, status)
}

func missingParam(key, lang string) string {
	if key == "" {
		return "session_key"
	}
	return "user_lang"
}

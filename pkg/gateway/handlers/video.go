package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vango-go/vai-relay/pkg/core"
	"github.com/vango-go/vai-relay/pkg/gateway/config"
	"github.com/vango-go/vai-relay/pkg/gateway/store"
)

// VideoFrameHandler serves POST /api/upload_video_frame. Frames are kept for
// the camera tool, newest last.
type VideoFrameHandler struct {
	Config config.Config
	Store  store.Store
	Logger *slog.Logger
}

type videoFrameRequest struct {
	Frame           string `json:"frame"`
	SessionStateKey string `json:"session_state_key"`
}

type videoFrameResponse struct {
	Status          string `json:"status"`
	SessionStateKey string `json:"session_state_key"`
}

func (h VideoFrameHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	if r.Method != http.MethodPost {
		writeStatusError(w, reqID, &core.Error{Type: core.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"}, http.StatusMethodNotAllowed)
		return
	}
	if h.Store == nil {
		writeStatusError(w, reqID, &core.Error{Type: core.ErrAPI, Message: "session store is not configured"}, http.StatusServiceUnavailable)
		return
	}

	if h.Config.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.Config.MaxBodyBytes)
	}
	var req videoFrameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeStatusError(w, reqID, &core.Error{Type: core.ErrInvalidRequest, Message: "request body too large", Code: "body_too_large"}, http.StatusRequestEntityTooLarge)
			return
		}
		writeStatusError(w, reqID, core.NewInvalidRequestError("invalid JSON body"), http.StatusBadRequest)
		return
	}
	req.Frame = strings.TrimSpace(req.Frame)
	req.SessionStateKey = strings.TrimSpace(req.SessionStateKey)
	if req.Frame == "" || req.SessionStateKey == "" {
		param := "frame"
		if req.Frame != "" {
			param = "session_state_key"
		}
		writeStatusError(w, reqID, core.NewInvalidRequestErrorWithParam("Missing frame or session_state_key", param), http.StatusBadRequest)
		return
	}

	n, err := store.AppendFrame(r.Context(), h.Store, req.SessionStateKey, req.Frame, h.Config.VideoMaxFrames)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("video frame store failed", "session_key", req.SessionStateKey, "request_id", reqID, "error", err)
		}
		coreErr, status := coreErrorFrom(core.NewUpstreamError("session store", err), reqID)
		writeStatusError(w, reqID, coreErr, status)
		return
	}
	if h.Logger != nil {
		h.Logger.Debug("video frame stored", "session_key", req.SessionStateKey, "frames", n)
	}
	writeJSON(w, http.StatusOK, videoFrameResponse{Status: "Frame received", SessionStateKey: req.SessionStateKey})
}

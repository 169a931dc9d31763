package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/vango-go/vai-relay/pkg/core"
	"github.com/vango-go/vai-relay/pkg/gateway/apierror"
	"github.com/vango-go/vai-relay/pkg/gateway/mw"
)

func coreErrorFrom(err error, reqID string) (*core.Error, int) {
	return apierror.FromError(err, reqID)
}

// errorBody is the gateway error envelope plus the status field read by
// browser clients of the handshake and upload endpoints.
type errorBody struct {
	Status string      `json:"status,omitempty"`
	Error  *core.Error `json:"error"`
}

func writeCoreErrorJSON(w http.ResponseWriter, reqID string, coreErr *core.Error, status int) {
	if coreErr != nil && coreErr.RequestID == "" {
		coreErr.RequestID = reqID
	}
	writeJSON(w, status, apierror.Envelope{Error: coreErr})
}

func writeStatusError(w http.ResponseWriter, reqID string, coreErr *core.Error, status int) {
	if coreErr != nil && coreErr.RequestID == "" {
		coreErr.RequestID = reqID
	}
	writeJSON(w, status, errorBody{Status: "error", Error: coreErr})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := mw.RequestIDFrom(ctx); ok {
		return id
	}
	return ""
}

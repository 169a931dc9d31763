package mw

import (
	"net/http"
	"strings"

	"github.com/vango-go/vai-relay/pkg/core"
)

const (
	apiVersionHeader    = "X-VAI-Version"
	supportedAPIVersion = "1"
)

// APIVersion rejects JSON API requests that ask for a version other than 1.
// Requests without the header are served as version 1.
func APIVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !versionedRequest(r) {
			next.ServeHTTP(w, r)
			return
		}
		for _, version := range headerTokens(r.Header.Values(apiVersionHeader)) {
			if version == supportedAPIVersion {
				continue
			}
			reqID, _ := RequestIDFrom(r.Context())
			writeJSONError(w, http.StatusBadRequest, &core.Error{
				Type:      core.ErrInvalidRequest,
				Message:   "unsupported API version",
				Param:     apiVersionHeader,
				Code:      "unsupported_version",
				RequestID: reqID,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func versionedRequest(r *http.Request) bool {
	if r.Method == http.MethodOptions || IsWebSocketUpgrade(r) {
		return false
	}
	return r.URL.Path == "/handshake" || strings.HasPrefix(r.URL.Path, "/api/")
}

// IsWebSocketUpgrade reports whether r asks to switch to the WebSocket protocol.
func IsWebSocketUpgrade(r *http.Request) bool {
	if !headerHasToken(r.Header, "Connection", "upgrade") {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket")
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, part := range headerTokens(h.Values(name)) {
		if strings.EqualFold(part, token) {
			return true
		}
	}
	return false
}

// headerTokens splits comma-separated header values, dropping empty parts.
func headerTokens(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}

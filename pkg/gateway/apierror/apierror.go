package apierror

import (
	"context"
	"errors"
	"net/http"

	"github.com/vango-go/vai-relay/pkg/core"
	"github.com/vango-go/vai-relay/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-relay/pkg/gateway/live/session"
)

type Envelope struct {
	Error *core.Error `json:"error"`
}

func FromError(err error, requestID string) (*core.Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	// Context timeouts/cancellation.
	if errors.Is(err, context.DeadlineExceeded) {
		return &core.Error{
			Type:      core.ErrAPI,
			Message:   "request timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &core.Error{
			Type:      core.ErrAPI,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	// Already canonical.
	var coreErr *core.Error
	if errors.As(err, &coreErr) && coreErr != nil {
		out := *coreErr
		out.RequestID = requestID
		return &out, out.Status()
	}

	// Session table errors.
	if errors.Is(err, session.ErrNotFound) {
		return &core.Error{
			Type:      core.ErrNotFound,
			Message:   "session not found",
			Param:     "session_key",
			RequestID: requestID,
		}, http.StatusNotFound
	}
	if errors.Is(err, session.ErrCollision) {
		// Collisions are surfaced rather than retried so a broken key source is visible.
		return &core.Error{
			Type:      core.ErrAPI,
			Message:   "session key already exists",
			Code:      "session_key_collision",
			RequestID: requestID,
		}, http.StatusInternalServerError
	}

	var decodeErr *protocol.DecodeError
	if errors.As(err, &decodeErr) && decodeErr != nil {
		return &core.Error{
			Type:      core.ErrInvalidRequest,
			Message:   decodeErr.Message,
			Param:     decodeErr.Param,
			Code:      decodeErr.Code,
			RequestID: requestID,
		}, http.StatusBadRequest
	}

	// Unknown errors: treat as internal API error (do not leak details by default).
	return &core.Error{
		Type:      core.ErrAPI,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

package handlers

import (
	"net/http"

	"github.com/vango-go/vai-relay/pkg/core"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	writeCoreErrorJSON(w, reqID, &core.Error{
		Type:    core.ErrNotFound,
		Message: "not found",
	}, http.StatusNotFound)
}

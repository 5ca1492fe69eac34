package api

import (
	"net/http"

	"github.com/okian/recsync/internal/domain/model"
	"github.com/okian/recsync/pkg/logger"
)

// InteractionsHandler stores raw UI events.
type InteractionsHandler struct {
	deps Dependencies
	log  logger.Logger
}

// NewInteractionsHandler creates a new interactions handler.
func NewInteractionsHandler(deps Dependencies, log logger.Logger) *InteractionsHandler {
	return &InteractionsHandler{deps: deps, log: log}
}

// HandlePost handles POST /interactions with a JSON array of events.
func (h *InteractionsHandler) HandlePost(w http.ResponseWriter, r *http.Request) {
	const op = "api.interactions"
	var items []model.Interaction
	if err := decodeBody(w, r, &items); err != nil {
		writeError(r.Context(), h.log, w, WrapKind(op, ErrBadRequest, err))
		return
	}
	stored, err := h.deps.RecordInteractions(r.Context(), items)
	if err != nil {
		writeError(r.Context(), h.log, w, Wrap(op, err))
		return
	}
	if stored == nil {
		stored = []model.Interaction{}
	}
	writeJSON(w, http.StatusOK, stored)
}

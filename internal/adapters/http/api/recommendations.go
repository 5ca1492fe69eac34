package api

import (
	"net/http"

	"github.com/okian/recsync/pkg/logger"
)

// RecommendationsHandler serves enriched recommendations.
type RecommendationsHandler struct {
	deps Dependencies
	log  logger.Logger
}

// NewRecommendationsHandler creates a new recommendations handler.
func NewRecommendationsHandler(deps Dependencies, log logger.Logger) *RecommendationsHandler {
	return &RecommendationsHandler{deps: deps, log: log}
}

// HandleGet handles GET /videos/recommendations?userId=.
func (h *RecommendationsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	const op = "api.recommendations"
	id := r.URL.Query().Get("userId")
	if id == "" {
		writeError(r.Context(), h.log, w, NewKind(op, ErrMissingUser))
		return
	}
	recs, err := h.deps.GetRecommendations(r.Context(), id)
	if err != nil {
		writeError(r.Context(), h.log, w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

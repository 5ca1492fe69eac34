package api

import (
	"net/http"

	"github.com/okian/recsync/internal/domain/model"
	"github.com/okian/recsync/pkg/logger"
)

// TopicsHandler lists the topic catalog and bootstraps a user's preference
// profile at the model.
type TopicsHandler struct {
	deps Dependencies
	log  logger.Logger
}

// NewTopicsHandler creates a new topics handler.
func NewTopicsHandler(deps Dependencies, log logger.Logger) *TopicsHandler {
	return &TopicsHandler{deps: deps, log: log}
}

type topicsResponse struct {
	UserID string          `json:"userId"`
	Topics []model.TopicID `json:"topics"`
	Status string          `json:"status"`
}

// HandleList handles GET /topics.
func (h *TopicsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	topics, err := h.deps.ListTopics(r.Context())
	if err != nil {
		writeError(r.Context(), h.log, w, Wrap("api.topics_list", err))
		return
	}
	if topics == nil {
		topics = []model.Topic{}
	}
	writeJSON(w, http.StatusOK, topics)
}

// HandleInitialize handles POST /topics/{userId} with a JSON array of topic
// ids. Ids may be strings or integers.
func (h *TopicsHandler) HandleInitialize(w http.ResponseWriter, r *http.Request) {
	const op = "api.topics_initialize"
	id := r.PathValue("userId")
	if id == "" {
		writeError(r.Context(), h.log, w, WrapKind(op, ErrMissingUser, errMissingPathUser))
		return
	}
	var topics []model.TopicID
	if err := decodeBody(w, r, &topics); err != nil {
		writeError(r.Context(), h.log, w, WrapKind(op, ErrBadRequest, err))
		return
	}
	if err := h.deps.InitializeTopics(r.Context(), id, topics); err != nil {
		writeError(r.Context(), h.log, w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, topicsResponse{UserID: id, Topics: topics, Status: "registered"})
}

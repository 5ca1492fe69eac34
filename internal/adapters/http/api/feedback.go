package api

import (
	"bytes"
	"net/http"

	json "github.com/goccy/go-json"

	service "github.com/okian/recsync/internal/app"
	"github.com/okian/recsync/internal/domain/model"
	"github.com/okian/recsync/pkg/logger"
)

// FeedbackHandler accepts feedback events.
type FeedbackHandler struct {
	deps Dependencies
	log  logger.Logger
}

// NewFeedbackHandler creates a new feedback handler.
func NewFeedbackHandler(deps Dependencies, log logger.Logger) *FeedbackHandler {
	return &FeedbackHandler{deps: deps, log: log}
}

// feedbackBatch accepts either a JSON array of feedback or a single object.
type feedbackBatch []model.Feedback

func (b *feedbackBatch) UnmarshalJSON(data []byte) error {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		var one model.Feedback
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return err
		}
		*b = feedbackBatch{one}
		return nil
	}
	var many []model.Feedback
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*b = many
	return nil
}

// HandlePost handles POST /feedback.
func (h *FeedbackHandler) HandlePost(w http.ResponseWriter, r *http.Request) {
	const op = "api.feedback"
	var batch feedbackBatch
	if err := decodeBody(w, r, &batch); err != nil {
		writeError(r.Context(), h.log, w, WrapKind(op, ErrBadRequest, err))
		return
	}
	if len(batch) == 0 {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	acks, err := h.deps.RecordFeedback(r.Context(), batch)
	if err != nil {
		if anyStored(acks) {
			h.log.Warn(r.Context(), "feedback batch partially stored", logger.Error(err))
			writeJSON(w, http.StatusMultiStatus, acks)
			return
		}
		writeError(r.Context(), h.log, w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, acks)
}

// anyStored reports whether some item is known to the store, either newly
// accepted or already there.
func anyStored(acks []service.FeedbackAck) bool {
	for _, a := range acks {
		if a.Status != service.AckFailed {
			return true
		}
	}
	return false
}

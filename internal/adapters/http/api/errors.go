package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/okian/recsync/internal/adapters/modelclient"
	"github.com/okian/recsync/internal/adapters/repository"
	service "github.com/okian/recsync/internal/app"
)

// Sentinel kinds for API errors.
var (
	ErrBadRequest  = errors.New("bad request")
	ErrMissingUser = errors.New("userId is required")
)

// kindError carries the operation that failed and a sentinel kind, while
// still unwrapping to the underlying cause.
type kindError struct {
	op   string
	kind error
	err  error
}

func (e *kindError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %v", e.op, e.kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.op, e.kind, e.err)
}

func (e *kindError) Unwrap() []error {
	if e.err == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.err}
}

// WrapKind annotates err with op and kind. errors.Is matches both kind and err.
func WrapKind(op string, kind, err error) error {
	return &kindError{op: op, kind: kind, err: err}
}

// NewKind returns an error of kind raised by op.
func NewKind(op string, kind error) error {
	return &kindError{op: op, kind: kind}
}

// Wrap annotates err with op, keeping its kind.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// classify maps an error to an HTTP status and a stable error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, ErrMissingUser),
		errors.Is(err, service.ErrInvalidUserID),
		errors.Is(err, service.ErrInvalidFeedback),
		errors.Is(err, service.ErrInvalidPreferences),
		errors.Is(err, service.ErrInvalidInteraction):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, repository.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, modelclient.ErrTransport),
		errors.Is(err, modelclient.ErrRemoteRejected):
		return http.StatusBadGateway, "model_unavailable"
	case errors.Is(err, service.ErrNotStarted):
		return http.StatusServiceUnavailable, "not_ready"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

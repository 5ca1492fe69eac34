package modelclient

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
)

// Failure kinds. Use errors.Is against these; errors.As against the typed
// errors below for details.
var (
	// ErrTransport covers network failures, timeouts and an open circuit.
	ErrTransport = errors.New("model transport failure")
	// ErrRemoteRejected covers non-2xx answers and undecodable responses.
	ErrRemoteRejected = errors.New("model rejected request")

	// ErrInvalidRequest means the call was refused locally and never sent.
	ErrInvalidRequest = errors.New("invalid model request")

	ErrCircuitOpen = errors.New("circuit open")
	ErrNotReady    = errors.New("profile not ready")
)

// TransportError reports that the model could not be reached in time.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("model %s: transport: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// RemoteError reports that the model answered but refused the request.
type RemoteError struct {
	Op         string
	StatusCode int
	Message    string
	Body       string
}

func (e *RemoteError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if msg == "" {
		msg = "rejected"
	}
	return fmt.Sprintf("model %s: status=%d message=%s", e.Op, e.StatusCode, msg)
}

func (e *RemoteError) Is(target error) bool { return target == ErrRemoteRejected }

// Temporary reports whether retrying may help.
func (e *RemoteError) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// parseRemoteError understands {"error":"..."}, {"error":{"message":"..."}},
// {"message":"..."} and {"detail":"..."} bodies, else keeps the raw text.
func parseRemoteError(op string, status int, raw []byte) *RemoteError {
	body := strings.TrimSpace(string(raw))
	out := &RemoteError{Op: op, StatusCode: status, Body: body}

	var env map[string]any
	if err := json.Unmarshal(raw, &env); err != nil {
		out.Message = body
		return out
	}
	for _, key := range []string{"error", "message", "detail"} {
		switch v := env[key].(type) {
		case string:
			out.Message = strings.TrimSpace(v)
			return out
		case map[string]any:
			if m, ok := v["message"].(string); ok {
				out.Message = strings.TrimSpace(m)
				return out
			}
		}
	}
	out.Message = body
	return out
}

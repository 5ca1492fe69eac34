// Package modelstub is an in-process stand-in for the recommendation model
// service. It records every call so tests can assert on what was sent, and it
// can inject latency and failures per operation.
package modelstub

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/okian/recsync/internal/domain/model"
)

// Operation names, matching the model client's.
const (
	OpRegister       = "register"
	OpRecommend      = "recommend"
	OpSubmitFeedback = "submit_feedback"
	OpUpdateModel    = "update_model"
	OpReady          = "ready"
)

// Call is one request the stub received.
type Call struct {
	Op             string
	UserID         string
	Topics         []model.TopicID
	Body           string
	Batch          []model.Feedback
	IdempotencyKey string
	At             time.Time
}

type failure struct {
	remaining int
	status    int
}

// Server is an http.Handler that behaves like the model service.
type Server struct {
	mu         sync.Mutex
	mux        *http.ServeMux
	profiles   map[string][]model.TopicID
	recs       map[string][]model.RawRecommendation
	folded     map[string][]model.Feedback
	idemKeys   map[string]struct{}
	calls      []Call
	failures   map[string]*failure
	delays     map[string]time.Duration
	readyAfter map[string]int
	inFlight   map[string]int
	maxFlight  map[string]int
}

// New creates an empty stub.
func New() *Server {
	s := &Server{
		mux:        http.NewServeMux(),
		profiles:   make(map[string][]model.TopicID),
		recs:       make(map[string][]model.RawRecommendation),
		folded:     make(map[string][]model.Feedback),
		idemKeys:   make(map[string]struct{}),
		failures:   make(map[string]*failure),
		delays:     make(map[string]time.Duration),
		readyAfter: make(map[string]int),
		inFlight:   make(map[string]int),
		maxFlight:  make(map[string]int),
	}
	s.mux.HandleFunc("POST /register", s.handleRegister)
	s.mux.HandleFunc("GET /recommendations", s.handleRecommend)
	s.mux.HandleFunc("POST /feedback", s.handleFeedback)
	s.mux.HandleFunc("POST /model", s.handleUpdateModel)
	s.mux.HandleFunc("GET /ready", s.handleReady)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// SetRecommendations fixes the list returned for userID.
func (s *Server) SetRecommendations(userID string, recs ...model.RawRecommendation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[userID] = append([]model.RawRecommendation{}, recs...)
}

// FailNext makes the next n calls of op answer with status.
func (s *Server) FailNext(op string, n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = &failure{remaining: n, status: status}
}

// SetDelay makes every call of op wait d before answering.
func (s *Server) SetDelay(op string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[op] = d
}

// SetReadyAfter makes the readiness endpoint answer 404 for the first polls
// after userID registers.
func (s *Server) SetReadyAfter(userID string, polls int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readyAfter[userID] = polls
}

// Calls returns the recorded calls of op, or all calls when op is empty.
func (s *Server) Calls(op string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if op == "" || c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Count returns how many calls of op were received.
func (s *Server) Count(op string) int {
	return len(s.Calls(op))
}

// Folded returns the feedback the stub accepted for userID, replays excluded.
func (s *Server) Folded(userID string) []model.Feedback {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Feedback{}, s.folded[userID]...)
}

// MaxInFlight returns the highest number of concurrent calls of op seen for userID.
func (s *Server) MaxInFlight(op, userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxFlight[op+"/"+userID]
}

// Registered reports whether userID has a profile.
func (s *Server) Registered(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.profiles[userID]
	return ok
}

// begin records the call, tracks concurrency and applies injected latency.
// It returns a non-zero status when a failure was injected.
func (s *Server) begin(c Call) (status int, done func()) {
	c.At = time.Now()
	key := c.Op + "/" + c.UserID

	s.mu.Lock()
	s.calls = append(s.calls, c)
	s.inFlight[key]++
	if s.inFlight[key] > s.maxFlight[key] {
		s.maxFlight[key] = s.inFlight[key]
	}
	delay := s.delays[c.Op]
	if f := s.failures[c.Op]; f != nil && f.remaining > 0 {
		f.remaining--
		status = f.status
	}
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	return status, func() {
		s.mu.Lock()
		s.inFlight[key]--
		s.mu.Unlock()
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	raw, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var topics []model.TopicID
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &topics); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	status, done := s.begin(Call{Op: OpRegister, UserID: userID, Topics: topics, Body: string(raw)})
	defer done()
	if status != 0 {
		writeError(w, status, "injected failure")
		return
	}
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId required")
		return
	}

	s.mu.Lock()
	s.profiles[userID] = topics
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	status, done := s.begin(Call{Op: OpRecommend, UserID: userID})
	defer done()
	if status != 0 {
		writeError(w, status, "injected failure")
		return
	}

	s.mu.Lock()
	recs, fixed := s.recs[userID]
	topics, registered := s.profiles[userID]
	s.mu.Unlock()

	if fixed {
		writeJSON(w, http.StatusOK, recs)
		return
	}
	if !registered {
		writeError(w, http.StatusNotFound, "user not registered")
		return
	}
	out := make([]model.RawRecommendation, 0, len(topics))
	for _, t := range topics {
		out = append(out, model.RawRecommendation{
			VideoID:     "vid-" + t.String(),
			Explanation: fmt.Sprintf("because you picked %s", t),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var batch []model.Feedback
	if err := decode(r, &batch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	userID := ""
	if len(batch) > 0 {
		userID = batch[0].UserID
	}
	key := r.Header.Get("Idempotency-Key")
	status, done := s.begin(Call{Op: OpSubmitFeedback, UserID: userID, Batch: batch, IdempotencyKey: key})
	defer done()
	if status != 0 {
		writeError(w, status, "injected failure")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if key != "" {
		if _, seen := s.idemKeys[key]; seen {
			writeJSON(w, http.StatusOK, map[string]any{"accepted": 0, "replay": true})
			return
		}
		s.idemKeys[key] = struct{}{}
	}
	for _, fb := range batch {
		s.folded[fb.UserID] = append(s.folded[fb.UserID], fb)
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": len(batch)})
}

func (s *Server) handleUpdateModel(w http.ResponseWriter, r *http.Request) {
	var userID string
	if err := decode(r, &userID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, done := s.begin(Call{Op: OpUpdateModel, UserID: userID})
	defer done()
	if status != 0 {
		writeError(w, status, "injected failure")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	status, done := s.begin(Call{Op: OpReady, UserID: userID})
	defer done()
	if status != 0 {
		writeError(w, status, "injected failure")
		return
	}

	s.mu.Lock()
	_, registered := s.profiles[userID]
	pending := s.readyAfter[userID]
	if registered && pending > 0 {
		s.readyAfter[userID] = pending - 1
	}
	s.mu.Unlock()

	if !registered || pending > 0 {
		writeError(w, http.StatusNotFound, "profile not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func decode(r *http.Request, v any) error {
	raw, err := readBody(r)
	if err != nil || len(raw) == 0 {
		return err
	}
	return json.Unmarshal(raw, v)
}

// readBody returns the trimmed body; empty means no body was sent.
func readBody(r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimSpace(string(raw))), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

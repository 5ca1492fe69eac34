// Package api exposes the recommendation service over HTTP.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	json "github.com/goccy/go-json"

	service "github.com/okian/recsync/internal/app"
	"github.com/okian/recsync/internal/domain/model"
	"github.com/okian/recsync/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to the service implementation.
type Dependencies interface {
	StatsProvider

	CreateUser(ctx context.Context, userID string, answers map[string]any) (model.User, error)
	GetUser(ctx context.Context, userID string) (model.UserProfile, error)
	UpdateProfile(ctx context.Context, userID string, prefs model.Preferences) (model.User, error)
	InitializeTopics(ctx context.Context, userID string, topicIDs []model.TopicID) error
	ListTopics(ctx context.Context) ([]model.Topic, error)
	GetRecommendations(ctx context.Context, userID string) ([]model.Recommendation, error)
	RecordFeedback(ctx context.Context, items []model.Feedback) ([]service.FeedbackAck, error)
	RecordInteractions(ctx context.Context, items []model.Interaction) ([]model.Interaction, error)
}

// Server wires HTTP routes for the business API.
type Server struct {
	health          *HealthHandler
	stats           *StatsHandler
	users           *UsersHandler
	topics          *TopicsHandler
	recommendations *RecommendationsHandler
	feedback        *FeedbackHandler
	interactions    *InteractionsHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, log logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	log = log.Named("api")
	return &Server{
		health:          NewHealthHandler(),
		stats:           NewStatsHandler(deps),
		users:           NewUsersHandler(deps, log),
		topics:          NewTopicsHandler(deps, log),
		recommendations: NewRecommendationsHandler(deps, log),
		feedback:        NewFeedbackHandler(deps, log),
		interactions:    NewInteractionsHandler(deps, log),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", MetricsMiddleware(s.health.HandleHealth, "healthz"))
	mux.HandleFunc("GET /stats", MetricsMiddleware(s.stats.HandleStats, "stats"))
	mux.HandleFunc("POST /users/register", MetricsMiddleware(s.users.HandleRegister, "users_register"))
	mux.HandleFunc("POST /users/login", MetricsMiddleware(s.users.HandleLogin, "users_login"))
	mux.HandleFunc("GET /users/{userId}", MetricsMiddleware(s.users.HandleGet, "users_get"))
	mux.HandleFunc("POST /users/{userId}", MetricsMiddleware(s.users.HandleUpdate, "users_update"))
	mux.HandleFunc("GET /topics", MetricsMiddleware(s.topics.HandleList, "topics_list"))
	mux.HandleFunc("POST /topics/{userId}", MetricsMiddleware(s.topics.HandleInitialize, "topics"))
	mux.HandleFunc("GET /videos/recommendations", MetricsMiddleware(s.recommendations.HandleGet, "recommendations"))
	mux.HandleFunc("POST /feedback", MetricsMiddleware(s.feedback.HandlePost, "feedback"))
	mux.HandleFunc("POST /interactions", MetricsMiddleware(s.interactions.HandlePost, "interactions"))
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError classifies err and writes it. Server-side failures are logged.
func writeError(ctx context.Context, log logger.Logger, w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status >= statusInternalError {
		log.Error(ctx, "request failed", logger.Int("status", status), logger.Error(err))
	}
	writeJSON(w, status, errorResponse{Code: code, Message: err.Error()})
}

// decodeBody reads a JSON body of at most maxBodyBytes into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return errEmptyBody
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

var (
	errEmptyBody       = errors.New("empty body")
	errMissingPathUser = errors.New("empty userId path segment")
)

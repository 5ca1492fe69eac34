package api

import (
	"net/http"
	"strings"

	"github.com/okian/recsync/internal/domain/model"
	"github.com/okian/recsync/pkg/logger"
)

// UsersHandler serves sign-up, login and profile reads.
type UsersHandler struct {
	deps Dependencies
	log  logger.Logger
}

// NewUsersHandler creates a new users handler.
func NewUsersHandler(deps Dependencies, log logger.Logger) *UsersHandler {
	return &UsersHandler{deps: deps, log: log}
}

type registerRequest struct {
	UserID  string         `json:"userId"`
	Answers map[string]any `json:"answers"`
}

type loginRequest struct {
	UserID string `json:"userId"`
}

// HandleRegister handles POST /users/register.
func (h *UsersHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	const op = "api.users_register"
	var req registerRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(r.Context(), h.log, w, WrapKind(op, ErrBadRequest, err))
		return
	}
	u, err := h.deps.CreateUser(r.Context(), strings.TrimSpace(req.UserID), req.Answers)
	if err != nil {
		writeError(r.Context(), h.log, w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// HandleLogin handles POST /users/login. Login only checks the user exists.
func (h *UsersHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	const op = "api.users_login"
	var req loginRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(r.Context(), h.log, w, WrapKind(op, ErrBadRequest, err))
		return
	}
	id := strings.TrimSpace(req.UserID)
	if id == "" {
		writeError(r.Context(), h.log, w, NewKind(op, ErrMissingUser))
		return
	}
	p, err := h.deps.GetUser(r.Context(), id)
	if err != nil {
		writeError(r.Context(), h.log, w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, p.User)
}

// HandleGet handles GET /users/{userId}.
func (h *UsersHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	const op = "api.users_get"
	id := r.PathValue("userId")
	if id == "" {
		writeError(r.Context(), h.log, w, WrapKind(op, ErrMissingUser, errMissingPathUser))
		return
	}
	p, err := h.deps.GetUser(r.Context(), id)
	if err != nil {
		writeError(r.Context(), h.log, w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleUpdate handles POST /users/{userId} with a preferences document.
func (h *UsersHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	const op = "api.users_update"
	id := r.PathValue("userId")
	if id == "" {
		writeError(r.Context(), h.log, w, WrapKind(op, ErrMissingUser, errMissingPathUser))
		return
	}
	var prefs model.Preferences
	if err := decodeBody(w, r, &prefs); err != nil {
		writeError(r.Context(), h.log, w, WrapKind(op, ErrBadRequest, err))
		return
	}
	u, err := h.deps.UpdateProfile(r.Context(), id, prefs)
	if err != nil {
		writeError(r.Context(), h.log, w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, u)
}

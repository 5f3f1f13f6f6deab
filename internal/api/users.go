package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/authcore/internal/auth"
)

// ─── Request/Response Types ────────────────────────────────────────

type createUserRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
	Role        string `json:"role,omitempty"`
}

type updateRoleRequest struct {
	Role string `json:"role"`
}

type meResponse struct {
	auth.Identity
	Permissions []string `json:"permissions"`
}

// ─── Handlers ──────────────────────────────────────────────────────

// handleMe returns the caller's identity and the permissions its role grants.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		// Only reachable if the route lost its guard.
		writeInternalError(w, "identity missing from request")
		return
	}
	perms := s.guard.Matrix().Grants(id.Role)
	if perms == nil {
		perms = []string{}
	}
	writeJSON(w, http.StatusOK, meResponse{Identity: id, Permissions: perms})
}

// handleListUsers returns all user accounts.
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.users.List(r.Context())
	if err != nil {
		s.logger.Error("list users failed", "error", err)
		writeInternalError(w, "failed to list users")
		return
	}
	if users == nil {
		users = []auth.User{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"users": users,
		"count": len(users),
	})
}

// handleCreateUser creates a new user account. The role defaults to basic.
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if req.Email == "" || req.Password == "" {
		writeBadRequest(w, "email and password are required")
		return
	}
	if len(req.Password) < auth.MinPasswordLength {
		writeValidationError(w, auth.ErrWeakPassword.Error())
		return
	}

	role := auth.RoleBasic
	if req.Role != "" {
		parsed, err := auth.ParseRole(req.Role)
		if err != nil {
			writeValidationError(w, "invalid role: must be basic, operator or admin")
			return
		}
		role = parsed
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.logger.Error("hash password failed", "error", err)
		writeInternalError(w, "failed to create user")
		return
	}

	user := &auth.User{
		Email:        req.Email,
		DisplayName:  req.DisplayName,
		PasswordHash: hash,
		Role:         role,
		IsActive:     true,
	}

	if err := s.users.Create(r.Context(), user); err != nil {
		switch {
		case errors.Is(err, auth.ErrEmailExists):
			writeConflict(w, "email already registered")
		case errors.Is(err, auth.ErrInvalidEmail):
			writeValidationError(w, "invalid email address")
		default:
			s.logger.Error("create user failed", "error", err)
			writeInternalError(w, "failed to create user")
		}
		return
	}

	caller, _ := auth.IdentityFromContext(r.Context())
	s.logger.Info("user created", "user_id", user.ID, "role", user.Role, "created_by", caller.ID)

	writeJSON(w, http.StatusCreated, user)
}

// handleUpdateUserRole changes a user's role. Access tokens already issued
// keep the old role until they expire; the next refresh carries the new one.
func (s *Server) handleUpdateUserRole(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	role, err := auth.ParseRole(req.Role)
	if err != nil {
		writeValidationError(w, "invalid role: must be basic, operator or admin")
		return
	}

	caller, _ := auth.IdentityFromContext(r.Context())
	if caller.ID == id {
		writeError(w, http.StatusForbidden, ErrCodeForbidden, "cannot change your own role")
		return
	}

	if err := s.users.UpdateRole(r.Context(), id, role); err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			writeNotFound(w, "user not found")
			return
		}
		s.logger.Error("update role failed", "user_id", id, "error", err)
		writeInternalError(w, "failed to update role")
		return
	}

	user, err := s.users.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("reading updated user failed", "user_id", id, "error", err)
		writeInternalError(w, "failed to update role")
		return
	}

	s.logger.Info("user role changed", "user_id", id, "role", role, "changed_by", caller.ID)
	writeJSON(w, http.StatusOK, user)
}

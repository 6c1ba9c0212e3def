package fakeapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aicmr/cms-session/internal/models"
	"github.com/go-chi/chi/v5"
)

const (
	sessionCookieName   = "cms_session"
	csrfHeaderName      = "X-CSRF-Token"
	csrfRejectionDetail = "Invalid CSRF token"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, models.ErrorResponse{Detail: detail})
}

type validationIssue struct {
	Loc []string `json:"loc"`
	Msg string   `json:"msg"`
}

// writeValidation mirrors the 422 body of a FastAPI validation failure.
func writeValidation(w http.ResponseWriter, issues []validationIssue) {
	writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": issues})
}

func (s *Server) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	sid := ""
	if c, err := r.Cookie(sessionCookieName); err == nil && s.store.HasSession(c.Value) {
		sid = c.Value
	}

	if sid == "" {
		sid = s.store.NewSession()
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookieName,
			Value:    sid,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}

	tok := s.store.IssueCSRF(sid)
	s.csrfIssued.Add(1)

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, models.CSRFTokenResponse{CSRFToken: tok})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.Profile
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var issues []validationIssue
	if !strings.Contains(req.Email, "@") {
		issues = append(issues, validationIssue{Loc: []string{"body", "email"}, Msg: "value is not a valid email address"})
	}

	if strings.TrimSpace(req.Username) == "" {
		issues = append(issues, validationIssue{Loc: []string{"body", "username"}, Msg: "field required"})
	}

	if len(req.Password) < 8 {
		issues = append(issues, validationIssue{Loc: []string{"body", "password"}, Msg: "ensure this value has at least 8 characters"})
	}

	if len(issues) > 0 {
		writeValidation(w, issues)
		return
	}

	u, err := s.store.CreateUser(req.Email, req.Username, req.Password)
	if err != nil {
		s.logger.Error("register: hashing password", slog.String("error", err.Error()))
		writeDetail(w, http.StatusInternalServerError, "internal error")

		return
	}

	if u == nil {
		writeDetail(w, http.StatusBadRequest, "Email already registered")
		return
	}

	s.logger.Info("register: user created", slog.Int64("user_id", u.ID))
	writeJSON(w, http.StatusCreated, toModel(u))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req models.Credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}

	u := s.store.Authenticate(req.Email, req.Password)
	if u == nil {
		s.logger.Info("login: bad credentials", slog.String("ip", remoteIP(r)))
		writeDetail(w, http.StatusUnauthorized, "Incorrect email or password")

		return
	}

	access, refresh := s.store.IssueTokens(u.ID, s.cfg.AccessTTL, s.cfg.RefreshTTL)
	s.logger.Info("login: tokens issued", slog.Int64("user_id", u.ID))

	writeJSON(w, http.StatusOK, models.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)

	if d := s.cfg.RefreshDelay; d > 0 {
		time.Sleep(d)
	}

	var req models.RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeDetail(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}

	if s.cfg.FixedRefreshToken {
		ti := s.store.PeekRefresh(req.RefreshToken)
		if ti == nil {
			writeDetail(w, http.StatusUnauthorized, "Invalid refresh token")
			return
		}

		writeJSON(w, http.StatusOK, models.TokenPair{
			AccessToken: s.store.IssueAccess(ti.UserID, s.cfg.AccessTTL),
			TokenType:   "bearer",
		})

		return
	}

	ti := s.store.ConsumeRefresh(req.RefreshToken)
	if ti == nil {
		s.logger.Info("refresh: unknown or reused refresh token", slog.String("ip", remoteIP(r)))
		writeDetail(w, http.StatusUnauthorized, "Invalid refresh token")

		return
	}

	access, refresh := s.store.IssueTokens(ti.UserID, s.cfg.AccessTTL, s.cfg.RefreshTTL)

	writeJSON(w, http.StatusOK, models.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
	})
}

// handleLogout revokes the refresh token and drops the anti-forgery
// session, so a token cached by the client before logout no longer
// matches anything.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.logoutCalls.Add(1)

	var req models.RefreshRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if req.RefreshToken != "" {
		s.store.RevokeRefresh(req.RefreshToken)
	}

	if c, err := r.Cookie(sessionCookieName); err == nil {
		s.store.DropSession(c.Value)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})

	writeJSON(w, http.StatusOK, map[string]string{"message": "Successfully logged out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u := s.store.UserByID(RequestUserID(r.Context()))
	if u == nil {
		writeDetail(w, http.StatusNotFound, "User not found")
		return
	}

	writeJSON(w, http.StatusOK, toModel(u))
}

type postRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Posts())
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	var req postRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if strings.TrimSpace(req.Title) == "" {
		writeValidation(w, []validationIssue{{Loc: []string{"body", "title"}, Msg: "field required"}})
		return
	}

	p := s.store.CreatePost(RequestUserID(r.Context()), req.Title, req.Body)
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleUpdatePost(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "postID"), 10, 64)
	if err != nil {
		writeDetail(w, http.StatusNotFound, "Post not found")
		return
	}

	var req postRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p := s.store.UpdatePost(id, req.Title, req.Body)
	if p == nil {
		writeDetail(w, http.StatusNotFound, "Post not found")
		return
	}

	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "postID"), 10, 64)
	if err != nil || !s.store.DeletePost(id) {
		writeDetail(w, http.StatusNotFound, "Post not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func toModel(u *User) models.User {
	return models.User{
		ID:       u.ID,
		Email:    u.Email,
		Username: u.Username,
		IsActive: true,
		Role:     u.Role,
	}
}

package fakeapi

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/aicmr/cms-session/internal/logging"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// BasePath is where the API is mounted, matching the production backend.
const BasePath = "/backend/api/v1"

// Config tunes the fake backend.
type Config struct {
	// AccessTTL is the access token lifetime. Default 15m.
	AccessTTL time.Duration
	// RefreshTTL is the refresh token lifetime. Default 7 days.
	RefreshTTL time.Duration
	// FixedRefreshToken makes /auth/refresh return only an access token
	// and leave the refresh token valid.
	FixedRefreshToken bool
	// RefreshDelay slows /auth/refresh down, widening the window in which
	// concurrent requests pile up behind one refresh.
	RefreshDelay time.Duration
	// Now overrides the clock. Default time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

// Server is the fake CMS backend.
type Server struct {
	cfg    Config
	store  *Store
	logger *slog.Logger

	refreshCalls atomic.Int64
	logoutCalls  atomic.Int64
	csrfIssued   atomic.Int64
}

// New creates a Server. Call Close to stop the store's cleanup loop.
func New(cfg Config) *Server {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}

	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}

	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	return &Server{
		cfg:    cfg,
		store:  NewStore(cfg.Now),
		logger: cfg.Logger,
	}
}

// Close releases background resources.
func (s *Server) Close() {
	s.store.Stop()
}

// Store exposes backend state to tests.
func (s *Server) Store() *Store {
	return s.store
}

// Handler returns the router with every route mounted under BasePath.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route(BasePath, func(r chi.Router) {
		r.Get("/csrf-token", s.handleCSRFToken)

		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", s.handleRegister)
			r.Post("/login", s.handleLogin)
			r.Post("/refresh", s.handleRefresh)
			r.Post("/logout", s.handleLogout)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireBearer)
			r.Get("/users/me", s.handleMe)

			r.Route("/posts", func(r chi.Router) {
				r.Use(s.requireCSRF)
				r.Get("/", s.handleListPosts)
				r.Post("/", s.handleCreatePost)
				r.Put("/{postID}", s.handleUpdatePost)
				r.Delete("/{postID}", s.handleDeletePost)
			})
		})
	})

	return r
}

// RefreshCalls counts /auth/refresh requests.
func (s *Server) RefreshCalls() int64 { return s.refreshCalls.Load() }

// LogoutCalls counts /auth/logout requests.
func (s *Server) LogoutCalls() int64 { return s.logoutCalls.Load() }

// CSRFIssued counts anti-forgery tokens handed out.
func (s *Server) CSRFIssued() int64 { return s.csrfIssued.Load() }

// ExpireAccessTokens expires every access token issued so far.
func (s *Server) ExpireAccessTokens() { s.store.ExpireAccessTokens() }

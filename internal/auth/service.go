// Package auth is the session façade: login, registration, credential
// refresh and logout against the CMS backend.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aicmr/cms-session/internal/api"
	autherrors "github.com/aicmr/cms-session/internal/errors"
	"github.com/aicmr/cms-session/internal/logging"
	"github.com/aicmr/cms-session/internal/metrics"
	"github.com/aicmr/cms-session/internal/models"
	"golang.org/x/text/unicode/norm"
)

// Endpoint paths, relative to the API base URL.
const (
	PathLogin    = "/auth/login"
	PathRegister = "/auth/register"
	PathRefresh  = "/auth/refresh"
	PathLogout   = "/auth/logout"
	PathMe       = "/users/me"
)

// Store is the credential store the façade reads and writes.
type Store interface {
	AccessToken() string
	RefreshToken() string
	SaveLogin(access, refresh string, t time.Time) error
	RotateTokens(expectedRefresh, access, refresh string) (bool, error)
	Clear() error
	IsAuthenticated() bool
}

// Resetter is per-session client state dropped on logout: the
// anti-forgery token cache and the refresh gate.
type Resetter interface {
	Reset()
}

// Config holds the façade's collaborators.
type Config struct {
	Client    *api.Client
	Store     Store
	Resetters []Resetter
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	// Now overrides the clock used for the login anchor. Default time.Now.
	Now func() time.Time
}

// Service implements login, register, refresh and logout.
type Service struct {
	client    *api.Client
	store     Store
	resetters []Resetter
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	hookMu sync.Mutex
	hooks  []func()
}

// NewService creates a Service and installs it as the client's refresher.
func NewService(cfg Config) *Service {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}

	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Service{
		client:    cfg.Client,
		store:     cfg.Store,
		resetters: cfg.Resetters,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	cfg.Client.SetRefresher(s)

	return s
}

// normalizeEmail applies NFKC so visually identical addresses typed with
// compatibility characters compare equal, then lower-cases.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(email)))
}

// Login exchanges credentials for a token pair and stores it with the
// current time as the session anchor. A rejected login wraps
// ErrInvalidCredentials around the server's *api.APIError.
func (s *Service) Login(ctx context.Context, creds models.Credentials) (*models.TokenPair, error) {
	creds.Email = normalizeEmail(creds.Email)

	var pair models.TokenPair
	if err := s.client.Post(api.SkipAuthRefresh(ctx), PathLogin, creds, &pair); err != nil {
		var apiErr *api.APIError
		if errors.As(err, &apiErr) && apiErr.IsUnauthorized() {
			return nil, fmt.Errorf("%w: %w", autherrors.ErrInvalidCredentials, err)
		}

		return nil, fmt.Errorf("logging in: %w", err)
	}

	if pair.AccessToken == "" || pair.RefreshToken == "" {
		return nil, fmt.Errorf("%w: login response missing tokens", autherrors.ErrAPIResponse)
	}

	if err := s.store.SaveLogin(pair.AccessToken, pair.RefreshToken, s.now()); err != nil {
		return nil, fmt.Errorf("saving credentials: %w", err)
	}

	s.logger.Info("logged in", slog.String("email", creds.Email))

	return &pair, nil
}

// Register creates an account. It does not sign the user in.
func (s *Service) Register(ctx context.Context, profile models.Profile) (*models.User, error) {
	profile.Email = normalizeEmail(profile.Email)

	var user models.User
	if err := s.client.Post(api.SkipAuthRefresh(ctx), PathRegister, profile, &user); err != nil {
		return nil, fmt.Errorf("registering: %w", err)
	}

	s.logger.Info("registered", slog.String("email", user.Email), slog.Int64("user_id", user.ID))

	return &user, nil
}

// RefreshToken trades the stored refresh token for a new pair. Servers
// that keep the refresh token fixed may omit it from the response; the old
// one is then kept. If logout cleared the store while the call was in
// flight nothing is written and ErrSessionReset is returned. On failure
// the store is left as is; the caller decides whether to clear it.
func (s *Service) RefreshToken(ctx context.Context) (*models.TokenPair, error) {
	old := s.store.RefreshToken()
	if old == "" {
		return nil, autherrors.ErrNoRefreshToken
	}

	var pair models.TokenPair

	err := s.client.Post(api.SkipAuthRefresh(ctx), PathRefresh, models.RefreshRequest{RefreshToken: old}, &pair)
	if err == nil && pair.AccessToken == "" {
		err = fmt.Errorf("%w: refresh response missing access_token", autherrors.ErrAPIResponse)
	}

	if err != nil {
		s.metrics.Refreshes.WithLabelValues(metrics.ResultFailure).Inc()

		// Logout revoked old while the call was in flight; the failure
		// belongs to a session that no longer exists.
		if s.store.RefreshToken() != old {
			return nil, fmt.Errorf("%w: refreshing token: %w", autherrors.ErrSessionReset, err)
		}

		return nil, fmt.Errorf("refreshing token: %w", err)
	}

	if pair.RefreshToken == "" {
		pair.RefreshToken = old
	}

	ok, err := s.store.RotateTokens(old, pair.AccessToken, pair.RefreshToken)
	if err != nil {
		s.metrics.Refreshes.WithLabelValues(metrics.ResultFailure).Inc()
		return nil, fmt.Errorf("saving refreshed credentials: %w", err)
	}

	if !ok {
		s.logger.Debug("discarding refresh result, session was reset")
		s.metrics.Refreshes.WithLabelValues(metrics.ResultFailure).Inc()

		return nil, autherrors.ErrSessionReset
	}

	s.metrics.Refreshes.WithLabelValues(metrics.ResultSuccess).Inc()
	s.logger.Debug("access token refreshed")

	return &pair, nil
}

// Logout ends the session. Every step runs regardless of earlier
// failures: the server is told (best effort), per-session client state is
// reset, the store is cleared and the logout hooks run. Only a failure to
// clear the store is returned.
func (s *Service) Logout(ctx context.Context) error {
	refresh := s.store.RefreshToken()

	notified := false

	if refresh != "" {
		err := s.client.Post(api.SkipAuthRefresh(ctx), PathLogout, models.RefreshRequest{RefreshToken: refresh}, nil)
		if err != nil {
			s.logger.Warn("notifying server of logout failed", slog.String("error", err.Error()))
		} else {
			notified = true
		}
	}

	for _, r := range s.resetters {
		r.Reset()
	}

	clearErr := s.store.Clear()
	if clearErr != nil {
		s.logger.Error("clearing credentials", slog.String("error", clearErr.Error()))
	}

	s.metrics.Logouts.WithLabelValues(strconv.FormatBool(notified)).Inc()
	s.logger.Info("logged out", slog.Bool("server_notified", notified))

	s.hookMu.Lock()
	hooks := append([]func(){}, s.hooks...)
	s.hookMu.Unlock()

	for _, h := range hooks {
		h()
	}

	if clearErr != nil {
		return fmt.Errorf("clearing credentials: %w", clearErr)
	}

	return nil
}

// OnLogout registers fn to run after every logout.
func (s *Service) OnLogout(fn func()) {
	s.hookMu.Lock()
	s.hooks = append(s.hooks, fn)
	s.hookMu.Unlock()
}

// CurrentUser returns the signed-in user.
func (s *Service) CurrentUser(ctx context.Context) (*models.User, error) {
	var user models.User
	if err := s.client.Get(ctx, PathMe, &user); err != nil {
		return nil, fmt.Errorf("fetching current user: %w", err)
	}

	return &user, nil
}

// IsLoggedIn reports whether a complete session is stored.
func (s *Service) IsLoggedIn() bool {
	return s.store.IsAuthenticated()
}

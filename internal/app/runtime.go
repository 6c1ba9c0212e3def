// Package app wires one auth runtime: the credential store, the
// anti-forgery cache, the refresh gate, the API client, the session
// façade and the timeout controller, all shared by reference.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aicmr/cms-session/internal/api"
	"github.com/aicmr/cms-session/internal/auth"
	"github.com/aicmr/cms-session/internal/config"
	"github.com/aicmr/cms-session/internal/csrf"
	"github.com/aicmr/cms-session/internal/logging"
	"github.com/aicmr/cms-session/internal/metrics"
	"github.com/aicmr/cms-session/internal/models"
	"github.com/aicmr/cms-session/internal/state"
	"github.com/aicmr/cms-session/internal/timeout"
	"github.com/prometheus/client_golang/prometheus"
)

// Option customizes a Runtime.
type Option func(*options)

type options struct {
	registry   prometheus.Registerer
	navigator  api.Navigator
	onEvent    func(timeout.Event)
	httpClient *http.Client
	store      *state.State
}

// WithRegistry registers the runtime's metrics on reg.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// WithNavigator sets what "go to the login page" means for the host.
func WithNavigator(n api.Navigator) Option {
	return func(o *options) { o.navigator = n }
}

// WithOnEvent receives session timeout events.
func WithOnEvent(fn func(timeout.Event)) Option {
	return func(o *options) { o.onEvent = fn }
}

// WithHTTPClient overrides the HTTP client. It should carry a cookie jar.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithState uses an already open store instead of opening cfg.StatePath.
// The runtime takes ownership and closes it.
func WithState(s *state.State) Option {
	return func(o *options) { o.store = s }
}

// Runtime is one auth runtime.
type Runtime struct {
	cfg    *config.Config
	logger *slog.Logger

	State   *state.State
	CSRF    *csrf.Cache
	Gate    *api.RefreshGate
	Client  *api.Client
	Auth    *auth.Service
	Timeout *timeout.Controller
	Metrics *metrics.Metrics
}

// New opens the credential store and wires a runtime around it.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Runtime, error) {
	o := options{navigator: api.NavigatorFunc(func() {})}
	for _, opt := range opts {
		opt(&o)
	}

	if logger == nil {
		logger = logging.Discard()
	}

	st := o.store
	if st == nil {
		var err error

		st, err = state.LoadAt(cfg.StatePath)
		if err != nil {
			return nil, fmt.Errorf("opening state: %w", err)
		}
	}

	httpClient := o.httpClient
	if httpClient == nil {
		httpClient = api.NewHTTPClient(cfg.HTTPTimeout)
	}

	m := metrics.New(o.registry)

	rt := &Runtime{
		cfg:     cfg,
		logger:  logger,
		State:   st,
		Gate:    api.NewRefreshGate(),
		Metrics: m,
	}

	rt.CSRF = csrf.New(httpClient, cfg.APIBaseURL, logger.With(slog.String("component", "csrf")), m)

	// A session the interceptor could not recover is over; the controller
	// has nothing left to expire.
	interceptorNav := api.NavigatorFunc(func() {
		rt.Timeout.Stop()
		o.navigator.RedirectToLogin()
	})

	rt.Client = api.NewClient(api.Config{
		BaseURL:    cfg.APIBaseURL,
		HTTPClient: httpClient,
		Store:      st,
		CSRF:       rt.CSRF,
		Gate:       rt.Gate,
		Navigator:  interceptorNav,
		Metrics:    m,
		Logger:     logger.With(slog.String("component", "api")),
	})

	rt.Auth = auth.NewService(auth.Config{
		Client:    rt.Client,
		Store:     st,
		Resetters: []auth.Resetter{rt.CSRF, rt.Gate},
		Metrics:   m,
		Logger:    logger.With(slog.String("component", "auth")),
	})

	rt.Timeout = timeout.New(timeout.Config{
		Total:              cfg.SessionTotal,
		Warning:            cfg.SessionWarning,
		ExtendResetsAnchor: cfg.ExtendResetsAnchor,
		Clock:              st,
		Auth:               rt.Auth,
		Navigator:          o.navigator,
		OnEvent:            o.onEvent,
		Metrics:            m,
		Logger:             logger.With(slog.String("component", "timeout")),
	})

	return rt, nil
}

// Login signs in and arms the session timeout.
func (rt *Runtime) Login(ctx context.Context, creds models.Credentials) (*models.TokenPair, error) {
	pair, err := rt.Auth.Login(ctx, creds)
	if err != nil {
		return nil, err
	}

	rt.Timeout.Start(ctx)

	return pair, nil
}

// Register creates an account without signing in.
func (rt *Runtime) Register(ctx context.Context, profile models.Profile) (*models.User, error) {
	return rt.Auth.Register(ctx, profile)
}

// Logout signs out and disarms the session timeout.
func (rt *Runtime) Logout(ctx context.Context) error {
	// Disarm first so an expiry timer cannot run a second logout while
	// this one talks to the server.
	rt.Timeout.Stop()

	return rt.Auth.Logout(ctx)
}

// Resume arms the session timeout for a session persisted by an earlier
// process. A session already past its deadline is ended.
func (rt *Runtime) Resume(ctx context.Context) {
	rt.Timeout.Start(ctx)
}

// Close stops the timers and closes the store.
func (rt *Runtime) Close() error {
	rt.Timeout.Stop()

	if err := rt.State.Close(); err != nil {
		return fmt.Errorf("closing state: %w", err)
	}

	return nil
}

package app

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aicmr/cms-session/internal/config"
	autherrors "github.com/aicmr/cms-session/internal/errors"
	"github.com/aicmr/cms-session/internal/fakeapi"
	"github.com/aicmr/cms-session/internal/models"
	"github.com/aicmr/cms-session/internal/timeout"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const testPassword = "password123"

type fixture struct {
	backend   *fakeapi.Server
	rt        *Runtime
	reg       *prometheus.Registry
	redirects atomic.Int32

	mu     sync.Mutex
	events []timeout.Event
}

func newFixture(t *testing.T, total, warning time.Duration, users ...string) *fixture {
	t.Helper()

	backend := fakeapi.New(fakeapi.Config{})
	t.Cleanup(backend.Close)

	ts := httptest.NewServer(backend.Handler())
	t.Cleanup(ts.Close)

	cfg := &config.Config{
		APIBaseURL:     ts.URL + fakeapi.BasePath,
		StatePath:      filepath.Join(t.TempDir(), "state.db"),
		HTTPTimeout:    5 * time.Second,
		SessionTotal:   total,
		SessionWarning: warning,
	}

	f := &fixture{backend: backend, reg: prometheus.NewRegistry()}

	rt, err := New(cfg, nil,
		WithRegistry(f.reg),
		WithNavigator(navFunc(func() { f.redirects.Add(1) })),
		WithOnEvent(func(e timeout.Event) {
			f.mu.Lock()
			f.events = append(f.events, e)
			f.mu.Unlock()
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	f.rt = rt

	for _, email := range users {
		_, err := rt.Register(context.Background(), models.Profile{Email: email, Username: "u", Password: testPassword})
		require.NoError(t, err)
	}

	return f
}

type navFunc func()

func (f navFunc) RedirectToLogin() { f() }

func (f *fixture) login(t *testing.T, email string) {
	t.Helper()
	_, err := f.rt.Login(context.Background(), models.Credentials{Email: email, Password: testPassword})
	require.NoError(t, err)
}

func (f *fixture) post(ctx context.Context, title string) error {
	return f.rt.Client.Post(ctx, "/posts", map[string]string{"title": title}, nil)
}

func TestRuntime_LoginArmsLogoutDisarms(t *testing.T) {
	f := newFixture(t, 30*time.Minute, 5*time.Minute, "alice@example.com")

	f.login(t, "alice@example.com")
	assert.Equal(t, timeout.Armed, f.rt.Timeout.State())
	assert.True(t, f.rt.Auth.IsLoggedIn())

	require.NoError(t, f.rt.Logout(context.Background()))
	assert.Equal(t, timeout.Idle, f.rt.Timeout.State())
	assert.False(t, f.rt.Auth.IsLoggedIn())
}

func TestRuntime_LogoutDisarmsBeforeSigningOut(t *testing.T) {
	f := newFixture(t, 30*time.Minute, 5*time.Minute, "alice@example.com")
	f.login(t, "alice@example.com")

	var during timeout.State
	f.rt.Auth.OnLogout(func() { during = f.rt.Timeout.State() })

	require.NoError(t, f.rt.Logout(context.Background()))
	assert.Equal(t, timeout.Idle, during, "no timer may be armed while logout runs")
	assert.Equal(t, int64(1), f.backend.LogoutCalls())
	assert.Zero(t, f.redirects.Load())
}

func TestRuntime_RevokedRefreshDropsCSRFToken(t *testing.T) {
	f := newFixture(t, 30*time.Minute, 5*time.Minute, "a@example.com", "b@example.com")
	ctx := context.Background()

	f.login(t, "a@example.com")
	require.NoError(t, f.post(ctx, "first"))
	require.True(t, f.rt.CSRF.Cached())

	f.backend.Store().RevokeRefresh(f.rt.State.RefreshToken())

	err := f.post(ctx, "second")
	require.ErrorIs(t, err, autherrors.ErrSessionExpired)
	assert.Equal(t, int32(1), f.redirects.Load())
	assert.False(t, f.rt.State.IsAuthenticated())
	assert.False(t, f.rt.CSRF.Cached())
	assert.Equal(t, timeout.Idle, f.rt.Timeout.State())

	f.login(t, "b@example.com")
	require.NoError(t, f.post(ctx, "third"))
	assert.Zero(t, testutil.ToFloat64(f.rt.Metrics.CSRFRetries))
}

func TestRuntime_LogoutResetsCrossSessionState(t *testing.T) {
	f := newFixture(t, 30*time.Minute, 5*time.Minute, "a@example.com", "b@example.com")
	ctx := context.Background()

	f.login(t, "a@example.com")
	require.NoError(t, f.post(ctx, "first"))
	require.NoError(t, f.rt.Logout(ctx))

	f.login(t, "b@example.com")
	require.NoError(t, f.post(ctx, "second"))

	assert.Zero(t, testutil.ToFloat64(f.rt.Metrics.CSRFRetries), "no anti-forgery rejection after switching users")

	user, err := f.rt.Auth.CurrentUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b@example.com", user.Email)
}

func TestRuntime_LogoutIdempotent(t *testing.T) {
	f := newFixture(t, 30*time.Minute, 5*time.Minute, "a@example.com")
	f.login(t, "a@example.com")

	require.NoError(t, f.rt.Logout(context.Background()))
	require.NoError(t, f.rt.Logout(context.Background()))

	assert.False(t, f.rt.Auth.IsLoggedIn())
	assert.Equal(t, int64(1), f.backend.LogoutCalls())
}

func TestRuntime_SingleFlightRefreshAcrossRequests(t *testing.T) {
	f := newFixture(t, 30*time.Minute, 5*time.Minute, "a@example.com")
	f.login(t, "a@example.com")
	f.backend.ExpireAccessTokens()

	g, ctx := errgroup.WithContext(context.Background())
	for i := range 12 {
		g.Go(func() error {
			if i%3 == 0 {
				return f.post(ctx, "p")
			}
			_, err := f.rt.Auth.CurrentUser(ctx)
			return err
		})
	}

	require.NoError(t, g.Wait())
	assert.Equal(t, int64(1), f.backend.RefreshCalls())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.rt.Metrics.Refreshes.WithLabelValues("success")))
}

func TestRuntime_UnrecoverableSessionStopsTimeout(t *testing.T) {
	f := newFixture(t, 30*time.Minute, 5*time.Minute, "a@example.com")
	f.login(t, "a@example.com")

	f.backend.Store().RevokeRefresh(f.rt.State.RefreshToken())

	_, err := f.rt.Auth.CurrentUser(context.Background())
	assert.ErrorIs(t, err, autherrors.ErrSessionExpired)
	assert.Equal(t, timeout.Idle, f.rt.Timeout.State())
	assert.Equal(t, int32(1), f.redirects.Load())
}

func TestRuntime_TimeoutExpiresSession(t *testing.T) {
	f := newFixture(t, 400*time.Millisecond, 200*time.Millisecond, "a@example.com")
	f.login(t, "a@example.com")

	// Navigation is the last step of expiry.
	require.Eventually(t, func() bool { return f.redirects.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, timeout.Expired, f.rt.Timeout.State())
	assert.False(t, f.rt.Auth.IsLoggedIn())
	assert.Equal(t, int64(1), f.backend.LogoutCalls())

	f.mu.Lock()
	defer f.mu.Unlock()
	var kinds []timeout.EventKind
	for _, e := range f.events {
		if e.Kind != timeout.EventTick {
			kinds = append(kinds, e.Kind)
		}
	}
	assert.Equal(t, []timeout.EventKind{timeout.EventArmed, timeout.EventWarning, timeout.EventExpired}, kinds)
}

func TestRuntime_ExtendRotatesCredentials(t *testing.T) {
	f := newFixture(t, 30*time.Minute, 5*time.Minute, "a@example.com")
	f.login(t, "a@example.com")
	before := f.rt.State.RefreshToken()

	require.NoError(t, f.rt.Timeout.Extend(context.Background()))

	assert.NotEqual(t, before, f.rt.State.RefreshToken())
	assert.Equal(t, timeout.Armed, f.rt.Timeout.State())
}

func TestRuntime_ResumeWithoutSessionIsIdle(t *testing.T) {
	f := newFixture(t, 30*time.Minute, 5*time.Minute)

	f.rt.Resume(context.Background())
	assert.Equal(t, timeout.Idle, f.rt.Timeout.State())
}

func TestRuntime_MetricsRegistered(t *testing.T) {
	f := newFixture(t, 30*time.Minute, 5*time.Minute, "a@example.com")
	f.login(t, "a@example.com")

	n, err := testutil.GatherAndCount(f.reg, "cms_session_csrf_fetches_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

package e2e_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aicmr/cms-session/internal/api"
	"github.com/aicmr/cms-session/internal/app"
	"github.com/aicmr/cms-session/internal/config"
	"github.com/aicmr/cms-session/internal/fakeapi"
	"github.com/aicmr/cms-session/internal/models"
	"github.com/aicmr/cms-session/internal/timeout"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const (
	testEmail    = "editor@example.com"
	testUsername = "editor"
	testPassword = "correct-horse"
)

// harness holds the full e2e stack: the fake backend behind a real HTTP
// server and a runtime wired exactly as the CLI wires it.
type harness struct {
	Backend   *fakeapi.Server
	Runtime   *app.Runtime
	Registry  *prometheus.Registry
	URL       string
	redirects atomic.Int64

	mu     sync.Mutex
	events []timeout.Event
}

type harnessOpts struct {
	backend fakeapi.Config
	total   time.Duration
	warning time.Duration
}

// newHarness starts the fake backend, seeds one account and builds a
// runtime against an isolated state file.
func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()

	if opts.total == 0 {
		opts.total = 30 * time.Minute
	}

	if opts.warning == 0 {
		opts.warning = 5 * time.Minute
	}

	backend := fakeapi.New(opts.backend)
	t.Cleanup(backend.Close)

	_, err := backend.Store().CreateUser(testEmail, testUsername, testPassword)
	require.NoError(t, err)

	ts := httptest.NewServer(backend.Handler())
	t.Cleanup(ts.Close)

	h := &harness{
		Backend:  backend,
		Registry: prometheus.NewRegistry(),
		URL:      ts.URL + fakeapi.BasePath,
	}

	cfg := &config.Config{
		APIBaseURL:     h.URL,
		StatePath:      filepath.Join(t.TempDir(), "state.db"),
		HTTPTimeout:    5 * time.Second,
		SessionTotal:   opts.total,
		SessionWarning: opts.warning,
	}

	rt, err := app.New(cfg, nil,
		app.WithRegistry(h.Registry),
		app.WithNavigator(api.NavigatorFunc(func() { h.redirects.Add(1) })),
		app.WithOnEvent(h.record),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	h.Runtime = rt

	return h
}

func (h *harness) record(e timeout.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.events = append(h.events, e)
}

// kinds returns the event kinds seen so far, ticks excluded.
func (h *harness) kinds() []timeout.EventKind {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []timeout.EventKind

	for _, e := range h.events {
		if e.Kind != timeout.EventTick {
			out = append(out, e.Kind)
		}
	}

	return out
}

func (h *harness) login(t *testing.T) {
	t.Helper()

	_, err := h.Runtime.Login(context.Background(), models.Credentials{Email: testEmail, Password: testPassword})
	require.NoError(t, err)
}

func (h *harness) createPost(ctx context.Context, title string) (*fakeapi.Post, error) {
	var p fakeapi.Post
	if err := h.Runtime.Client.Post(ctx, "/posts", map[string]string{"title": title, "body": "text"}, &p); err != nil {
		return nil, err
	}

	return &p, nil
}

// waitFor polls until cond returns true or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(10 * time.Millisecond)
	}

	t.Fatal("timed out waiting for condition")
}

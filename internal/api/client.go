// Package api is the request/response interceptor every CMS API call goes
// through. It attaches the bearer credential and anti-forgery token,
// recovers from anti-forgery rejections, and runs the single-flight
// credential refresh protocol on 401 responses.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"time"

	autherrors "github.com/aicmr/cms-session/internal/errors"
	"github.com/aicmr/cms-session/internal/logging"
	"github.com/aicmr/cms-session/internal/metrics"
	"github.com/aicmr/cms-session/internal/models"
	"golang.org/x/net/publicsuffix"
)

// CSRFHeader carries the anti-forgery token on mutating requests.
const CSRFHeader = "X-CSRF-Token"

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 1024 * 1024

	// refreshTimeout bounds a refresh run on behalf of several requests.
	refreshTimeout = 15 * time.Second
)

// TokenStore is the part of the credential store the interceptor needs.
type TokenStore interface {
	AccessToken() string
	// Session returns the bearer together with the session epoch. The
	// epoch changes on every login and every clear, never on rotation.
	Session() (bearer string, epoch uint64)
	Clear() error
}

// CSRFSource supplies and invalidates the anti-forgery token.
type CSRFSource interface {
	Token(ctx context.Context) string
	Invalidate()
}

// Refresher mints a new credential pair and stores it.
type Refresher interface {
	RefreshToken(ctx context.Context) (*models.TokenPair, error)
}

// Navigator sends the user to the login entry point.
type Navigator interface {
	RedirectToLogin()
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func()

// RedirectToLogin calls f.
func (f NavigatorFunc) RedirectToLogin() { f() }

// Config holds the interceptor's collaborators. Store, CSRF and Gate are
// required; they are shared by reference with the rest of the runtime.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Store      TokenStore
	CSRF       CSRFSource
	Gate       *RefreshGate
	Navigator  Navigator
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Client talks to the CMS REST API through the interceptor.
type Client struct {
	httpClient *http.Client
	baseURL    string
	store      TokenStore
	csrf       CSRFSource
	gate       *RefreshGate
	navigator  Navigator
	metrics    *metrics.Metrics
	logger     *slog.Logger

	refresher Refresher
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents credentials from
// leaking to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewHTTPClient returns an http.Client with a cookie jar, which the
// anti-forgery double-submit check needs, and the same-host redirect
// policy.
func NewHTTPClient(timeout time.Duration) *http.Client {
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})

	return &http.Client{
		Timeout:       timeout,
		Jar:           jar,
		CheckRedirect: sameHostRedirectPolicy,
	}
}

// NewClient creates an API client. Call SetRefresher before issuing
// requests that may need a credential refresh.
func NewClient(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = NewHTTPClient(30 * time.Second)
	}

	if cfg.Gate == nil {
		cfg.Gate = NewRefreshGate()
	}

	if cfg.Navigator == nil {
		cfg.Navigator = NavigatorFunc(func() {})
	}

	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}

	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	return &Client{
		httpClient: cfg.HTTPClient,
		baseURL:    cfg.BaseURL,
		store:      cfg.Store,
		csrf:       cfg.CSRF,
		gate:       cfg.Gate,
		navigator:  cfg.Navigator,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}
}

// SetRefresher installs the refresh path. The façade that implements it
// is itself built on this client, hence the setter.
func (c *Client) SetRefresher(r Refresher) {
	c.refresher = r
}

// BaseURL returns the API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// HTTPClient returns the underlying client (and cookie jar).
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

type skipRefreshKey struct{}

// SkipAuthRefresh marks requests made with the returned context as exempt
// from the 401 refresh protocol. The façade's own auth endpoints use it:
// a 401 from /auth/refresh must never wait on the refresh it belongs to.
func SkipAuthRefresh(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipRefreshKey{}, true)
}

func skipsAuthRefresh(ctx context.Context) bool {
	v, _ := ctx.Value(skipRefreshKey{}).(bool)
	return v
}

// attempt tracks which one-shot recoveries a request has used.
type attempt struct {
	csrfRetried bool
	authRetried bool
	// csrfToken overrides the cached token for a CSRF replay.
	csrfToken string
	// epoch is the session the request was first sent in. Replays are
	// refused once it changes.
	epoch  uint64
	pinned bool
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}

	return false
}

// Do sends req through the interceptor. It returns the response only for
// 2xx statuses; every other status becomes an *APIError. A session that
// cannot be recovered yields an error matching ErrSessionExpired.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var body []byte

	if req.Body != nil && req.Body != http.NoBody {
		b, err := io.ReadAll(req.Body)
		req.Body.Close()

		if err != nil {
			return nil, fmt.Errorf("buffering request body: %w", err)
		}

		body = b
	}

	return c.send(req, body, attempt{})
}

func (c *Client) send(orig *http.Request, body []byte, at attempt) (*http.Response, error) {
	ctx := orig.Context()
	req := orig.Clone(ctx)

	if body != nil {
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		req.ContentLength = int64(len(body))
	}

	bearer, epoch := c.store.Session()
	if at.pinned && epoch != at.epoch {
		return nil, c.sessionReset(orig, nil)
	}

	at.epoch, at.pinned = epoch, true

	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	} else {
		req.Header.Del("Authorization")
	}

	if isMutating(req.Method) {
		tok := at.csrfToken
		if tok == "" {
			tok = c.csrf.Token(ctx)
		}

		if tok != "" {
			req.Header.Set(CSRFHeader, tok)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: sending request to %s: %w", autherrors.ErrAPIRequest, req.URL.Path, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	apiErr := readAPIError(req, resp)

	switch {
	case apiErr.IsCSRFRejection() && !at.csrfRetried:
		return c.retryCSRF(orig, body, at, apiErr)
	case apiErr.IsUnauthorized() && !at.authRetried && !skipsAuthRefresh(ctx):
		at.authRetried = true
		return c.recoverUnauthorized(orig, body, at, bearer, apiErr)
	}

	return nil, apiErr
}

// retryCSRF replays a request rejected for its anti-forgery token once,
// with a freshly fetched token.
func (c *Client) retryCSRF(orig *http.Request, body []byte, at attempt, apiErr *APIError) (*http.Response, error) {
	c.csrf.Invalidate()

	tok := c.csrf.Token(orig.Context())
	if tok == "" {
		return nil, apiErr
	}

	c.logger.Debug("retrying request with fresh CSRF token",
		slog.String("method", orig.Method),
		slog.String("path", orig.URL.Path),
	)
	c.metrics.CSRFRetries.Inc()
	c.metrics.Replays.WithLabelValues(metrics.ReplayCSRF).Inc()

	at.csrfRetried = true
	at.csrfToken = tok

	return c.send(orig, body, at)
}

// recoverUnauthorized runs the single-flight refresh protocol for a
// request that got a 401 while carrying bearer sent.
func (c *Client) recoverUnauthorized(orig *http.Request, body []byte, at attempt, sent string, apiErr *APIError) (*http.Response, error) {
	ctx := orig.Context()
	at.csrfToken = ""

	// The session the request belonged to already ended; its 401 says
	// nothing about the credential now in the store.
	if _, epoch := c.store.Session(); epoch != at.epoch {
		return nil, c.sessionReset(orig, apiErr)
	}

	flight, role := c.gate.Join(c.store.AccessToken, sent)

	switch role {
	case RoleRotated:
		c.metrics.Replays.WithLabelValues(metrics.ReplayRotated).Inc()
		return c.send(orig, body, at)

	case RoleWaiter:
		err := flight.Wait(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		if errors.Is(err, autherrors.ErrSessionReset) {
			return nil, c.sessionReset(orig, apiErr)
		}

		if c.store.AccessToken() == "" {
			return nil, fmt.Errorf("%w: %w", autherrors.ErrSessionExpired, apiErr)
		}

		c.metrics.Replays.WithLabelValues(metrics.ReplayWaited).Inc()

		return c.send(orig, body, at)
	}

	err := c.refresh(ctx)
	if err != nil {
		// A refresh that fails after logout (or logout and a new login)
		// belongs to the old session and must not touch the new one.
		if _, epoch := c.store.Session(); epoch != at.epoch && !errors.Is(err, autherrors.ErrSessionReset) {
			err = fmt.Errorf("%w: %w", autherrors.ErrSessionReset, err)
		}

		reset := errors.Is(err, autherrors.ErrSessionReset)
		if !reset {
			if clearErr := c.store.Clear(); clearErr != nil {
				c.logger.Error("clearing credentials after failed refresh", slog.String("error", clearErr.Error()))
			}

			c.csrf.Invalidate()
		}

		c.gate.Finish(flight, err)

		c.logger.Info("credential refresh failed, session ended", slog.String("error", err.Error()))

		if !reset {
			c.navigator.RedirectToLogin()
		}

		return nil, fmt.Errorf("%w: %w", autherrors.ErrSessionExpired, err)
	}

	c.gate.Finish(flight, nil)
	c.metrics.Replays.WithLabelValues(metrics.ReplayRefreshed).Inc()

	return c.send(orig, body, at)
}

// sessionReset is the error for a request whose session ended (logout,
// or logout followed by another login) before it could be replayed. It
// matches both ErrSessionExpired and ErrSessionReset.
func (c *Client) sessionReset(orig *http.Request, apiErr *APIError) error {
	c.logger.Debug("dropping request from an ended session",
		slog.String("method", orig.Method),
		slog.String("path", orig.URL.Path),
	)

	if apiErr != nil {
		return fmt.Errorf("%w: %w: %w", autherrors.ErrSessionExpired, autherrors.ErrSessionReset, apiErr)
	}

	return fmt.Errorf("%w: %w: %s %s", autherrors.ErrSessionExpired, autherrors.ErrSessionReset, orig.Method, orig.URL.Path)
}

// refresh runs the refresher detached from ctx: other requests are
// waiting on the result, so one caller's cancellation must not abort it.
func (c *Client) refresh(ctx context.Context) error {
	if c.refresher == nil {
		return errors.New("no refresher configured")
	}

	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
	defer cancel()

	start := time.Now()
	_, err := c.refresher.RefreshToken(refreshCtx)
	c.metrics.RefreshDuration.Observe(time.Since(start).Seconds())

	return err
}

// Get sends a GET and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

// Post sends a JSON POST and decodes the response into out.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.doJSON(ctx, http.MethodPost, path, body, out)
}

// Put sends a JSON PUT and decodes the response into out.
func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	return c.doJSON(ctx, http.MethodPut, path, body, out)
}

// Patch sends a JSON PATCH and decodes the response into out.
func (c *Client) Patch(ctx context.Context, path string, body, out any) error {
	return c.doJSON(ctx, http.MethodPatch, path, body, out)
}

// Delete sends a DELETE and decodes any response body into out.
func (c *Client) Delete(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodDelete, path, nil, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", path, err)
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: decoding response from %s: %w", autherrors.ErrAPIResponse, path, err)
	}

	return nil
}

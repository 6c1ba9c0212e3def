// Package csrf caches the server-issued anti-forgery token used in the
// double-submit cookie pattern on mutating requests.
package csrf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/aicmr/cms-session/internal/logging"
	"github.com/aicmr/cms-session/internal/metrics"
	"github.com/aicmr/cms-session/internal/models"
	"golang.org/x/sync/singleflight"
)

// TokenPath is the token-issuing endpoint, relative to the API base URL.
const TokenPath = "/csrf-token"

const (
	// fetchTimeout bounds the shared fetch. It is detached from any single
	// caller's context so one caller giving up does not fail the others.
	fetchTimeout = 10 * time.Second

	// maxTokenResponseBytes caps the token response read.
	maxTokenResponseBytes = 64 * 1024
)

var errEmptyToken = errors.New("server returned an empty csrf_token")

// Cache lazily fetches the anti-forgery token and shares one in-flight
// fetch between all concurrent callers. It has no expiry of its own; the
// token is dropped only by Invalidate or Reset.
type Cache struct {
	httpClient *http.Client
	tokenURL   string
	logger     *slog.Logger
	metrics    *metrics.Metrics

	group singleflight.Group

	mu    sync.Mutex
	token string
	// gen is bumped on every invalidation. A fetch started under an older
	// generation may still answer its own waiters but never repopulates
	// the cache.
	gen uint64
}

// New creates a Cache fetching from baseURL+TokenPath. httpClient must be
// the same client (and cookie jar) the API requests use, since the
// server binds the token to the session cookie.
func New(httpClient *http.Client, baseURL string, logger *slog.Logger, m *metrics.Metrics) *Cache {
	if logger == nil {
		logger = logging.Discard()
	}

	if m == nil {
		m = metrics.New(nil)
	}

	return &Cache{
		httpClient: httpClient,
		tokenURL:   baseURL + TokenPath,
		logger:     logger,
		metrics:    m,
	}
}

// Token returns the cached token, fetching it if needed. It returns ""
// when the fetch fails or ctx ends first; the request then goes out
// without the header and the server's rejection drives invalidation.
func (c *Cache) Token(ctx context.Context) string {
	c.mu.Lock()
	if c.token != "" {
		tok := c.token
		c.mu.Unlock()

		return tok
	}

	gen := c.gen
	c.mu.Unlock()

	ch := c.group.DoChan(strconv.FormatUint(gen, 10), func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()

		tok, err := c.fetch(fetchCtx)
		if err != nil {
			c.metrics.CSRFFetches.WithLabelValues(metrics.ResultFailure).Inc()
			return "", err
		}

		c.metrics.CSRFFetches.WithLabelValues(metrics.ResultSuccess).Inc()

		c.mu.Lock()
		if c.gen == gen {
			c.token = tok
		}
		c.mu.Unlock()

		return tok, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			c.logger.Warn("fetching CSRF token failed", slog.String("error", res.Err.Error()))
			return ""
		}

		return res.Val.(string)
	case <-ctx.Done():
		return ""
	}
}

// Invalidate drops the cached token. The next Token call fetches anew.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.gen++
	c.mu.Unlock()
}

// Reset is Invalidate for the logout path.
func (c *Cache) Reset() {
	c.Invalidate()
	c.logger.Debug("CSRF token cache reset")
}

// Cached reports whether a token is currently cached.
func (c *Cache) Cached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.token != ""
}

func (c *Cache) fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.tokenURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sending request to %s: %w", TokenPath, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return "", fmt.Errorf("reading response from %s: %w", TokenPath, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s returned status %d", TokenPath, resp.StatusCode)
	}

	var tr models.CSRFTokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("decoding response from %s: %w", TokenPath, err)
	}

	if tr.CSRFToken == "" {
		return "", errEmptyToken
	}

	return tr.CSRFToken, nil
}

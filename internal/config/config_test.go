package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"CMS_API_BASE_URL",
		"CMS_STATE_PATH",
		"CMS_HTTP_TIMEOUT",
		"SESSION_TOTAL",
		"SESSION_WARNING",
		"SESSION_EXTEND_RESETS_ANCHOR",
		"CMS_EMAIL",
		"CMS_PASSWORD",
		"FAKE_API_ADDR",
		"METRICS_ADDR",
		"ENVIRONMENT",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// setStatePath points the state db at a temp dir so tests never touch $HOME.
func setStatePath(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "state.db")
	t.Setenv("CMS_STATE_PATH", path)

	return path
}

// --- Load: defaults ---

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	path := setStatePath(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000/backend/api/v1", cfg.APIBaseURL)
	assert.Equal(t, path, cfg.StatePath)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 30*time.Minute, cfg.SessionTotal)
	assert.Equal(t, 5*time.Minute, cfg.SessionWarning)
	assert.False(t, cfg.ExtendResetsAnchor)
	assert.Equal(t, ":8000", cfg.FakeAPIAddr)
	assert.Empty(t, cfg.MetricsAddr)
	assert.Equal(t, "development", cfg.Environment)
}

func TestLoad_DefaultStatePathUnderHome(t *testing.T) {
	clearConfigEnv(t)
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".cms-session", "state.db"), cfg.StatePath)
}

func TestLoad_Overrides(t *testing.T) {
	clearConfigEnv(t)
	setStatePath(t)
	t.Setenv("CMS_API_BASE_URL", "https://cms.example.com/backend/api/v1/")
	t.Setenv("CMS_HTTP_TIMEOUT", "5s")
	t.Setenv("SESSION_TOTAL", "10m")
	t.Setenv("SESSION_WARNING", "1m")
	t.Setenv("SESSION_EXTEND_RESETS_ANCHOR", "true")
	t.Setenv("CMS_EMAIL", "editor@example.com")
	t.Setenv("CMS_PASSWORD", "hunter22")
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://cms.example.com/backend/api/v1", cfg.APIBaseURL, "trailing slash is trimmed")
	assert.Equal(t, 5*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 10*time.Minute, cfg.SessionTotal)
	assert.Equal(t, time.Minute, cfg.SessionWarning)
	assert.True(t, cfg.ExtendResetsAnchor)
	assert.Equal(t, "editor@example.com", cfg.Email)
	assert.Equal(t, "hunter22", cfg.Password)
	assert.Equal(t, "production", cfg.Environment)
}

func TestLoad_RelativeStatePathMadeAbsolute(t *testing.T) {
	clearConfigEnv(t)
	t.Chdir(t.TempDir())
	t.Setenv("CMS_STATE_PATH", "state.db")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.StatePath))
}

// --- Load: validation ---

func TestLoad_InvalidBaseURL(t *testing.T) {
	clearConfigEnv(t)
	setStatePath(t)
	t.Setenv("CMS_API_BASE_URL", "not a url")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CMS_API_BASE_URL")
}

func TestLoad_NonHTTPBaseURL(t *testing.T) {
	clearConfigEnv(t)
	setStatePath(t)
	t.Setenv("CMS_API_BASE_URL", "ftp://cms.example.com/api")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http or https")
}

func TestLoad_WarningNotShorterThanTotal(t *testing.T) {
	clearConfigEnv(t)
	setStatePath(t)
	t.Setenv("SESSION_TOTAL", "5m")
	t.Setenv("SESSION_WARNING", "5m")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SESSION_WARNING")
}

func TestLoad_NonPositiveTimeout(t *testing.T) {
	clearConfigEnv(t)
	setStatePath(t)
	t.Setenv("CMS_HTTP_TIMEOUT", "0s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CMS_HTTP_TIMEOUT")
}

func TestLoad_UnparsableDuration(t *testing.T) {
	clearConfigEnv(t)
	setStatePath(t)
	t.Setenv("SESSION_TOTAL", "half an hour")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

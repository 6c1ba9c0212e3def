package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aicmr/cms-session/internal/fakeapi"
	"github.com/aicmr/cms-session/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupEnv(t *testing.T) *fakeapi.Server {
	t.Helper()

	backend := fakeapi.New(fakeapi.Config{})
	t.Cleanup(backend.Close)

	ts := httptest.NewServer(backend.Handler())
	t.Cleanup(ts.Close)

	t.Chdir(t.TempDir())
	t.Setenv("CMS_API_BASE_URL", ts.URL+fakeapi.BasePath)
	t.Setenv("CMS_STATE_PATH", filepath.Join(t.TempDir(), "state.db"))
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("CMS_EMAIL", "")
	t.Setenv("CMS_PASSWORD", "")
	t.Setenv("METRICS_ADDR", "")

	return backend
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)

	err := root.ExecuteContext(context.Background())

	return out.String(), err
}

func TestCLI_RegisterLoginWhoamiLogout(t *testing.T) {
	backend := setupEnv(t)

	out, err := execute(t, "", "register", "-e", "ann@example.com", "-u", "ann", "-p", "password123")
	require.NoError(t, err)
	assert.Contains(t, out, "Registered ann@example.com")

	// Credentials from stdin prompts.
	out, err = execute(t, "ann@example.com\npassword123\n", "login")
	require.NoError(t, err)
	assert.Contains(t, out, "Signed in as ann@example.com")

	out, err = execute(t, "", "whoami")
	require.NoError(t, err)
	var user models.User
	require.NoError(t, json.Unmarshal([]byte(out), &user))
	assert.Equal(t, "ann@example.com", user.Email)

	out, err = execute(t, "", "status")
	require.NoError(t, err)
	var report statusReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.SignedIn)
	assert.WithinDuration(t, report.LoginTime.Add(30*time.Minute), report.ExpiresAt, 0)

	out, err = execute(t, "", "refresh")
	require.NoError(t, err)
	assert.Contains(t, out, "Credentials refreshed")
	assert.Equal(t, int64(1), backend.RefreshCalls())

	out, err = execute(t, "", "logout")
	require.NoError(t, err)
	assert.Contains(t, out, "Signed out")
	assert.Equal(t, int64(1), backend.LogoutCalls())

	_, err = execute(t, "", "whoami")
	assert.EqualError(t, err, "not signed in")
}

func TestCLI_LoginWrongPassword(t *testing.T) {
	setupEnv(t)

	_, err := execute(t, "", "register", "-e", "ann@example.com", "-u", "ann", "-p", "password123")
	require.NoError(t, err)

	_, err = execute(t, "", "login", "-e", "ann@example.com", "-p", "nope")
	assert.EqualError(t, err, "invalid email or password")
}

func TestCLI_RegisterValidationMessage(t *testing.T) {
	setupEnv(t)

	_, err := execute(t, "", "register", "-e", "ann@example.com", "-u", "ann", "-p", "short")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 8 characters")
}

func TestCLI_WatchLogout(t *testing.T) {
	backend := setupEnv(t)

	_, err := execute(t, "", "register", "-e", "ann@example.com", "-u", "ann", "-p", "password123")
	require.NoError(t, err)
	_, err = execute(t, "", "login", "-e", "ann@example.com", "-p", "password123")
	require.NoError(t, err)

	out, err := execute(t, "hello\nlogout\n", "watch")
	require.NoError(t, err)
	assert.Contains(t, out, "Session active.")
	assert.Contains(t, out, "Session ended (logout).")
	assert.Equal(t, int64(1), backend.LogoutCalls())
}

func TestReadLines_StopsWhenNobodyListens(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	lines := make(chan string)
	done := make(chan struct{})

	go func() {
		readLines(ctx, strings.NewReader("extend\nlogout\nmore\n"), lines)
		close(done)
	}()

	assert.Equal(t, "extend", <-lines)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("readLines blocked after the reader went away")
	}
}

func TestCLI_StatusSignedOut(t *testing.T) {
	setupEnv(t)

	out, err := execute(t, "", "status")
	require.NoError(t, err)
	assert.JSONEq(t, `{"signed_in":false}`, out)
}

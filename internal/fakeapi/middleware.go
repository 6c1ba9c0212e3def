package fakeapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

type contextKey int

const (
	ctxUserID contextKey = iota
	ctxRemoteIP
)

// RequestUserID returns the authenticated user ID from the context, or 0.
func RequestUserID(ctx context.Context) int64 {
	v, _ := ctx.Value(ctxUserID).(int64)
	return v
}

func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}

// requireBearer validates the access token. Missing or invalid tokens get
// a 401 in the backend's {"detail": ...} shape.
func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		ip := remoteIP(r)

		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			s.logger.Debug("middleware: no bearer token",
				slog.String("ip", ip),
				slog.String("path", r.URL.Path),
			)
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeDetail(w, http.StatusUnauthorized, "Not authenticated")

			return
		}

		ti := s.store.ValidateAccess(strings.TrimPrefix(authHeader, "Bearer "))
		if ti == nil {
			s.logger.Debug("middleware: invalid bearer token",
				slog.String("ip", ip),
				slog.String("path", r.URL.Path),
			)
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")

			return
		}

		ctx := r.Context()
		ctx = context.WithValue(ctx, ctxUserID, ti.UserID)
		ctx = context.WithValue(ctx, ctxRemoteIP, ip)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireCSRF enforces the session-bound double submit on mutating
// requests. The three rejection details match the production backend; only
// a mismatched token yields "Invalid CSRF token".
func (s *Server) requireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get(csrfHeaderName)
		if header == "" {
			writeDetail(w, http.StatusForbidden, "CSRF token required")
			return
		}

		var (
			expected string
			ok       bool
		)

		if c, err := r.Cookie(sessionCookieName); err == nil {
			expected, ok = s.store.SessionCSRF(c.Value)
		}

		if !ok || expected == "" {
			writeDetail(w, http.StatusForbidden, "No CSRF session - please refresh the page")
			return
		}

		if subtle.ConstantTimeCompare([]byte(expected), []byte(header)) != 1 {
			s.logger.Debug("middleware: CSRF mismatch", slog.String("path", r.URL.Path))
			writeDetail(w, http.StatusForbidden, csrfRejectionDetail)

			return
		}

		next.ServeHTTP(w, r)
	})
}

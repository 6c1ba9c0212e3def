package api

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	autherrors "github.com/aicmr/cms-session/internal/errors"
	"github.com/tidwall/gjson"
)

// csrfRejectionDetail is the exact detail the backend sends with a 403
// when the anti-forgery header does not match the session.
const csrfRejectionDetail = "Invalid CSRF token"

// APIError is a non-2xx response from the backend.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	// Detail is the backend's "detail" message, or the joined messages of
	// a validation error list.
	Detail string
	Body   []byte
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("API %s %s (%d): %s", e.Method, e.Path, e.StatusCode, e.Detail)
	}

	return fmt.Sprintf("API %s %s returned status %d: %s", e.Method, e.Path, e.StatusCode, sanitizeResponseBody(e.Body))
}

// Is lets callers match any APIError with errors.Is(err, ErrAPIResponse).
func (e *APIError) Is(target error) bool {
	return target == autherrors.ErrAPIResponse
}

// IsCSRFRejection reports whether the server rejected the anti-forgery token.
func (e *APIError) IsCSRFRejection() bool {
	return e.StatusCode == http.StatusForbidden && e.Detail == csrfRejectionDetail
}

// IsUnauthorized reports a 401.
func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// readAPIError drains and closes resp.Body into an APIError.
func readAPIError(req *http.Request, resp *http.Response) *APIError {
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))

	return &APIError{
		Method:     req.Method,
		Path:       req.URL.Path,
		StatusCode: resp.StatusCode,
		Detail:     extractDetail(body),
		Body:       body,
	}
}

// extractDetail pulls the human-readable message out of an error body.
// The backend uses {"detail": "..."} for most errors and
// {"detail": [{"msg": "..."}, ...]} for validation failures.
func extractDetail(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}

	detail := gjson.GetBytes(body, "detail")

	switch {
	case detail.Type == gjson.String:
		return detail.String()
	case detail.IsArray():
		var msgs []string

		for _, m := range detail.Get("#.msg").Array() {
			if m.String() != "" {
				msgs = append(msgs, m.String())
			}
		}

		return strings.Join(msgs, "; ")
	}

	if e := gjson.GetBytes(body, "error"); e.Type == gjson.String {
		return e.String()
	}

	return ""
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// Package models defines types shared across internal packages.
package models

// Credentials is the login form payload.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Profile is the registration form payload.
type Profile struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenPair is the credential pair issued by login and refresh. The
// refresh token is single-use: every refresh returns a replacement.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
}

// RefreshRequest is the body of POST /auth/refresh and POST /auth/logout.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// CSRFTokenResponse is the body of GET /csrf-token.
type CSRFTokenResponse struct {
	CSRFToken string `json:"csrf_token"`
}

// User is the user record returned by registration and /users/me.
type User struct {
	ID       int64  `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
	IsActive bool   `json:"is_active"`
	Role     string `json:"role,omitempty"`
}

// ErrorResponse is the backend's error envelope.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

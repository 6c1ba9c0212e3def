package errors

import "errors"

// Client errors.
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrNoRefreshToken     = errors.New("no refresh token stored")
	ErrSessionExpired     = errors.New("session expired, please sign in again")
	ErrSessionReset       = errors.New("session was reset by logout")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)

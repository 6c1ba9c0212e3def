// Package fakeapi is an in-memory stand-in for the CMS REST backend. It
// reproduces the auth contract the session coordinator depends on: a
// cookie-bound anti-forgery session, bcrypt user accounts, short-lived
// access tokens and single-use rotating refresh tokens. All state is
// in-memory and lost on restart.
package fakeapi

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	// maxUsers caps registrations to prevent unbounded growth from
	// unauthenticated register requests.
	maxUsers = 1000

	// cleanupInterval controls how often expired entries are reaped.
	cleanupInterval = 5 * time.Minute
)

// User is a registered account.
type User struct {
	ID           int64
	Email        string
	Username     string
	PasswordHash []byte
	Role         string
	CreatedAt    time.Time
}

// TokenInfo is an issued access or refresh token.
type TokenInfo struct {
	Token     string
	UserID    int64
	ExpiresAt time.Time
}

// Post is the minimal resource used to exercise mutating requests.
type Post struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	AuthorID int64  `json:"author_id"`
}

// Store holds all in-memory backend state.
type Store struct {
	mu       sync.RWMutex
	now      func() time.Time
	users    map[string]*User      // normalized email -> User
	access   map[string]*TokenInfo // access token -> TokenInfo
	refresh  map[string]*TokenInfo // refresh token -> TokenInfo
	sessions map[string]string     // session id -> csrf token
	posts    map[int64]*Post
	nextUser int64
	nextPost int64
	stopGC   chan struct{}
	stopOnce sync.Once
}

// NewStore creates an empty store and starts a background goroutine that
// periodically removes expired tokens. Call Stop to clean up the
// goroutine. A nil now uses time.Now.
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}

	s := &Store{
		now:      now,
		users:    make(map[string]*User),
		access:   make(map[string]*TokenInfo),
		refresh:  make(map[string]*TokenInfo),
		sessions: make(map[string]string),
		posts:    make(map[int64]*Post),
		stopGC:   make(chan struct{}),
	}
	go s.gcLoop()

	return s
}

// Stop terminates the background cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopGC) })
}

func (s *Store) gcLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopGC:
			return
		}
	}
}

func (s *Store) cleanup() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ti := range s.access {
		if now.After(ti.ExpiresAt) {
			delete(s.access, k)
		}
	}

	for k, ti := range s.refresh {
		if now.After(ti.ExpiresAt) {
			delete(s.refresh, k)
		}
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreateUser registers a new account. It returns nil when the email is
// taken or the user cap is reached.
func (s *Store) CreateUser(email, username, password string) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}

	key := normalizeEmail(email)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[key]; ok || len(s.users) >= maxUsers {
		return nil, nil
	}

	s.nextUser++
	u := &User{
		ID:           s.nextUser,
		Email:        key,
		Username:     username,
		PasswordHash: hash,
		Role:         "author",
		CreatedAt:    s.now(),
	}
	s.users[key] = u

	return u, nil
}

// Authenticate returns the user when email and password match, or nil.
func (s *Store) Authenticate(email, password string) *User {
	s.mu.RLock()
	u := s.users[normalizeEmail(email)]
	s.mu.RUnlock()

	if u == nil {
		// Compare against a throwaway hash so unknown emails take as long
		// as wrong passwords.
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil
	}

	if bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)) != nil {
		return nil
	}

	return u
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("dummy-password"), bcrypt.MinCost)

// UserByID returns the user with id, or nil.
func (s *Store) UserByID(id int64) *User {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.ID == id {
			return u
		}
	}

	return nil
}

// IssueTokens mints an access token and a refresh token for userID.
func (s *Store) IssueTokens(userID int64, accessTTL, refreshTTL time.Duration) (access, refresh string) {
	now := s.now()
	access = uuid.NewString()
	refresh = RandomHex(32)

	s.mu.Lock()
	s.access[access] = &TokenInfo{Token: access, UserID: userID, ExpiresAt: now.Add(accessTTL)}
	s.refresh[refresh] = &TokenInfo{Token: refresh, UserID: userID, ExpiresAt: now.Add(refreshTTL)}
	s.mu.Unlock()

	return access, refresh
}

// IssueAccess mints only an access token, for servers that keep the
// refresh token fixed across refreshes.
func (s *Store) IssueAccess(userID int64, ttl time.Duration) string {
	access := uuid.NewString()

	s.mu.Lock()
	s.access[access] = &TokenInfo{Token: access, UserID: userID, ExpiresAt: s.now().Add(ttl)}
	s.mu.Unlock()

	return access
}

// ValidateAccess returns the token info if the access token is known and
// unexpired, or nil.
func (s *Store) ValidateAccess(token string) *TokenInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ti, ok := s.access[token]
	if !ok || s.now().After(ti.ExpiresAt) {
		return nil
	}

	return ti
}

// ConsumeRefresh retrieves and deletes a refresh token. Returns nil if not
// found or expired.
func (s *Store) ConsumeRefresh(token string) *TokenInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	ti, ok := s.refresh[token]
	if !ok {
		return nil
	}
	delete(s.refresh, token)

	if s.now().After(ti.ExpiresAt) {
		return nil
	}

	return ti
}

// PeekRefresh validates a refresh token without consuming it.
func (s *Store) PeekRefresh(token string) *TokenInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ti, ok := s.refresh[token]
	if !ok || s.now().After(ti.ExpiresAt) {
		return nil
	}

	return ti
}

// RevokeRefresh deletes a refresh token and every access token of the same
// user. It reports whether the refresh token was known.
func (s *Store) RevokeRefresh(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ti, ok := s.refresh[token]
	if !ok {
		return false
	}
	delete(s.refresh, token)

	for k, at := range s.access {
		if at.UserID == ti.UserID {
			delete(s.access, k)
		}
	}

	return true
}

// ExpireAccessTokens makes every issued access token expired, as if their
// lifetime had elapsed.
func (s *Store) ExpireAccessTokens() {
	past := s.now().Add(-time.Second)

	s.mu.Lock()
	for _, ti := range s.access {
		ti.ExpiresAt = past
	}
	s.mu.Unlock()
}

// NewSession creates an anti-forgery session and returns its id.
func (s *Store) NewSession() string {
	sid := uuid.NewString()

	s.mu.Lock()
	s.sessions[sid] = ""
	s.mu.Unlock()

	return sid
}

// HasSession reports whether sid is a live session.
func (s *Store) HasSession(sid string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.sessions[sid]

	return ok
}

// IssueCSRF binds a fresh anti-forgery token to sid, replacing any
// previous one.
func (s *Store) IssueCSRF(sid string) string {
	tok := RandomHex(32)

	s.mu.Lock()
	s.sessions[sid] = tok
	s.mu.Unlock()

	return tok
}

// SessionCSRF returns the token bound to sid and whether sid exists.
func (s *Store) SessionCSRF(sid string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tok, ok := s.sessions[sid]

	return tok, ok
}

// DropSession deletes sid and its anti-forgery token.
func (s *Store) DropSession(sid string) {
	s.mu.Lock()
	delete(s.sessions, sid)
	s.mu.Unlock()
}

// CreatePost stores a new post.
func (s *Store) CreatePost(authorID int64, title, body string) *Post {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextPost++
	p := &Post{ID: s.nextPost, Title: title, Body: body, AuthorID: authorID}
	s.posts[p.ID] = p

	return p
}

// UpdatePost replaces a post's title and body. Returns nil if not found.
func (s *Store) UpdatePost(id int64, title, body string) *Post {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.posts[id]
	if !ok {
		return nil
	}

	p.Title = title
	p.Body = body
	cp := *p

	return &cp
}

// DeletePost removes a post and reports whether it existed.
func (s *Store) DeletePost(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.posts[id]; !ok {
		return false
	}
	delete(s.posts, id)

	return true
}

// Posts returns all posts in id order.
func (s *Store) Posts() []Post {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Post, 0, len(s.posts))
	for id := int64(1); id <= s.nextPost; id++ {
		if p, ok := s.posts[id]; ok {
			out = append(out, *p)
		}
	}

	return out
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}

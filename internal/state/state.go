// Package state persists the client's credentials in a bbolt database.
// It is the process-level stand-in for the browser's localStorage: durable
// across restarts, synchronous, and holding exactly three keys.
package state

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.cms-session/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

// Key names match the browser storage layout the rest of the
// application already reads.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyLoginTime    = "login_time"
)

var (
	appBucket       = []byte("app")
	accessTokenKey  = []byte(KeyAccessToken)
	refreshTokenKey = []byte(KeyRefreshToken)
	loginTimeKey    = []byte(KeyLoginTime)
)

// State wraps a bbolt database for the persisted credential pair and
// login timestamp.
type State struct {
	db *bolt.DB

	// sessMu orders session boundaries (SaveLogin, Clear) against
	// Session readers. epoch counts those boundaries.
	sessMu sync.RWMutex
	epoch  uint64
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. config.Load resolves the default path.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(appBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

func (s *State) get(key []byte) string {
	var v string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(appBucket).Get(key); b != nil {
			v = string(b)
		}

		return nil
	})

	return v
}

// AccessToken returns the stored bearer credential, or empty string.
func (s *State) AccessToken() string {
	return s.get(accessTokenKey)
}

// RefreshToken returns the stored refresh token, or empty string.
func (s *State) RefreshToken() string {
	return s.get(refreshTokenKey)
}

// LoginTime returns the login timestamp. The boolean is false when the
// key is absent or does not hold epoch milliseconds, which callers treat
// as "not authenticated".
func (s *State) LoginTime() (time.Time, bool) {
	raw := s.get(loginTimeKey)
	if raw == "" {
		return time.Time{}, false
	}

	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}

	return time.UnixMilli(ms), true
}

// Session returns the access token and the session epoch as one
// consistent pair. The epoch changes on every SaveLogin and Clear; token
// rotation keeps it.
func (s *State) Session() (string, uint64) {
	s.sessMu.RLock()
	defer s.sessMu.RUnlock()

	return s.AccessToken(), s.epoch
}

// SetLoginTime stores t as epoch milliseconds.
func (s *State) SetLoginTime(t time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(loginTimeKey, formatMillis(t))
	})
}

// SaveLogin writes the credential pair and the login timestamp together,
// so a crash can never leave a half-authenticated store behind.
func (s *State) SaveLogin(access, refresh string, loginTime time.Time) error {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()

	s.epoch++

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		if err := putTokens(b, access, refresh); err != nil {
			return err
		}

		return b.Put(loginTimeKey, formatMillis(loginTime))
	})
}

// RotateTokens replaces the credential pair only if the stored refresh
// token still equals expectedRefresh. It reports whether the swap
// happened. A refresh that resolves after logout cleared the store
// therefore leaves the store empty.
func (s *State) RotateTokens(expectedRefresh, access, refresh string) (bool, error) {
	swapped := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		if expectedRefresh == "" || string(b.Get(refreshTokenKey)) != expectedRefresh {
			return nil
		}

		swapped = true

		return putTokens(b, access, refresh)
	})
	if err != nil {
		return false, err
	}

	return swapped, nil
}

// Clear removes all three keys. Clearing an empty store is not an error.
func (s *State) Clear() error {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()

	s.epoch++

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		for _, k := range [][]byte{accessTokenKey, refreshTokenKey, loginTimeKey} {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		return nil
	})
}

// IsAuthenticated reports whether all three keys are present.
func (s *State) IsAuthenticated() bool {
	present := false

	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		present = b.Get(accessTokenKey) != nil &&
			b.Get(refreshTokenKey) != nil &&
			b.Get(loginTimeKey) != nil

		return nil
	})

	return present
}

func putTokens(b *bolt.Bucket, access, refresh string) error {
	if err := b.Put(accessTokenKey, []byte(access)); err != nil {
		return err
	}

	return b.Put(refreshTokenKey, []byte(refresh))
}

func formatMillis(t time.Time) []byte {
	return []byte(strconv.FormatInt(t.UnixMilli(), 10))
}

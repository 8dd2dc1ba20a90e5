// Package state persists the client's local data in a bbolt database:
// the cached session and device identity in the app bucket, and the
// wishlist caches and change logs in the kv bucket.
package state

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.wishlist-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket = []byte("app")
	kvBucket  = []byte("kv")

	tokenKey    = []byte("token")
	userIDKey   = []byte("user_id")
	deviceIDKey = []byte("device_id")
)

// State wraps a bbolt database for all persistent client state.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.wishlist-sync/state.db, creating
// it if it does not exist.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return LoadAt(path)
}

// DefaultPath returns ~/.wishlist-sync/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("finding home directory: %w", err)
	}
	return filepath.Join(dir, ".wishlist-sync", "state.db"), nil
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(kvBucket)
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

// Get returns the value stored under key, or nil if there is none. The
// returned slice is a copy and safe to keep.
func (s *State) Get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(kvBucket).Get([]byte(key)); v != nil {
			out = append([]byte{}, v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return out, nil
}

// Set stores value under key.
func (s *State) Set(key string, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(kvBucket).Put([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

// Remove deletes key. Removing a missing key is not an error.
func (s *State) Remove(key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(kvBucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("removing %s: %w", key, err)
	}
	return nil
}

// Update runs fn on the current value of key inside one write
// transaction. bbolt allows a single writer, so concurrent updates are
// serialized. Returning nil from fn deletes the key.
func (s *State) Update(key string, fn func(current []byte) ([]byte, error)) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(kvBucket)

		var current []byte
		if v := b.Get([]byte(key)); v != nil {
			current = append([]byte{}, v...)
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			return b.Delete([]byte(key))
		}
		return b.Put([]byte(key), next)
	})
	if err != nil {
		return fmt.Errorf("updating %s: %w", key, err)
	}
	return nil
}

func (s *State) appValue(key []byte) string {
	var value string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(key); v != nil {
			value = string(v)
		}
		return nil
	})

	return value
}

func (s *State) setAppValue(key []byte, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		if value == "" {
			return b.Delete(key)
		}
		return b.Put(key, []byte(value))
	})
}

// Token returns the cached bearer token, or empty string.
func (s *State) Token() string {
	return s.appValue(tokenKey)
}

// SetToken persists the bearer token. An empty token clears it.
func (s *State) SetToken(token string) error {
	return s.setAppValue(tokenKey, token)
}

// UserID returns the cached user ID, or empty string.
func (s *State) UserID() string {
	return s.appValue(userIDKey)
}

// SetUserID persists the user ID. An empty ID clears it.
func (s *State) SetUserID(userID string) error {
	return s.setAppValue(userIDKey, userID)
}

// ClearSession forgets the cached token and user ID. Wishlist caches and
// change logs are kept for the next sign-in.
func (s *State) ClearSession() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		if err := b.Delete(tokenKey); err != nil {
			return err
		}
		return b.Delete(userIDKey)
	})
}

// DeviceID returns this installation's device ID, generating and
// persisting one on first use.
func (s *State) DeviceID() (string, error) {
	var id string

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		if v := b.Get(deviceIDKey); v != nil {
			id = string(v)
			return nil
		}
		id = uuid.NewString()
		return b.Put(deviceIDKey, []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("reading device id: %w", err)
	}

	return id, nil
}

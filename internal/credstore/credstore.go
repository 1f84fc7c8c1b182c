// Package credstore provides persistent storage for PDS write
// credentials using BoltDB. Sessions survive server restarts so the
// outbound queue can keep draining without re-authentication.
package credstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BucketSessions stores PDS session data keyed by account DID.
var BucketSessions = []byte("pds_sessions")

// Session holds one account's write credentials against its PDS.
type Session struct {
	DID          string    `json:"did"`
	PDSHost      string    `json:"pds_host"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store wraps a BoltDB database holding credential data.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the credential store at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("credential store path is required")
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create credential directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(BucketSessions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create session bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the credential store.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetSession retrieves credentials for a DID. Returns (nil, nil) if no
// session is stored; absence is expected, not an error.
func (s *Store) GetSession(did string) (*Session, error) {
	var session *Session

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(BucketSessions).Get([]byte(did))
		if data == nil {
			return nil
		}
		session = &Session{}
		return json.Unmarshal(data, session)
	})
	if err != nil {
		return nil, fmt.Errorf("get session for %s: %w", did, err)
	}
	return session, nil
}

// SaveSession persists credentials for a DID (upsert).
func (s *Store) SaveSession(sess *Session) error {
	sess.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(BucketSessions).Put([]byte(sess.DID), data)
	})
}

// DeleteSession removes a DID's credentials.
func (s *Store) DeleteSession(did string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(BucketSessions).Delete([]byte(did))
	})
}

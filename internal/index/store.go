// Package index provides the embedded content index store: a
// single-writer SQLite database holding indexed posts, push
// subscriptions, the outbound federation queue, member registrations,
// and the firehose cursor.
package index

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database. All writes are serialized through a
// single mutex; durability matters more than write throughput at
// realtime-event scale.
type Store struct {
	db *sql.DB

	// writeMu serializes all writers. SQLite allows only one writer at
	// a time anyway; taking the lock in-process avoids SQLITE_BUSY.
	writeMu sync.Mutex

	// lastIndexedUS guarantees indexedAt is strictly monotonic within
	// this process, so feed cursors never collide.
	lastIndexedUS int64
	indexedMu     sync.Mutex
}

// Open opens (creating if necessary) the index database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("index path is required")
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create index directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open index database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the index database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS posts (
			uri              TEXT PRIMARY KEY,
			cid              TEXT NOT NULL,
			author_did       TEXT NOT NULL,
			text             TEXT NOT NULL,
			created_at       TEXT NOT NULL,
			indexed_at       INTEGER NOT NULL,
			reply_parent_uri TEXT,
			like_count       INTEGER NOT NULL DEFAULT 0,
			repost_count     INTEGER NOT NULL DEFAULT 0,
			reply_count      INTEGER NOT NULL DEFAULT 0,
			member_feed      INTEGER NOT NULL DEFAULT 0,
			topic_feed       INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_posts_member_feed ON posts (member_feed, indexed_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_posts_topic_feed ON posts (topic_feed, indexed_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_posts_author ON posts (author_did)`,

		`CREATE TABLE IF NOT EXISTS subscriptions (
			endpoint     TEXT PRIMARY KEY,
			owner_did    TEXT NOT NULL,
			p256dh       TEXT NOT NULL,
			auth         TEXT NOT NULL,
			last_used_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_owner ON subscriptions (owner_did)`,

		`CREATE TABLE IF NOT EXISTS queue_items (
			id         TEXT PRIMARY KEY,
			owner_did  TEXT NOT NULL,
			operation  TEXT NOT NULL,
			collection TEXT NOT NULL,
			rkey       TEXT NOT NULL,
			target_uri TEXT NOT NULL DEFAULT '',
			payload    BLOB,
			status     TEXT NOT NULL DEFAULT 'pending',
			attempts   INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_status ON queue_items (status, created_at)`,

		`CREATE TABLE IF NOT EXISTS members (
			did           TEXT PRIMARY KEY,
			registered_at TEXT NOT NULL,
			backfilled_at TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS cursors (
			service      TEXT PRIMARY KEY,
			cursor_value INTEGER NOT NULL,
			updated_at   TEXT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate index schema: %w", err)
		}
	}
	return nil
}

// nextIndexedAt returns the current time in unix microseconds, bumped
// forward if necessary so it is strictly greater than any value handed
// out earlier in this process.
func (s *Store) nextIndexedAt() int64 {
	s.indexedMu.Lock()
	defer s.indexedMu.Unlock()

	us := time.Now().UnixMicro()
	if us <= s.lastIndexedUS {
		us = s.lastIndexedUS + 1
	}
	s.lastIndexedUS = us
	return us
}

// PostCount returns the total number of indexed posts.
func (s *Store) PostCount() int {
	var count int
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM posts`).Scan(&count)
	return count
}

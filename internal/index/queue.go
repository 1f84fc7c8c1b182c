package index

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Queue item states. Transitions are monotonic forward except
// processing → pending on transient failure; synced and failed are
// terminal.
const (
	QueuePending    = "pending"
	QueueProcessing = "processing"
	QueueSynced     = "synced"
	QueueFailed     = "failed"
)

// Queue operations.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// MaxQueueAttempts is the retry ceiling; an item failing this many
// times is marked failed permanently.
const MaxQueueAttempts = 5

// QueueItem is one desired mutation against the federated network.
type QueueItem struct {
	ID         string
	OwnerDID   string
	Operation  string
	Collection string
	RKey       string
	TargetURI  string
	Payload    []byte // present for create/update, nil for delete
	Status     string
	Attempts   int
	LastError  string
	CreatedAt  time.Time
}

// Enqueue appends a pending mutation to the outbound queue. The item's
// ID is assigned if empty.
func (s *Store) Enqueue(item *QueueItem) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = QueuePending
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO queue_items
			(id, owner_did, operation, collection, rkey, target_uri, payload,
			 status, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ID, item.OwnerDID, item.Operation, item.Collection, item.RKey,
		item.TargetURI, item.Payload, item.Status, item.Attempts, item.LastError,
		item.CreatedAt.UnixMicro(), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("enqueue item: %w", err)
	}
	return nil
}

// ClaimPending transitions up to limit pending items to processing,
// oldest first, and returns them. The claim happens in one transaction
// under the writer lock so a concurrent pass cannot claim the same
// items.
func (s *Store) ClaimPending(limit int) ([]QueueItem, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT id, owner_did, operation, collection, rkey, target_uri, payload,
		       status, attempts, last_error, created_at
		FROM queue_items
		WHERE status = ?
		ORDER BY created_at ASC
		LIMIT ?
	`, QueuePending, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}

	var items []QueueItem
	for rows.Next() {
		var item QueueItem
		var createdUS int64
		if err := rows.Scan(&item.ID, &item.OwnerDID, &item.Operation, &item.Collection,
			&item.RKey, &item.TargetURI, &item.Payload, &item.Status, &item.Attempts,
			&item.LastError, &createdUS); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		item.CreatedAt = time.UnixMicro(createdUS).UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate pending: %w", err)
	}
	rows.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i := range items {
		if _, err := tx.Exec(`UPDATE queue_items SET status = ?, updated_at = ? WHERE id = ?`,
			QueueProcessing, now, items[i].ID); err != nil {
			return nil, fmt.Errorf("claim item %s: %w", items[i].ID, err)
		}
		items[i].Status = QueueProcessing
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return items, nil
}

// MarkSynced transitions a processing item to its terminal synced state.
func (s *Store) MarkSynced(id string) error {
	return s.finishItem(id, QueueSynced, "")
}

// MarkFailed transitions an item to its terminal failed state,
// recording the last error. failed is never claimed again.
func (s *Store) MarkFailed(id, lastError string) error {
	return s.finishItem(id, QueueFailed, lastError)
}

func (s *Store) finishItem(id, status, lastError string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`
		UPDATE queue_items SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, status, lastError, time.Now().UTC().Format(time.RFC3339Nano), id, QueueProcessing)
	if err != nil {
		return fmt.Errorf("finish item %s: %w", id, err)
	}
	return nil
}

// ReturnForRetry increments the attempt counter and either returns the
// item to pending (next pass retries it) or marks it failed once the
// ceiling is reached. Reports whether the item was permanently failed.
func (s *Store) ReturnForRetry(id, lastError string) (failed bool, err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin retry: %w", err)
	}
	defer tx.Rollback()

	var attempts int
	if err := tx.QueryRow(`SELECT attempts FROM queue_items WHERE id = ?`, id).Scan(&attempts); err != nil {
		return false, fmt.Errorf("load attempts for %s: %w", id, err)
	}

	attempts++
	status := QueuePending
	if attempts >= MaxQueueAttempts {
		status = QueueFailed
	}

	if _, err := tx.Exec(`
		UPDATE queue_items SET status = ?, attempts = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, status, attempts, lastError, time.Now().UTC().Format(time.RFC3339Nano), id); err != nil {
		return false, fmt.Errorf("retry item %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit retry: %w", err)
	}
	return status == QueueFailed, nil
}

// ReturnPending puts a processing item back to pending without charging
// an attempt. Used when a pass is cut short before the item was tried.
func (s *Store) ReturnPending(id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`
		UPDATE queue_items SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, QueuePending, time.Now().UTC().Format(time.RFC3339Nano), id, QueueProcessing)
	if err != nil {
		return fmt.Errorf("return item %s to pending: %w", id, err)
	}
	return nil
}

// GetQueueItem retrieves one queue item by ID. Returns (nil, nil) if absent.
func (s *Store) GetQueueItem(id string) (*QueueItem, error) {
	row := s.db.QueryRow(`
		SELECT id, owner_did, operation, collection, rkey, target_uri, payload,
		       status, attempts, last_error, created_at
		FROM queue_items WHERE id = ?
	`, id)

	var item QueueItem
	var createdUS int64
	err := row.Scan(&item.ID, &item.OwnerDID, &item.Operation, &item.Collection,
		&item.RKey, &item.TargetURI, &item.Payload, &item.Status, &item.Attempts,
		&item.LastError, &createdUS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get queue item %s: %w", id, err)
	}
	item.CreatedAt = time.UnixMicro(createdUS).UTC()
	return &item, nil
}

// PendingCount returns the number of pending queue items.
func (s *Store) PendingCount() int {
	var count int
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM queue_items WHERE status = ?`, QueuePending).Scan(&count)
	return count
}

// RecoverStuckProcessing returns items left in processing by a crashed
// process to pending. Called once at startup, before the worker runs.
func (s *Store) RecoverStuckProcessing() (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.Exec(`UPDATE queue_items SET status = ?, updated_at = ? WHERE status = ?`,
		QueuePending, time.Now().UTC().Format(time.RFC3339Nano), QueueProcessing)
	if err != nil {
		return 0, fmt.Errorf("recover processing items: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

package index

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const firehoseCursorService = "jetstream"

// GetFirehoseCursor returns the last persisted firehose position
// (microseconds timestamp), or 0 if none has been saved.
func (s *Store) GetFirehoseCursor() (int64, error) {
	var cursor int64
	err := s.db.QueryRow(`SELECT cursor_value FROM cursors WHERE service = ?`,
		firehoseCursorService).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return cursor, err
}

// SetFirehoseCursor persists the firehose position.
func (s *Store) SetFirehoseCursor(cursor int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO cursors (service, cursor_value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (service) DO UPDATE SET cursor_value = excluded.cursor_value, updated_at = excluded.updated_at
	`, firehoseCursorService, cursor, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("persist firehose cursor: %w", err)
	}
	return nil
}

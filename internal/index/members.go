package index

import (
	"database/sql"
	"fmt"
	"time"
)

// RegisterMember adds a DID to the member table, ignoring duplicates.
func (s *Store) RegisterMember(did string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO members (did, registered_at) VALUES (?, ?)`,
		did, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("register member %s: %w", did, err)
	}
	return nil
}

// UnregisterMember removes a DID from the member table.
func (s *Store) UnregisterMember(did string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`DELETE FROM members WHERE did = ?`, did)
	return err
}

// IsMember reports whether a DID is registered.
func (s *Store) IsMember(did string) bool {
	var exists int
	_ = s.db.QueryRow(`SELECT 1 FROM members WHERE did = ?`, did).Scan(&exists)
	return exists == 1
}

// ListMembers returns all registered member DIDs.
func (s *Store) ListMembers() ([]string, error) {
	rows, err := s.db.Query(`SELECT did FROM members ORDER BY did`)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var dids []string
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		dids = append(dids, did)
	}
	return dids, rows.Err()
}

// MemberCount returns the number of registered members.
func (s *Store) MemberCount() int {
	var count int
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM members`).Scan(&count)
	return count
}

// IsBackfilled reports whether the member's initial seed fetch has run.
func (s *Store) IsBackfilled(did string) bool {
	var backfilled sql.NullString
	if err := s.db.QueryRow(`SELECT backfilled_at FROM members WHERE did = ?`, did).Scan(&backfilled); err != nil {
		return false
	}
	return backfilled.Valid
}

// MarkBackfilled records that the member's seed fetch completed.
func (s *Store) MarkBackfilled(did string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`UPDATE members SET backfilled_at = ? WHERE did = ?`,
		time.Now().UTC().Format(time.RFC3339), did)
	return err
}

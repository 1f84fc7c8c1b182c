package index

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Subscription is a push delivery endpoint bound to one owning identity.
// An owner may have many subscriptions; the endpoint itself is unique.
type Subscription struct {
	OwnerDID   string
	Endpoint   string
	P256DH     string
	Auth       string
	LastUsedAt time.Time
}

// UpsertSubscription registers an endpoint for an owner, replacing any
// prior registration of the same endpoint (re-registration refreshes
// the key pair and ownership).
func (s *Store) UpsertSubscription(sub *Subscription) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if sub.Endpoint == "" || sub.OwnerDID == "" {
		return fmt.Errorf("subscription endpoint and owner are required")
	}

	_, err := s.db.Exec(`
		INSERT INTO subscriptions (endpoint, owner_did, p256dh, auth, last_used_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (endpoint) DO UPDATE SET
			owner_did = excluded.owner_did,
			p256dh = excluded.p256dh,
			auth = excluded.auth,
			last_used_at = excluded.last_used_at
	`, sub.Endpoint, sub.OwnerDID, sub.P256DH, sub.Auth,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// DeleteSubscription removes an endpoint. No-op if absent. This is an
// atomic delete keyed by endpoint, safe to call from concurrent
// delivery goroutines.
func (s *Store) DeleteSubscription(endpoint string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`DELETE FROM subscriptions WHERE endpoint = ?`, endpoint)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// SubscriptionsForOwner returns all subscriptions registered by one
// identity. An empty result is expected absence, not an error.
func (s *Store) SubscriptionsForOwner(ownerDID string) ([]Subscription, error) {
	return s.querySubscriptions(`SELECT endpoint, owner_did, p256dh, auth, last_used_at
		FROM subscriptions WHERE owner_did = ?`, ownerDID)
}

// AllSubscriptions returns every registered subscription (broadcast).
func (s *Store) AllSubscriptions() ([]Subscription, error) {
	return s.querySubscriptions(`SELECT endpoint, owner_did, p256dh, auth, last_used_at
		FROM subscriptions`)
}

// TouchSubscription records a successful delivery time for an endpoint.
func (s *Store) TouchSubscription(endpoint string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`UPDATE subscriptions SET last_used_at = ? WHERE endpoint = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), endpoint)
	return err
}

// SubscriptionCount returns the total number of registered endpoints.
func (s *Store) SubscriptionCount() int {
	var count int
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM subscriptions`).Scan(&count)
	return count
}

func (s *Store) querySubscriptions(query string, args ...any) ([]Subscription, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var sub Subscription
		var lastUsed string
		if err := rows.Scan(&sub.Endpoint, &sub.OwnerDID, &sub.P256DH, &sub.Auth, &lastUsed); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		sub.LastUsedAt, _ = time.Parse(time.RFC3339Nano, lastUsed)
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

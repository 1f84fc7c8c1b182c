package members

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skywave-social/skywave/internal/index"
)

// Backfiller seeds a member's existing posts into the index.
type Backfiller interface {
	SeedMember(ctx context.Context, did string) error
}

// Service handles member registration end to end: the durable row,
// the in-memory registry (and with it the firehose filter), and the
// initial seed fetch.
type Service struct {
	store    *index.Store
	registry *Registry
	seeder   Backfiller
}

// NewService creates a member lifecycle service. seeder may be nil to
// disable backfill.
func NewService(store *index.Store, registry *Registry, seeder Backfiller) *Service {
	return &Service{store: store, registry: registry, seeder: seeder}
}

// Register adds a member and kicks off their backfill in the
// background. Registering an existing member is a no-op.
func (s *Service) Register(ctx context.Context, did string) error {
	if err := s.store.RegisterMember(did); err != nil {
		return err
	}
	if err := s.registry.Refresh(); err != nil {
		return fmt.Errorf("refresh registry: %w", err)
	}

	if s.seeder != nil {
		// Detached from the request context so a fast client
		// disconnect does not abort the fetch.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := s.seeder.SeedMember(ctx, did); err != nil {
				log.Warn().Err(err).Str("did", did).Msg("member backfill failed")
			}
		}()
	}

	log.Info().Str("did", did).Msg("member registered")
	return nil
}

// Unregister removes a member. Their already-indexed posts remain.
func (s *Service) Unregister(ctx context.Context, did string) error {
	if err := s.store.UnregisterMember(did); err != nil {
		return err
	}
	if err := s.registry.Refresh(); err != nil {
		return fmt.Errorf("refresh registry: %w", err)
	}
	log.Info().Str("did", did).Msg("member unregistered")
	return nil
}

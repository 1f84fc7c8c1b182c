// Package members holds the in-memory view of registered member DIDs.
// The registry is an owned, explicitly-refreshed component: it reloads
// from the index store on a fixed interval (or on demand) and exposes a
// read accessor, so staleness is a defined contract rather than shared
// module-level state.
package members

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skywave-social/skywave/internal/metrics"
)

// Source lists the registered member DIDs.
type Source interface {
	ListMembers() ([]string, error)
}

// Registry caches the member DID set between refreshes.
type Registry struct {
	source   Source
	interval time.Duration

	mu   sync.RWMutex
	set  map[string]struct{}
	list []string

	// onChange is invoked with the new DID list whenever a refresh
	// observes a different membership (e.g. to update the firehose
	// identity filter).
	onChange func(dids []string)
}

// NewRegistry creates a registry backed by source, refreshed every
// interval once Start is running. The initial set is loaded eagerly.
func NewRegistry(source Source, interval time.Duration) (*Registry, error) {
	r := &Registry{
		source:   source,
		interval: interval,
		set:      make(map[string]struct{}),
	}
	if err := r.Refresh(); err != nil {
		return nil, err
	}
	return r, nil
}

// SetOnChange registers the membership-change callback. Must be called
// before Start.
func (r *Registry) SetOnChange(fn func(dids []string)) {
	r.onChange = fn
}

// Contains reports whether a DID is a registered member, as of the last
// refresh.
func (r *Registry) Contains(did string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.set[did]
	return ok
}

// Snapshot returns the member DID list as of the last refresh.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.list...)
}

// Count returns the size of the member set as of the last refresh.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.list)
}

// Refresh reloads the member set from the source. Invoked periodically
// by Start and directly after a registration change.
func (r *Registry) Refresh() error {
	dids, err := r.source.ListMembers()
	if err != nil {
		return err
	}
	sort.Strings(dids)

	set := make(map[string]struct{}, len(dids))
	for _, did := range dids {
		set[did] = struct{}{}
	}

	r.mu.Lock()
	changed := !equal(r.list, dids)
	r.set = set
	r.list = dids
	r.mu.Unlock()

	metrics.MembersTotal.Set(float64(len(dids)))

	if changed && r.onChange != nil {
		log.Info().Int("members", len(dids)).Msg("members: registry changed")
		r.onChange(dids)
	}
	return nil
}

// Start refreshes the registry on the configured interval until ctx is
// cancelled.
func (r *Registry) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(); err != nil {
				log.Warn().Err(err).Msg("members: refresh failed")
			}
		}
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

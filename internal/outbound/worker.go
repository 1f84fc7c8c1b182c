package outbound

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skywave-social/skywave/internal/credstore"
	"github.com/skywave-social/skywave/internal/index"
	"github.com/skywave-social/skywave/internal/metrics"
)

const claimBatchSize = 50

// QueueStore is the slice of the index the worker drives.
type QueueStore interface {
	ClaimPending(limit int) ([]index.QueueItem, error)
	MarkSynced(id string) error
	MarkFailed(id, lastError string) error
	ReturnForRetry(id, lastError string) (failed bool, err error)
	ReturnPending(id string) error
	PendingCount() int
}

// CredentialStore resolves and persists PDS sessions by DID.
type CredentialStore interface {
	GetSession(did string) (*credstore.Session, error)
	SaveSession(sess *credstore.Session) error
}

// Worker drains the outbound queue on a fixed interval. Passes never
// overlap; a tick that fires while a pass is still running is skipped.
type Worker struct {
	queue QueueStore
	creds CredentialStore
	api   RecordAPI

	// OnCreated is invoked after a successful createRecord with the
	// CID the PDS assigned. Optional.
	OnCreated func(targetURI, cid string)

	passMu sync.Mutex
}

// NewWorker creates a queue worker.
func NewWorker(queue QueueStore, creds CredentialStore, api RecordAPI) *Worker {
	return &Worker{
		queue: queue,
		creds: creds,
		api:   api,
	}
}

// Start runs queue passes until ctx is cancelled.
func (w *Worker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("outbound queue worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("outbound queue worker stopped")
			return
		case <-ticker.C:
			w.RunPass(ctx)
		}
	}
}

// RunPass claims and processes one batch of pending items. Returns the
// number of items processed. If another pass is still running the call
// returns immediately.
func (w *Worker) RunPass(ctx context.Context) int {
	if !w.passMu.TryLock() {
		log.Debug().Msg("queue pass already running, skipping tick")
		return 0
	}
	defer w.passMu.Unlock()

	start := time.Now()
	defer func() {
		metrics.QueuePassDuration.Observe(time.Since(start).Seconds())
	}()

	items, err := w.queue.ClaimPending(claimBatchSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to claim pending queue items")
		return 0
	}

	// Sessions are looked up once per account per pass.
	sessions := make(map[string]*credstore.Session)

	processed := 0
	for i := range items {
		item := &items[i]
		if ctx.Err() != nil {
			// Shutdown mid-pass: unclaim untouched items without
			// charging them an attempt.
			if err := w.queue.ReturnPending(item.ID); err != nil {
				log.Error().Err(err).Str("item_id", item.ID).Msg("failed to return item on shutdown")
			}
			continue
		}
		w.processItem(ctx, item, sessions)
		processed++
	}

	metrics.QueuePending.Set(float64(w.queue.PendingCount()))

	if processed > 0 {
		log.Info().
			Int("processed", processed).
			Dur("elapsed", time.Since(start)).
			Msg("queue pass complete")
	}
	return processed
}

func (w *Worker) processItem(ctx context.Context, item *index.QueueItem, sessions map[string]*credstore.Session) {
	sess, err := w.sessionFor(item.OwnerDID, sessions)
	if err != nil {
		w.returnForRetry(item, err)
		return
	}

	switch item.Operation {
	case index.OpCreate:
		w.processCreate(ctx, item, sess, sessions)
	case index.OpDelete:
		w.processDelete(ctx, item, sess, sessions)
	case index.OpUpdate:
		w.processUpdate(ctx, item, sess, sessions)
	default:
		w.markFailed(item, fmt.Errorf("unknown operation %q", item.Operation))
	}
}

func (w *Worker) processCreate(ctx context.Context, item *index.QueueItem, sess *credstore.Session, sessions map[string]*credstore.Session) {
	cid, err := w.withAuthRetry(ctx, item.OwnerDID, sess, sessions, func(s *credstore.Session) (string, error) {
		return w.api.CreateRecord(ctx, s, item.Collection, item.RKey, item.Payload)
	})
	if err != nil {
		w.returnForRetry(item, err)
		return
	}
	w.markSynced(item, cid)
}

func (w *Worker) processDelete(ctx context.Context, item *index.QueueItem, sess *credstore.Session, sessions map[string]*credstore.Session) {
	_, err := w.withAuthRetry(ctx, item.OwnerDID, sess, sessions, func(s *credstore.Session) (string, error) {
		return "", w.api.DeleteRecord(ctx, s, item.Collection, item.RKey)
	})
	if err != nil {
		w.returnForRetry(item, err)
		return
	}
	w.markSynced(item, "")
}

// processUpdate replaces a record by deleting and recreating it. A
// failed delete leaves the old record intact and the item retries. A
// failed create after a successful delete cannot be retried safely,
// so the item is marked failed for operator attention.
func (w *Worker) processUpdate(ctx context.Context, item *index.QueueItem, sess *credstore.Session, sessions map[string]*credstore.Session) {
	_, err := w.withAuthRetry(ctx, item.OwnerDID, sess, sessions, func(s *credstore.Session) (string, error) {
		return "", w.api.DeleteRecord(ctx, s, item.Collection, item.RKey)
	})
	if err != nil {
		w.returnForRetry(item, err)
		return
	}

	cid, err := w.withAuthRetry(ctx, item.OwnerDID, sess, sessions, func(s *credstore.Session) (string, error) {
		return w.api.CreateRecord(ctx, s, item.Collection, item.RKey, item.Payload)
	})
	if err != nil {
		w.markFailed(item, fmt.Errorf("record deleted but recreate failed: %w", err))
		return
	}
	w.markSynced(item, cid)
}

// withAuthRetry runs op, and on a 401 refreshes the session and tries
// exactly once more. The refreshed session replaces the cached one so
// later items for the same account reuse it.
func (w *Worker) withAuthRetry(ctx context.Context, did string, sess *credstore.Session, sessions map[string]*credstore.Session, op func(*credstore.Session) (string, error)) (string, error) {
	// The cache may hold a fresher session than the one the caller
	// captured at the start of the item.
	if cached, ok := sessions[did]; ok {
		sess = cached
	}

	result, err := op(sess)
	if err == nil || !IsAuthError(err) {
		return result, err
	}

	log.Info().Str("did", did).Msg("access token expired, refreshing session")

	refreshed, refreshErr := w.api.RefreshSession(ctx, sess)
	if refreshErr != nil {
		return "", fmt.Errorf("session refresh after 401: %w", refreshErr)
	}
	if saveErr := w.creds.SaveSession(refreshed); saveErr != nil {
		log.Error().Err(saveErr).Str("did", did).Msg("failed to persist refreshed session")
	}
	sessions[did] = refreshed

	return op(refreshed)
}

func (w *Worker) sessionFor(did string, sessions map[string]*credstore.Session) (*credstore.Session, error) {
	if sess, ok := sessions[did]; ok {
		return sess, nil
	}
	sess, err := w.creds.GetSession(did)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return nil, fmt.Errorf("no stored credentials for %s", did)
	}
	sessions[did] = sess
	return sess, nil
}

func (w *Worker) markSynced(item *index.QueueItem, cid string) {
	if err := w.queue.MarkSynced(item.ID); err != nil {
		log.Error().Err(err).Str("item_id", item.ID).Msg("failed to mark queue item synced")
		return
	}
	metrics.QueueItemsTotal.WithLabelValues("synced").Inc()
	if cid != "" && w.OnCreated != nil {
		w.OnCreated(item.TargetURI, cid)
	}
	log.Debug().
		Str("item_id", item.ID).
		Str("operation", item.Operation).
		Str("target_uri", item.TargetURI).
		Msg("queue item synced")
}

func (w *Worker) markFailed(item *index.QueueItem, cause error) {
	if err := w.queue.MarkFailed(item.ID, cause.Error()); err != nil {
		log.Error().Err(err).Str("item_id", item.ID).Msg("failed to mark queue item failed")
		return
	}
	metrics.QueueItemsTotal.WithLabelValues("failed").Inc()
	log.Error().
		Err(cause).
		Str("item_id", item.ID).
		Str("operation", item.Operation).
		Str("target_uri", item.TargetURI).
		Msg("queue item failed permanently")
}

func (w *Worker) returnForRetry(item *index.QueueItem, cause error) {
	failed, err := w.queue.ReturnForRetry(item.ID, cause.Error())
	if err != nil {
		log.Error().Err(err).Str("item_id", item.ID).Msg("failed to return queue item for retry")
		return
	}
	if failed {
		metrics.QueueItemsTotal.WithLabelValues("failed").Inc()
		log.Error().
			Err(cause).
			Str("item_id", item.ID).
			Int("attempts", item.Attempts+1).
			Msg("queue item exhausted retry budget")
		return
	}
	metrics.QueueItemsTotal.WithLabelValues("retried").Inc()
	log.Warn().
		Err(cause).
		Str("item_id", item.ID).
		Int("attempts", item.Attempts+1).
		Msg("queue item returned for retry")
}

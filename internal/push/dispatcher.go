// Package push delivers web-push notifications to registered
// subscription endpoints and maintains the subscription table through
// its HTTP registration API.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/skywave-social/skywave/internal/index"
	"github.com/skywave-social/skywave/internal/metrics"
	"github.com/skywave-social/skywave/internal/tracing"
)

// Notification kinds dispatched from classified firehose events.
const (
	KindReply   = "reply"
	KindMention = "mention"
	KindLike    = "like"
	KindRepost  = "repost"
	KindFollow  = "follow"
	KindCustom  = "custom"
)

// SubscriptionStore is the slice of the index store the dispatcher needs.
type SubscriptionStore interface {
	UpsertSubscription(sub *index.Subscription) error
	DeleteSubscription(endpoint string) error
	SubscriptionsForOwner(ownerDID string) ([]index.Subscription, error)
	AllSubscriptions() ([]index.Subscription, error)
	TouchSubscription(endpoint string) error
}

// Payload is the serialized push message shown by the client.
type Payload struct {
	Kind  string `json:"kind"`
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
	Tag   string `json:"tag,omitempty"`
}

// Dispatcher fans push payloads out to a target identity's endpoints.
type Dispatcher struct {
	store   SubscriptionStore
	options *webpush.Options
}

// NewDispatcher creates a dispatcher signing deliveries with the given
// VAPID credential pair.
func NewDispatcher(store SubscriptionStore, vapidSubject, vapidPublicKey, vapidPrivateKey string) *Dispatcher {
	return &Dispatcher{
		store: store,
		options: &webpush.Options{
			Subscriber:      vapidSubject,
			VAPIDPublicKey:  vapidPublicKey,
			VAPIDPrivateKey: vapidPrivateKey,
			TTL:             3600,
		},
	}
}

// Notify delivers a payload to every endpoint registered by targetDID.
// Self-notifications (targetDID == actorDID) are suppressed. Endpoints
// reporting the standard "gone" statuses are pruned; that is the only
// implicit removal path. Other failures leave the subscription in
// place, with no retry here.
func (d *Dispatcher) Notify(ctx context.Context, targetDID, actorDID string, payload Payload) {
	if targetDID == "" || targetDID == actorDID {
		return
	}

	subs, err := d.store.SubscriptionsForOwner(targetDID)
	if err != nil {
		log.Warn().Err(err).Str("target", targetDID).Msg("push: subscription lookup failed")
		return
	}
	if len(subs) == 0 {
		return
	}

	d.fanOut(ctx, subs, payload)
}

// Broadcast delivers a payload to every registered endpoint.
func (d *Dispatcher) Broadcast(ctx context.Context, payload Payload) error {
	subs, err := d.store.AllSubscriptions()
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	d.fanOut(ctx, subs, payload)
	return nil
}

// fanOut sends to each subscription concurrently. Subscriptions are
// independent delivery targets; a failure on one never aborts the rest.
func (d *Dispatcher) fanOut(ctx context.Context, subs []index.Subscription, payload Payload) {
	ctx, span := tracing.PushSpan(ctx, payload.Kind, len(subs))
	defer span.End()

	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("push: marshal payload")
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, sub := range subs {
		g.Go(func() error {
			d.send(ctx, sub, payload.Kind, body)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) send(ctx context.Context, sub index.Subscription, kind string, body []byte) {
	resp, err := webpush.SendNotificationWithContext(ctx, body, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}, d.options)
	if err != nil {
		metrics.PushSentTotal.WithLabelValues(kind, "error").Inc()
		log.Warn().Err(err).Str("endpoint", sub.Endpoint).Msg("push: delivery failed")
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		// The push service says this endpoint no longer exists; prune it.
		metrics.PushSentTotal.WithLabelValues(kind, "gone").Inc()
		if err := d.store.DeleteSubscription(sub.Endpoint); err != nil {
			log.Warn().Err(err).Str("endpoint", sub.Endpoint).Msg("push: prune failed")
			return
		}
		metrics.PushSubscriptionsPruned.Inc()
		log.Info().Str("endpoint", sub.Endpoint).Str("owner", sub.OwnerDID).Msg("push: pruned gone endpoint")

	case resp.StatusCode >= 400:
		metrics.PushSentTotal.WithLabelValues(kind, "rejected").Inc()
		log.Warn().Int("status", resp.StatusCode).Str("endpoint", sub.Endpoint).Msg("push: delivery rejected")

	default:
		metrics.PushSentTotal.WithLabelValues(kind, "ok").Inc()
		if err := d.store.TouchSubscription(sub.Endpoint); err != nil {
			log.Debug().Err(err).Str("endpoint", sub.Endpoint).Msg("push: touch failed")
		}
	}
}

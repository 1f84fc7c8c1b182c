package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skywave-social/skywave/internal/index"
)

func setupTestStore(t *testing.T) *index.Store {
	t.Helper()
	store, err := index.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestDispatcher(t *testing.T, store *index.Store) *Dispatcher {
	t.Helper()
	priv, pub, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)
	return NewDispatcher(store, "mailto:test@example.com", pub, priv)
}

// clientKeys produces a valid browser-side key pair for the encrypted
// payload handshake.
func clientKeys(t *testing.T) (p256dh, auth string) {
	t.Helper()
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	p256dh = base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes())

	authBytes := make([]byte, 16)
	_, err = rand.Read(authBytes)
	require.NoError(t, err)
	auth = base64.RawURLEncoding.EncodeToString(authBytes)
	return p256dh, auth
}

func registerSub(t *testing.T, store *index.Store, owner, endpoint string) {
	t.Helper()
	p256dh, auth := clientKeys(t)
	require.NoError(t, store.UpsertSubscription(&index.Subscription{
		OwnerDID: owner,
		Endpoint: endpoint,
		P256DH:   p256dh,
		Auth:     auth,
	}))
}

func TestNotifyPrunesGoneEndpoint(t *testing.T) {
	store := setupTestStore(t)
	d := newTestDispatcher(t, store)

	var hits atomic.Int64
	gone := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer gone.Close()

	registerSub(t, store, "did:plc:alice", gone.URL)

	d.Notify(context.Background(), "did:plc:alice", "did:plc:bob", Payload{Kind: KindReply, Title: "New reply"})

	assert.Equal(t, int64(1), hits.Load())
	subs, err := store.SubscriptionsForOwner("did:plc:alice")
	require.NoError(t, err)
	assert.Empty(t, subs, "gone endpoint should be pruned after a single response")
}

func TestNotifyKeepsSubscriptionOnTransientFailure(t *testing.T) {
	store := setupTestStore(t)
	d := newTestDispatcher(t, store)

	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer flaky.Close()

	registerSub(t, store, "did:plc:alice", flaky.URL)

	d.Notify(context.Background(), "did:plc:alice", "did:plc:bob", Payload{Kind: KindLike})

	subs, err := store.SubscriptionsForOwner("did:plc:alice")
	require.NoError(t, err)
	assert.Len(t, subs, 1, "non-gone failures must not remove the subscription")
}

func TestNotifySuppressesSelf(t *testing.T) {
	store := setupTestStore(t)
	d := newTestDispatcher(t, store)

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	registerSub(t, store, "did:plc:alice", srv.URL)

	d.Notify(context.Background(), "did:plc:alice", "did:plc:alice", Payload{Kind: KindReply})
	assert.Zero(t, hits.Load())

	d.Notify(context.Background(), "", "did:plc:alice", Payload{Kind: KindReply})
	assert.Zero(t, hits.Load())
}

func TestFanOutIsolatesFailures(t *testing.T) {
	store := setupTestStore(t)
	d := newTestDispatcher(t, store)

	var okHits atomic.Int64
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		okHits.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer ok.Close()

	gone := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer gone.Close()

	registerSub(t, store, "did:plc:alice", gone.URL)
	registerSub(t, store, "did:plc:alice", ok.URL)

	d.Notify(context.Background(), "did:plc:alice", "did:plc:bob", Payload{Kind: KindMention})

	assert.Equal(t, int64(1), okHits.Load(), "healthy endpoint still receives delivery")

	subs, err := store.SubscriptionsForOwner("did:plc:alice")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, ok.URL, subs[0].Endpoint)
}

func TestBroadcast(t *testing.T) {
	store := setupTestStore(t)
	d := newTestDispatcher(t, store)

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	registerSub(t, store, "did:plc:alice", srv.URL+"/a")
	registerSub(t, store, "did:plc:bob", srv.URL+"/b")

	require.NoError(t, d.Broadcast(context.Background(), Payload{Kind: KindCustom, Title: "Maintenance"}))
	assert.Equal(t, int64(2), hits.Load())
}

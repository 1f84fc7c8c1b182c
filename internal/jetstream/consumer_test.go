package jetstream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []Event
}

func (h *recordingHandler) HandleEvent(_ context.Context, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

type memoryCursorStore struct {
	cursor int64
}

func (m *memoryCursorStore) GetFirehoseCursor() (int64, error)     { return m.cursor, nil }
func (m *memoryCursorStore) SetFirehoseCursor(cursor int64) error  { m.cursor = cursor; return nil }

func newTestConsumer(t *testing.T, cursors CursorStore) *Consumer {
	t.Helper()
	c, err := NewConsumer(Config{
		Endpoints:         []string{"wss://jetstream.test/subscribe"},
		WantedCollections: WantedCollections,
		Compress:          true,
	}, &recordingHandler{}, cursors)
	require.NoError(t, err)
	return c
}

func TestNewConsumerRequiresEndpoint(t *testing.T) {
	_, err := NewConsumer(Config{}, &recordingHandler{}, nil)
	assert.Error(t, err)
}

func TestBuildWebSocketURL(t *testing.T) {
	t.Run("collections, dids and compression", func(t *testing.T) {
		c := newTestConsumer(t, nil)
		c.SetWantedDIDs([]string{"did:plc:alice", "did:plc:bob"})

		raw, err := c.buildWebSocketURL("wss://jetstream.test/subscribe")
		require.NoError(t, err)

		u, err := url.Parse(raw)
		require.NoError(t, err)
		q := u.Query()

		assert.ElementsMatch(t, WantedCollections, q["wantedCollections"])
		assert.Equal(t, []string{"did:plc:alice", "did:plc:bob"}, q["wantedDids"])
		assert.Equal(t, "true", q.Get("compress"))
		assert.Empty(t, q.Get("cursor"), "no cursor before any event")
	})

	t.Run("cursor resumes with rewind", func(t *testing.T) {
		store := &memoryCursorStore{cursor: 1748700000000000}
		c := newTestConsumer(t, store)

		raw, err := c.buildWebSocketURL("wss://jetstream.test/subscribe")
		require.NoError(t, err)

		u, err := url.Parse(raw)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("%d", int64(1748700000000000-5_000_000)), u.Query().Get("cursor"))
	})

	t.Run("filter replacement takes effect on next url", func(t *testing.T) {
		c := newTestConsumer(t, nil)
		c.SetWantedDIDs([]string{"did:plc:old"})
		c.SetWantedDIDs([]string{"did:plc:new"})

		raw, err := c.buildWebSocketURL("wss://jetstream.test/subscribe")
		require.NoError(t, err)

		u, err := url.Parse(raw)
		require.NoError(t, err)
		assert.Equal(t, []string{"did:plc:new"}, u.Query()["wantedDids"])
	})
}

func TestReconnectAfterStreamDrop(t *testing.T) {
	commitMsg := func(rkey string, timeUS int64) string {
		return fmt.Sprintf(`{"did":"did:plc:author","time_us":%d,"kind":"commit",
			"commit":{"operation":"create","collection":"app.bsky.feed.post","rkey":%q,
			"record":{"text":"post %s","createdAt":"2025-06-01T12:00:00Z"},"cid":"bafy"}}`,
			timeUS, rkey, rkey)
	}

	// Each of the first two connections serves one message and drops;
	// later connections serve nothing.
	var (
		upgrader  websocket.Upgrader
		mu        sync.Mutex
		connTimes []time.Time
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		n := len(connTimes)
		connTimes = append(connTimes, time.Now())
		mu.Unlock()
		if n < 2 {
			conn.WriteMessage(websocket.TextMessage,
				[]byte(commitMsg(fmt.Sprintf("3k%d", n), int64(1748700000000001+n))))
		}
		conn.Close()
	}))
	defer srv.Close()

	handler := &recordingHandler{}
	c, err := NewConsumer(Config{
		Endpoints:         []string{"ws" + strings.TrimPrefix(srv.URL, "http")},
		WantedCollections: WantedCollections,
	}, handler, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(connTimes) >= 3
	}, 10*time.Second, 20*time.Millisecond, "consumer must keep reconnecting after drops")

	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.events) >= 2
	}, time.Second, 10*time.Millisecond, "events from both sides of the drop must be delivered")

	handler.mu.Lock()
	second, ok := handler.events[1].(PostCreate)
	handler.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, "post 3k1", second.Text)

	// The second connection received a message, so the delay before the
	// third dial must be the backoff floor again, not a doubled interval.
	mu.Lock()
	gap := connTimes[2].Sub(connTimes[1])
	mu.Unlock()
	assert.Less(t, gap, 1900*time.Millisecond, "backoff must reset after a stable connection")
}

func TestProcessMessage(t *testing.T) {
	t.Run("classified event lands in backlog", func(t *testing.T) {
		c := newTestConsumer(t, nil)

		msg := `{"did":"did:plc:author","time_us":1748700000000001,"kind":"commit",
			"commit":{"operation":"create","collection":"app.bsky.feed.post","rkey":"3k",
			"record":{"text":"hello","createdAt":"2025-06-01T12:00:00Z"},"cid":"bafy"}}`
		require.NoError(t, c.processMessage([]byte(msg)))

		require.Len(t, c.events, 1)
		pc, ok := (<-c.events).(PostCreate)
		require.True(t, ok)
		assert.Equal(t, "hello", pc.Text)
		assert.Equal(t, int64(1748700000000001), c.cursor.Load())
	})

	t.Run("ignored event produces nothing", func(t *testing.T) {
		c := newTestConsumer(t, nil)

		msg := `{"did":"did:plc:author","time_us":1,"kind":"identity"}`
		require.NoError(t, c.processMessage([]byte(msg)))
		assert.Empty(t, c.events)
	})

	t.Run("malformed json is an error, not a panic", func(t *testing.T) {
		c := newTestConsumer(t, nil)
		assert.Error(t, c.processMessage([]byte("not json")))
	})

	t.Run("full backlog drops instead of blocking", func(t *testing.T) {
		c := newTestConsumer(t, nil)

		msg := `{"did":"did:plc:author","time_us":2,"kind":"commit",
			"commit":{"operation":"create","collection":"app.bsky.feed.post","rkey":"3k",
			"record":{"text":"hello","createdAt":"2025-06-01T12:00:00Z"},"cid":"bafy"}}`

		for i := 0; i < backlogSize+10; i++ {
			require.NoError(t, c.processMessage([]byte(msg)))
		}
		assert.Len(t, c.events, backlogSize)
	})
}

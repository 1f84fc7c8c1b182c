// Package jetstream provides real-time AT Protocol event consumption.
// It maintains one filtered subscription to a Jetstream firehose
// endpoint, classifies incoming envelopes, and hands classified events
// to a handler over a bounded backlog.
package jetstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"

	"github.com/skywave-social/skywave/internal/metrics"
)

// backlogSize bounds the in-memory classified-event backlog. When the
// handler falls behind, further events are dropped and counted rather
// than growing without bound.
const backlogSize = 1024

// Handler consumes classified events. Calls are made from a single
// dispatch goroutine, in receive order.
type Handler interface {
	HandleEvent(ctx context.Context, ev Event)
}

// CursorStore persists the firehose position so consumption can resume
// across restarts.
type CursorStore interface {
	GetFirehoseCursor() (int64, error)
	SetFirehoseCursor(cursor int64) error
}

// Config holds configuration for the Jetstream consumer.
type Config struct {
	// Endpoints is a list of Jetstream WebSocket URLs (with fallback rotation).
	Endpoints []string

	// WantedCollections filters events to specific collection NSIDs.
	WantedCollections []string

	// Compress enables zstd-compressed frames.
	Compress bool
}

// Consumer consumes events from Jetstream, classifies them, and feeds a handler.
type Consumer struct {
	config  Config
	handler Handler
	cursors CursorStore

	// Connection state
	conn               *websocket.Conn
	connMu             sync.Mutex
	currentEndpointIdx int

	// Identity filter; changing it forces a reconnect with the new
	// wantedDids parameter set.
	wantedDIDs   []string
	wantedDIDsMu sync.RWMutex

	// Zstd decoder for compressed messages
	zstdDecoder *zstd.Decoder

	// Cursor for resume
	cursor atomic.Int64

	// Bounded classified-event backlog
	events chan Event

	// Stats
	eventsReceived atomic.Int64
	bytesReceived  atomic.Int64

	// Control
	connected atomic.Bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewConsumer creates a new Jetstream consumer. The handler receives
// every classified event; cursors may be nil to start from live.
func NewConsumer(config Config, handler Handler, cursors CursorStore) (*Consumer, error) {
	if len(config.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one jetstream endpoint is required")
	}

	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	c := &Consumer{
		config:      config,
		handler:     handler,
		cursors:     cursors,
		zstdDecoder: decoder,
		events:      make(chan Event, backlogSize),
		stopCh:      make(chan struct{}),
	}

	if cursors != nil {
		if cursor, err := cursors.GetFirehoseCursor(); err == nil && cursor > 0 {
			c.cursor.Store(cursor)
			log.Info().Int64("cursor", cursor).Msg("jetstream: loaded cursor")
		}
	}

	return c, nil
}

// SetWantedDIDs replaces the identity filter. The active connection is
// closed so the next attempt subscribes with the updated filter;
// in-flight messages from the old connection are discarded once the new
// one is established. No other consumer state is torn down.
func (c *Consumer) SetWantedDIDs(dids []string) {
	c.wantedDIDsMu.Lock()
	c.wantedDIDs = append([]string(nil), dids...)
	c.wantedDIDsMu.Unlock()

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()
}

// Start begins consuming events in background goroutines.
func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.dispatch(ctx)
	}()
}

// Stop gracefully stops the consumer. In-flight classification is not
// flushed; unpersisted events are re-delivered via the firehose cursor
// on the next start.
func (c *Consumer) Stop() {
	close(c.stopCh)
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()
	c.wg.Wait()

	if c.zstdDecoder != nil {
		c.zstdDecoder.Close()
	}
}

// IsConnected returns true if currently connected to Jetstream.
func (c *Consumer) IsConnected() bool {
	return c.connected.Load()
}

// Stats returns consumer statistics.
func (c *Consumer) Stats() (eventsReceived, bytesReceived int64) {
	return c.eventsReceived.Load(), c.bytesReceived.Load()
}

func (c *Consumer) run(ctx context.Context) {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("jetstream: context cancelled, stopping consumer")
			return
		case <-c.stopCh:
			log.Info().Msg("jetstream: stop requested, stopping consumer")
			return
		default:
		}

		endpoint := c.config.Endpoints[c.currentEndpointIdx]
		stable, err := c.connectAndConsume(ctx, endpoint)

		if stable {
			// A message arrived on this connection, so it was healthy.
			backoff = time.Second
		}

		if err != nil {
			c.connected.Store(false)
			log.Warn().Err(err).Str("endpoint", endpoint).Msg("jetstream: connection error")

			// Rotate to next endpoint
			c.currentEndpointIdx = (c.currentEndpointIdx + 1) % len(c.config.Endpoints)

			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-time.After(backoff):
			}

			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// connectAndConsume dials one endpoint and reads until error or stop.
// stable reports whether at least one message was received, which is
// the condition for resetting the reconnect backoff.
func (c *Consumer) connectAndConsume(ctx context.Context, endpoint string) (stable bool, err error) {
	wsURL, err := c.buildWebSocketURL(endpoint)
	if err != nil {
		return false, fmt.Errorf("build websocket url: %w", err)
	}

	log.Info().Str("url", wsURL).Msg("jetstream: connecting")

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.connected.Store(true)
	metrics.FirehoseConnectionState.Set(1)
	log.Info().Str("endpoint", endpoint).Msg("jetstream: connected")

	defer func() {
		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()
		c.connected.Store(false)
		metrics.FirehoseConnectionState.Set(0)
	}()

	for {
		select {
		case <-ctx.Done():
			return stable, ctx.Err()
		case <-c.stopCh:
			return stable, nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		_, message, err := conn.ReadMessage()
		if err != nil {
			return stable, fmt.Errorf("read: %w", err)
		}
		stable = true

		c.bytesReceived.Add(int64(len(message)))

		if err := c.processMessage(message); err != nil {
			metrics.FirehoseErrorsTotal.Inc()
			log.Warn().Err(err).Msg("jetstream: failed to process message")
		}
	}
}

func (c *Consumer) buildWebSocketURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()

	for _, coll := range c.config.WantedCollections {
		q.Add("wantedCollections", coll)
	}

	c.wantedDIDsMu.RLock()
	for _, did := range c.wantedDIDs {
		q.Add("wantedDids", did)
	}
	c.wantedDIDsMu.RUnlock()

	if c.config.Compress {
		q.Set("compress", "true")
	}

	// Rewind slightly for safety across the reconnect gap.
	cursor := c.cursor.Load()
	if cursor > 0 {
		cursor -= 5 * time.Second.Microseconds()
		q.Set("cursor", fmt.Sprintf("%d", cursor))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Consumer) processMessage(data []byte) error {
	// Zstd compressed data starts with magic number 0x28 0xB5 0x2F 0xFD
	if c.config.Compress && len(data) >= 4 && data[0] == 0x28 && data[1] == 0xB5 && data[2] == 0x2F && data[3] == 0xFD {
		decompressed, err := c.zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return fmt.Errorf("decompress message: %w", err)
		}
		data = decompressed
	}

	var event RawEvent
	if err := json.Unmarshal(data, &event); err != nil {
		preview := data
		if len(preview) > 50 {
			preview = preview[:50]
		}
		return fmt.Errorf("unmarshal event (first bytes: %q): %w", preview, err)
	}

	c.eventsReceived.Add(1)

	if event.TimeUS > 0 {
		c.cursor.Store(event.TimeUS)

		// Persist cursor periodically (every 1000 events)
		if c.cursors != nil && c.eventsReceived.Load()%1000 == 0 {
			if err := c.cursors.SetFirehoseCursor(event.TimeUS); err != nil {
				log.Warn().Err(err).Msg("jetstream: failed to persist cursor")
			}
		}
	}

	classified := Classify(&event)
	if classified == nil {
		metrics.FirehoseIgnoredTotal.Inc()
		if event.Kind == "commit" && event.Commit != nil {
			log.Debug().
				Str("did", event.DID).
				Str("collection", event.Commit.Collection).
				Str("operation", event.Commit.Operation).
				Msg("jetstream: ignored event")
		}
		return nil
	}

	metrics.FirehoseEventsTotal.WithLabelValues(event.Commit.Collection, event.Commit.Operation).Inc()

	select {
	case c.events <- classified:
		metrics.IngestBacklogDepth.Set(float64(len(c.events)))
	default:
		// Backlog full: drop and count rather than block the read loop.
		metrics.IngestDroppedTotal.Inc()
		log.Warn().Str("did", event.DID).Msg("jetstream: backlog full, dropping event")
	}

	return nil
}

// dispatch drains the backlog into the handler on a single goroutine,
// preserving receive order against the single-writer index store.
func (c *Consumer) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case ev := <-c.events:
			metrics.IngestBacklogDepth.Set(float64(len(c.events)))
			c.handler.HandleEvent(ctx, ev)
		}
	}
}

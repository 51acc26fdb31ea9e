// Package stream fans engine lifecycle events out to connected admin
// observers over a hand-rolled WebSocket, without applying back-pressure to
// the engine's own serialized work queue.
//
// Design notes
//
//   - Each WebSocket client has a dedicated buffered channel of JSON-encoded
//     event frames. A non-blocking send means a slow or disconnected observer
//     never stalls whatever goroutine is publishing engine events.
//   - Clients are tracked in a sync.Map keyed by client ID to allow
//     concurrent reads without a global lock on the hot publish path.
package stream

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Event is the JSON envelope pushed to admin WebSocket observers.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ConnectedData is the payload of a "connected" Event.
type ConnectedData struct {
	Peer     string `json:"peer"`
	ConnID   int    `json:"conn_id"`
	ClientID int    `json:"client_id"`
}

// DisconnectedData is the payload of a "disconnected" Event.
type DisconnectedData struct {
	ConnID int `json:"conn_id"`
	Reason int `json:"reason"`
}

// ServiceChangedData is the payload of a "service_changed" Event.
type ServiceChangedData struct {
	Peer   string `json:"peer"`
	ConnID int    `json:"conn_id"`
}

// Client represents a single connected admin WebSocket observer, created by
// Broadcaster.Register and valid until Broadcaster.Unregister is called.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns a receive-only channel on which JSON-encoded event frames are
// delivered. The channel is closed when the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans Event values out to every registered admin observer. It
// is safe for concurrent use.
type Broadcaster struct {
	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster. bufSize is the per-client channel
// buffer depth; a value of 0 uses the default of 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broadcaster{bufSize: bufSize, logger: logger}
}

// Register creates a new Client with the given id and returns it. The
// caller must call Unregister(id) when the client disconnects.
func (b *Broadcaster) Register(id string) *Client {
	c := &Client{id: id, send: make(chan []byte, b.bufSize)}
	if b.closed.Load() {
		close(c.send)
		return c
	}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	return c
}

// Unregister removes the client with id and closes its Send channel.
// Calling Unregister with an unknown id is a no-op.
func (b *Broadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		c := v.(*Client)
		close(c.send)
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of currently registered observers.
func (b *Broadcaster) ClientCount() int {
	return int(b.clientCnt.Load())
}

// Publish marshals evt to JSON and delivers it to every registered client
// using a non-blocking send. A client whose buffer is full has the event
// dropped and its Dropped counter incremented.
func (b *Broadcaster) Publish(evt Event) {
	if b.closed.Load() {
		return
	}

	raw, err := json.Marshal(evt)
	if err != nil {
		b.logger.Error("admin stream: marshal failed", slog.Any("error", err))
		return
	}

	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		select {
		case c.send <- raw:
		default:
			c.Dropped.Add(1)
			b.logger.Warn("admin stream: client buffer full, dropping event",
				slog.String("client_id", c.id),
				slog.String("event_type", evt.Type),
			)
		}
		return true
	})
}

// Close unregisters and closes every client channel. After Close returns,
// Publish is a no-op.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.clients.Range(func(key, value any) bool {
			b.clients.Delete(key)
			c := value.(*Client)
			close(c.send)
			b.clientCnt.Add(-1)
			return true
		})
	})
}

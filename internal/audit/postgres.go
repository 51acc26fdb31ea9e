package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openbt/gattcore/internal/gattc"
)

const (
	// DefaultBatchSize is the maximum number of CLCB lifecycle rows held
	// in-memory before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending rows even when the batch has not yet reached DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// eventType discriminates the rows persisted by PostgresSink.
type eventType string

const (
	eventOpen           eventType = "open"
	eventClose          eventType = "close"
	eventServiceChanged eventType = "service_changed"
)

// clcbEvent is one buffered row awaiting a batch INSERT.
type clcbEvent struct {
	eventType eventType
	peer      string
	clientID  int
	connID    int
	reason    int
	status    int
	startHdl  int
	endHdl    int
	recordedAt time.Time
}

// PostgresSink is a fleet-wide gattc.AuditSink backed by PostgreSQL. It
// implements the same batched-insert-with-background-flush shape as the
// dashboard's alert ingestion path: events accumulate in memory and flush
// either when the buffer fills or when the ticker fires, whichever comes
// first, trading a small durability window for write throughput under a
// burst of CLCB churn.
type PostgresSink struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []clcbEvent
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// NewPostgresSink opens a pgxpool connection to connStr, pings the database,
// and starts the background flush goroutine.
//
// batchSize <= 0 is replaced with DefaultBatchSize.
// flushInterval <= 0 is replaced with DefaultFlushInterval.
func NewPostgresSink(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*PostgresSink, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("audit: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: pool.Ping: %w", err)
	}

	s := &PostgresSink{
		pool:          pool,
		batch:         make([]clcbEvent, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the background flush goroutine, flushes any remaining buffered
// rows, and closes the connection pool. Safe to call more than once.
func (s *PostgresSink) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
		<-s.doneCh
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

func (s *PostgresSink) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

func (s *PostgresSink) enqueue(e clcbEvent) {
	s.mu.Lock()
	s.batch = append(s.batch, e)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		_ = s.Flush(context.Background())
	}
}

// Flush drains the current event buffer and sends all rows to PostgreSQL in
// a single pgx.Batch round-trip. Safe to call concurrently: a mutex swap
// ensures each call drains a distinct snapshot of the buffer.
func (s *PostgresSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]clcbEvent, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO clcb_events
			(event_type, peer, client_id, conn_id, reason, status, start_handle, end_handle, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	b := &pgx.Batch{}
	for i := range toInsert {
		e := &toInsert[i]
		b.Queue(query,
			string(e.eventType), e.peer, e.clientID, e.connID,
			e.reason, e.status, e.startHdl, e.endHdl, e.recordedAt,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("audit: batch exec clcb event: %w", err)
		}
	}
	return nil
}

func (s *PostgresSink) RecordOpen(_ context.Context, peer gattc.PeerAddress, clientID, connID int, status gattc.Status) {
	s.enqueue(clcbEvent{
		eventType: eventOpen, peer: peer.String(), clientID: clientID, connID: connID,
		status: int(status), recordedAt: time.Now().UTC(),
	})
}

func (s *PostgresSink) RecordClose(_ context.Context, peer gattc.PeerAddress, clientID, connID int, reason int, status gattc.Status) {
	s.enqueue(clcbEvent{
		eventType: eventClose, peer: peer.String(), clientID: clientID, connID: connID,
		reason: reason, status: int(status), recordedAt: time.Now().UTC(),
	})
}

func (s *PostgresSink) RecordServiceChanged(_ context.Context, peer gattc.PeerAddress, startHdl, endHdl uint16) {
	s.enqueue(clcbEvent{
		eventType: eventServiceChanged, peer: peer.String(),
		startHdl: int(startHdl), endHdl: int(endHdl), recordedAt: time.Now().UTC(),
	})
}

// QueryEvents returns persisted CLCB lifecycle events for peer with
// recorded_at in [from, to), ordered oldest first. Intended for admin
// introspection (internal/admin), not the hot ingestion path.
func (s *PostgresSink) QueryEvents(ctx context.Context, peer string, from, to time.Time) ([]json.RawMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_type, peer, client_id, conn_id, reason, status, start_handle, end_handle, recorded_at
		FROM   clcb_events
		WHERE  peer = $1 AND recorded_at >= $2 AND recorded_at < $3
		ORDER  BY recorded_at ASC`,
		peer, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query clcb events: %w", err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var et, p string
		var clientID, connID, reason, status, startHdl, endHdl int
		var recordedAt time.Time
		if err := rows.Scan(&et, &p, &clientID, &connID, &reason, &status, &startHdl, &endHdl, &recordedAt); err != nil {
			return nil, fmt.Errorf("audit: scan clcb event: %w", err)
		}
		raw, err := json.Marshal(struct {
			EventType  string    `json:"event_type"`
			Peer       string    `json:"peer"`
			ClientID   int       `json:"client_id"`
			ConnID     int       `json:"conn_id"`
			Reason     int       `json:"reason"`
			Status     int       `json:"status"`
			StartHdl   int       `json:"start_handle"`
			EndHdl     int       `json:"end_handle"`
			RecordedAt time.Time `json:"recorded_at"`
		}{et, p, clientID, connID, reason, status, startHdl, endHdl, recordedAt})
		if err != nil {
			return nil, fmt.Errorf("audit: marshal clcb event: %w", err)
		}
		out = append(out, raw)
	}
	return out, rows.Err()
}

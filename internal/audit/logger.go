// Package audit provides tamper-evident, hash-chained recording of CLCB
// lifecycle events (open, close, service-changed) as a gattc.AuditSink, plus
// a fleet-wide Postgres-backed implementation in postgres.go.
//
// # Hash chain
//
// Each entry's event_hash is the SHA-256 hex digest of the JSON encoding of
// {seq, ts, payload, prev_hash}. The genesis entry (seq=1) uses a prev_hash
// of 64 ASCII zero characters.
//
// # Append semantics
//
// Each entry is one JSON line. The file is opened with
// os.O_APPEND | os.O_CREATE | os.O_WRONLY so each write is appended
// atomically by the OS (POSIX write(2) with O_APPEND guarantees a single
// atomic write up to PIPE_BUF bytes; these lines stay well under that).
//
// # Thread safety
//
// Logger is safe for concurrent use; a mutex serialises Append calls to
// maintain a consistent sequence number and prev_hash.
package audit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/openbt/gattcore/internal/gattc"
)

// GenesisHash is the all-zero SHA-256 hex digest used as the prev_hash of the
// very first (genesis) entry in the chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// entry is the wire format for one audit log line.
type entry struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	EventHash string          `json:"event_hash"`
}

// entryContent is the subset of entry fields hashed to produce EventHash. It
// deliberately excludes EventHash itself.
type entryContent struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
}

// Logger is a tamper-evident, append-only audit log writer. Create one with
// Open; do not copy after first use.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
}

// Open opens (or creates) the log file at path and prepares the Logger for
// appending. If the file already contains entries, Open replays them to
// restore the current sequence number and prev_hash, so the chain continues
// correctly across restarts. Returns an error if the file cannot be opened,
// any existing entry is malformed, or the existing chain is broken.
func Open(path string) (*Logger, error) {
	prevHash := GenesisHash
	seq := int64(0)

	if _, err := os.Stat(path); err == nil {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("audit: open for reading %q: %w", path, err)
		}
		scanner := bufio.NewScanner(f)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 10*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var e entry
			if err := json.Unmarshal(line, &e); err != nil {
				f.Close()
				return nil, fmt.Errorf("audit: malformed entry at seq %d: %w", seq+1, err)
			}
			computed := hashContent(entryContent{
				Seq: e.Seq, Timestamp: e.Timestamp, Payload: e.Payload, PrevHash: e.PrevHash,
			})
			if computed != e.EventHash {
				f.Close()
				return nil, fmt.Errorf("audit: hash mismatch at seq %d: stored %q, computed %q",
					e.Seq, e.EventHash, computed)
			}
			if e.PrevHash != prevHash {
				f.Close()
				return nil, fmt.Errorf("audit: chain break at seq %d: expected prev_hash %q, got %q",
					e.Seq, prevHash, e.PrevHash)
			}
			prevHash = e.EventHash
			seq = e.Seq
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("audit: scanning existing log %q: %w", path, err)
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open for appending %q: %w", path, err)
	}

	return &Logger{file: f, prevHash: prevHash, seq: seq}, nil
}

// Append writes a new tamper-evident entry to the log. payload must be valid
// JSON; passing nil records a JSON null payload.
func (l *Logger) Append(payload json.RawMessage) (Entry, error) {
	if payload == nil {
		payload = json.RawMessage("null")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.seq + 1
	ts := time.Now().UTC()
	prevHash := l.prevHash

	content := entryContent{Seq: seq, Timestamp: ts, Payload: payload, PrevHash: prevHash}
	eventHash := hashContent(content)

	e := entry{Seq: seq, Timestamp: ts, Payload: payload, PrevHash: prevHash, EventHash: eventHash}
	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return Entry{}, fmt.Errorf("audit: write entry: %w", err)
	}

	l.seq = seq
	l.prevHash = eventHash

	return Entry{Seq: seq, Timestamp: ts, Payload: payload, PrevHash: prevHash, EventHash: eventHash}, nil
}

// Close flushes any OS-level buffers and closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("audit: sync: %w", err)
	}
	return l.file.Close()
}

// Entry is the public representation of one audit log entry returned by
// Append and Verify.
type Entry struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	EventHash string          `json:"event_hash"`
}

// Verify reads the log file at path and checks the full hash chain. It
// returns the ordered slice of entries on success, or the first chain error
// encountered. An empty file is valid and returns an empty slice.
func Verify(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: verify open %q: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	prevHash := GenesisHash
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("audit: malformed entry: %w", err)
		}
		if e.PrevHash != prevHash {
			return nil, fmt.Errorf("audit: chain break at seq %d: expected prev_hash %q, got %q",
				e.Seq, prevHash, e.PrevHash)
		}
		computed := hashContent(entryContent{
			Seq: e.Seq, Timestamp: e.Timestamp, Payload: e.Payload, PrevHash: e.PrevHash,
		})
		if computed != e.EventHash {
			return nil, fmt.Errorf("audit: hash mismatch at seq %d: stored %q, computed %q",
				e.Seq, e.EventHash, computed)
		}
		entries = append(entries, Entry{
			Seq: e.Seq, Timestamp: e.Timestamp, Payload: e.Payload, PrevHash: e.PrevHash, EventHash: e.EventHash,
		})
		prevHash = e.EventHash
	}

	return entries, scanner.Err()
}

func hashContent(c entryContent) string {
	raw, err := json.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("audit: marshal entryContent: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Sink adapts a Logger to gattc.AuditSink, JSON-encoding each CLCB lifecycle
// callback as the hash-chained payload. Append errors are swallowed after a
// best-effort attempt: a broken audit trail must never block the protocol
// core's own dispatch loop.
type Sink struct {
	logger *Logger
}

// NewSink wraps logger as a gattc.AuditSink.
func NewSink(logger *Logger) *Sink {
	return &Sink{logger: logger}
}

type openPayload struct {
	Peer     string `json:"peer"`
	ClientID int    `json:"client_id"`
	ConnID   int    `json:"conn_id"`
	Status   int    `json:"status"`
}

type closePayload struct {
	Peer     string `json:"peer"`
	ClientID int    `json:"client_id"`
	ConnID   int    `json:"conn_id"`
	Reason   int    `json:"reason"`
	Status   int    `json:"status"`
}

type serviceChangedPayload struct {
	Peer     string `json:"peer"`
	StartHdl int    `json:"start_handle"`
	EndHdl   int    `json:"end_handle"`
}

func (s *Sink) RecordOpen(_ context.Context, peer gattc.PeerAddress, clientID, connID int, status gattc.Status) {
	s.append(openPayload{Peer: peer.String(), ClientID: clientID, ConnID: connID, Status: int(status)})
}

func (s *Sink) RecordClose(_ context.Context, peer gattc.PeerAddress, clientID, connID int, reason int, status gattc.Status) {
	s.append(closePayload{Peer: peer.String(), ClientID: clientID, ConnID: connID, Reason: reason, Status: int(status)})
}

func (s *Sink) RecordServiceChanged(_ context.Context, peer gattc.PeerAddress, startHdl, endHdl uint16) {
	s.append(serviceChangedPayload{Peer: peer.String(), StartHdl: int(startHdl), EndHdl: int(endHdl)})
}

func (s *Sink) append(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = s.logger.Append(raw)
}

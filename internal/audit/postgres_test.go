//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/audit/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package audit_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openbt/gattcore/internal/audit"
	"github.com/openbt/gattcore/internal/gattc"
)

// migrationsDir returns the absolute path to db/migrations relative to this
// test file, so the test works regardless of the working directory.
func migrationsDir(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	return filepath.Join(filepath.Dir(thisFile), "..", "..", "db", "migrations")
}

// setupSink starts a PostgreSQL container, applies the clcb_events schema,
// and returns a PostgresSink and a raw pgxpool for schema-level assertions.
func setupSink(t *testing.T) (*audit.PostgresSink, *pgxpool.Pool, func()) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("gattcore_test"),
		tcpostgres.WithUsername("gattcore"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("get connection string: %v", err)
	}

	rawPool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("connect for migrations: %v", err)
	}
	applyMigration(t, ctx, rawPool, filepath.Join(migrationsDir(t), "001_clcb_events.sql"))

	sink, err := audit.NewPostgresSink(ctx, connStr, 10, 50*time.Millisecond)
	if err != nil {
		rawPool.Close()
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("audit.NewPostgresSink: %v", err)
	}

	cleanup := func() {
		sink.Close(ctx)
		rawPool.Close()
		_ = pgContainer.Terminate(ctx)
	}
	return sink, rawPool, cleanup
}

func applyMigration(t *testing.T, ctx context.Context, pool *pgxpool.Pool, path string) {
	t.Helper()
	sql, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read migration %s: %v", path, err)
	}
	if _, err := pool.Exec(ctx, string(sql)); err != nil {
		t.Fatalf("apply migration %s: %v", path, err)
	}
}

func testPeer() gattc.PeerAddress {
	return gattc.PeerAddress{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
}

func TestPostgresSink_RecordOpen_FlushesToDatabase(t *testing.T) {
	sink, pool, cleanup := setupSink(t)
	defer cleanup()
	ctx := context.Background()

	sink.RecordOpen(ctx, testPeer(), 7, 42, gattc.StatusSuccess)
	if err := sink.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	var count int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM clcb_events WHERE event_type = 'open'`).Scan(&count); err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 open row, got %d", count)
	}
}

func TestPostgresSink_BatchFillTriggersAutoFlush(t *testing.T) {
	sink, pool, cleanup := setupSink(t)
	defer cleanup()
	ctx := context.Background()
	peer := testPeer()

	// setupSink uses a batch size of 10; writing 10 rows should auto-flush
	// without an explicit Flush call.
	for i := 0; i < 10; i++ {
		sink.RecordServiceChanged(ctx, peer, uint16(i), uint16(i+1))
	}

	var count int
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM clcb_events WHERE event_type = 'service_changed'`).Scan(&count); err != nil {
			t.Fatalf("count query: %v", err)
		}
		if count == 10 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if count != 10 {
		t.Errorf("expected 10 auto-flushed rows, got %d", count)
	}
}

func TestPostgresSink_BackgroundTickerFlushesPartialBatch(t *testing.T) {
	sink, pool, cleanup := setupSink(t)
	defer cleanup()
	ctx := context.Background()

	sink.RecordClose(ctx, testPeer(), 3, 9, 19, gattc.StatusSuccess)

	// Below the batch size; rely on the 50ms background ticker.
	time.Sleep(200 * time.Millisecond)

	var count int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM clcb_events WHERE event_type = 'close'`).Scan(&count); err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != 1 {
		t.Errorf("expected the ticker to flush the partial batch, got %d rows", count)
	}
}

func TestPostgresSink_QueryEvents_ReturnsRecordedRows(t *testing.T) {
	sink, _, cleanup := setupSink(t)
	defer cleanup()
	ctx := context.Background()
	peer := testPeer()

	from := time.Now().Add(-time.Minute)
	sink.RecordOpen(ctx, peer, 1, 11, gattc.StatusSuccess)
	if err := sink.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	to := time.Now().Add(time.Minute)

	rows, err := sink.QueryEvents(ctx, peer.String(), from, to)
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 event row, got %d", len(rows))
	}
}

// Command gattcd runs the GATT client protocol engine against an
// out-of-process radio controller, exposing a read-only introspection API
// and an admin WebSocket event feed. It loads a YAML configuration file,
// wires the engine's cache and audit backends, and shuts down gracefully on
// SIGTERM or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openbt/gattcore/internal/admin"
	"github.com/openbt/gattcore/internal/admin/stream"
	"github.com/openbt/gattcore/internal/audit"
	sqlitecache "github.com/openbt/gattcore/internal/cache/sqlite"
	"github.com/openbt/gattcore/internal/config"
	"github.com/openbt/gattcore/internal/gattc"
	"github.com/openbt/gattcore/internal/transport/grpcremote"
)

// observerAppUUID identifies the standing admin-observer registration used
// to forward engine lifecycle events onto the admin WebSocket feed.
var observerAppUUID = gattc.UUID{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xAD, 0x01}

func main() {
	configPath := flag.String("config", "/etc/gattcd/config.yaml", "path to the gattcd YAML configuration file")
	jwtPubKeyPath := flag.String("admin-jwt-pubkey", "", "path to the PEM-encoded RSA public key used to verify admin API bearer tokens (optional; omit to disable auth)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gattcd: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("transport_addr", cfg.TransportAddr),
		slog.String("admin_addr", cfg.AdminAddr),
		slog.String("audit_backend", cfg.Audit.Backend),
	)

	cacheStore, err := sqlitecache.Open(cfg.Cache.Path, cfg.Cache.FrontCacheSize)
	if err != nil {
		logger.Error("failed to open attribute cache", slog.String("path", cfg.Cache.Path), slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	auditSink, auditQuerier, closeAudit, err := buildAuditBackend(ctx, cfg)
	if err != nil {
		logger.Error("failed to configure audit backend", slog.Any("error", err))
		os.Exit(1)
	}
	if closeAudit != nil {
		defer closeAudit()
	}

	bc := stream.NewBroadcaster(logger, 64)
	defer bc.Close()

	radio := grpcremote.New(grpcremote.ClientConfig{
		Addr:       cfg.TransportAddr,
		CertPath:   cfg.TLS.CertPath,
		KeyPath:    cfg.TLS.KeyPath,
		CAPath:     cfg.TLS.CAPath,
		MaxBackoff: 60 * time.Second,
	}, nil, logger)

	engineOpts := []gattc.Option{
		gattc.WithLogger(logger),
		gattc.WithDiscoveryEngine(radio),
		gattc.WithCacheStore(cacheStore),
		gattc.WithRobustCachingPolicy(cfg.RobustCachingPolicy(gattc.DefaultRobustCachingPolicy)),
	}
	if auditSink != nil {
		engineOpts = append(engineOpts, gattc.WithAuditSink(auditSink))
	}

	eng := gattc.NewEngine(cfg.ToEngineConfig(), radio, engineOpts...)

	radio.SetEngine(eng)

	if err := radio.Start(ctx); err != nil {
		logger.Error("failed to start remote transport", slog.Any("error", err))
		os.Exit(1)
	}
	defer radio.Stop()

	if err := eng.Run(ctx); err != nil {
		logger.Error("failed to start engine", slog.Any("error", err))
		os.Exit(1)
	}
	defer eng.Close()

	// Register a standing observer application whose sole purpose is
	// forwarding lifecycle events onto the admin WebSocket feed; it does not
	// open connections itself.
	if _, _, err := eng.Register(ctx, observerAppUUID, stream.NewEngineSink(bc), false); err != nil {
		logger.Warn("failed to register admin observer application", slog.Any("error", err))
	}

	var pubKey *rsa.PublicKey
	if *jwtPubKeyPath != "" {
		pubKey, err = loadRSAPublicKey(*jwtPubKeyPath)
		if err != nil {
			logger.Error("failed to load admin JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
	}

	adminSrv := admin.NewServer(eng, auditQuerier)
	mux := http.NewServeMux()
	mux.Handle("/", admin.NewRouter(adminSrv, pubKey))
	mux.Handle("/ws/events", stream.NewHandler(bc, logger, 10*time.Second))

	httpServer := &http.Server{
		Addr:         cfg.AdminAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("admin server listening", slog.String("addr", cfg.AdminAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin server shutdown error", slog.Any("error", err))
	}

	logger.Info("gattcd exited cleanly")
}

// buildAuditBackend constructs the AuditSink (and, when the backend supports
// range queries, the AuditQuerier) named by cfg.Audit.Backend. The returned
// close function flushes and releases backend resources; it is nil for the
// "none" and "local" backends, which have nothing to flush.
func buildAuditBackend(ctx context.Context, cfg *config.Config) (gattc.AuditSink, admin.AuditQuerier, func(), error) {
	switch cfg.Audit.Backend {
	case "", "none":
		return nil, nil, nil, nil

	case "local":
		logger, err := audit.Open(cfg.Audit.LocalPath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open local audit log: %w", err)
		}
		return audit.NewSink(logger), nil, nil, nil

	case "postgres":
		sink, err := audit.NewPostgresSink(ctx, cfg.Audit.PostgresDSN, 100, 2*time.Second)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect postgres audit sink: %w", err)
		}
		return sink, sink, func() { sink.Close(context.Background()) }, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown audit backend %q", cfg.Audit.Backend)
	}
}

// loadRSAPublicKey reads a PEM-encoded PKIX RSA public key from path.
func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%q: no PEM block found", path)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%q: parse public key: %w", path, err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%q: not an RSA public key", path)
	}
	return rsaPub, nil
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

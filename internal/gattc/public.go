package gattc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Config holds the tunables the engine needs beyond its collaborator
// interfaces. Zero value is not valid; use DefaultConfig and override.
type Config struct {
	// StrictQueueing decides the single-slot operation queue's behavior when
	// a second command arrives while one is already deferred: true rejects
	// it with NO_RESOURCES, false overwrites the deferred slot.
	StrictQueueing bool

	// WorkQueueDepth bounds the engine's single serialized work channel.
	// Public API calls block once it fills, applying natural backpressure.
	WorkQueueDepth int
}

// DefaultConfig returns the engine's default tunables: strict queueing
// enabled and a moderate work-queue depth.
func DefaultConfig() Config {
	return Config{
		StrictQueueing:  true,
		WorkQueueDepth:  256,
	}
}

// Option configures optional collaborators on an Engine at construction
// time, mirroring the functional-options pattern used for Agent.
type Option func(*engineState)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *engineState) { e.logger = l }
}

// WithDiscoveryEngine supplies the collaborator that performs primary
// service discovery and database-hash reads. Required for any connection
// that reaches the DISCOVER state; omitting it means every discovery
// attempt fails immediately.
func WithDiscoveryEngine(d DiscoveryEngine) Option {
	return func(e *engineState) { e.discoveryEngine = d }
}

// WithCacheStore supplies durable storage for cached attribute databases.
// Omitting it leaves caching disabled (every connection rediscovers).
func WithCacheStore(c CacheStore) Option {
	return func(e *engineState) { e.cache = c }
}

// WithAuditSink supplies a sink for connection lifecycle and
// service-changed events. Defaults to a no-op sink.
func WithAuditSink(a AuditSink) Option {
	return func(e *engineState) { e.audit = a }
}

// WithBondedPeerStore supplies bonding lookups consulted before loading a
// cached database on connect. Defaults to treating every peer as bonded.
func WithBondedPeerStore(b BondedPeerStore) Option {
	return func(e *engineState) { e.bonded = b }
}

// WithRobustCachingPolicy overrides the conservative default robust-caching
// trust function.
func WithRobustCachingPolicy(p RobustCachingPolicy) Option {
	return func(e *engineState) { e.robustCachingFn = p }
}

type nopCacheStore struct{}

func (nopCacheStore) Load(context.Context, PeerAddress) (Database, error) { return Database{}, nil }
func (nopCacheStore) Store(context.Context, PeerAddress, Database) error  { return nil }
func (nopCacheStore) Reset(context.Context, PeerAddress) error            { return nil }

// Engine is the public, concurrency-safe entry point. Every mutation of the
// internal tables happens on a single goroutine draining workCh; public
// methods post work and, where a result is expected, wait for it to finish
// before returning.
type Engine struct {
	state engineState

	workCh chan func(*engineState)

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine constructs an Engine bound to transport. Apply Option values to
// wire in a discovery engine, cache store, audit sink, bonded-peer store, or
// custom robust-caching policy; any left unset get a safe default.
func NewEngine(cfg Config, transport Transport, opts ...Option) *Engine {
	eng := &Engine{
		workCh: make(chan func(*engineState), cfg.WorkQueueDepth),
	}
	eng.state = engineState{
		cfg:             cfg,
		logger:          slog.Default(),
		registry:        newRegistry(slog.Default()),
		srcbs:           newSRCBTable(),
		clcbs:           newCLCBTable(),
		transport:       transport,
		cache:           nopCacheStore{},
		audit:           noopAuditSink{},
		bonded:          alwaysBonded{},
		robustCachingFn: defaultRobustCachingPolicy,
		mtuWaits:        newMTUWaitList(),
		peerByCLCB:      make(map[clcbHandle]PeerAddress),
	}
	for _, opt := range opts {
		opt(&eng.state)
	}
	eng.state.registry.logger = eng.state.logger
	return eng
}

// Run starts the engine's work-queue goroutine. It returns immediately;
// Close stops the goroutine and waits for it to exit. Run must be called
// exactly once.
func (eng *Engine) Run(ctx context.Context) error {
	eng.mu.Lock()
	if eng.running {
		eng.mu.Unlock()
		return fmt.Errorf("gattc: engine already running")
	}
	eng.running = true
	ctx, cancel := context.WithCancel(ctx)
	eng.cancel = cancel
	eng.mu.Unlock()

	eng.wg.Add(1)
	go eng.loop(ctx)
	return nil
}

func (eng *Engine) loop(ctx context.Context) {
	defer eng.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-eng.workCh:
			fn(&eng.state)
		}
	}
}

// Close stops the work-queue goroutine and waits for it to exit. Safe to
// call multiple times.
func (eng *Engine) Close() {
	eng.mu.Lock()
	if !eng.running {
		eng.mu.Unlock()
		return
	}
	eng.running = false
	cancel := eng.cancel
	eng.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	eng.wg.Wait()
}

// call posts fn onto the work queue and blocks until it has run, returning
// ErrEngineClosed if the engine is not running or ctx is done first.
func (eng *Engine) call(ctx context.Context, fn func(*engineState)) error {
	eng.mu.RLock()
	running := eng.running
	eng.mu.RUnlock()
	if !running {
		return ErrEngineClosed
	}
	done := make(chan struct{})
	wrapped := func(es *engineState) {
		fn(es)
		close(done)
	}
	select {
	case eng.workCh <- wrapped:
	case <-ctx.Done():
		return ErrEngineClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ErrEngineClosed
	}
}

// post enqueues fn without waiting for it to run, for ingress callbacks that
// carry no return value back to their caller (transport events).
func (eng *Engine) post(ctx context.Context, fn func(*engineState)) {
	select {
	case eng.workCh <- fn:
	case <-ctx.Done():
	}
}

// Flush blocks until every item enqueued before this call (including
// transport-originated Notify* callbacks) has finished processing. Useful
// before Close to ensure in-flight ingress has been handled.
func (eng *Engine) Flush(ctx context.Context) error {
	return eng.call(ctx, func(*engineState) {})
}

// Snapshot returns a point-in-time read of every live connection and cached
// peer record, for read-only introspection (an admin API, a debug dump).
// Like every other public method it is routed through the serialized work
// queue, so it reflects state as of its turn in FIFO order relative to other
// calls already queued.
func (eng *Engine) Snapshot(ctx context.Context) (EngineSnapshot, error) {
	var snap EngineSnapshot
	err := eng.call(ctx, func(es *engineState) {
		snap = es.snapshot()
	})
	return snap, err
}

func findRegistryHandle(es *engineState, clientID int) (registryHandle, error) {
	h, _ := es.findByClientID(clientID)
	if h == noRegistry {
		return noRegistry, ErrUnknownApp
	}
	return h, nil
}

// --- Public API --------------------------------------------------------

// Register enrolls a new application with the engine, returning the client
// id the transport assigned it.
func (eng *Engine) Register(ctx context.Context, appUUID UUID, sink Sink, eattSupport bool) (clientID int, status Status, err error) {
	err = eng.call(ctx, func(es *engineState) {
		_, clientID, status = es.registry.register(ctx, es.transport, appUUID, sink, eattSupport)
	})
	return
}

// Deregister removes a previously registered application. If it still owns
// live connections, completion is deferred until every CLCB closes; the
// DEREGISTER event is delivered to sink when that finally happens.
func (eng *Engine) Deregister(ctx context.Context, clientID int) error {
	return eng.call(ctx, func(es *engineState) {
		h, err := findRegistryHandle(es, clientID)
		if err != nil {
			return
		}
		if es.registry.beginDeregister(h) {
			es.finishDeregister(h)
			return
		}
		// Drive every owned CLCB to API_CLOSE; finishDeregister fires once
		// the last one's deallocCLCB sees numCLCB hit zero.
		var targets []clcbHandle
		es.clcbs.each(func(ch clcbHandle, c *clcbEntry) {
			if c.client == h {
				targets = append(targets, ch)
			}
		})
		for _, ch := range targets {
			es.dispatch(ch, evAPIClose, eventData{closeByApp: true})
		}
	})
}

// Open starts a direct connection attempt to peer.
func (eng *Engine) Open(ctx context.Context, clientID int, peer PeerAddress, bearer Bearer) error {
	return eng.call(ctx, func(es *engineState) {
		h, err := findRegistryHandle(es, clientID)
		if err != nil {
			return
		}
		es.openDirect(h, peer, bearer)
	})
}

// OpenBackground starts (or refreshes) a background connection attempt to
// peer, returning NO_RESOURCES if the app's white list is full.
func (eng *Engine) OpenBackground(ctx context.Context, clientID int, peer PeerAddress, bearer Bearer) (status Status, err error) {
	err = eng.call(ctx, func(es *engineState) {
		h, rerr := findRegistryHandle(es, clientID)
		if rerr != nil {
			status = StatusError
			return
		}
		status = es.openBackground(h, peer, bearer)
	})
	return
}

// CancelOpen cancels a pending direct connection attempt.
func (eng *Engine) CancelOpen(ctx context.Context, clientID int, peer PeerAddress, bearer Bearer) error {
	return eng.call(ctx, func(es *engineState) {
		h, err := findRegistryHandle(es, clientID)
		if err != nil {
			return
		}
		es.cancelDirect(h, peer, bearer)
	})
}

// CancelOpenBackground cancels a pending background connection attempt.
func (eng *Engine) CancelOpenBackground(ctx context.Context, clientID int, peer PeerAddress) error {
	return eng.call(ctx, func(es *engineState) {
		h, err := findRegistryHandle(es, clientID)
		if err != nil {
			return
		}
		es.cancelBackground(h, peer)
	})
}

// CloseConnection closes an open connection to peer.
func (eng *Engine) CloseConnection(ctx context.Context, clientID int, peer PeerAddress, bearer Bearer) error {
	return eng.call(ctx, func(es *engineState) {
		h, err := findRegistryHandle(es, clientID)
		if err != nil {
			return
		}
		es.closeConn(h, peer, bearer)
	})
}

// Read queues a characteristic/descriptor read on the given connection.
func (eng *Engine) Read(ctx context.Context, clientID int, peer PeerAddress, bearer Bearer, handle uint16) error {
	return eng.submitOp(ctx, clientID, peer, bearer, pendingCmd{op: opRead, handle: handle})
}

// ReadMulti queues a multi-handle characteristic read.
func (eng *Engine) ReadMulti(ctx context.Context, clientID int, peer PeerAddress, bearer Bearer, handles []uint16) error {
	return eng.submitOp(ctx, clientID, peer, bearer, pendingCmd{op: opReadMulti, handles: handles})
}

// Write queues a characteristic/descriptor write.
func (eng *Engine) Write(ctx context.Context, clientID int, peer PeerAddress, bearer Bearer, handle uint16, value []byte) error {
	return eng.submitOp(ctx, clientID, peer, bearer, pendingCmd{op: opWrite, handle: handle, value: value})
}

// ExecuteWrite queues an execute/cancel of a pending prepared-write queue.
func (eng *Engine) ExecuteWrite(ctx context.Context, clientID int, peer PeerAddress, bearer Bearer, execute bool) error {
	return eng.submitOp(ctx, clientID, peer, bearer, pendingCmd{op: opExecuteWrite, execute: execute})
}

// ConfigureMTU requests an MTU exchange, coalescing with any in-flight
// request to the same peer from another app.
func (eng *Engine) ConfigureMTU(ctx context.Context, clientID int, peer PeerAddress, bearer Bearer, mtu int) error {
	return eng.submitOp(ctx, clientID, peer, bearer, pendingCmd{op: opConfigureMTU, mtu: mtu})
}

// Confirm sends an application-driven ATT handle-value confirmation (used
// when the app, not the engine, owns acknowledging a specific indication).
func (eng *Engine) Confirm(ctx context.Context, clientID int, peer PeerAddress, bearer Bearer, handle uint16) error {
	return eng.submitOp(ctx, clientID, peer, bearer, pendingCmd{op: opConfirm, handle: handle})
}

// Search forces rediscovery of peer's attribute database.
func (eng *Engine) Search(ctx context.Context, clientID int, peer PeerAddress, bearer Bearer) error {
	return eng.call(ctx, func(es *engineState) {
		h, err := findRegistryHandle(es, clientID)
		if err != nil {
			return
		}
		ch, ok := es.clcbs.lookup(h, peer, bearer)
		if !ok {
			return
		}
		es.dispatch(ch, evAPISearch, eventData{})
	})
}

func (eng *Engine) submitOp(ctx context.Context, clientID int, peer PeerAddress, bearer Bearer, cmd pendingCmd) error {
	return eng.call(ctx, func(es *engineState) {
		h, err := findRegistryHandle(es, clientID)
		if err != nil {
			return
		}
		ch, ok := es.clcbs.lookup(h, peer, bearer)
		if !ok {
			return
		}
		c := es.clcbs.get(ch)
		if c == nil {
			return
		}
		ev := apiEventForOp(cmd.op)
		cp := cmd
		es.dispatch(ch, ev, eventData{cmd: &cp})
	})
}

// --- Transport-facing ingress --------------------------------------------
//
// These methods are the boundary the Transport implementation calls back
// into. They post work rather than waiting for it, since the caller is
// typically the transport's own callback goroutine and has no result to
// collect.

func (eng *Engine) NotifyConnected(ctx context.Context, clientID int, peer PeerAddress, connID int, bearer Bearer) {
	eng.post(ctx, func(es *engineState) { es.OnConnected(clientID, peer, connID, bearer) })
}

func (eng *Engine) NotifyConnectFailed(ctx context.Context, clientID int, peer PeerAddress, bearer Bearer) {
	eng.post(ctx, func(es *engineState) { es.OnConnectFailed(clientID, peer, bearer) })
}

func (eng *Engine) NotifyDisconnected(ctx context.Context, connID int, reason int) {
	eng.post(ctx, func(es *engineState) { es.OnDisconnected(connID, reason) })
}

func (eng *Engine) NotifyDiscoveryComplete(ctx context.Context, connID int, status Status) {
	eng.post(ctx, func(es *engineState) { es.OnDiscoveryComplete(connID, status) })
}

func (eng *Engine) NotifyDatabaseHashRead(ctx context.Context, connID int, hash [16]byte, status Status) {
	eng.post(ctx, func(es *engineState) { es.OnDatabaseHashRead(connID, hash, status) })
}

func (eng *Engine) NotifyOperationComplete(ctx context.Context, connID int, status Status, handle uint16, value []byte, mtu int) {
	eng.post(ctx, func(es *engineState) { es.OnOperationComplete(connID, status, handle, value, mtu) })
}

func (eng *Engine) NotifyServiceChanged(ctx context.Context, peer PeerAddress, connID int, attHandle uint16, value []byte) {
	eng.post(ctx, func(es *engineState) { es.HandleServiceChanged(peer, connID, attHandle, value) })
}

func (eng *Engine) NotifyIndicate(ctx context.Context, peer PeerAddress, connID int, handle uint16, value []byte, isNotify bool) {
	eng.post(ctx, func(es *engineState) { es.ProcessIndicate(peer, connID, handle, value, isNotify) })
}

func (eng *Engine) NotifyEncryptionComplete(ctx context.Context, clientID int, peer PeerAddress, status Status) {
	eng.post(ctx, func(es *engineState) { es.OnEncryptionComplete(clientID, peer, status) })
}

func (eng *Engine) NotifyCongestion(ctx context.Context, connID int, congested bool) {
	eng.post(ctx, func(es *engineState) { es.OnCongestion(connID, congested) })
}

func (eng *Engine) NotifyPhyUpdate(ctx context.Context, connID int, status Status) {
	eng.post(ctx, func(es *engineState) { es.OnPhyUpdate(connID, status) })
}

func (eng *Engine) NotifyConnectionUpdate(ctx context.Context, connID int, status Status) {
	eng.post(ctx, func(es *engineState) { es.OnConnectionUpdate(connID, status) })
}

func (eng *Engine) NotifySubrateChange(ctx context.Context, connID int, status Status) {
	eng.post(ctx, func(es *engineState) { es.OnSubrateChange(connID, status) })
}

package gattc_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/openbt/gattcore/internal/gattc"
)

// --------------------------------------------------------------------------
// Test doubles
// --------------------------------------------------------------------------

// connKey identifies one (app, peer) GATT connection. Real stacks hand out a
// distinct conn_id per registered app even when several apps share the same
// physical link, so callbacks can be routed back to the right CLCB; this
// fake mirrors that rather than keying purely on peer address.
type connKey struct {
	clientID int
	peer     gattc.PeerAddress
}

// fakeTransport is an in-memory Transport: Connect always succeeds and
// reports the connection already up, so tests don't need a second goroutine
// feeding Notify callbacks asynchronously.
type fakeTransport struct {
	mu sync.Mutex

	nextClientID  int
	registered    map[gattc.UUID]int
	connected     map[connKey]int // (clientID, peer) -> connID
	nextConnID    int
	eattSupport   bool
	mtu           map[int]int // connID -> mtu
	whiteListSize int

	reads, writes, execWrites, confirms, mtuConfigs []int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		registered:    make(map[gattc.UUID]int),
		connected:     make(map[connKey]int),
		mtu:           make(map[int]int),
		whiteListSize: 8,
	}
}

func (f *fakeTransport) Register(_ context.Context, app gattc.UUID, _ bool) (int, gattc.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextClientID++
	f.registered[app] = f.nextClientID
	return f.nextClientID, gattc.StatusSuccess
}

func (f *fakeTransport) Deregister(_ context.Context, clientID int) {}

func (f *fakeTransport) StartIf(_ context.Context, clientID int) {}

func (f *fakeTransport) Connect(_ context.Context, clientID int, peer gattc.PeerAddress, _ bool, _ gattc.Bearer, _ bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := connKey{clientID, peer}
	if _, ok := f.connected[key]; !ok {
		f.nextConnID++
		f.connected[key] = f.nextConnID
		f.mtu[f.nextConnID] = 23
	}
	return true
}

func (f *fakeTransport) CancelConnect(_ context.Context, clientID int, peer gattc.PeerAddress, _ bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.connected, connKey{clientID, peer})
	return true
}

func (f *fakeTransport) Disconnect(_ context.Context, connID int) gattc.Status {
	return gattc.StatusSuccess
}

func (f *fakeTransport) connIDFor(clientID int, peer gattc.PeerAddress) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[connKey{clientID, peer}]
}

func (f *fakeTransport) GetConnIDIfConnected(clientID int, peer gattc.PeerAddress, _ gattc.Bearer) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	connID, ok := f.connected[connKey{clientID, peer}]
	return connID, ok
}

func (f *fakeTransport) GetEattSupportIfConnected(_ int, _ gattc.PeerAddress) bool {
	return f.eattSupport
}

func (f *fakeTransport) GetMtuSize(connID int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mtu[connID]
}

func (f *fakeTransport) ConfigureMTU(_ context.Context, connID int, mtu int) {
	f.mu.Lock()
	f.mtuConfigs = append(f.mtuConfigs, connID)
	f.mu.Unlock()
}

func (f *fakeTransport) TryMtuRequest(_ gattc.PeerAddress, _ gattc.Bearer, _ int) gattc.MtuRequestResult {
	return gattc.MtuNotDoneYet
}

func (f *fakeTransport) Read(_ context.Context, connID int, _ uint16) {
	f.mu.Lock()
	f.reads = append(f.reads, connID)
	f.mu.Unlock()
}

func (f *fakeTransport) ReadMulti(_ context.Context, connID int, _ []uint16) {
	f.mu.Lock()
	f.reads = append(f.reads, connID)
	f.mu.Unlock()
}

func (f *fakeTransport) Write(_ context.Context, connID int, _ uint16, _ []byte, _ bool) {
	f.mu.Lock()
	f.writes = append(f.writes, connID)
	f.mu.Unlock()
}

func (f *fakeTransport) ExecuteWrite(_ context.Context, connID int, _ bool) {
	f.mu.Lock()
	f.execWrites = append(f.execWrites, connID)
	f.mu.Unlock()
}

func (f *fakeTransport) SendHandleValueConfirm(_ context.Context, connID int, _ uint16) {
	f.mu.Lock()
	f.confirms = append(f.confirms, connID)
	f.mu.Unlock()
}

func (f *fakeTransport) BackgroundWhiteListSize() int { return f.whiteListSize }

// fakeDiscoveryEngine always succeeds and leaves the caller to feed
// NotifyDatabaseHashRead / NotifyDiscoveryComplete explicitly (tests want
// deterministic control over when each step finishes).
type fakeDiscoveryEngine struct {
	mu        sync.Mutex
	hashReads []int // connID
	started   []int // connID
	refused   bool
}

func (d *fakeDiscoveryEngine) StartDiscovery(_ gattc.PeerAddress, connID int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = append(d.started, connID)
	return !d.refused
}

func (d *fakeDiscoveryEngine) ReadDatabaseHash(_ gattc.PeerAddress, connID int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hashReads = append(d.hashReads, connID)
	return true
}

func (d *fakeDiscoveryEngine) startedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.started)
}

// fakeSink records every AppEvent delivered to one registered application.
type fakeSink struct {
	mu     sync.Mutex
	events []gattc.AppEvent
}

func (s *fakeSink) Deliver(evt gattc.AppEvent) {
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
}

func (s *fakeSink) last() (gattc.AppEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return gattc.AppEvent{}, false
	}
	return s.events[len(s.events)-1], true
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 10}))
}

func peerAddr(b byte) gattc.PeerAddress {
	return gattc.PeerAddress{b, b, b, b, b, b}
}

func startEngine(t *testing.T, transport gattc.Transport, disc gattc.DiscoveryEngine) (*gattc.Engine, context.Context) {
	t.Helper()
	eng := gattc.NewEngine(gattc.DefaultConfig(), transport,
		gattc.WithLogger(noopLogger()),
		gattc.WithDiscoveryEngine(disc),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	if err := eng.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	t.Cleanup(eng.Close)
	return eng, ctx
}

func waitForEvent(t *testing.T, sink *fakeSink, want gattc.AppEventType) gattc.AppEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evt, ok := sink.last(); ok && evt.Type == want {
			return evt
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for event type %v", want)
	return gattc.AppEvent{}
}

// completeDiscovery drives a CLCB through the robust-caching hash read and
// the subsequent primary-service discovery it gates, then waits for the
// app-visible completion event. Every connect in these tests starts with an
// empty cached database, so this two-step handshake is required before any
// queued operation can proceed.
func completeDiscovery(t *testing.T, eng *gattc.Engine, ctx context.Context, sink *fakeSink, connID int) {
	t.Helper()
	eng.NotifyDatabaseHashRead(ctx, connID, [16]byte{0x01}, gattc.StatusSuccess)
	eng.NotifyDiscoveryComplete(ctx, connID, gattc.StatusSuccess)
	waitForEvent(t, sink, gattc.EvtServiceDiscoveryDone)
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestEngine_RegisterDeregister(t *testing.T) {
	transport := newFakeTransport()
	eng, ctx := startEngine(t, transport, &fakeDiscoveryEngine{})

	sink := &fakeSink{}
	clientID, status, err := eng.Register(ctx, gattc.UUID{1}, sink, false)
	if err != nil || status != gattc.StatusSuccess {
		t.Fatalf("Register: status=%v err=%v", status, err)
	}
	if clientID == 0 {
		t.Fatalf("expected non-zero client id")
	}

	if err := eng.Deregister(ctx, clientID); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
}

func TestEngine_OpenDiscoversAndDelivers(t *testing.T) {
	transport := newFakeTransport()
	disc := &fakeDiscoveryEngine{}
	eng, ctx := startEngine(t, transport, disc)

	sink := &fakeSink{}
	clientID, _, err := eng.Register(ctx, gattc.UUID{2}, sink, false)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	peer := peerAddr(0xAA)
	if err := eng.Open(ctx, clientID, peer, gattc.BearerLE); err != nil {
		t.Fatalf("Open: %v", err)
	}

	openEvt := waitForEvent(t, sink, gattc.EvtOpen)
	if openEvt.Status != gattc.StatusSuccess {
		t.Fatalf("expected OPEN success, got %v", openEvt.Status)
	}
	if openEvt.Peer != peer {
		t.Fatalf("OPEN event peer mismatch: got %v want %v", openEvt.Peer, peer)
	}

	connID := transport.connIDFor(clientID, peer)
	completeDiscovery(t, eng, ctx, sink, connID)

	if disc.startedCount() == 0 {
		t.Fatalf("expected discovery to have started")
	}
}

func TestEngine_OpenAlreadyOpen(t *testing.T) {
	transport := newFakeTransport()
	eng, ctx := startEngine(t, transport, &fakeDiscoveryEngine{})

	sink := &fakeSink{}
	clientID, _, _ := eng.Register(ctx, gattc.UUID{3}, sink, false)
	peer := peerAddr(0xBB)

	if err := eng.Open(ctx, clientID, peer, gattc.BearerLE); err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitForEvent(t, sink, gattc.EvtOpen)

	if err := eng.Open(ctx, clientID, peer, gattc.BearerLE); err != nil {
		t.Fatalf("second Open: %v", err)
	}
	evt := waitForEvent(t, sink, gattc.EvtOpen)
	if evt.Status != gattc.StatusAlreadyOpen {
		t.Fatalf("expected ALREADY_OPEN on second open, got %v", evt.Status)
	}
}

func TestEngine_OperationsQueueAndDrain(t *testing.T) {
	transport := newFakeTransport()
	disc := &fakeDiscoveryEngine{}
	eng, ctx := startEngine(t, transport, disc)

	sink := &fakeSink{}
	clientID, _, _ := eng.Register(ctx, gattc.UUID{4}, sink, false)
	peer := peerAddr(0xCC)

	if err := eng.Open(ctx, clientID, peer, gattc.BearerLE); err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitForEvent(t, sink, gattc.EvtOpen)
	connID := transport.connIDFor(clientID, peer)
	completeDiscovery(t, eng, ctx, sink, connID)

	if err := eng.Read(ctx, clientID, peer, gattc.BearerLE, 0x10); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := eng.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(transport.reads) != 1 {
		t.Fatalf("expected exactly one issued read, got %d", len(transport.reads))
	}

	eng.NotifyOperationComplete(ctx, connID, gattc.StatusSuccess, 0x10, []byte("value"), 0)
	evt := waitForEvent(t, sink, gattc.EvtReadCharacteristic)
	if string(evt.Value) != "value" {
		t.Fatalf("expected read value to round-trip, got %q", evt.Value)
	}
}

func TestEngine_ServiceChangedTriggersRediscovery(t *testing.T) {
	transport := newFakeTransport()
	disc := &fakeDiscoveryEngine{}
	eng, ctx := startEngine(t, transport, disc)

	sink := &fakeSink{}
	clientID, _, _ := eng.Register(ctx, gattc.UUID{5}, sink, false)
	peer := peerAddr(0xDD)

	if err := eng.Open(ctx, clientID, peer, gattc.BearerLE); err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitForEvent(t, sink, gattc.EvtOpen)
	connID := transport.connIDFor(clientID, peer)
	completeDiscovery(t, eng, ctx, sink, connID)

	hashReadsBefore := len(disc.hashReads)
	eng.NotifyServiceChanged(ctx, peer, connID, 0x20, []byte{0x01, 0x00, 0xFF, 0x00})
	waitForEvent(t, sink, gattc.EvtServiceChanged)

	if err := eng.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(transport.confirms) != 1 {
		t.Fatalf("expected exactly one ATT confirmation for the indication")
	}
	if len(disc.hashReads) <= hashReadsBefore {
		t.Fatalf("expected service-changed to trigger a fresh robust-caching hash read")
	}

	// Drive the triggered rediscovery to completion and confirm the app
	// sees a second SRVC_DISC_DONE.
	eng.NotifyDatabaseHashRead(ctx, connID, [16]byte{0x02}, gattc.StatusSuccess)
	eng.NotifyDiscoveryComplete(ctx, connID, gattc.StatusSuccess)
	waitForEvent(t, sink, gattc.EvtServiceDiscoveryDone)
}

func TestEngine_MtuCoalescesAcrossCLCBs(t *testing.T) {
	transport := newFakeTransport()
	disc := &fakeDiscoveryEngine{}
	eng, ctx := startEngine(t, transport, disc)

	sinkA := &fakeSink{}
	sinkB := &fakeSink{}
	clientA, _, _ := eng.Register(ctx, gattc.UUID{6}, sinkA, false)
	clientB, _, _ := eng.Register(ctx, gattc.UUID{7}, sinkB, false)
	peer := peerAddr(0xEE)

	if err := eng.Open(ctx, clientA, peer, gattc.BearerLE); err != nil {
		t.Fatalf("Open A: %v", err)
	}
	waitForEvent(t, sinkA, gattc.EvtOpen)
	connIDA := transport.connIDFor(clientA, peer)
	completeDiscovery(t, eng, ctx, sinkA, connIDA)

	if err := eng.Open(ctx, clientB, peer, gattc.BearerLE); err != nil {
		t.Fatalf("Open B: %v", err)
	}
	waitForEvent(t, sinkB, gattc.EvtOpen)
	connIDB := transport.connIDFor(clientB, peer)
	completeDiscovery(t, eng, ctx, sinkB, connIDB)

	if err := eng.ConfigureMTU(ctx, clientA, peer, gattc.BearerLE, 185); err != nil {
		t.Fatalf("ConfigureMTU A: %v", err)
	}
	if err := eng.ConfigureMTU(ctx, clientB, peer, gattc.BearerLE, 185); err != nil {
		t.Fatalf("ConfigureMTU B: %v", err)
	}
	if err := eng.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(transport.mtuConfigs) != 1 {
		t.Fatalf("expected a single coalesced MTU request to the transport, got %d", len(transport.mtuConfigs))
	}

	// Only the request owner's connID completes at the transport level; the
	// release fans the same completion out to every CLCB parked on this peer,
	// including B even though B's own connID never issued a request.
	eng.NotifyOperationComplete(ctx, connIDA, gattc.StatusSuccess, 0, nil, 185)
	waitForEvent(t, sinkA, gattc.EvtConfigureMTU)
	waitForEvent(t, sinkB, gattc.EvtConfigureMTU)
}

func TestEngine_CloseDeliversEvent(t *testing.T) {
	transport := newFakeTransport()
	eng, ctx := startEngine(t, transport, &fakeDiscoveryEngine{})

	sink := &fakeSink{}
	clientID, _, _ := eng.Register(ctx, gattc.UUID{8}, sink, false)
	peer := peerAddr(0xFF)

	if err := eng.Open(ctx, clientID, peer, gattc.BearerLE); err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitForEvent(t, sink, gattc.EvtOpen)

	if err := eng.CloseConnection(ctx, clientID, peer, gattc.BearerLE); err != nil {
		t.Fatalf("Close: %v", err)
	}
	evt := waitForEvent(t, sink, gattc.EvtClose)
	if evt.Status != gattc.StatusSuccess {
		t.Fatalf("expected CLOSE success, got %v", evt.Status)
	}
}

func TestEngine_DeregisterDeferredUntilConnectionsDrain(t *testing.T) {
	transport := newFakeTransport()
	eng, ctx := startEngine(t, transport, &fakeDiscoveryEngine{})

	sink := &fakeSink{}
	clientID, _, _ := eng.Register(ctx, gattc.UUID{9}, sink, false)
	peer := peerAddr(0x11)

	if err := eng.Open(ctx, clientID, peer, gattc.BearerLE); err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitForEvent(t, sink, gattc.EvtOpen)

	if err := eng.Deregister(ctx, clientID); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	waitForEvent(t, sink, gattc.EvtDeregister)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if n := len(sink.events); n < 2 || sink.events[n-2].Type != gattc.EvtClose {
		t.Fatalf("expected CLOSE immediately before DEREGISTER, got %+v", sink.events)
	}
}

func TestEngine_Snapshot_ReflectsLiveConnectionAndCachedPeer(t *testing.T) {
	transport := newFakeTransport()
	eng, ctx := startEngine(t, transport, &fakeDiscoveryEngine{})

	sink := &fakeSink{}
	clientID, _, _ := eng.Register(ctx, gattc.UUID{10}, sink, false)
	peer := peerAddr(0x22)

	if err := eng.Open(ctx, clientID, peer, gattc.BearerLE); err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitForEvent(t, sink, gattc.EvtOpen)
	connID := transport.connIDFor(clientID, peer)
	completeDiscovery(t, eng, ctx, sink, connID)

	snap, err := eng.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Connections) != 1 {
		t.Fatalf("len(Connections) = %d, want 1", len(snap.Connections))
	}
	conn := snap.Connections[0]
	if conn.ClientID != clientID || conn.Peer != peer || conn.ConnID != connID {
		t.Errorf("Connections[0] = %+v", conn)
	}

	if len(snap.Peers) != 1 {
		t.Fatalf("len(Peers) = %d, want 1", len(snap.Peers))
	}
	if snap.Peers[0].Peer != peer || !snap.Peers[0].Connected {
		t.Errorf("Peers[0] = %+v", snap.Peers[0])
	}
}

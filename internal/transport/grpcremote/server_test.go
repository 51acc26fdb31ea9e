package grpcremote_test

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"

	"github.com/openbt/gattcore/internal/gattc"
	"github.com/openbt/gattcore/internal/transport/grpcremote"
	pb "github.com/openbt/gattcore/proto/gattcremote"
)

// fakeRadio is a minimal grpcremote.Radio used to exercise Server without
// real hardware.
type fakeRadio struct {
	mu          sync.Mutex
	registered  []gattc.UUID
	connectArgs []gattc.PeerAddress
}

func (r *fakeRadio) Register(_ context.Context, app gattc.UUID, _ bool) (int, gattc.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = append(r.registered, app)
	return len(r.registered), gattc.StatusSuccess
}
func (r *fakeRadio) Deregister(context.Context, int) {}
func (r *fakeRadio) StartIf(context.Context, int)    {}
func (r *fakeRadio) Connect(_ context.Context, _ int, peer gattc.PeerAddress, _ bool, _ gattc.Bearer, _ bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectArgs = append(r.connectArgs, peer)
	return true
}
func (r *fakeRadio) CancelConnect(context.Context, int, gattc.PeerAddress, bool) bool { return true }
func (r *fakeRadio) Disconnect(context.Context, int) gattc.Status                     { return gattc.StatusSuccess }
func (r *fakeRadio) GetConnIDIfConnected(int, gattc.PeerAddress, gattc.Bearer) (int, bool) {
	return 7, true
}
func (r *fakeRadio) GetEattSupportIfConnected(int, gattc.PeerAddress) bool { return false }
func (r *fakeRadio) GetMtuSize(int) int                                   { return 517 }
func (r *fakeRadio) ConfigureMTU(context.Context, int, int)               {}
func (r *fakeRadio) TryMtuRequest(gattc.PeerAddress, gattc.Bearer, int) gattc.MtuRequestResult {
	return gattc.MtuAlreadyDone
}
func (r *fakeRadio) Read(context.Context, int, uint16)                        {}
func (r *fakeRadio) ReadMulti(context.Context, int, []uint16)                  {}
func (r *fakeRadio) Write(context.Context, int, uint16, []byte, bool)          {}
func (r *fakeRadio) ExecuteWrite(context.Context, int, bool)                   {}
func (r *fakeRadio) SendHandleValueConfirm(context.Context, int, uint16)       {}

// recordingEngine captures NotifyConnected calls; the other Notifiable
// methods are no-ops.
type recordingEngine struct {
	mu        sync.Mutex
	connected []int
}

func (e *recordingEngine) NotifyConnected(_ context.Context, clientID int, _ gattc.PeerAddress, connID int, _ gattc.Bearer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = append(e.connected, connID)
}
func (e *recordingEngine) NotifyConnectFailed(context.Context, int, gattc.PeerAddress, gattc.Bearer)   {}
func (e *recordingEngine) NotifyDisconnected(context.Context, int, int)                                {}
func (e *recordingEngine) NotifyDiscoveryComplete(context.Context, int, gattc.Status)                  {}
func (e *recordingEngine) NotifyDatabaseHashRead(context.Context, int, [16]byte, gattc.Status)          {}
func (e *recordingEngine) NotifyOperationComplete(context.Context, int, gattc.Status, uint16, []byte, int) {
}
func (e *recordingEngine) NotifyServiceChanged(context.Context, gattc.PeerAddress, int, uint16, []byte) {}
func (e *recordingEngine) NotifyIndicate(context.Context, gattc.PeerAddress, int, uint16, []byte, bool) {}
func (e *recordingEngine) NotifyEncryptionComplete(context.Context, int, gattc.PeerAddress, gattc.Status) {
}
func (e *recordingEngine) NotifyCongestion(context.Context, int, bool)        {}
func (e *recordingEngine) NotifyPhyUpdate(context.Context, int, gattc.Status) {}
func (e *recordingEngine) NotifyConnectionUpdate(context.Context, int, gattc.Status) {
}
func (e *recordingEngine) NotifySubrateChange(context.Context, int, gattc.Status) {}

func startServer(t *testing.T, radio *fakeRadio) (*grpc.Server, *grpcremote.Server, string) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	grpcSrv := grpc.NewServer()
	srv := grpcremote.NewServer(radio, slog.Default())
	pb.RegisterRadioControllerServer(grpcSrv, srv)
	go grpcSrv.Serve(lis)
	t.Cleanup(grpcSrv.Stop)
	return grpcSrv, srv, lis.Addr().String()
}

func dialClient(t *testing.T, addr string, engine grpcremote.Notifiable) *grpcremote.Client {
	t.Helper()
	c := grpcremote.New(grpcremote.ClientConfig{Addr: addr, Insecure: true}, engine, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		c.Stop()
		cancel()
	})
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return c
}

func TestServer_Register_DelegatesToRadio(t *testing.T) {
	radio := &fakeRadio{}
	_, _, addr := startServer(t, radio)
	engine := &recordingEngine{}
	client := dialClient(t, addr, engine)

	app := gattc.UUID{0x01, 0x02}
	clientID, status := client.Register(context.Background(), app, true)
	if status != gattc.StatusSuccess {
		t.Fatalf("status = %v, want Success", status)
	}
	if clientID != 1 {
		t.Fatalf("clientID = %d, want 1", clientID)
	}

	radio.mu.Lock()
	defer radio.mu.Unlock()
	if len(radio.registered) != 1 || radio.registered[0] != app {
		t.Errorf("radio.registered = %v, want [%v]", radio.registered, app)
	}
}

func TestServer_Connect_DelegatesToRadio(t *testing.T) {
	radio := &fakeRadio{}
	_, _, addr := startServer(t, radio)
	engine := &recordingEngine{}
	client := dialClient(t, addr, engine)

	peer := gattc.PeerAddress{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	ok := client.Connect(context.Background(), 1, peer, true, gattc.BearerLE, false)
	if !ok {
		t.Fatal("Connect returned false")
	}

	radio.mu.Lock()
	defer radio.mu.Unlock()
	if len(radio.connectArgs) != 1 || radio.connectArgs[0] != peer {
		t.Errorf("radio.connectArgs = %v, want [%v]", radio.connectArgs, peer)
	}
}

func TestEventStream_PublishReachesClient(t *testing.T) {
	radio := &fakeRadio{}
	_, srv, addr := startServer(t, radio)
	engine := &recordingEngine{}
	_ = dialClient(t, addr, engine)

	// Give the client's EventStream goroutine time to subscribe before
	// publishing: Publish is best effort and drops events for streams that
	// are not yet subscribed or whose buffer is full.
	time.Sleep(100 * time.Millisecond)

	srv.Publish(&pb.IngressEvent{Payload: &pb.IngressEvent_Connected{
		Connected: &pb.ConnectedEvent{ClientId: 1, Peer: []byte{1, 2, 3, 4, 5, 6}, ConnId: 42, Bearer: int32(gattc.BearerLE)},
	}})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		engine.mu.Lock()
		n := len(engine.connected)
		engine.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	engine.mu.Lock()
	defer engine.mu.Unlock()
	if len(engine.connected) != 1 || engine.connected[0] != 42 {
		t.Fatalf("engine.connected = %v, want [42]", engine.connected)
	}
}

// Package grpcremote implements a gattc.Transport backed by an
// out-of-process radio controller reached over gRPC with mTLS.
//
// [Client] dials once and keeps the connection open for the lifetime of the
// process; every gattc.Transport method is a synchronous unary RPC, while
// ingress events (connection state changes, operation completions,
// notifications) arrive on a single server-streamed EventStream and are
// translated back into calls on the gattc.Engine that owns this Client.
//
// Reconnect uses the same exponential-backoff-with-jitter shape as the
// dashboard agent's alert stream: on a stream error the run loop backs off,
// redials, and reopens EventStream, while in-flight unary RPCs simply fail
// until the stream is restored.
package grpcremote

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/openbt/gattcore/internal/gattc"
	pb "github.com/openbt/gattcore/proto/gattcremote"
)

const (
	defaultMaxBackoff = 60 * time.Second
	initialBackoff    = time.Second
	defaultRPCTimeout = 10 * time.Second
)

// Notifiable is the subset of *gattc.Engine the ingress loop drives. Declared
// as an interface so tests can substitute a recording fake.
type Notifiable interface {
	NotifyConnected(ctx context.Context, clientID int, peer gattc.PeerAddress, connID int, bearer gattc.Bearer)
	NotifyConnectFailed(ctx context.Context, clientID int, peer gattc.PeerAddress, bearer gattc.Bearer)
	NotifyDisconnected(ctx context.Context, connID int, reason int)
	NotifyDiscoveryComplete(ctx context.Context, connID int, status gattc.Status)
	NotifyDatabaseHashRead(ctx context.Context, connID int, hash [16]byte, status gattc.Status)
	NotifyOperationComplete(ctx context.Context, connID int, status gattc.Status, handle uint16, value []byte, mtu int)
	NotifyServiceChanged(ctx context.Context, peer gattc.PeerAddress, connID int, attHandle uint16, value []byte)
	NotifyIndicate(ctx context.Context, peer gattc.PeerAddress, connID int, handle uint16, value []byte, isNotify bool)
	NotifyEncryptionComplete(ctx context.Context, clientID int, peer gattc.PeerAddress, status gattc.Status)
	NotifyCongestion(ctx context.Context, connID int, congested bool)
	NotifyPhyUpdate(ctx context.Context, connID int, status gattc.Status)
	NotifyConnectionUpdate(ctx context.Context, connID int, status gattc.Status)
	NotifySubrateChange(ctx context.Context, connID int, status gattc.Status)
}

// ClientConfig holds the connection parameters for dialing a remote radio
// controller.
type ClientConfig struct {
	// Addr is the radio controller's gRPC address. Required.
	Addr string

	// CertPath, KeyPath, CAPath locate the mTLS client identity and the CA
	// used to verify the controller. Required unless Insecure is true.
	CertPath string
	KeyPath  string
	CAPath   string

	// ServerName overrides SNI verification; empty uses Addr's host.
	ServerName string

	// MaxBackoff bounds the EventStream reconnect backoff. Defaults to 60s.
	MaxBackoff time.Duration

	// Insecure disables TLS. Tests only.
	Insecure bool
}

// Client implements gattc.Transport against a remote RadioController server.
// One Client is shared by every clientID registered by this process; the
// EventStream is keyed by clientID so a single connection multiplexes all
// registrations.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	mu   sync.RWMutex
	conn *grpc.ClientConn
	rpc  pb.RadioControllerClient

	stopCh chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	engine Notifiable
}

// New creates a Client but does not dial. Call Start to connect and begin
// consuming the ingress stream; engine receives every translated event.
func New(cfg ClientConfig, engine Notifiable, logger *slog.Logger) *Client {
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
		engine: engine,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// SetEngine wires the Notifiable that ingress events are translated into.
// Intended for the case where the engine and its transport are constructed
// together (the engine needs the Client as its Transport, and the Client
// needs the engine as its Notifiable) — call SetEngine once, before Start,
// to break the cycle. Not safe to call concurrently with a running
// EventStream consume loop.
func (c *Client) SetEngine(engine Notifiable) {
	c.engine = engine
}

// Start dials the controller and launches the EventStream consume loop in
// the background. It returns once the first dial attempt completes (success
// or failure); the consume loop itself retries indefinitely with backoff.
func (c *Client) Start(ctx context.Context) error {
	if err := c.dial(); err != nil {
		return fmt.Errorf("grpcremote: dial: %w", err)
	}
	go c.runEventStream(ctx)
	return nil
}

// Stop closes the connection and waits for the consume loop to exit.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.done
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
}

func (c *Client) dial() error {
	creds, err := c.buildCredentials()
	if err != nil {
		return err
	}
	conn, err := grpc.NewClient(c.cfg.Addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.Addr, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.rpc = pb.NewRadioControllerClient(conn)
	c.mu.Unlock()
	return nil
}

func (c *Client) client() pb.RadioControllerClient {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rpc
}

func (c *Client) buildCredentials() (credentials.TransportCredentials, error) {
	if c.cfg.Insecure {
		return insecure.NewCredentials(), nil
	}
	cert, err := tls.LoadX509KeyPair(c.cfg.CertPath, c.cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load client cert/key: %w", err)
	}
	caPEM, err := os.ReadFile(c.cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA cert from %s: no certificates found", c.cfg.CAPath)
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}
	if c.cfg.ServerName != "" {
		tlsCfg.ServerName = c.cfg.ServerName
	}
	return credentials.NewTLS(tlsCfg), nil
}

// runEventStream opens EventStream and translates every IngressEvent into
// the matching Notify* call on c.engine, reconnecting with exponential
// backoff and jitter on any stream error.
func (c *Client) runEventStream(ctx context.Context) {
	defer close(c.done)
	backoff := initialBackoff

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		stream, err := c.client().EventStream(ctx, &pb.EventStreamRequest{})
		if err != nil {
			c.logger.Warn("grpcremote: EventStream open failed", slog.Any("error", err), slog.Duration("backoff", backoff))
			if !c.sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, c.cfg.MaxBackoff)
			continue
		}
		backoff = initialBackoff

		if err := c.consume(ctx, stream); err != nil {
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}
			c.logger.Warn("grpcremote: EventStream lost", slog.Any("error", err))
			if !c.sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, c.cfg.MaxBackoff)
		}
	}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	case <-c.stopCh:
		return false
	}
}

func (c *Client) consume(ctx context.Context, stream pb.RadioController_EventStreamClient) error {
	for {
		evt, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		c.dispatch(ctx, evt)
	}
}

func (c *Client) dispatch(ctx context.Context, evt *pb.IngressEvent) {
	switch p := evt.Payload.(type) {
	case *pb.IngressEvent_Connected:
		c.engine.NotifyConnected(ctx, int(p.Connected.ClientId), peerFromBytes(p.Connected.Peer), int(p.Connected.ConnId), gattc.Bearer(p.Connected.Bearer))
	case *pb.IngressEvent_ConnectFailed:
		c.engine.NotifyConnectFailed(ctx, int(p.ConnectFailed.ClientId), peerFromBytes(p.ConnectFailed.Peer), gattc.Bearer(p.ConnectFailed.Bearer))
	case *pb.IngressEvent_Disconnected:
		c.engine.NotifyDisconnected(ctx, int(p.Disconnected.ConnId), int(p.Disconnected.Reason))
	case *pb.IngressEvent_DiscoveryComplete:
		c.engine.NotifyDiscoveryComplete(ctx, int(p.DiscoveryComplete.ConnId), gattc.Status(p.DiscoveryComplete.Status))
	case *pb.IngressEvent_DatabaseHashRead:
		var hash [16]byte
		copy(hash[:], p.DatabaseHashRead.Hash)
		c.engine.NotifyDatabaseHashRead(ctx, int(p.DatabaseHashRead.ConnId), hash, gattc.Status(p.DatabaseHashRead.Status))
	case *pb.IngressEvent_OperationComplete:
		c.engine.NotifyOperationComplete(ctx, int(p.OperationComplete.ConnId), gattc.Status(p.OperationComplete.Status), uint16(p.OperationComplete.Handle), p.OperationComplete.Value, int(p.OperationComplete.Mtu))
	case *pb.IngressEvent_ServiceChanged:
		c.engine.NotifyServiceChanged(ctx, peerFromBytes(p.ServiceChanged.Peer), int(p.ServiceChanged.ConnId), uint16(p.ServiceChanged.AttHandle), p.ServiceChanged.Value)
	case *pb.IngressEvent_Indicate:
		c.engine.NotifyIndicate(ctx, peerFromBytes(p.Indicate.Peer), int(p.Indicate.ConnId), uint16(p.Indicate.Handle), p.Indicate.Value, p.Indicate.IsNotify)
	case *pb.IngressEvent_EncryptionComplete:
		c.engine.NotifyEncryptionComplete(ctx, int(p.EncryptionComplete.ClientId), peerFromBytes(p.EncryptionComplete.Peer), gattc.Status(p.EncryptionComplete.Status))
	case *pb.IngressEvent_Congestion:
		c.engine.NotifyCongestion(ctx, int(p.Congestion.ConnId), p.Congestion.Congested)
	case *pb.IngressEvent_PhyUpdate:
		c.engine.NotifyPhyUpdate(ctx, int(p.PhyUpdate.ConnId), gattc.Status(p.PhyUpdate.Status))
	case *pb.IngressEvent_ConnectionUpdate:
		c.engine.NotifyConnectionUpdate(ctx, int(p.ConnectionUpdate.ConnId), gattc.Status(p.ConnectionUpdate.Status))
	case *pb.IngressEvent_SubrateChange:
		c.engine.NotifySubrateChange(ctx, int(p.SubrateChange.ConnId), gattc.Status(p.SubrateChange.Status))
	}
}

func peerFromBytes(b []byte) gattc.PeerAddress {
	var p gattc.PeerAddress
	copy(p[:], b)
	return p
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	jitterFactor := 0.75 + rand.Float64()*0.5
	next = time.Duration(float64(next) * jitterFactor)
	if next < initialBackoff {
		next = initialBackoff
	}
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}

// --- gattc.Transport ---

func (c *Client) Register(ctx context.Context, app gattc.UUID, eattSupport bool) (int, gattc.Status) {
	rctx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()
	resp, err := c.client().Register(rctx, &pb.RegisterRequest{AppUuid: app[:], EattSupport: eattSupport})
	if err != nil {
		c.logger.Error("grpcremote: Register failed", slog.Any("error", err))
		return 0, gattc.StatusError
	}
	return int(resp.ClientId), gattc.Status(resp.Status)
}

func (c *Client) Deregister(ctx context.Context, clientID int) {
	rctx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()
	_, _ = c.client().Deregister(rctx, &pb.DeregisterRequest{ClientId: int32(clientID)})
}

func (c *Client) StartIf(ctx context.Context, clientID int) {
	rctx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()
	_, _ = c.client().StartIf(rctx, &pb.StartIfRequest{ClientId: int32(clientID)})
}

func (c *Client) Connect(ctx context.Context, clientID int, peer gattc.PeerAddress, direct bool, bearer gattc.Bearer, opportunistic bool) bool {
	rctx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()
	resp, err := c.client().Connect(rctx, &pb.ConnectRequest{
		ClientId: int32(clientID), Peer: peer[:], Direct: direct, Bearer: int32(bearer), Opportunistic: opportunistic,
	})
	if err != nil {
		return false
	}
	return resp.Accepted
}

func (c *Client) CancelConnect(ctx context.Context, clientID int, peer gattc.PeerAddress, direct bool) bool {
	rctx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()
	resp, err := c.client().CancelConnect(rctx, &pb.CancelConnectRequest{ClientId: int32(clientID), Peer: peer[:], Direct: direct})
	if err != nil {
		return false
	}
	return resp.Accepted
}

func (c *Client) Disconnect(ctx context.Context, connID int) gattc.Status {
	rctx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()
	resp, err := c.client().Disconnect(rctx, &pb.DisconnectRequest{ConnId: int32(connID)})
	if err != nil {
		return gattc.StatusError
	}
	return gattc.Status(resp.Status)
}

func (c *Client) GetConnIDIfConnected(clientID int, peer gattc.PeerAddress, bearer gattc.Bearer) (int, bool) {
	rctx, cancel := context.WithTimeout(context.Background(), defaultRPCTimeout)
	defer cancel()
	resp, err := c.client().GetConnIDIfConnected(rctx, &pb.GetConnIDRequest{ClientId: int32(clientID), Peer: peer[:], Bearer: int32(bearer)})
	if err != nil {
		return 0, false
	}
	return int(resp.ConnId), resp.Ok
}

func (c *Client) GetEattSupportIfConnected(clientID int, peer gattc.PeerAddress) bool {
	rctx, cancel := context.WithTimeout(context.Background(), defaultRPCTimeout)
	defer cancel()
	resp, err := c.client().GetEattSupportIfConnected(rctx, &pb.GetEattSupportRequest{ClientId: int32(clientID), Peer: peer[:]})
	if err != nil {
		return false
	}
	return resp.Supported
}

func (c *Client) GetMtuSize(connID int) int {
	rctx, cancel := context.WithTimeout(context.Background(), defaultRPCTimeout)
	defer cancel()
	resp, err := c.client().GetMtuSize(rctx, &pb.GetMtuSizeRequest{ConnId: int32(connID)})
	if err != nil {
		return 0
	}
	return int(resp.Mtu)
}

func (c *Client) ConfigureMTU(ctx context.Context, connID int, mtu int) {
	rctx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()
	_, _ = c.client().ConfigureMTU(rctx, &pb.ConfigureMTURequest{ConnId: int32(connID), Mtu: int32(mtu)})
}

func (c *Client) TryMtuRequest(peer gattc.PeerAddress, bearer gattc.Bearer, connID int) gattc.MtuRequestResult {
	rctx, cancel := context.WithTimeout(context.Background(), defaultRPCTimeout)
	defer cancel()
	resp, err := c.client().TryMtuRequest(rctx, &pb.TryMtuRequestRequest{Peer: peer[:], Bearer: int32(bearer), ConnId: int32(connID)})
	if err != nil {
		return gattc.MtuDeviceDisconnected
	}
	return gattc.MtuRequestResult(resp.Result)
}

func (c *Client) Read(ctx context.Context, connID int, handle uint16) {
	rctx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()
	_, _ = c.client().Read(rctx, &pb.ReadRequest{ConnId: int32(connID), Handle: uint32(handle)})
}

func (c *Client) ReadMulti(ctx context.Context, connID int, handles []uint16) {
	rctx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()
	h32 := make([]uint32, len(handles))
	for i, h := range handles {
		h32[i] = uint32(h)
	}
	_, _ = c.client().ReadMulti(rctx, &pb.ReadMultiRequest{ConnId: int32(connID), Handles: h32})
}

func (c *Client) Write(ctx context.Context, connID int, handle uint16, value []byte, withResponse bool) {
	rctx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()
	_, _ = c.client().Write(rctx, &pb.WriteRequest{ConnId: int32(connID), Handle: uint32(handle), Value: value, WithResponse: withResponse})
}

func (c *Client) ExecuteWrite(ctx context.Context, connID int, execute bool) {
	rctx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()
	_, _ = c.client().ExecuteWrite(rctx, &pb.ExecuteWriteRequest{ConnId: int32(connID), Execute: execute})
}

func (c *Client) SendHandleValueConfirm(ctx context.Context, connID int, handle uint16) {
	rctx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()
	_, _ = c.client().SendHandleValueConfirm(rctx, &pb.ConfirmRequest{ConnId: int32(connID), Handle: uint32(handle)})
}

func (c *Client) BackgroundWhiteListSize() int {
	// Returns a fixed capacity of 16 without contacting the remote
	// controller; the RadioController protocol has no RPC to query it.
	return 16
}

// StartDiscovery implements gattc.DiscoveryEngine. The reference radio
// controller performs service discovery automatically once a connection
// reaches the open state, pushing the result back as a
// DiscoveryCompleteEvent on the event stream rather than through a
// dedicated RPC; this method only records the attempt and always reports it
// as accepted.
func (c *Client) StartDiscovery(peer gattc.PeerAddress, connID int) bool {
	c.logger.Debug("discovery delegated to remote controller", slog.Int("conn_id", connID))
	return true
}

// ReadDatabaseHash implements gattc.DiscoveryEngine, mirroring StartDiscovery:
// the remote controller reads the database hash as part of its own discovery
// sequence and reports the result via DatabaseHashReadEvent.
func (c *Client) ReadDatabaseHash(peer gattc.PeerAddress, connID int) bool {
	c.logger.Debug("database hash read delegated to remote controller", slog.Int("conn_id", connID))
	return true
}

var _ gattc.Transport = (*Client)(nil)
var _ gattc.DiscoveryEngine = (*Client)(nil)

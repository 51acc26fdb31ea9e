package gattc

import "context"

// Transport is the lower GATT/ATT engine this package drives. It is the one mandatory collaborator; every
// Engine is constructed with a concrete implementation (an in-process fake
// for tests, or internal/transport/grpcremote.Client for an out-of-process
// radio controller).
type Transport interface {
	// Register allocates a client interface id for app, wiring callbacks
	// back through the Engine that owns this Transport.
	Register(ctx context.Context, app UUID, eattSupport bool) (clientID int, status Status)
	Deregister(ctx context.Context, clientID int)
	StartIf(ctx context.Context, clientID int)

	Connect(ctx context.Context, clientID int, peer PeerAddress, direct bool, bearer Bearer, opportunistic bool) bool
	CancelConnect(ctx context.Context, clientID int, peer PeerAddress, direct bool) bool
	Disconnect(ctx context.Context, connID int) Status

	GetConnIDIfConnected(clientID int, peer PeerAddress, bearer Bearer) (connID int, ok bool)
	GetEattSupportIfConnected(clientID int, peer PeerAddress) bool
	GetMtuSize(connID int) int
	ConfigureMTU(ctx context.Context, connID int, mtu int)
	TryMtuRequest(peer PeerAddress, bearer Bearer, connID int) MtuRequestResult

	Read(ctx context.Context, connID int, handle uint16)
	ReadMulti(ctx context.Context, connID int, handles []uint16)
	Write(ctx context.Context, connID int, handle uint16, value []byte, withResponse bool)
	ExecuteWrite(ctx context.Context, connID int, execute bool)
	SendHandleValueConfirm(ctx context.Context, connID int, handle uint16)

	// BackgroundWhiteListSize reports the transport's limit on outstanding
	// background-connect entries.
	BackgroundWhiteListSize() int
}

// AppEventType enumerates the app-visible events
type AppEventType int

const (
	EvtRegister AppEventType = iota
	EvtDeregister
	EvtOpen
	EvtClose
	EvtServiceDiscoveryDone
	EvtServiceChanged
	EvtNotification
	EvtReadCharacteristic
	EvtWriteCharacteristic
	EvtExecuteWrite
	EvtConfigureMTU
	EvtCongestion
	EvtPhyUpdate
	EvtConnectionUpdate
	EvtSubrateChange
	EvtEncryptionComplete
	EvtCancelOpen
	EvtSearchComplete
)

// AppEvent is the single variant-typed event delivered to a registrant's
// Sink. Only the fields relevant to Type are populated; zero values elsewhere.
type AppEvent struct {
	Type      AppEventType
	ClientID  int
	ConnID    int
	Peer      PeerAddress
	Status    Status
	Reason    int
	MTU       int
	Handle    uint16
	Value     []byte
	IsNotify  bool
	StartHdl  uint16
	EndHdl    uint16
	TransID   uint32
}

// Sink receives app-visible events for one registered application. Declared
// narrowly (a single method) so a registrant need only implement what it
// uses.
type Sink interface {
	Deliver(evt AppEvent)
}

// CacheStore persists cached attribute databases keyed by peer address.
type CacheStore interface {
	Load(ctx context.Context, peer PeerAddress) (Database, error)
	Store(ctx context.Context, peer PeerAddress, db Database) error
	Reset(ctx context.Context, peer PeerAddress) error
}

// AuditSink records CLCB lifecycle events for operational visibility. A
// nil-safe no-op implementation is used when audit recording is disabled.
type AuditSink interface {
	RecordOpen(ctx context.Context, peer PeerAddress, clientID, connID int, status Status)
	RecordClose(ctx context.Context, peer PeerAddress, clientID, connID int, reason int, status Status)
	RecordServiceChanged(ctx context.Context, peer PeerAddress, startHdl, endHdl uint16)
}

// noopAuditSink discards every event; the default when no AuditSink is
// supplied to NewEngine.
type noopAuditSink struct{}

func (noopAuditSink) RecordOpen(context.Context, PeerAddress, int, int, Status)        {}
func (noopAuditSink) RecordClose(context.Context, PeerAddress, int, int, int, Status)  {}
func (noopAuditSink) RecordServiceChanged(context.Context, PeerAddress, uint16, uint16) {}

// BondedPeerStore answers whether a peer is bonded, consulted by the conn
// action to decide whether a stored database may be loaded at all; only
// bonded peers are eligible for cache load.
type BondedPeerStore interface {
	IsBonded(peer PeerAddress) bool
}

// alwaysBonded is the default BondedPeerStore used when the caller does not
// track bonding state itself; every peer is treated as eligible for cache
// load, which is the conservative choice for a standalone test harness.
type alwaysBonded struct{}

func (alwaysBonded) IsBonded(PeerAddress) bool { return true }

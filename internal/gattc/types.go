// Package gattc implements the client-side action layer of a GATT host
// stack: a per-connection state machine, a per-peer server record cache,
// operation queueing, and service-changed coalescing, multiplexed across
// any number of registered applications.
package gattc

import "fmt"

// PeerAddress identifies a remote Bluetooth device. The underlying transport
// is responsible for address resolution (public/random/RPA); this package
// treats it as an opaque comparable key.
type PeerAddress [6]byte

func (a PeerAddress) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// UUID is a 128-bit GATT UUID, stored big-endian as the wire format defines.
type UUID [16]byte

// Bearer identifies the physical transport a connection runs over.
type Bearer int

const (
	BearerAuto Bearer = iota
	BearerBREDR
	BearerLE
)

// Status is the result code surfaced to applications through AppEvent, not
// a Go error. It mirrors the taxonomy an application must branch on.
type Status int

const (
	StatusSuccess Status = iota
	StatusError
	StatusNoResources
	StatusAlreadyOpen
	StatusInvalidAttrLen
	StatusDatabaseOutOfSync
	StatusCancel
	StatusIllegalParameter
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusError:
		return "ERROR"
	case StatusNoResources:
		return "NO_RESOURCES"
	case StatusAlreadyOpen:
		return "ALREADY_OPEN"
	case StatusInvalidAttrLen:
		return "INVALID_ATTR_LEN"
	case StatusDatabaseOutOfSync:
		return "DATABASE_OUT_OF_SYNC"
	case StatusCancel:
		return "CANCEL"
	case StatusIllegalParameter:
		return "ILLEGAL_PARAMETER"
	default:
		return "UNKNOWN"
	}
}

// clcbState is the CLCB's position in the connect/discover/operate/close
// state machine.
type clcbState int

const (
	stateIdle clcbState = iota
	stateW4Conn
	stateConn
	stateDiscover
	stateDiscoverRC // robust-caching hash read in flight
)

func (s clcbState) String() string {
	switch s {
	case stateIdle:
		return "IDLE"
	case stateW4Conn:
		return "W4_CONN"
	case stateConn:
		return "CONN"
	case stateDiscover:
		return "DISCOVER"
	case stateDiscoverRC:
		return "DISCOVER_RC"
	default:
		return "UNKNOWN_STATE"
	}
}

// autoUpdate tracks whether a discovery must be chained once the current one
// completes (set when start-discover fires against a busy SRCB).
type autoUpdate int

const (
	autoNoSchedule autoUpdate = iota
	autoReqWaiting
	autoDiscWaiting
)

// srcbState is the per-peer server record's cache-build state.
type srcbState int

const (
	srcbIdle srcbState = iota
	srcbLoad
	srcbDisc
	srcbDiscActive
)

func (s srcbState) String() string {
	switch s {
	case srcbIdle:
		return "IDLE"
	case srcbLoad:
		return "LOAD"
	case srcbDisc:
		return "DISC"
	case srcbDiscActive:
		return "DISC_ACT"
	default:
		return "UNKNOWN_SRCB_STATE"
	}
}

// event is the internal vocabulary the state machine dispatches on. It
// combines the three classes: API events raised
// by the public Engine methods, internal events raised by the dispatcher,
// ingress, and service-changed handler, and completion events raised by the
// transport.
type event int

const (
	evAPIOpen event = iota
	evAPICancelOpen
	evAPIClose
	evAPIRead
	evAPIReadMulti
	evAPIWrite
	evAPIExecuteWrite
	evAPIConfigureMTU
	evAPIConfirm
	evAPISearch

	evIntConn
	evIntDisconn
	evIntOpenFail
	evIntCancelOpenOK
	evIntDiscover

	evDiscoverCmpl
	evOpCmpl
)

func (e event) String() string {
	names := map[event]string{
		evAPIOpen: "API_OPEN", evAPICancelOpen: "API_CANCEL_OPEN", evAPIClose: "API_CLOSE",
		evAPIRead: "API_READ", evAPIReadMulti: "API_READ_MULTI", evAPIWrite: "API_WRITE",
		evAPIExecuteWrite: "API_EXEC", evAPIConfigureMTU: "API_CFG_MTU", evAPIConfirm: "API_CONFIRM",
		evAPISearch: "API_SEARCH", evIntConn: "INT_CONN", evIntDisconn: "INT_DISCONN",
		evIntOpenFail: "INT_OPEN_FAIL", evIntCancelOpenOK: "INT_CANCEL_OPEN_OK",
		evIntDiscover: "INT_DISCOVER", evDiscoverCmpl: "DISCOVER_CMPL", evOpCmpl: "OP_CMPL",
	}
	if n, ok := names[e]; ok {
		return n
	}
	return "UNKNOWN_EVENT"
}

// opCode identifies the kind of attribute operation carried by a queued
// command.
type opCode int

const (
	opRead opCode = iota
	opReadMulti
	opWrite
	opExecuteWrite
	opConfigureMTU
	opConfirm
)

// registryHandle, srcbHandle and clcbHandle are stable indices into their
// respective arenas rather than raw pointers, so a freed slot can be reused
// without leaving dangling references. Zero is the "unset" sentinel; live
// entries start at 1.
type (
	registryHandle uint32
	srcbHandle     uint32
	clcbHandle     uint32
)

const (
	noRegistry registryHandle = 0
	noSRCB     srcbHandle     = 0
	noCLCB     clcbHandle     = 0
)

// RobustCachingSupport is the trust level assigned to a peer's robust-caching
// capability.
type RobustCachingSupport int

const (
	RobustCachingUnknown RobustCachingSupport = iota
	RobustCachingSupported
	RobustCachingUnsupported
)

// RobustCachingPolicy decides, for a given peer and its currently-loaded
// database, whether robust caching (the database-hash characteristic) can be
// trusted. Injected so tests can force a specific answer; see policy.go for
// the default implementation.
type RobustCachingPolicy func(peer PeerAddress, db Database) RobustCachingSupport

// Database is the cached attribute database for one peer. The core treats it
// as an opaque blob it loads, stores, and tests for emptiness; parsing
// discovery PDUs into one is the discovery engine's job (out of scope for
// this package).
type Database struct {
	// Raw is the serialized service/characteristic/descriptor table as
	// produced by the discovery engine. Empty means "no cached database".
	Raw []byte
	// Hash is the last-known database-hash characteristic value, used to
	// decide whether Raw is still valid without a full re-discovery.
	Hash [16]byte
}

// Empty reports whether no attribute database has been cached yet.
func (d Database) Empty() bool { return len(d.Raw) == 0 }

// MtuRequestResult is returned by Transport.TryMtuRequest (C5 MTU handling).
type MtuRequestResult int

const (
	MtuDeviceDisconnected MtuRequestResult = iota
	MtuNotAllowed
	MtuAlreadyDone
	MtuInProgress
	MtuNotDoneYet
)

package gattc

import (
	"context"
	"log/slog"
)

// DiscoveryEngine starts primary-service discovery for a connection.
// Traversal of the attribute database and parsing discovery PDUs is out of
// scope for this package; StartDiscovery returns false if the engine refuses
// to start (e.g. no resources), signaling an immediate failure to the caller.
type DiscoveryEngine interface {
	StartDiscovery(peer PeerAddress, connID int) bool
	// ReadDatabaseHash begins a robust-caching hash read for peer/connID.
	// The caller is expected to eventually feed a DISCOVER_CMPL-shaped
	// completion back into the engine via Engine.NotifyDatabaseHashRead.
	ReadDatabaseHash(peer PeerAddress, connID int) bool
}

// engineState is the unexported core shared by every method in this package;
// Engine embeds it and adds the goroutine/channel plumbing for the public
// API.
type engineState struct {
	cfg    Config
	logger *slog.Logger

	registry *registry
	srcbs    *srcbTable
	clcbs    *clcbTable

	transport       Transport
	discoveryEngine DiscoveryEngine
	cache           CacheStore
	audit           AuditSink
	bonded          BondedPeerStore
	robustCachingFn RobustCachingPolicy

	mtuWaits *mtuWaitList

	// peerByCLCB mirrors clcbTable's byKey in reverse so action functions
	// that only hold a handle can recover the peer address without the
	// caller threading it through every call.
	peerByCLCB map[clcbHandle]PeerAddress

	// Peers with an active background connect are tracked per app in
	// registryEntry.bgConnectPeers (registry.go), not on engineState.
}

func (e *engineState) peerOf(h clcbHandle) PeerAddress {
	return e.peerByCLCB[h]
}

func (e *engineState) robustCaching(peer PeerAddress, db Database) RobustCachingSupport {
	if e.robustCachingFn == nil {
		return RobustCachingUnknown
	}
	return e.robustCachingFn(peer, db)
}

func (e *engineState) deliver(client registryHandle, evt AppEvent) {
	reg := e.registry.get(client)
	if reg == nil || reg.sink == nil {
		return
	}
	if evt.ClientID == 0 {
		evt.ClientID = reg.clientID
	}
	reg.sink.Deliver(evt)
}

// resetDiscoverState implements C2 reset_discover_state(srcb, status): every
// CLCB attached to srcb receives a DISCOVER_CMPL event.
func (e *engineState) resetDiscoverState(s srcbHandle, status Status) {
	srcb := e.srcbs.get(s)
	if srcb == nil {
		return
	}
	targets := append([]clcbHandle(nil), srcb.clcbs...)
	for _, h := range targets {
		e.dispatch(h, evDiscoverCmpl, eventData{status: status})
	}
}

// setDiscoverState implements C2 set_discover_state(srcb): every CLCB moves
// into DISCOVER (or DISCOVER_RC if it was W4_CONN and srvc_hdl_db_hash is
// set), clearing request_during_discovery.
func (e *engineState) setDiscoverState(s srcbHandle) {
	srcb := e.srcbs.get(s)
	if srcb == nil {
		return
	}
	for _, h := range srcb.clcbs {
		c := e.clcbs.get(h)
		if c == nil {
			continue
		}
		c.requestDuringDiscovery = false
		if c.state == stateW4Conn && srcb.srvcHdlDBHash {
			c.state = stateDiscoverRC
		} else {
			c.state = stateDiscover
		}
	}
}

// issueDBHashRead starts a robust-caching hash read ahead of primary-service
// discovery. fromServiceChange records whether this discovery was triggered
// by a service-changed indication rather than a fresh connect, purely for
// diagnostic context.
func (e *engineState) issueDBHashRead(h clcbHandle, c *clcbEntry, fromServiceChange bool) {
	e.logger.Debug("gattc: reading database hash before discovery",
		slog.Int("conn_id", c.connID), slog.Bool("from_service_change", fromServiceChange))
	if e.discoveryEngine == nil || !e.discoveryEngine.ReadDatabaseHash(e.peerOf(h), c.connID) {
		e.resetDiscoverState(c.srcb, StatusError)
	}
}

// allocCLCB wires a fresh CLCB into the SRCB and registry reference counts
// and records its peer for peerOf lookups.
func (e *engineState) allocCLCB(client registryHandle, peer PeerAddress, bearer Bearer) clcbHandle {
	srcb := e.srcbs.findOrAlloc(peer)
	h := e.clcbs.alloc(client, peer, bearer, srcb)
	e.srcbs.attach(srcb, h)
	e.registry.incCLCB(client)
	e.peerByCLCB[h] = peer
	return h
}

// deallocCLCB tears a CLCB down: detaches it from its SRCB, decrements the
// owning registry entry's refcount, completes a pending deregistration if
// this was the last CLCB, and releases the CLCB slot.
func (e *engineState) deallocCLCB(h clcbHandle) {
	c := e.clcbs.get(h)
	if c == nil {
		return
	}
	peer := e.peerOf(h)
	client := c.client

	e.srcbs.detach(c.srcb, h)
	e.srcbs.maybeRelease(c.srcb)
	nowZero, deregPending := e.registry.decCLCB(client)

	e.clcbs.dealloc(h, peer)
	delete(e.peerByCLCB, h)

	if nowZero && deregPending {
		e.finishDeregister(client)
	}
}

func (e *engineState) finishDeregister(client registryHandle) {
	ctx := context.Background()
	clientID, sink, ok := e.registry.completeDeregister(ctx, e.transport, client)
	if !ok {
		return
	}
	if sink != nil {
		sink.Deliver(AppEvent{Type: EvtDeregister, ClientID: clientID, Status: StatusSuccess})
	}
}

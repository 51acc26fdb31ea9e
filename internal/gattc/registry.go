package gattc

import (
	"context"
	"log/slog"
)

// registryEntry is one registered application. It lives in registry.arena
// and is referenced elsewhere by registryHandle, never by pointer.
type registryEntry struct {
	inUse       bool
	clientID    int
	appUUID     UUID
	sink        Sink
	eattSupport bool
	deregPending bool
	numCLCB     int

	// bgConnectPeers tracks peers this app has an outstanding background
	// connect request for, bounded by Transport.BackgroundWhiteListSize.
	bgConnectPeers map[PeerAddress]bool
}

// notifRegistration is one (peer, handle) notification subscription,
// surviving disconnects marked appDisconnected until the same app
// reconnects to the same peer.
type notifRegistration struct {
	regHandle      registryHandle
	peer           PeerAddress
	handle         uint16
	appDisconnected bool
}

// registry owns the application table and the cross-cutting notification
// registration table. All access happens from the engine's single work-queue
// goroutine; no internal locking is needed.
type registry struct {
	arena   []registryEntry // index 0 unused; handle == arena index
	free    []registryHandle
	notifs  []notifRegistration
	logger  *slog.Logger
}

func newRegistry(logger *slog.Logger) *registry {
	return &registry{
		arena:  make([]registryEntry, 1), // reserve index 0 as noRegistry
		logger: logger,
	}
}

func (r *registry) get(h registryHandle) *registryEntry {
	if h == noRegistry || int(h) >= len(r.arena) || !r.arena[h].inUse {
		return nil
	}
	return &r.arena[h]
}

// register allocates a slot, asks the transport for a client id, and
// schedules StartIf on success.
func (r *registry) register(ctx context.Context, t Transport, appUUID UUID, sink Sink, eattSupport bool) (registryHandle, int, Status) {
	clientID, status := t.Register(ctx, appUUID, eattSupport)
	if status != StatusSuccess {
		r.logger.Warn("gattc: transport refused application registration", slog.String("app_uuid", appUUIDString(appUUID)))
		return noRegistry, 0, StatusError
	}

	h := r.alloc()
	e := &r.arena[h]
	e.inUse = true
	e.clientID = clientID
	e.appUUID = appUUID
	e.sink = sink
	e.eattSupport = eattSupport
	e.deregPending = false
	e.numCLCB = 0
	e.bgConnectPeers = make(map[PeerAddress]bool)

	t.StartIf(ctx, clientID)
	return h, clientID, StatusSuccess
}

func (r *registry) alloc() registryHandle {
	if n := len(r.free); n > 0 {
		h := r.free[n-1]
		r.free = r.free[:n-1]
		return h
	}
	r.arena = append(r.arena, registryEntry{})
	return registryHandle(len(r.arena) - 1)
}

func (r *registry) release(h registryHandle) {
	r.arena[h] = registryEntry{}
	r.free = append(r.free, h)
}

// beginDeregister decides whether deregistration can complete immediately:
// if no CLCBs remain it can, otherwise it is deferred and the caller
// (dispatcher/engine) must post a synthetic close to each owned CLCB.
func (r *registry) beginDeregister(h registryHandle) (completeNow bool) {
	e := r.get(h)
	if e == nil {
		return true
	}
	e.deregPending = true
	return e.numCLCB == 0
}

// completeDeregister implements the tail half: call transport Deregister,
// clear the slot, and return the app's client id and sink so the caller can
// build and deliver DEREG_EVT (the sink is no longer reachable via the slot).
func (r *registry) completeDeregister(ctx context.Context, t Transport, h registryHandle) (clientID int, sink Sink, ok bool) {
	e := r.get(h)
	if e == nil {
		return 0, nil, false
	}
	clientID, sink = e.clientID, e.sink
	t.Deregister(ctx, clientID)
	// clear notification registrations owned by this app
	kept := r.notifs[:0]
	for _, n := range r.notifs {
		if n.regHandle != h {
			kept = append(kept, n)
		}
	}
	r.notifs = kept
	r.release(h)
	return clientID, sink, true
}

func (r *registry) incCLCB(h registryHandle) {
	if e := r.get(h); e != nil {
		e.numCLCB++
	}
}

func (r *registry) decCLCB(h registryHandle) (nowZero, deregPending bool) {
	e := r.get(h)
	if e == nil {
		return true, false
	}
	e.numCLCB--
	return e.numCLCB == 0, e.deregPending
}

// addNotif registers a (peer, handle) notification subscription for app h,
// idempotently.
func (r *registry) addNotif(h registryHandle, peer PeerAddress, handle uint16) {
	for i := range r.notifs {
		if r.notifs[i].regHandle == h && r.notifs[i].peer == peer && r.notifs[i].handle == handle {
			r.notifs[i].appDisconnected = false
			return
		}
	}
	r.notifs = append(r.notifs, notifRegistration{regHandle: h, peer: peer, handle: handle})
}

// markAppDisconnected flags every notification registration for peer as
// app_disconnected, preserving them for reinstatement on reconnect.
func (r *registry) markAppDisconnected(peer PeerAddress) {
	for i := range r.notifs {
		if r.notifs[i].peer == peer {
			r.notifs[i].appDisconnected = true
		}
	}
}

// reenableForPeer clears appDisconnected for every registration on peer,
// called when a CLCB reaches the CONN state so notification registrations
// are re-enabled on (re)connect.
func (r *registry) reenableForPeer(peer PeerAddress) {
	for i := range r.notifs {
		if r.notifs[i].peer == peer {
			r.notifs[i].appDisconnected = false
		}
	}
}

// clearInHandleRange drops notification registrations in [startHdl, endHdl]
// for peer, called when a service-changed indication invalidates that range.
func (r *registry) clearInHandleRange(peer PeerAddress, startHdl, endHdl uint16) {
	kept := r.notifs[:0]
	for _, n := range r.notifs {
		if n.peer == peer && n.handle >= startHdl && n.handle <= endHdl {
			continue
		}
		kept = append(kept, n)
	}
	r.notifs = kept
}

// hasNotifFor reports whether some registered app subscribed to handle on
// peer, and returns the owning registry handle for delivery.
func (r *registry) hasNotifFor(peer PeerAddress, handle uint16) (registryHandle, bool) {
	for _, n := range r.notifs {
		if n.peer == peer && n.handle == handle {
			return n.regHandle, true
		}
	}
	return noRegistry, false
}

// anyNotifFor reports whether any app has a live notification registration
// for peer at all (used by process_indicate to decide whether to allocate a
// synthetic CLCB when none exists yet).
func (r *registry) anyNotifFor(peer PeerAddress) bool {
	for _, n := range r.notifs {
		if n.peer == peer {
			return true
		}
	}
	return false
}

// count returns the number of currently registered applications, used by the
// service-changed handler to decide when update_count has reached quorum.
func (r *registry) count() int {
	n := 0
	for i := range r.arena {
		if r.arena[i].inUse {
			n++
		}
	}
	return n
}

func (r *registry) each(fn func(registryHandle, *registryEntry)) {
	for i := range r.arena {
		if r.arena[i].inUse {
			fn(registryHandle(i), &r.arena[i])
		}
	}
}

func appUUIDString(u UUID) string {
	const hex = "0123456789abcdef"
	buf := make([]byte, 0, 36)
	for i, b := range u {
		if i == 4 || i == 6 || i == 8 || i == 10 {
			buf = append(buf, '-')
		}
		buf = append(buf, hex[b>>4], hex[b&0xf])
	}
	return string(buf)
}

package gattc

import "context"

// openDirect implements C7 "Direct open": allocate a CLCB if absent and feed
// API_OPEN. Delivers OPEN(ALREADY_OPEN) synchronously if the CLCB already
// exists, is past IDLE and has a live connection id.
func (e *engineState) openDirect(client registryHandle, peer PeerAddress, bearer Bearer) {
	reg := e.registry.get(client)
	if reg == nil {
		return
	}
	if h, ok := e.clcbs.lookup(client, peer, bearer); ok {
		c := e.clcbs.get(h)
		if c != nil && c.state != stateIdle && c.connID != 0 {
			e.deliver(client, AppEvent{Type: EvtOpen, Status: StatusAlreadyOpen, Peer: peer})
			return
		}
		if c != nil {
			e.dispatch(h, evAPIOpen, eventData{})
			return
		}
	}
	h := e.allocCLCB(client, peer, bearer)
	e.dispatch(h, evAPIOpen, eventData{})
}

// openBackground implements C7 "Background open": marks the peer in the
// app's background-connect set (bounded by the transport's white-list size),
// asks the transport for a non-direct connect, and short-circuits into a
// synthetic INT_CONN if the peer is already connected and EATT has not been
// negotiated.
func (e *engineState) openBackground(client registryHandle, peer PeerAddress, bearer Bearer) Status {
	ctx := context.Background()
	reg := e.registry.get(client)
	if reg == nil {
		return StatusError
	}
	if len(reg.bgConnectPeers) >= e.transport.BackgroundWhiteListSize() {
		return StatusNoResources
	}
	reg.bgConnectPeers[peer] = true

	if !e.transport.Connect(ctx, reg.clientID, peer, false, bearer, true) {
		delete(reg.bgConnectPeers, peer)
		return StatusError
	}

	if connID, ok := e.transport.GetConnIDIfConnected(reg.clientID, peer, bearer); ok {
		h := e.allocCLCB(client, peer, bearer)
		c := e.clcbs.get(h)
		c.state = stateW4Conn
		if !e.transport.GetEattSupportIfConnected(reg.clientID, peer) {
			e.dispatch(h, evIntConn, eventData{connID: connID})
		}
	}
	return StatusSuccess
}

// cancelDirect implements C7 "Cancel direct": find the CLCB and feed
// API_CANCEL_OPEN.
func (e *engineState) cancelDirect(client registryHandle, peer PeerAddress, bearer Bearer) {
	h, ok := e.clcbs.lookup(client, peer, bearer)
	if !ok {
		e.deliver(client, AppEvent{Type: EvtCancelOpen, Status: StatusError, Peer: peer})
		return
	}
	e.dispatch(h, evAPICancelOpen, eventData{})
}

// cancelBackground implements C7 "Cancel background": clears the bit and
// calls transport CancelConnect(background=false), delivering
// CANCEL_OPEN_EVT to the app with the resulting status.
func (e *engineState) cancelBackground(client registryHandle, peer PeerAddress) {
	ctx := context.Background()
	reg := e.registry.get(client)
	if reg == nil {
		return
	}
	delete(reg.bgConnectPeers, peer)
	status := StatusError
	if e.transport.CancelConnect(ctx, reg.clientID, peer, false) {
		status = StatusSuccess
	}
	e.deliver(client, AppEvent{Type: EvtCancelOpen, Status: status, Peer: peer})
}

// closeConn implements the public API_CLOSE entry point: find the CLCB for
// (client, peer, bearer) and feed API_CLOSE. The transport-initiated path
// is Engine.NotifyDisconnected, which feeds INT_DISCONN.
func (e *engineState) closeConn(client registryHandle, peer PeerAddress, bearer Bearer) {
	h, ok := e.clcbs.lookup(client, peer, bearer)
	if !ok {
		return
	}
	e.dispatch(h, evAPIClose, eventData{closeByApp: true})
}

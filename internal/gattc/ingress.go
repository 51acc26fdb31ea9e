package gattc

// This file implements C8, the event-ingress boundary: callbacks the
// Transport invokes (directly or through Engine's work queue, see engine
// public.go) are translated into either state-machine events or direct
// app-visible fan-out

// findByClientID is a linear scan over the registry arena; the table is
// small (one entry per registered application) and this path only runs on
// transport callbacks, not the hot per-operation path.
func (e *engineState) findByClientID(clientID int) (registryHandle, *registryEntry) {
	var found registryHandle
	var entry *registryEntry
	e.registry.each(func(h registryHandle, re *registryEntry) {
		if re.clientID == clientID {
			found, entry = h, re
		}
	})
	return found, entry
}

// clcbByConnID finds the CLCB currently holding connID.
func (e *engineState) clcbByConnID(connID int) (clcbHandle, *clcbEntry) {
	var found clcbHandle
	var entry *clcbEntry
	e.clcbs.each(func(h clcbHandle, c *clcbEntry) {
		if c.connID == connID {
			found, entry = h, c
		}
	})
	return found, entry
}

// OnConnected handles a transport connection-up callback: finds (or the
// dispatcher already allocated) the CLCB for (clientID, peer, bearer) and
// feeds it INT_CONN.
func (e *engineState) OnConnected(clientID int, peer PeerAddress, connID int, bearer Bearer) {
	regH, reg := e.findByClientID(clientID)
	if regH == noRegistry {
		return
	}
	h, ok := e.clcbs.lookup(regH, peer, bearer)
	if !ok {
		if !reg.bgConnectPeers[peer] {
			return
		}
		// A background connect completed with no CLCB pre-allocated (it was
		// not already connected at OpenBackground time); allocate one now.
		h = e.allocCLCB(regH, peer, bearer)
		c := e.clcbs.get(h)
		c.state = stateW4Conn
	}
	e.dispatch(h, evIntConn, eventData{connID: connID})
}

// OnConnectFailed handles a transport connection-attempt failure, feeding
// INT_OPEN_FAIL to the waiting CLCB.
func (e *engineState) OnConnectFailed(clientID int, peer PeerAddress, bearer Bearer) {
	regH, _ := e.findByClientID(clientID)
	if regH == noRegistry {
		return
	}
	h, ok := e.clcbs.lookup(regH, peer, bearer)
	if !ok {
		return
	}
	e.dispatch(h, evIntOpenFail, eventData{})
}

// OnDisconnected handles a transport disconnection callback. Every CLCB on
// this connID receives INT_DISCONN; a connID only ever belongs to one CLCB,
// but other CLCBs sharing the SRCB learn about it indirectly through
// srcbTable.serverDisconnected inside actionClose.
func (e *engineState) OnDisconnected(connID int, reason int) {
	h, c := e.clcbByConnID(connID)
	if c == nil {
		return
	}
	e.dispatch(h, evIntDisconn, eventData{reason: reason})
}

// OnDiscoveryComplete feeds DISCOVER_CMPL to every CLCB attached to the SRCB
// of connID's CLCB, including CLCBs parked in DISCOVER behind that discovery.
func (e *engineState) OnDiscoveryComplete(connID int, status Status) {
	_, c := e.clcbByConnID(connID)
	if c == nil {
		return
	}
	e.resetDiscoverState(c.srcb, status)
}

// OnDatabaseHashRead completes the DISCOVER_RC wait with the freshly-read
// hash; on success it stores the hash into the SRCB's cached Database.Hash
// before dispatching (the discovery engine owns comparing it against the
// stored value and deciding whether the cache still holds).
func (e *engineState) OnDatabaseHashRead(connID int, hash [16]byte, status Status) {
	h, c := e.clcbByConnID(connID)
	if c == nil {
		return
	}
	if srcb := e.srcbs.get(c.srcb); srcb != nil && status == StatusSuccess {
		srcb.db.Hash = hash
	}
	e.dispatch(h, evDiscoverCmpl, eventData{status: status})
}

// OnOperationComplete handles a completed attribute operation: ATT-level
// DATABASE_OUT_OF_SYNC triggers immediate rediscovery instead of surfacing
// the raw status to the app, matching the robust-caching contract. The
// completed op's kind is read from the CLCB's own in-flight slot rather than
// threaded back in by the transport, since the engine already knows what it
// asked for.
func (e *engineState) OnOperationComplete(connID int, status Status, handle uint16, value []byte, mtu int) {
	h, c := e.clcbByConnID(connID)
	if c == nil {
		return
	}

	if status == StatusDatabaseOutOfSync {
		e.dispatch(h, evIntDiscover, eventData{})
		return
	}

	op := opRead
	if c.pQCmd != nil {
		op = c.pQCmd.op
	}

	if op == opConfigureMTU {
		if srcb := e.srcbs.get(c.srcb); srcb != nil {
			srcb.mtu = mtu
		}
		for _, waiter := range e.mtuWaits.release(e.peerOf(h)) {
			if wc := e.clcbs.get(waiter); wc != nil {
				e.deliver(wc.client, AppEvent{Type: EvtConfigureMTU, Status: status, ConnID: wc.connID, MTU: mtu})
			}
		}
		e.deliver(c.client, AppEvent{Type: EvtConfigureMTU, Status: status, ConnID: connID, MTU: mtu})
		e.continueQueue(h)
		return
	}

	e.deliver(c.client, AppEvent{Type: appEventForOp(op), Status: status, ConnID: connID, Handle: handle, Value: value})
	e.continueQueue(h)
}

// OnEncryptionComplete is pure app fan-out; it never touches the state
// machine (encryption state does not gate the discover/operate pipeline in
// this design).
func (e *engineState) OnEncryptionComplete(clientID int, peer PeerAddress, status Status) {
	regH, _ := e.findByClientID(clientID)
	if regH == noRegistry {
		return
	}
	e.deliver(regH, AppEvent{Type: EvtEncryptionComplete, Status: status, Peer: peer})
}

// OnCongestion, OnPhyUpdate, OnConnectionUpdate and OnSubrateChange are link
// quality signals the app may want but that carry no state-machine meaning;
// the notice goes to the app owning the CLCB that holds connID.
func (e *engineState) OnCongestion(connID int, congested bool) {
	e.fanOutLinkEvent(connID, AppEvent{Type: EvtCongestion, ConnID: connID, IsNotify: congested})
}

func (e *engineState) OnPhyUpdate(connID int, status Status) {
	e.fanOutLinkEvent(connID, AppEvent{Type: EvtPhyUpdate, ConnID: connID, Status: status})
}

func (e *engineState) OnConnectionUpdate(connID int, status Status) {
	e.fanOutLinkEvent(connID, AppEvent{Type: EvtConnectionUpdate, ConnID: connID, Status: status})
}

func (e *engineState) OnSubrateChange(connID int, status Status) {
	e.fanOutLinkEvent(connID, AppEvent{Type: EvtSubrateChange, ConnID: connID, Status: status})
}

func (e *engineState) fanOutLinkEvent(connID int, evt AppEvent) {
	_, c := e.clcbByConnID(connID)
	if c == nil {
		return
	}
	e.deliver(c.client, evt)
}

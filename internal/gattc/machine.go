package gattc

import (
	"context"
	"log/slog"
)

// eventData carries the variant payload for one state-machine event. Only
// the fields relevant to the event in question are populated, avoiding an
// interface{} and type switch at every call site.
type eventData struct {
	cmd        *pendingCmd
	closeByApp bool   // API_CLOSE (true) vs INT_DISCONN (false)
	reason     int    // close reason, transport-supplied on INT_DISCONN
	connID     int    // INT_CONN
	status     Status // DISCOVER_CMPL, OP_CMPL
}

// dispatch routes one event for one CLCB through the (state, event) action
// table. Unspecified (state, event) pairs invoke fail and leave the state
// unchanged.
func (e *engineState) dispatch(h clcbHandle, ev event, data eventData) {
	c := e.clcbs.get(h)
	if c == nil {
		e.logger.Debug("gattc: dispatch on unknown CLCB", slog.Any("event", ev))
		return
	}

	switch c.state {
	case stateIdle:
		switch ev {
		case evAPIOpen:
			e.actionOpen(h, c)
		case evAPICancelOpen:
			e.actionCancelOpenError(h, c)
		case evIntDisconn:
			e.actionClose(h, c, false, data.reason)
		default:
			e.actionFail(h, c, ev)
		}

	case stateW4Conn:
		switch ev {
		case evIntConn:
			e.actionConn(h, c, data.connID)
		case evIntOpenFail:
			e.actionOpenFail(h, c)
		case evAPICancelOpen:
			e.actionCancelOpen(h, c)
		case evIntCancelOpenOK:
			e.actionCancelOpenOK(h, c)
		case evIntDisconn:
			e.actionClose(h, c, false, data.reason)
		default:
			e.actionFail(h, c, ev)
		}

	case stateConn:
		switch ev {
		case evAPIRead, evAPIReadMulti, evAPIWrite, evAPIExecuteWrite, evAPIConfigureMTU, evAPIConfirm:
			e.actionOperate(h, c, ev, data.cmd)
		case evIntDiscover, evAPISearch:
			e.actionStartDiscover(h, c, true)
		case evAPIClose:
			e.actionClose(h, c, true, 0)
		case evIntDisconn:
			e.actionClose(h, c, false, data.reason)
		default:
			e.actionFail(h, c, ev)
		}

	case stateDiscover:
		switch ev {
		case evDiscoverCmpl:
			e.actionDiscCmpl(h, c, data.status)
		case evIntDiscover:
			e.actionRestartDiscover(h, c)
		case evAPIRead, evAPIReadMulti, evAPIWrite, evAPIExecuteWrite, evAPIConfigureMTU, evAPIConfirm, evAPISearch:
			e.actionQCmd(h, c, data.cmd)
		case evAPIClose:
			e.actionDiscClose(h, c)
		case evIntDisconn:
			e.actionClose(h, c, false, data.reason)
		default:
			e.actionFail(h, c, ev)
		}

	case stateDiscoverRC:
		switch ev {
		case evDiscoverCmpl:
			// db-hash read completed; proceed into the real discovery.
			e.actionStartDiscoverInternal(h, c)
		case evAPIRead, evAPIReadMulti, evAPIWrite, evAPIExecuteWrite, evAPIConfigureMTU, evAPIConfirm, evAPISearch:
			e.actionQCmd(h, c, data.cmd)
		case evAPIClose:
			e.actionDiscClose(h, c)
		case evIntDisconn:
			e.actionClose(h, c, false, data.reason)
		default:
			e.actionFail(h, c, ev)
		}

	default:
		// any other state: INT_DISCONN always closes (covers a state added
		// without updating every branch above); other events fail.
		if ev == evIntDisconn {
			e.actionClose(h, c, false, data.reason)
		} else {
			e.actionFail(h, c, ev)
		}
	}
}

func (e *engineState) actionFail(h clcbHandle, c *clcbEntry, ev event) {
	e.logger.Warn("gattc: unhandled event for state, dropped",
		slog.String("state", c.state.String()), slog.String("event", ev.String()))
}

// --- Open / cancel-open family -------------------------------------------

// actionOpen implements the "Open" action. Precondition
// documented here EATT gating: the synthetic INT_CONN
// below must never fire when the transport has already negotiated EATT for
// this peer, since a real connection callback is then guaranteed to follow.
func (e *engineState) actionOpen(h clcbHandle, c *clcbEntry) {
	ctx := context.Background()
	reg := e.registry.get(c.client)
	if reg == nil {
		return
	}
	peer := e.peerOf(h)

	if !e.transport.Connect(ctx, reg.clientID, peer, true, c.bearer, false) {
		e.dispatch(h, evIntOpenFail, eventData{})
		return
	}
	c.state = stateW4Conn

	if connID, ok := e.transport.GetConnIDIfConnected(reg.clientID, peer, c.bearer); ok {
		eattNegotiated := e.transport.GetEattSupportIfConnected(reg.clientID, peer)
		if !eattNegotiated {
			e.dispatch(h, evIntConn, eventData{connID: connID})
		}
		// else: wait for the transport's own connection callback per the
		// EATT-gating precondition above.
	}
}

func (e *engineState) actionCancelOpenError(h clcbHandle, c *clcbEntry) {
	e.deliver(c.client, AppEvent{Type: EvtCancelOpen, Status: StatusError})
}

func (e *engineState) actionCancelOpen(h clcbHandle, c *clcbEntry) {
	ctx := context.Background()
	reg := e.registry.get(c.client)
	if reg == nil {
		return
	}
	peer := e.peerOf(h)
	if e.transport.CancelConnect(ctx, reg.clientID, peer, true) {
		e.dispatch(h, evIntCancelOpenOK, eventData{})
	} else {
		e.deliver(c.client, AppEvent{Type: EvtCancelOpen, Status: StatusError})
	}
}

func (e *engineState) actionCancelOpenOK(h clcbHandle, c *clcbEntry) {
	clientID := 0
	if reg := e.registry.get(c.client); reg != nil {
		clientID = reg.clientID
	}
	e.deallocCLCB(h)
	if reg := e.registry.get(c.client); reg != nil {
		clientID = reg.clientID
	}
	e.deliver(c.client, AppEvent{Type: EvtCancelOpen, Status: StatusSuccess, ClientID: clientID})
}

func (e *engineState) actionOpenFail(h clcbHandle, c *clcbEntry) {
	clientID := 0
	if reg := e.registry.get(c.client); reg != nil {
		clientID = reg.clientID
	}
	peer := e.peerOf(h)
	e.deallocCLCB(h)
	e.deliver(c.client, AppEvent{Type: EvtOpen, Status: StatusError, ClientID: clientID, Peer: peer})
}

// --- Conn ------------------------------------------------------------------

// actionConn implements the "Conn" action, generalized over the injected
// RobustCachingPolicy and BondedPeerStore collaborators.
func (e *engineState) actionConn(h clcbHandle, c *clcbEntry, connID int) {
	ctx := context.Background()
	reg := e.registry.get(c.client)
	if reg == nil {
		return
	}
	peer := e.peerOf(h)
	srcb := e.srcbs.get(c.srcb)
	if srcb == nil {
		return
	}

	c.connID = connID
	c.state = stateConn
	srcb.connected = true
	srcb.mtu = e.transport.GetMtuSize(connID)

	e.registry.reenableForPeer(peer)

	if (srcb.db.Empty() || srcb.state != srcbIdle) && e.bonded.IsBonded(peer) {
		if db, err := e.cache.Load(ctx, peer); err == nil {
			srcb.db = db
		}
	}

	support := e.robustCaching(peer, srcb.db)
	if support == RobustCachingUnsupported && !srcb.db.Empty() {
		srcb.state = srcbIdle
		e.resetDiscoverState(c.srcb, StatusSuccess)
	} else if srcb.state == srcbDiscActive {
		// SRCB is already building its cache; park here until woken.
		c.state = stateDiscover
	} else {
		srcb.state = srcbDisc
		srcb.srvcHdlDBHash = true
		e.actionStartDiscover(h, c, false)
	}

	if srcb.srvcHdlChg {
		srcb.srvcHdlChg = false
		e.dispatch(h, evIntDiscover, eventData{})
	}

	e.audit.RecordOpen(ctx, peer, reg.clientID, connID, StatusSuccess)
	e.deliver(c.client, AppEvent{
		Type: EvtOpen, Status: StatusSuccess, ClientID: reg.clientID,
		ConnID: connID, Peer: peer, MTU: srcb.mtu,
	})
}

// --- Discovery family --------------------------------------------------

// actionStartDiscover implements "Start-discover". fromConnState distinguishes
// the CONN->DISCOVER transition (guarded) from the direct post-Conn call,
// which always fires.
func (e *engineState) actionStartDiscover(h clcbHandle, c *clcbEntry, fromConnState bool) {
	srcb := e.srcbs.get(c.srcb)
	if srcb == nil {
		return
	}

	if fromConnState {
		guardOK := c.pQCmd == nil || c.autoUpdate == autoReqWaiting
		guardOK = guardOK && (srcb.state == srcbIdle || srcb.state == srcbDisc)
		if !guardOK {
			c.autoUpdate = autoDiscWaiting
			return
		}
		c.state = stateDiscover
	}

	e.setDiscoverState(c.srcb)
	wasServiceChange := srcb.srvcHdlChg
	srcb.srvcHdlChg = false
	srcb.updateCount = 0
	srcb.state = srcbDiscActive

	support := e.robustCaching(e.peerOf(h), srcb.db)
	if support == RobustCachingUnsupported {
		srcb.srvcHdlDBHash = false
	}

	if srcb.srvcHdlDBHash {
		c.state = stateDiscoverRC
		e.issueDBHashRead(h, c, wasServiceChange)
		return
	}

	e.actionStartDiscoverInternal(h, c)
}

// actionStartDiscoverInternal clears the cache and kicks off primary-service
// discovery; reached directly from DISCOVER_RC once the hash read completes.
func (e *engineState) actionStartDiscoverInternal(h clcbHandle, c *clcbEntry) {
	srcb := e.srcbs.get(c.srcb)
	if srcb == nil {
		return
	}
	c.state = stateDiscover
	srcb.db = Database{}
	c.discActive = true
	if !e.discoveryEngine.StartDiscovery(e.peerOf(h), c.connID) {
		e.resetDiscoverState(c.srcb, StatusError)
	}
}

func (e *engineState) actionDiscCmpl(h clcbHandle, c *clcbEntry, status Status) {
	ctx := context.Background()
	c.discActive = false
	srcb := e.srcbs.get(c.srcb)
	if srcb == nil {
		return
	}
	srcb.state = srcbIdle
	if status != StatusSuccess {
		srcb.db = Database{}
		_ = e.cache.Reset(ctx, e.peerOf(h))
	}

	switch {
	case c.autoUpdate == autoDiscWaiting:
		// A fresh discovery was just chained by actionStartDiscover, which
		// already moved c.state to stateDiscover/stateDiscoverRC; leave it
		// alone so the chained DISCOVER_CMPL is still dispatched in a
		// discovering state instead of landing in CONN and hitting fail.
		c.autoUpdate = autoNoSchedule
		e.actionStartDiscover(h, c, false)
	case c.pQCmd != nil && e.linkExists(c):
		c.state = stateConn
		cmd := c.pQCmd
		c.pQCmd = nil
		e.dispatch(h, apiEventForOp(cmd.op), eventData{cmd: cmd})
	default:
		c.state = stateConn
		e.continueQueue(h)
	}

	e.deliver(c.client, AppEvent{Type: EvtServiceDiscoveryDone, Status: status, Peer: e.peerOf(h), ConnID: c.connID})
}

func (e *engineState) actionRestartDiscover(h clcbHandle, c *clcbEntry) {
	c.autoUpdate = autoDiscWaiting
}

func (e *engineState) actionDiscClose(h clcbHandle, c *clcbEntry) {
	if c.discActive {
		e.resetDiscoverState(c.srcb, StatusError)
	}
	c.state = stateConn
	e.actionClose(h, c, true, 0)
}

// --- Close -----------------------------------------------------------------

func (e *engineState) actionClose(h clcbHandle, c *clcbEntry, byApp bool, reason int) {
	ctx := context.Background()
	reg := e.registry.get(c.client)
	clientID := 0
	if reg != nil {
		clientID = reg.clientID
	}
	peer := e.peerOf(h)
	connID := c.connID
	status := StatusSuccess

	e.registry.markAppDisconnected(peer)

	if !byApp {
		e.srcbs.serverDisconnected(c.srcb)
	} else {
		status = e.transport.Disconnect(ctx, connID)
	}

	e.audit.RecordClose(ctx, peer, clientID, connID, reason, status)
	e.deliver(c.client, AppEvent{
		Type: EvtClose, ClientID: clientID, ConnID: connID, Peer: peer,
		Status: status, Reason: reason,
	})
	e.deallocCLCB(h)
}

// --- Attribute operations ---------------------------------------------------

func (e *engineState) actionOperate(h clcbHandle, c *clcbEntry, ev event, cmd *pendingCmd) {
	if cmd == nil {
		return
	}
	if ev == evAPIConfigureMTU {
		e.issueConfigureMTU(h, c, cmd)
		return
	}

	res := e.enqueue(c, *cmd)
	if res == enqueueRejected {
		e.failOperation(h, c, *cmd, StatusNoResources)
		return
	}
	if res == enqueueDeferred {
		return
	}
	e.issueOperation(h, c, cmd)
}

func (e *engineState) actionQCmd(h clcbHandle, c *clcbEntry, cmd *pendingCmd) {
	if cmd == nil {
		return
	}
	c.requestDuringDiscovery = true
	if e.enqueue(c, *cmd) == enqueueRejected {
		e.failOperation(h, c, *cmd, StatusNoResources)
	}
}

func (e *engineState) issueOperation(h clcbHandle, c *clcbEntry, cmd *pendingCmd) {
	ctx := context.Background()
	switch cmd.op {
	case opRead:
		e.transport.Read(ctx, c.connID, cmd.handle)
	case opReadMulti:
		e.transport.ReadMulti(ctx, c.connID, cmd.handles)
	case opWrite:
		e.transport.Write(ctx, c.connID, cmd.handle, cmd.value, true)
	case opExecuteWrite:
		e.transport.ExecuteWrite(ctx, c.connID, cmd.execute)
	case opConfirm:
		e.transport.SendHandleValueConfirm(ctx, c.connID, cmd.handle)
	}
}

func (e *engineState) issueConfigureMTU(h clcbHandle, c *clcbEntry, cmd *pendingCmd) {
	ctx := context.Background()
	peer := e.peerOf(h)
	switch e.transport.TryMtuRequest(peer, c.bearer, c.connID) {
	case MtuDeviceDisconnected:
		e.failOperation(h, c, *cmd, StatusError)
	case MtuNotAllowed:
		e.failOperation(h, c, *cmd, StatusIllegalParameter)
	case MtuAlreadyDone:
		srcb := e.srcbs.get(c.srcb)
		mtu := defaultMTU
		if srcb != nil {
			mtu = srcb.mtu
		}
		e.deliver(c.client, AppEvent{Type: EvtConfigureMTU, Status: StatusSuccess, ConnID: c.connID, MTU: mtu})
	case MtuInProgress:
		e.mtuWaits.park(peer, h)
	case MtuNotDoneYet:
		if _, busy := e.mtuWaits.inFlightOwner(peer); busy {
			e.mtuWaits.park(peer, h)
			return
		}
		switch e.enqueue(c, *cmd) {
		case enqueueRejected:
			e.failOperation(h, c, *cmd, StatusNoResources)
			return
		case enqueueDeferred:
			return
		}
		e.mtuWaits.startRequest(peer, h)
		e.transport.ConfigureMTU(ctx, c.connID, cmd.mtu)
	}
}

func (e *engineState) failOperation(h clcbHandle, c *clcbEntry, cmd pendingCmd, status Status) {
	evtType := appEventForOp(cmd.op)
	e.deliver(c.client, AppEvent{Type: evtType, Status: status, ConnID: c.connID, Handle: cmd.handle})
	e.continueQueue(h)
}

func appEventForOp(op opCode) AppEventType {
	switch op {
	case opRead, opReadMulti:
		return EvtReadCharacteristic
	case opWrite:
		return EvtWriteCharacteristic
	case opExecuteWrite:
		return EvtExecuteWrite
	case opConfigureMTU:
		return EvtConfigureMTU
	default:
		return EvtReadCharacteristic
	}
}

func (e *engineState) linkExists(c *clcbEntry) bool {
	return c.connID != 0
}

package gattc

// enqueueResult is returned by enqueue to tell the caller whether the
// command can be issued to the transport immediately.
type enqueueResult int

const (
	enqueueProceed enqueueResult = iota
	enqueueDeferred
	enqueueRejected
)

// enqueue implements the per-CLCB queueing contract: an empty slot accepts
// the command and proceeds; a full slot defers it, or rejects it outright
// when StrictQueueing is enabled.
func (e *engineState) enqueue(c *clcbEntry, cmd pendingCmd) enqueueResult {
	if c.pQCmd == nil {
		cp := cmd
		c.pQCmd = &cp
		return enqueueProceed
	}
	if e.cfg.StrictQueueing && c.pDeferred != nil {
		return enqueueRejected
	}
	// Overwrite semantics when StrictQueueing is disabled: a second deferred
	// command replaces the first instead of being rejected.
	cp := cmd
	c.pDeferred = &cp
	return enqueueDeferred
}

// continueQueue clears the in-flight slot and, if a deferred command exists,
// promotes it back into the slot and feeds it to the state machine as the
// matching API event.
func (e *engineState) continueQueue(h clcbHandle) {
	c := e.clcbs.get(h)
	if c == nil {
		return
	}
	c.pQCmd = nil
	if c.pDeferred == nil {
		return
	}
	deferred := c.pDeferred
	c.pDeferred = nil
	e.dispatch(h, apiEventForOp(deferred.op), eventData{cmd: deferred})
}

func apiEventForOp(op opCode) event {
	switch op {
	case opRead:
		return evAPIRead
	case opReadMulti:
		return evAPIReadMulti
	case opWrite:
		return evAPIWrite
	case opExecuteWrite:
		return evAPIExecuteWrite
	case opConfigureMTU:
		return evAPIConfigureMTU
	case opConfirm:
		return evAPIConfirm
	default:
		return evAPIRead
	}
}

// mtuWaitList tracks, per peer, the CLCBs parked behind an in-flight MTU
// negotiation so a single completion can release all of them at once
// (C5 "Special MTU handling", scenario S6). Owned by the engine, not by any
// one CLCB, because the in-flight request and its waiters may belong to
// different CLCBs on the same peer.
type mtuWaitList struct {
	inFlight map[PeerAddress]clcbHandle
	waiters  map[PeerAddress][]clcbHandle
}

func newMTUWaitList() *mtuWaitList {
	return &mtuWaitList{
		inFlight: make(map[PeerAddress]clcbHandle),
		waiters:  make(map[PeerAddress][]clcbHandle),
	}
}

func (m *mtuWaitList) startRequest(peer PeerAddress, owner clcbHandle) {
	m.inFlight[peer] = owner
}

func (m *mtuWaitList) park(peer PeerAddress, waiter clcbHandle) {
	m.waiters[peer] = append(m.waiters[peer], waiter)
}

// release clears the in-flight marker and returns (and clears) the parked
// waiters for peer, to be woken with the same completion status/MTU.
func (m *mtuWaitList) release(peer PeerAddress) []clcbHandle {
	delete(m.inFlight, peer)
	w := m.waiters[peer]
	delete(m.waiters, peer)
	return w
}

func (m *mtuWaitList) inFlightOwner(peer PeerAddress) (clcbHandle, bool) {
	h, ok := m.inFlight[peer]
	return h, ok
}

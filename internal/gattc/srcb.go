package gattc

// srcbEntry is one per-peer Server Record: connection flag, negotiated
// MTU, cached attribute database, discovery state, and service-changed
// bookkeeping. All CLCBs for the same peer share one srcbEntry.
type srcbEntry struct {
	inUse     bool
	peer      PeerAddress
	connected bool
	mtu       int
	db        Database
	state     srcbState

	srvcHdlChg    bool // a service-changed indication is pending re-discovery
	srvcHdlDBHash bool // robust caching: read the db-hash characteristic first
	updateCount   int  // service-changed indications observed since last discovery
	numCLCB       int

	// clcbs lists every CLCB currently pointing at this SRCB, in allocation
	// order, so discovery-state resets can fan out to all of them.
	clcbs []clcbHandle
}

// srcbTable is the server-record arena, keyed by stable handle and looked up
// by peer address via an index map.
type srcbTable struct {
	arena []srcbEntry
	free  []srcbHandle
	byPeer map[PeerAddress]srcbHandle
}

func newSRCBTable() *srcbTable {
	return &srcbTable{
		arena:  make([]srcbEntry, 1),
		byPeer: make(map[PeerAddress]srcbHandle),
	}
}

func (t *srcbTable) get(h srcbHandle) *srcbEntry {
	if h == noSRCB || int(h) >= len(t.arena) || !t.arena[h].inUse {
		return nil
	}
	return &t.arena[h]
}

// findOrAlloc implements C2 find_or_alloc(peer).
func (t *srcbTable) findOrAlloc(peer PeerAddress) srcbHandle {
	if h, ok := t.byPeer[peer]; ok {
		return h
	}
	var h srcbHandle
	if n := len(t.free); n > 0 {
		h = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.arena = append(t.arena, srcbEntry{})
		h = srcbHandle(len(t.arena) - 1)
	}
	t.arena[h] = srcbEntry{inUse: true, peer: peer, state: srcbIdle, mtu: defaultMTU}
	t.byPeer[peer] = h
	return h
}

func (t *srcbTable) lookup(peer PeerAddress) (srcbHandle, bool) {
	h, ok := t.byPeer[peer]
	return h, ok
}

// maybeRelease frees the SRCB once no CLCB references it and it is not
// mid-discovery; background-connect trackers may cause find_or_alloc to be
// called again later for the same peer.
func (t *srcbTable) maybeRelease(h srcbHandle) {
	e := t.get(h)
	if e == nil || e.numCLCB > 0 || e.state == srcbDiscActive {
		return
	}
	delete(t.byPeer, e.peer)
	t.arena[h] = srcbEntry{}
	t.free = append(t.free, h)
}

// serverDisconnected implements C2 server_disconnected(srcb): clears
// connected, resets MTU, clears the cached database.
func (t *srcbTable) serverDisconnected(h srcbHandle) {
	e := t.get(h)
	if e == nil {
		return
	}
	e.connected = false
	e.mtu = defaultMTU
	e.db = Database{}
}

func (t *srcbTable) attach(h srcbHandle, c clcbHandle) {
	e := t.get(h)
	if e == nil {
		return
	}
	e.clcbs = append(e.clcbs, c)
	e.numCLCB++
}

func (t *srcbTable) detach(h srcbHandle, c clcbHandle) {
	e := t.get(h)
	if e == nil {
		return
	}
	for i, x := range e.clcbs {
		if x == c {
			e.clcbs = append(e.clcbs[:i], e.clcbs[i+1:]...)
			break
		}
	}
	e.numCLCB--
}

// defaultMTU is the ATT default MTU before any MTU exchange completes.
const defaultMTU = 23

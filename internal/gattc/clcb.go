package gattc

// pendingCmd is the opaque tagged record owned exclusively by a CLCB's single
// slot while a command is outstanding or deferred (C5 "Pending command").
type pendingCmd struct {
	op      opCode
	handle  uint16
	handles []uint16 // opReadMulti
	value   []byte   // opWrite
	execute bool     // opExecuteWrite
	mtu     int      // opConfigureMTU
}

// clcbEntry is one Client Connection Block: per-(app, peer, transport)
// state machine with a single slot for a queued pending command.
type clcbEntry struct {
	inUse  bool
	client registryHandle
	srcb   srcbHandle
	bearer Bearer

	connID int // 0 = none
	state  clcbState

	discActive             bool
	autoUpdate             autoUpdate
	requestDuringDiscovery bool

	// pQCmd is the single in-flight slot; pDeferred is the at-most-one
	// deferred command behind it.
	pQCmd     *pendingCmd
	pDeferred *pendingCmd
}

// clcbTable is the C3 arena, keyed by stable handle and looked up by
// (client, peer, bearer).
type clcbTable struct {
	arena []clcbEntry
	free  []clcbHandle
	byKey map[clcbKey]clcbHandle
}

type clcbKey struct {
	client registryHandle
	peer   PeerAddress
	bearer Bearer
}

func newCLCBTable() *clcbTable {
	return &clcbTable{
		arena: make([]clcbEntry, 1),
		byKey: make(map[clcbKey]clcbHandle),
	}
}

func (t *clcbTable) get(h clcbHandle) *clcbEntry {
	if h == noCLCB || int(h) >= len(t.arena) || !t.arena[h].inUse {
		return nil
	}
	return &t.arena[h]
}

func (t *clcbTable) lookup(client registryHandle, peer PeerAddress, bearer Bearer) (clcbHandle, bool) {
	h, ok := t.byKey[clcbKey{client, peer, bearer}]
	return h, ok
}

// alloc creates a new CLCB in stateIdle pointing at client/srcb. Returns
// noCLCB if one already exists for this key (ALREADY_OPEN territory; callers
// check lookup first).
func (t *clcbTable) alloc(client registryHandle, peer PeerAddress, bearer Bearer, srcb srcbHandle) clcbHandle {
	var h clcbHandle
	if n := len(t.free); n > 0 {
		h = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.arena = append(t.arena, clcbEntry{})
		h = clcbHandle(len(t.arena) - 1)
	}
	t.arena[h] = clcbEntry{
		inUse:  true,
		client: client,
		srcb:   srcb,
		bearer: bearer,
		state:  stateIdle,
	}
	t.byKey[clcbKey{client, peer, bearer}] = h
	return h
}

// dealloc frees the CLCB. Callers are responsible for having already called
// srcbTable.detach and registry.decCLCB.
func (t *clcbTable) dealloc(h clcbHandle, peer PeerAddress) {
	e := t.get(h)
	if e == nil {
		return
	}
	delete(t.byKey, clcbKey{e.client, peer, e.bearer})
	t.arena[h] = clcbEntry{}
	t.free = append(t.free, h)
}

func (t *clcbTable) each(fn func(clcbHandle, *clcbEntry)) {
	for i := range t.arena {
		if t.arena[i].inUse {
			fn(clcbHandle(i), &t.arena[i])
		}
	}
}

package gattc

// ConnectionSnapshot describes one live CLCB for read-only introspection.
type ConnectionSnapshot struct {
	ClientID int
	Peer     PeerAddress
	Bearer   Bearer
	ConnID   int
	State    clcbState
	// RequestDuringDiscovery reports whether an attribute request arrived
	// for this CLCB while its SRCB was rediscovering, surfaced so an
	// operator can see why a request is sitting deferred.
	RequestDuringDiscovery bool
}

// PeerSnapshot describes one cached server record for read-only
// introspection.
type PeerSnapshot struct {
	Peer        PeerAddress
	Connected   bool
	MTU         int
	State       srcbState
	CacheHash   [16]byte
	NumCLCB     int
	UpdateCount int
}

// EngineSnapshot is a point-in-time read of engine state, safe to serialize
// for an admin API. It holds no references into engine-owned memory.
type EngineSnapshot struct {
	Connections []ConnectionSnapshot
	Peers       []PeerSnapshot
}

func (e *engineState) snapshot() EngineSnapshot {
	var out EngineSnapshot

	e.clcbs.each(func(h clcbHandle, c *clcbEntry) {
		reg := e.registry.get(c.client)
		clientID := 0
		if reg != nil {
			clientID = reg.clientID
		}
		out.Connections = append(out.Connections, ConnectionSnapshot{
			ClientID:               clientID,
			Peer:                   e.peerByCLCB[h],
			Bearer:                 c.bearer,
			ConnID:                 c.connID,
			State:                  c.state,
			RequestDuringDiscovery: c.requestDuringDiscovery,
		})
	})

	for i := 1; i < len(e.srcbs.arena); i++ {
		s := &e.srcbs.arena[i]
		if !s.inUse {
			continue
		}
		out.Peers = append(out.Peers, PeerSnapshot{
			Peer:        s.peer,
			Connected:   s.connected,
			MTU:         s.mtu,
			State:       s.state,
			CacheHash:   s.db.Hash,
			NumCLCB:     s.numCLCB,
			UpdateCount: s.updateCount,
		})
	}

	return out
}

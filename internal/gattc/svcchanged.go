package gattc

import (
	"context"
	"encoding/binary"
	"log/slog"
)

// serviceChangedValueLen is the length in bytes of a service-changed
// indication value: a little-endian start handle followed by an end handle.
// HandleServiceChanged ignores values of any other length.
const serviceChangedValueLen = 4

// HandleServiceChanged implements C6: a service-changed indication has
// arrived for peer on attHandle with a 4-byte little-endian [start, end]
// handle range. The lower layer calls this once per registered application
// still connected to peer (one callback per client_if), so update_count only
// reaches quorum once every registrant has observed the indication; the ATT
// confirmation and the rediscovery it triggers fire exactly once at that
// point, not on every call.
func (e *engineState) HandleServiceChanged(peer PeerAddress, connID int, attHandle uint16, value []byte) {
	ctx := context.Background()

	if len(value) != serviceChangedValueLen {
		e.logger.Warn("gattc: malformed service-changed indication, ignoring",
			slog.String("peer", peer.String()), slog.Int("len", len(value)))
		return
	}
	startHdl := binary.LittleEndian.Uint16(value[0:2])
	endHdl := binary.LittleEndian.Uint16(value[2:4])

	srcbH, ok := e.srcbs.lookup(peer)
	if !ok {
		return
	}
	srcb := e.srcbs.get(srcbH)
	if srcb == nil {
		return
	}

	e.registry.clearInHandleRange(peer, startHdl, endHdl)
	srcb.srvcHdlChg = true
	srcb.updateCount++

	if srcb.updateCount == e.registry.count() {
		e.transport.SendHandleValueConfirm(ctx, connID, attHandle)
		e.audit.RecordServiceChanged(ctx, peer, startHdl, endHdl)

		// Pick any CLCB for this peer whose queue slot is empty; if none is
		// idle enough right now, srvcHdlChg stays set and actionConn picks
		// it up the next time this peer reconnects.
		for _, h := range srcb.clcbs {
			c := e.clcbs.get(h)
			if c == nil || c.pQCmd != nil {
				continue
			}
			if c.state == stateConn {
				srcb.srvcHdlChg = false
				srcb.srvcHdlDBHash = true
				e.dispatch(h, evIntDiscover, eventData{})
				break
			}
		}
	}

	for _, h := range srcb.clcbs {
		c := e.clcbs.get(h)
		if c == nil || c.connID != connID {
			continue
		}
		e.deliver(c.client, AppEvent{
			Type: EvtServiceChanged, ConnID: c.connID, Peer: peer,
			StartHdl: startHdl, EndHdl: endHdl,
		})
	}
}

// ProcessIndicate implements the non-service-changed half of C6: ordinary
// notifications and indications. A registered notification is delivered to
// its owning app; an unregistered indication is still confirmed (the ATT
// layer requires exactly one confirmation per indication) and dropped. An
// unregistered notification is simply dropped, since notifications carry no
// confirmation obligation.
func (e *engineState) ProcessIndicate(peer PeerAddress, connID int, handle uint16, value []byte, isNotify bool) {
	ctx := context.Background()

	owner, ok := e.registry.hasNotifFor(peer, handle)
	if !ok {
		if !isNotify {
			e.transport.SendHandleValueConfirm(ctx, connID, handle)
		}
		if !isNotify || e.registry.anyNotifFor(peer) {
			e.ensureCLCBForNotification(peer, connID)
		}
		return
	}

	if !isNotify {
		e.transport.SendHandleValueConfirm(ctx, connID, handle)
	}
	e.deliver(owner, AppEvent{
		Type: EvtNotification, ConnID: connID, Peer: peer,
		Handle: handle, Value: value, IsNotify: isNotify,
	})
}

// ensureCLCBForNotification synthesizes a CLCB and feeds it INT_CONN when a
// notification arrives for a peer that some app has subscribed to but that
// has no live CLCB yet (a connection brought up purely for background
// notification delivery, with no app ever calling Open).
func (e *engineState) ensureCLCBForNotification(peer PeerAddress, connID int) {
	if !e.registry.anyNotifFor(peer) {
		return
	}
	var target clcbHandle
	e.registry.each(func(regH registryHandle, _ *registryEntry) {
		if target != noCLCB {
			return
		}
		if _, ok := e.clcbs.lookup(regH, peer, BearerAuto); ok {
			return
		}
		target = e.allocCLCB(regH, peer, BearerAuto)
	})
	if target == noCLCB {
		return
	}
	c := e.clcbs.get(target)
	c.state = stateW4Conn
	e.dispatch(target, evIntConn, eventData{connID: connID})
}

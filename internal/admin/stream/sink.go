package stream

import (
	"github.com/openbt/gattcore/internal/gattc"
)

// EngineSink adapts a Broadcaster into a gattc.Sink, translating the app
// lifecycle events an application would normally receive into observer
// events for the admin WebSocket feed. It is meant to be registered
// alongside (or in place of) an application's own Sink when admin
// observability is wanted.
type EngineSink struct {
	bc *Broadcaster
}

// NewEngineSink returns an EngineSink that publishes onto bc.
func NewEngineSink(bc *Broadcaster) *EngineSink {
	return &EngineSink{bc: bc}
}

// Deliver implements gattc.Sink. Only the event types useful for live
// observability are translated; the rest are dropped silently.
func (s *EngineSink) Deliver(evt gattc.AppEvent) {
	switch evt.Type {
	case gattc.EvtOpen:
		s.bc.Publish(Event{
			Type: "connected",
			Data: ConnectedData{Peer: evt.Peer.String(), ConnID: evt.ConnID, ClientID: evt.ClientID},
		})
	case gattc.EvtClose:
		s.bc.Publish(Event{
			Type: "disconnected",
			Data: DisconnectedData{ConnID: evt.ConnID, Reason: evt.Reason},
		})
	case gattc.EvtServiceChanged:
		s.bc.Publish(Event{
			Type: "service_changed",
			Data: ServiceChangedData{Peer: evt.Peer.String(), ConnID: evt.ConnID},
		})
	}
}

var _ gattc.Sink = (*EngineSink)(nil)

// fanoutSink delivers every event to both an application's own Sink and an
// EngineSink, so admin observability can be layered onto an existing
// registration without displacing it.
type fanoutSink struct {
	app  gattc.Sink
	obs  *EngineSink
}

// WrapSink returns a gattc.Sink that forwards every event to app and also
// publishes the subset EngineSink understands to bc.
func WrapSink(app gattc.Sink, bc *Broadcaster) gattc.Sink {
	return &fanoutSink{app: app, obs: NewEngineSink(bc)}
}

func (f *fanoutSink) Deliver(evt gattc.AppEvent) {
	f.app.Deliver(evt)
	f.obs.Deliver(evt)
}

var _ gattc.Sink = (*fanoutSink)(nil)

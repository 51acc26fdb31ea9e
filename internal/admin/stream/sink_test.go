package stream_test

import (
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/openbt/gattcore/internal/admin/stream"
	"github.com/openbt/gattcore/internal/gattc"
)

type recordingSink struct {
	events []gattc.AppEvent
}

func (r *recordingSink) Deliver(evt gattc.AppEvent) {
	r.events = append(r.events, evt)
}

func TestEngineSink_TranslatesOpenEvent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	bc := stream.NewBroadcaster(logger, 16)
	c := bc.Register("observer")
	defer bc.Unregister("observer")

	sink := stream.NewEngineSink(bc)
	sink.Deliver(gattc.AppEvent{Type: gattc.EvtOpen, ClientID: 1, ConnID: 5, Peer: gattc.PeerAddress{0xAA}})

	select {
	case raw := <-c.Send():
		var got stream.Event
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Type != "connected" {
			t.Errorf("type = %q, want connected", got.Type)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for published event")
	}
}

func TestEngineSink_IgnoresUnmappedEventTypes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	bc := stream.NewBroadcaster(logger, 16)
	c := bc.Register("observer")
	defer bc.Unregister("observer")

	sink := stream.NewEngineSink(bc)
	sink.Deliver(gattc.AppEvent{Type: gattc.EvtRegister})

	select {
	case raw := <-c.Send():
		t.Fatalf("expected no event published, got %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWrapSink_DeliversToBothAppAndObserver(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	bc := stream.NewBroadcaster(logger, 16)
	c := bc.Register("observer")
	defer bc.Unregister("observer")

	app := &recordingSink{}
	wrapped := stream.WrapSink(app, bc)

	wrapped.Deliver(gattc.AppEvent{Type: gattc.EvtClose, ConnID: 9, Reason: 1})

	if len(app.events) != 1 || app.events[0].ConnID != 9 {
		t.Fatalf("app.events = %+v", app.events)
	}

	select {
	case raw := <-c.Send():
		var got stream.Event
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Type != "disconnected" {
			t.Errorf("type = %q, want disconnected", got.Type)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for published event")
	}
}

package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/quotestream/realtime/internal/connection"
	"github.com/quotestream/realtime/internal/event"
	"github.com/quotestream/realtime/internal/protocol"
)

// stubManager satisfies connection.Manager for recorder wiring tests.
type stubManager struct {
	subscribed   []string
	unsubscribed []string
	callbacks    map[string]func(protocol.Message)
}

func newStubManager() *stubManager {
	return &stubManager{callbacks: make(map[string]func(protocol.Message))}
}

func (s *stubManager) Connect(ctx context.Context) error { return nil }
func (s *stubManager) Disconnect()                       {}
func (s *stubManager) Send(protocol.Message) error       { return nil }

func (s *stubManager) Subscribe(channel string, cb func(protocol.Message), opts ...connection.SubscribeOption) (string, error) {
	id := fmt.Sprintf("sub-%d", len(s.subscribed))
	s.subscribed = append(s.subscribed, channel)
	s.callbacks[id] = cb
	return id, nil
}

func (s *stubManager) Unsubscribe(id string) error {
	s.unsubscribed = append(s.unsubscribed, id)
	delete(s.callbacks, id)
	return nil
}

func (s *stubManager) On(string, event.Listener) func() { return func() {} }
func (s *stubManager) Off(string)                       {}
func (s *stubManager) Status() connection.Status        { return connection.StatusConnected }
func (s *stubManager) Metrics() connection.Metrics      { return connection.Metrics{} }

func TestTransform(t *testing.T) {
	msg := protocol.Message{
		ID:        "frame-1",
		Type:      "update",
		Channel:   "prices",
		Payload:   json.RawMessage(`{"p":100}`),
		Timestamp: 1705328200000,
	}

	before := time.Now().UnixMicro()
	row := transform(msg)
	after := time.Now().UnixMicro()

	if row.FrameID != "frame-1" {
		t.Errorf("FrameID = %q, want frame-1", row.FrameID)
	}
	if row.Channel != "prices" {
		t.Errorf("Channel = %q, want prices", row.Channel)
	}
	if row.Type != "update" {
		t.Errorf("Type = %q, want update", row.Type)
	}
	if string(row.Payload) != `{"p":100}` {
		t.Errorf("Payload = %s, want {\"p\":100}", row.Payload)
	}
	if row.SentTs != 1705328200000 {
		t.Errorf("SentTs = %d, want 1705328200000", row.SentTs)
	}
	if row.RecordedTs < before || row.RecordedTs > after {
		t.Errorf("RecordedTs = %d, outside [%d, %d]", row.RecordedTs, before, after)
	}
}

func TestRecord_Accumulates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Channels = []string{"prices"}

	r := New(cfg, newStubManager(), nil, nil)

	for i := 0; i < 3; i++ {
		r.record(protocol.Message{
			ID:      fmt.Sprintf("f%d", i),
			Type:    "update",
			Channel: "prices",
		})
	}

	if got := r.Stats().Frames; got != 3 {
		t.Errorf("Frames = %d, want 3", got)
	}

	r.batchMu.Lock()
	defer r.batchMu.Unlock()
	if len(r.batch) != 3 {
		t.Fatalf("batch holds %d rows, want 3", len(r.batch))
	}
	if r.batch[0].FrameID != "f0" || r.batch[2].FrameID != "f2" {
		t.Errorf("batch order = [%s .. %s], want [f0 .. f2]", r.batch[0].FrameID, r.batch[2].FrameID)
	}
}

func TestStartStop_SubscriptionLifecycle(t *testing.T) {
	mgr := newStubManager()

	cfg := DefaultConfig()
	cfg.Channels = []string{"prices", "trades"}
	cfg.FlushInterval = time.Hour // keep the ticker out of this test

	r := New(cfg, mgr, nil, nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if len(mgr.subscribed) != 2 {
		t.Fatalf("subscribed to %d channels, want 2", len(mgr.subscribed))
	}
	if mgr.subscribed[0] != "prices" || mgr.subscribed[1] != "trades" {
		t.Errorf("subscribed = %v, want [prices trades]", mgr.subscribed)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if len(mgr.unsubscribed) != 2 {
		t.Errorf("unsubscribed %d subscriptions, want 2", len(mgr.unsubscribed))
	}
	if len(mgr.callbacks) != 0 {
		t.Errorf("%d callbacks still registered after Stop", len(mgr.callbacks))
	}
}

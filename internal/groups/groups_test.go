package groups

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/driftline/driftline/internal/acks"
	"github.com/driftline/driftline/internal/bus"
)

func testLogger(t *testing.T) *log.Logger {
	t.Helper()
	return log.New(testWriter{t}, "", 0)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

type harness struct {
	bus     *bus.Bus
	acks    *acks.Coordinator
	manager *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := testLogger(t)
	store := bus.NewStore(bus.StoreConfig{RetainSize: 100, RetainFor: time.Hour}, logger)
	t.Cleanup(store.Close)
	b := bus.New(store, bus.Config{}, logger)
	t.Cleanup(b.Close)
	coordinator := acks.New(acks.Config{Threshold: time.Hour, SweepInterval: time.Hour}, logger)
	t.Cleanup(coordinator.Close)
	return &harness{
		bus:     b,
		acks:    coordinator,
		manager: NewManager(b, coordinator, time.Hour),
	}
}

// ackingClient drains the subscription the way a live transport would,
// acknowledging every message that asks for it and forwarding the batch.
func (h *harness) ackingClient(t *testing.T, sub *bus.Subscription) <-chan bus.Message {
	t.Helper()

	out := make(chan bus.Message, 64)
	sub.SetDeliver(func(ctx context.Context, msgs []bus.Message, cursor string) error {
		for _, m := range msgs {
			if m.AckID != "" {
				h.acks.Complete(m.AckID)
			}
			out <- m
		}
		return nil
	})

	wake := make(chan struct{}, 1)
	sub.SetSignal(func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	})

	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		for {
			sub.Drain(context.Background()) //nolint:errcheck
			select {
			case <-wake:
			case <-done:
				return
			}
		}
	}()
	return out
}

func waitForTopic(t *testing.T, out <-chan bus.Message, topic string) bus.Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case m := <-out:
			if m.Topic == topic {
				return m
			}
		case <-deadline:
			t.Fatalf("no message on topic %s", topic)
			return bus.Message{}
		}
	}
}

func TestJoinDeliversGroupTraffic(t *testing.T) {
	h := newHarness(t)

	sub, err := h.bus.Subscribe("c1", []string{ConnectionTopic("c1"), TopicBroadcast}, nil)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	out := h.ackingClient(t, sub)

	res, err := h.manager.Join(context.Background(), "c1", "room")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if res.TimedOut {
		t.Fatal("join reported as timed out despite the client ack")
	}

	if err := h.manager.SendToGroup(context.Background(), "room", []byte(`{"n":1}`)); err != nil {
		t.Fatalf("send to group failed: %v", err)
	}

	m := waitForTopic(t, out, GroupTopic("room"))
	if string(m.Payload) != `{"n":1}` {
		t.Fatalf("unexpected group payload %s", m.Payload)
	}
}

func TestJoinTimesOutWithoutClientAck(t *testing.T) {
	h := newHarness(t)

	if _, err := h.bus.Subscribe("c1", []string{ConnectionTopic("c1")}, nil); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	// No client draining, no ack: the join must resolve as timed out, not
	// hang.
	coordinator := acks.New(acks.Config{Threshold: time.Hour, SweepInterval: 5 * time.Millisecond}, testLogger(t))
	t.Cleanup(coordinator.Close)
	manager := NewManager(h.bus, coordinator, 20*time.Millisecond)

	res, err := manager.Join(context.Background(), "c1", "room")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if !res.TimedOut {
		t.Fatal("join without an ack did not time out")
	}
}

func TestLeaveStopsGroupTraffic(t *testing.T) {
	h := newHarness(t)

	sub, err := h.bus.Subscribe("c1", []string{ConnectionTopic("c1")}, nil)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	h.ackingClient(t, sub)

	if res, err := h.manager.Join(context.Background(), "c1", "room"); err != nil || res.TimedOut {
		t.Fatalf("join failed: res=%+v err=%v", res, err)
	}
	if res, err := h.manager.Leave(context.Background(), "c1", "room"); err != nil || res.TimedOut {
		t.Fatalf("leave failed: res=%+v err=%v", res, err)
	}

	for _, topic := range sub.Topics() {
		if topic == GroupTopic("room") {
			t.Fatal("subscription still follows the group after leave")
		}
	}
}

func TestBroadcastReachesEveryConnection(t *testing.T) {
	h := newHarness(t)

	outs := make([]<-chan bus.Message, 3)
	for i := range outs {
		id := string(rune('a' + i))
		sub, err := h.bus.Subscribe(id, []string{ConnectionTopic(id), TopicBroadcast}, nil)
		if err != nil {
			t.Fatalf("subscribe %s failed: %v", id, err)
		}
		outs[i] = h.ackingClient(t, sub)
	}

	if err := h.manager.Broadcast(context.Background(), []byte(`{"all":true}`)); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}

	for i, out := range outs {
		m := waitForTopic(t, out, TopicBroadcast)
		if string(m.Payload) != `{"all":true}` {
			t.Fatalf("connection %d saw payload %s", i, m.Payload)
		}
	}
}

func TestSendToConnection(t *testing.T) {
	h := newHarness(t)

	sub, err := h.bus.Subscribe("c1", []string{ConnectionTopic("c1")}, nil)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	out := h.ackingClient(t, sub)

	if err := h.manager.SendToConnection(context.Background(), "c1", []byte(`{"direct":true}`)); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	m := waitForTopic(t, out, ConnectionTopic("c1"))
	if string(m.Payload) != `{"direct":true}` {
		t.Fatalf("unexpected payload %s", m.Payload)
	}
}

func TestAbortPublishesControlMessage(t *testing.T) {
	h := newHarness(t)

	if err := h.manager.Abort(context.Background(), "c1"); err != nil {
		t.Fatalf("abort failed: %v", err)
	}

	msgs, err := h.bus.Store().ReadFrom(ConnectionTopic("c1"), 0, 10)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Flags&bus.FlagAbort == 0 {
		t.Fatalf("expected one abort control message, got %v", msgs)
	}
}

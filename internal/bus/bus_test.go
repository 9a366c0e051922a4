package bus

import (
	"context"
	"log"
	"sync"
	"testing"
	"time"
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

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	store := NewStore(StoreConfig{RetainSize: 100, RetainFor: time.Hour}, testLogger(t))
	t.Cleanup(store.Close)
	b := New(store, Config{}, testLogger(t))
	t.Cleanup(b.Close)
	return b
}

// drainNow runs a drain synchronously, as a broker worker would.
func drainNow(t *testing.T, sub *Subscription) []Message {
	t.Helper()
	var got []Message
	sub.SetDeliver(func(ctx context.Context, msgs []Message, cursor string) error {
		got = append(got, msgs...)
		return nil
	})
	if err := sub.Drain(context.Background()); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	return got
}

func TestPublishSignalsInterestedSubscriptions(t *testing.T) {
	b := newTestBus(t)

	sub, err := b.Subscribe("s1", []string{"t1"}, nil)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	woke := make(chan struct{}, 8)
	sub.SetSignal(func() { woke <- struct{}{} })

	if err := b.Publish(context.Background(), "t1", []byte(`"hello"`), FlagNone, ""); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case <-woke:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for wake signal")
	}

	msgs := drainNow(t, sub)
	if len(msgs) != 1 || string(msgs[0].Payload) != `"hello"` {
		t.Fatalf("expected the published message, got %v", msgs)
	}
}

func TestNewSubscriberDoesNotTimeTravel(t *testing.T) {
	b := newTestBus(t)

	// "A" lands before the subscriber exists.
	if err := b.Publish(context.Background(), "t1", []byte(`"A"`), FlagNone, ""); err != nil {
		t.Fatalf("publish A failed: %v", err)
	}

	sub, err := b.Subscribe("s1", []string{"t1"}, nil)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := b.Publish(context.Background(), "t1", []byte(`"B"`), FlagNone, ""); err != nil {
		t.Fatalf("publish B failed: %v", err)
	}

	msgs := drainNow(t, sub)
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one message, got %d", len(msgs))
	}
	if string(msgs[0].Payload) != `"B"` {
		t.Errorf(`expected "B", got %s`, msgs[0].Payload)
	}
}

func TestDrainDeliversInOrderWithoutDuplicates(t *testing.T) {
	b := newTestBus(t)

	sub, err := b.Subscribe("s1", []string{"t1"}, nil)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	for i := 0; i < 10; i++ {
		if err := b.Publish(context.Background(), "t1", []byte(`"x"`), FlagNone, ""); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	first := drainNow(t, sub)
	if len(first) != 10 {
		t.Fatalf("expected 10 messages, got %d", len(first))
	}
	for i, m := range first {
		if m.Seq != uint64(i+1) {
			t.Errorf("message %d out of order: seq %d", i, m.Seq)
		}
	}

	// A second drain with no new publishes delivers nothing.
	if again := drainNow(t, sub); len(again) != 0 {
		t.Fatalf("expected idempotent drain, got %d duplicates", len(again))
	}
}

func TestCursorResumption(t *testing.T) {
	b := newTestBus(t)

	sub, err := b.Subscribe("s1", []string{"t1"}, nil)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	b.Publish(context.Background(), "t1", []byte(`"before"`), FlagNone, "") //nolint:errcheck
	drainNow(t, sub)
	cursor := sub.Cursor()
	b.Unsubscribe(sub)

	// Publish N messages while disconnected.
	for i := 0; i < 3; i++ {
		b.Publish(context.Background(), "t1", []byte(`"missed"`), FlagNone, "") //nolint:errcheck
	}

	parsed, err := ParseCursor(cursor)
	if err != nil {
		t.Fatalf("parse cursor failed: %v", err)
	}
	resumed, err := b.Subscribe("s2", []string{"t1"}, parsed)
	if err != nil {
		t.Fatalf("resubscribe failed: %v", err)
	}

	msgs := drainNow(t, resumed)
	if len(msgs) != 3 {
		t.Fatalf("expected exactly the 3 missed messages, got %d", len(msgs))
	}
	for _, m := range msgs {
		if string(m.Payload) != `"missed"` {
			t.Errorf("unexpected payload %s", m.Payload)
		}
	}
}

func TestAddInterestRidesTheStream(t *testing.T) {
	b := newTestBus(t)

	sub, err := b.Subscribe("s1", []string{"c.s1"}, nil)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	// Data already in the group before the join is never replayed.
	b.Publish(context.Background(), "g.room", []byte(`"before-join"`), FlagNone, "") //nolint:errcheck

	if err := b.AddInterest(context.Background(), "c.s1", "g.room", ""); err != nil {
		t.Fatalf("addInterest failed: %v", err)
	}
	msgs := drainNow(t, sub)
	if len(msgs) != 1 || msgs[0].Flags&FlagAddGroup == 0 {
		t.Fatalf("expected the join control message, got %v", msgs)
	}

	b.Publish(context.Background(), "g.room", []byte(`"after-join"`), FlagNone, "") //nolint:errcheck
	msgs = drainNow(t, sub)
	if len(msgs) != 1 || string(msgs[0].Payload) != `"after-join"` {
		t.Fatalf("expected only the post-join group message, got %v", msgs)
	}

	// Leaving stops delivery.
	if err := b.RemoveInterest(context.Background(), "c.s1", "g.room", ""); err != nil {
		t.Fatalf("removeInterest failed: %v", err)
	}
	drainNow(t, sub)
	b.Publish(context.Background(), "g.room", []byte(`"after-leave"`), FlagNone, "") //nolint:errcheck
	if msgs = drainNow(t, sub); len(msgs) != 0 {
		t.Fatalf("expected no delivery after leave, got %v", msgs)
	}
}

func TestUnsubscribeSkipsDeliveryMidDrain(t *testing.T) {
	b := newTestBus(t)

	sub, err := b.Subscribe("s1", []string{"t1"}, nil)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	delivered := false
	sub.SetDeliver(func(ctx context.Context, msgs []Message, cursor string) error {
		delivered = true
		return nil
	})

	b.Publish(context.Background(), "t1", []byte(`"x"`), FlagNone, "") //nolint:errcheck
	b.Unsubscribe(sub)

	if err := sub.Drain(context.Background()); err != nil {
		t.Fatalf("drain after unsubscribe should be a no-op, got %v", err)
	}
	if delivered {
		t.Fatal("delivery callback ran for a disposed subscription")
	}
}

func TestUnsubscribeClosesDone(t *testing.T) {
	b := newTestBus(t)

	sub, err := b.Subscribe("s1", []string{"t1"}, nil)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	select {
	case <-sub.Done():
		t.Fatal("done closed on a live subscription")
	default:
	}

	b.Unsubscribe(sub)

	select {
	case <-sub.Done():
	default:
		t.Fatal("done not closed after unsubscribe")
	}

	// Repeat unsubscribes must not panic on the already-closed channel.
	b.Unsubscribe(sub)
}

func TestConcurrentPublishersDistinctTopics(t *testing.T) {
	b := newTestBus(t)

	sub, err := b.Subscribe("s1", []string{"t1", "t2", "t3"}, nil)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	const perTopic = 50
	var wg sync.WaitGroup
	for _, topic := range []string{"t1", "t2", "t3"} {
		wg.Add(1)
		go func(topic string) {
			defer wg.Done()
			for i := 0; i < perTopic; i++ {
				if err := b.Publish(context.Background(), topic, []byte(`"x"`), FlagNone, ""); err != nil {
					t.Errorf("publish %s failed: %v", topic, err)
					return
				}
			}
		}(topic)
	}
	wg.Wait()

	var total int
	for {
		msgs := drainNow(t, sub)
		if len(msgs) == 0 {
			break
		}
		total += len(msgs)
		// Per-topic order must hold even across interleaved publishers.
		last := map[string]uint64{}
		for _, m := range msgs {
			if m.Seq <= last[m.Topic] {
				t.Fatalf("topic %s delivered out of order: %d after %d", m.Topic, m.Seq, last[m.Topic])
			}
			last[m.Topic] = m.Seq
		}
	}
	if total != 3*perTopic {
		t.Fatalf("expected %d messages total, got %d", 3*perTopic, total)
	}
}

func TestRelayRoutedPublishAppliesOnReplayOnly(t *testing.T) {
	b := newTestBus(t)

	relayed := make(chan Message, 1)
	b.SetRelay(relayFunc(func(ctx context.Context, msg Message) error {
		relayed <- msg
		return nil
	}))

	sub, err := b.Subscribe("s1", []string{"t1"}, nil)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := b.Publish(context.Background(), "t1", []byte(`"routed"`), FlagNone, ""); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	// Until the backplane replays it, the message is invisible locally.
	if msgs := drainNow(t, sub); len(msgs) != 0 {
		t.Fatalf("message applied before backplane replay: %v", msgs)
	}

	var msg Message
	select {
	case msg = <-relayed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relay send")
	}

	if err := b.ApplyReplicated(msg); err != nil {
		t.Fatalf("applyReplicated failed: %v", err)
	}
	msgs := drainNow(t, sub)
	if len(msgs) != 1 || string(msgs[0].Payload) != `"routed"` {
		t.Fatalf("expected the replayed message, got %v", msgs)
	}
}

type relayFunc func(ctx context.Context, msg Message) error

func (f relayFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

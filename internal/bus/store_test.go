package bus

import (
	"fmt"
	"testing"
	"time"
)

func newTestStore(t *testing.T, size int) *Store {
	t.Helper()
	s := NewStore(StoreConfig{RetainSize: size, RetainFor: time.Hour}, testLogger(t))
	t.Cleanup(s.Close)
	return s
}

func TestStoreAppendAssignsGapFreeSequences(t *testing.T) {
	s := newTestStore(t, 10)

	for i := 1; i <= 5; i++ {
		seq, err := s.Append("t1", []byte(fmt.Sprintf(`"m%d"`, i)), FlagNone, "")
		if err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
		if seq != uint64(i) {
			t.Errorf("expected sequence %d, got %d", i, seq)
		}
	}

	if got := s.CurrentSequence("t1"); got != 5 {
		t.Errorf("expected current sequence 5, got %d", got)
	}
	if got := s.MinSequence("t1"); got != 1 {
		t.Errorf("expected min sequence 1, got %d", got)
	}
}

func TestStoreReadFromPreservesPublishOrder(t *testing.T) {
	s := newTestStore(t, 10)

	for i := 1; i <= 4; i++ {
		if _, err := s.Append("t1", []byte(fmt.Sprintf(`"m%d"`, i)), FlagNone, ""); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	msgs, err := s.ReadFrom("t1", 1, 0)
	if err != nil {
		t.Fatalf("readFrom failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if want := uint64(i + 2); m.Seq != want {
			t.Errorf("message %d: expected seq %d, got %d", i, want, m.Seq)
		}
	}
}

func TestStoreReadFromRespectsMax(t *testing.T) {
	s := newTestStore(t, 10)
	for i := 0; i < 6; i++ {
		s.Append("t1", []byte(`"x"`), FlagNone, "") //nolint:errcheck
	}

	msgs, err := s.ReadFrom("t1", 0, 4)
	if err != nil {
		t.Fatalf("readFrom failed: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages with max=4, got %d", len(msgs))
	}
	if msgs[3].Seq != 4 {
		t.Errorf("expected last seq 4, got %d", msgs[3].Seq)
	}
}

func TestStoreEvictionReportsDataLost(t *testing.T) {
	s := newTestStore(t, 3)

	// Fill past the ring size: sequences 1 and 2 are evicted.
	for i := 1; i <= 5; i++ {
		s.Append("t1", []byte(`"x"`), FlagNone, "") //nolint:errcheck
	}

	if _, err := s.ReadFrom("t1", 0, 0); err != ErrDataLost {
		t.Fatalf("expected ErrDataLost for evicted cursor, got %v", err)
	}
	if _, err := s.ReadFrom("t1", 1, 0); err != ErrDataLost {
		t.Fatalf("expected ErrDataLost for cursor 1, got %v", err)
	}

	// Cursor 2 is the boundary: everything after it is still retained.
	msgs, err := s.ReadFrom("t1", 2, 0)
	if err != nil {
		t.Fatalf("expected boundary cursor to read cleanly, got %v", err)
	}
	if len(msgs) != 3 || msgs[0].Seq != 3 {
		t.Fatalf("expected seqs 3..5, got %d messages starting at %d", len(msgs), msgs[0].Seq)
	}

	if got := s.MinSequence("t1"); got != 3 {
		t.Errorf("expected min sequence 3 after eviction, got %d", got)
	}
}

func TestStoreReadFromUnknownTopic(t *testing.T) {
	s := newTestStore(t, 10)

	msgs, err := s.ReadFrom("missing", 0, 0)
	if err != nil || msgs != nil {
		t.Fatalf("expected empty read on unknown topic, got %v, %v", msgs, err)
	}

	// A positive cursor for a vanished topic means the data aged out.
	if _, err := s.ReadFrom("missing", 7, 0); err != ErrDataLost {
		t.Fatalf("expected ErrDataLost for vanished topic, got %v", err)
	}
}

func TestStoreAgeEviction(t *testing.T) {
	s := NewStore(StoreConfig{RetainSize: 10, RetainFor: 50 * time.Millisecond}, testLogger(t))
	t.Cleanup(s.Close)

	s.Append("t1", []byte(`"old"`), FlagNone, "") //nolint:errcheck
	time.Sleep(80 * time.Millisecond)
	s.Append("t1", []byte(`"new"`), FlagNone, "") //nolint:errcheck

	msgs, err := s.ReadFrom("t1", 1, 0)
	if err != nil {
		t.Fatalf("readFrom failed: %v", err)
	}
	if len(msgs) != 1 || string(msgs[0].Payload) != `"new"` {
		t.Fatalf("expected only the fresh message, got %v", msgs)
	}
	if got := s.MinSequence("t1"); got != 2 {
		t.Errorf("expected min sequence 2 after age eviction, got %d", got)
	}
}

func TestStoreTopicGC(t *testing.T) {
	s := NewStore(StoreConfig{
		RetainSize:    10,
		RetainFor:     20 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	}, testLogger(t))
	t.Cleanup(s.Close)

	s.Ref("t1")
	s.Append("t1", []byte(`"x"`), FlagNone, "") //nolint:errcheck
	s.Unref("t1")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.RLock()
		_, ok := s.topics["t1"]
		s.mu.RUnlock()
		if !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected unreferenced idle topic to be garbage collected")
}

func TestStoreClosedAppend(t *testing.T) {
	s := NewStore(StoreConfig{}, testLogger(t))
	s.Close()
	if _, err := s.Append("t1", nil, FlagNone, ""); err != ErrStoreClosed {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
}

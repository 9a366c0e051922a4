package bus

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
)

// DeliverFunc hands a drained batch to the subscription's consumer (a
// transport adapter). cursor is the resumption token covering everything up
// to and including the batch. A non-nil error is fatal to the subscription.
type DeliverFunc func(ctx context.Context, msgs []Message, cursor string) error

// groupChange is the payload of FlagAddGroup / FlagRemoveGroup control
// messages.
type groupChange struct {
	Group string `json:"group"`
}

// Subscription is one subscriber's registered interest across a set of
// topics. The topic set is live: FlagAddGroup / FlagRemoveGroup control
// messages observed during a drain grow or shrink it, so membership changes
// stay ordered relative to data already in the stream.
type Subscription struct {
	ID string

	bus *Bus

	mu      sync.Mutex
	topics  map[string]struct{}
	cursor  Cursor
	deliver DeliverFunc

	// signal is installed by the broker; the bus invokes it for every publish
	// to a topic this subscription follows. At-least-once semantics: drains
	// re-check cursors, so duplicate signals are harmless.
	signal atomic.Value // func()

	closed atomic.Bool
	done   chan struct{}
}

// SetDeliver installs the delivery callback. It must be set before the
// subscription is registered with a broker.
func (s *Subscription) SetDeliver(fn DeliverFunc) {
	s.mu.Lock()
	s.deliver = fn
	s.mu.Unlock()
}

// SetSignal installs the wakeup hook invoked on every publish to a followed
// topic.
func (s *Subscription) SetSignal(fn func()) {
	s.signal.Store(fn)
}

func (s *Subscription) wake() {
	if fn, ok := s.signal.Load().(func()); ok && fn != nil {
		fn()
	}
}

// Topics returns a sorted snapshot of the subscription's current topic set.
func (s *Subscription) Topics() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// Cursor returns a snapshot of the subscription's resumption token.
func (s *Subscription) Cursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor.String()
}

// Closed reports whether the subscription has been torn down.
func (s *Subscription) Closed() bool {
	return s.closed.Load()
}

// Done is closed when the subscription is torn down and will never be
// drained again. Streaming transports watch it so that server-side teardown
// also ends the network stream instead of leaving a client attached to a
// dead subscription.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// HasPending reports whether any followed topic holds messages beyond the
// subscription's cursor. The broker calls this after each drain to close the
// publish-during-reset race.
func (s *Subscription) HasPending() bool {
	if s.closed.Load() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for topic := range s.topics {
		if s.bus.store.CurrentSequence(topic) > s.cursor[topic] {
			return true
		}
	}
	return false
}

// Drain reads all newly available messages across the subscription's topics,
// applies any membership control messages, and hands the batch to the
// delivery callback. A returned error is fatal: the broker disposes the
// subscription instead of retrying. Drain is only ever invoked by one broker
// worker at a time; it is safe to race with Close, which is checked before
// the delivery callback runs.
func (s *Subscription) Drain(ctx context.Context) error {
	if s.closed.Load() {
		return nil
	}

	s.mu.Lock()
	topics := make([]string, 0, len(s.topics))
	for t := range s.topics {
		topics = append(topics, t)
	}
	next := s.cursor.Clone()
	deliver := s.deliver
	s.mu.Unlock()
	sort.Strings(topics)

	var batch []Message
	for _, topic := range topics {
		msgs, err := s.bus.store.ReadFrom(topic, next[topic], s.bus.cfg.MaxDrain)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			next[m.Topic] = m.Seq
			s.applyControl(m, next)
			batch = append(batch, m)
		}
	}

	if len(batch) == 0 {
		return nil
	}
	if s.closed.Load() {
		// Torn down while reading; never invoke the callback of a dead
		// subscription.
		return nil
	}
	if deliver == nil {
		return nil
	}

	if err := deliver(ctx, batch, next.String()); err != nil {
		return err
	}

	s.mu.Lock()
	s.cursor = next
	s.mu.Unlock()
	return nil
}

// applyControl mutates the live topic set for membership control messages.
func (s *Subscription) applyControl(m Message, next Cursor) {
	if m.Flags&(FlagAddGroup|FlagRemoveGroup) == 0 {
		return
	}
	var gc groupChange
	if err := json.Unmarshal(m.Payload, &gc); err != nil || gc.Group == "" {
		s.bus.logger.Printf("bus: subscription %s: bad group control payload: %v", s.ID, err)
		return
	}
	if m.Flags&FlagAddGroup != 0 {
		if s.bus.attach(s, gc.Group) {
			s.mu.Lock()
			s.topics[gc.Group] = struct{}{}
			// Joins take effect now: earlier messages in the group's ring are
			// not replayed.
			s.cursor[gc.Group] = s.bus.store.CurrentSequence(gc.Group)
			next[gc.Group] = s.cursor[gc.Group]
			s.mu.Unlock()
		}
		return
	}
	s.bus.detach(s, gc.Group)
	s.mu.Lock()
	delete(s.topics, gc.Group)
	delete(s.cursor, gc.Group)
	s.mu.Unlock()
	delete(next, gc.Group)
}

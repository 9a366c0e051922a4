package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ErrBusClosed is returned for operations on a closed bus.
var ErrBusClosed = errors.New("bus: closed")

// Relay routes publishes through a scale-out backplane. When a relay is
// attached, a publish is only applied locally once the backplane replays it
// (through ApplyReplicated), so every process observes one consistent order,
// the publisher's own included.
type Relay interface {
	Send(ctx context.Context, msg Message) error
}

// Config tunes the bus.
type Config struct {
	// MaxDrain caps how many messages a single drain pass reads per topic.
	// The broker re-queues the subscription while more remain.
	MaxDrain int
}

func (c *Config) defaults() {
	if c.MaxDrain <= 0 {
		c.MaxDrain = 64
	}
}

// Bus is the per-process message bus: it owns topics (through the Store) and
// subscriptions, fans publish signals out to interested subscriptions, and
// optionally routes traffic through a backplane relay.
type Bus struct {
	cfg    Config
	store  *Store
	logger *log.Logger

	mu      sync.RWMutex
	subs    map[string]*Subscription            // by subscription ID
	byTopic map[string]map[string]*Subscription // topic -> subscription ID -> sub
	relay   Relay
	closed  bool
}

// New creates a Bus over the given topic store.
func New(store *Store, cfg Config, logger *log.Logger) *Bus {
	cfg.defaults()
	if logger == nil {
		logger = log.Default()
	}
	return &Bus{
		cfg:     cfg,
		store:   store,
		logger:  logger,
		subs:    make(map[string]*Subscription),
		byTopic: make(map[string]map[string]*Subscription),
	}
}

// Store exposes the underlying topic store.
func (b *Bus) Store() *Store { return b.store }

// SetRelay attaches a backplane relay. Must be called before any publish.
func (b *Bus) SetRelay(r Relay) {
	b.mu.Lock()
	b.relay = r
	b.mu.Unlock()
}

// Subscribe registers interest in the given topics, resuming from cursor.
// Topics missing from the cursor start at their current sequence, so a new
// subscriber never sees messages published before it subscribed.
func (b *Bus) Subscribe(id string, topics []string, cursor Cursor) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, ok := b.subs[id]; ok {
		return nil, fmt.Errorf("bus: subscription %s already registered", id)
	}

	sub := &Subscription{
		ID:     id,
		bus:    b,
		topics: make(map[string]struct{}, len(topics)),
		cursor: make(Cursor, len(topics)),
		done:   make(chan struct{}),
	}
	for _, topic := range topics {
		if _, ok := sub.topics[topic]; ok {
			continue
		}
		b.store.Ref(topic)
		sub.topics[topic] = struct{}{}
		if seq, ok := cursor[topic]; ok {
			sub.cursor[topic] = seq
		} else {
			sub.cursor[topic] = b.store.CurrentSequence(topic)
		}
		b.indexLocked(topic, sub)
	}

	b.subs[id] = sub
	return sub, nil
}

// Unsubscribe tears the subscription down: it is removed from every topic
// index, topic references are released, and any in-flight drain skips its
// delivery callback. Safe to call concurrently with a drain and more than
// once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil || !sub.closed.CompareAndSwap(false, true) {
		return
	}
	close(sub.done)

	b.mu.Lock()
	delete(b.subs, sub.ID)
	b.mu.Unlock()

	for _, topic := range sub.Topics() {
		b.detach(sub, topic)
	}
}

// Publish appends a message to the topic and signals every interested
// subscription. With a relay attached the message is routed to the backplane
// instead and applied locally on replay.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte, flags Flag, ackID string) error {
	b.mu.RLock()
	relay := b.relay
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return ErrBusClosed
	}
	if relay != nil {
		return relay.Send(ctx, Message{
			Topic:   topic,
			Payload: payload,
			Flags:   flags,
			AckID:   ackID,
			Time:    time.Now().UTC(),
		})
	}
	_, err := b.applyLocal(topic, payload, flags, ackID)
	return err
}

// ApplyReplicated applies a message replayed by the backplane to the local
// store and wakes interested subscriptions. The backplane has already
// assigned the message its global order; local sequence numbers are assigned
// here, identically in every process because every process applies the same
// stream in the same order.
func (b *Bus) ApplyReplicated(msg Message) error {
	_, err := b.applyLocal(msg.Topic, msg.Payload, msg.Flags, msg.AckID)
	return err
}

func (b *Bus) applyLocal(topic string, payload []byte, flags Flag, ackID string) (uint64, error) {
	seq, err := b.store.Append(topic, payload, flags, ackID)
	if err != nil {
		return 0, err
	}

	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.byTopic[topic]))
	for _, sub := range b.byTopic[topic] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.wake()
	}
	return seq, nil
}

// AddInterest publishes a FlagAddGroup control message into connTopic (the
// subscription's own topic) instructing it to start following group. Riding
// the ordered stream guarantees the join lands at a well-defined point
// relative to data already in flight.
func (b *Bus) AddInterest(ctx context.Context, connTopic, group, ackID string) error {
	payload, err := json.Marshal(groupChange{Group: group})
	if err != nil {
		return fmt.Errorf("bus: marshal group change: %w", err)
	}
	return b.Publish(ctx, connTopic, payload, FlagAddGroup, ackID)
}

// RemoveInterest publishes a FlagRemoveGroup control message into connTopic.
func (b *Bus) RemoveInterest(ctx context.Context, connTopic, group, ackID string) error {
	payload, err := json.Marshal(groupChange{Group: group})
	if err != nil {
		return fmt.Errorf("bus: marshal group change: %w", err)
	}
	return b.Publish(ctx, connTopic, payload, FlagRemoveGroup, ackID)
}

// Subscription returns the registered subscription with the given ID, if any.
func (b *Bus) Subscription(id string) *Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.subs[id]
}

// attach adds sub to a topic's fan-out index, taking a store reference.
// Returns false if the subscription already follows the topic.
func (b *Bus) attach(sub *Subscription, topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.byTopic[topic]; ok {
		if _, dup := subs[sub.ID]; dup {
			return false
		}
	}
	b.store.Ref(topic)
	b.indexLocked(topic, sub)
	return true
}

func (b *Bus) detach(sub *Subscription, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.byTopic[topic]
	if !ok {
		return
	}
	if _, in := subs[sub.ID]; !in {
		return
	}
	delete(subs, sub.ID)
	if len(subs) == 0 {
		delete(b.byTopic, topic)
	}
	b.store.Unref(topic)
}

func (b *Bus) indexLocked(topic string, sub *Subscription) {
	subs, ok := b.byTopic[topic]
	if !ok {
		subs = make(map[string]*Subscription)
		b.byTopic[topic] = subs
	}
	subs[sub.ID] = sub
}

// Close tears down every subscription and refuses further publishes. The
// store is left to its owner.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		b.Unsubscribe(sub)
	}
}

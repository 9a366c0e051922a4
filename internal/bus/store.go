package bus

import (
	"errors"
	"log"
	"sync"
	"time"
)

var (
	// ErrDataLost is returned by ReadFrom when the requested resume point has
	// already been evicted from the ring. Callers must treat this as a hard
	// resync: the client has to perform a fresh connect, not a cursor-based
	// reconnect.
	ErrDataLost = errors.New("bus: messages evicted before cursor, resync required")

	// ErrStoreClosed is returned for operations on a closed store.
	ErrStoreClosed = errors.New("bus: store is closed")
)

// StoreConfig bounds per-topic retention.
type StoreConfig struct {
	// RetainSize is the maximum number of messages kept per topic.
	RetainSize int
	// RetainFor is the maximum age of a retained message and also the idle
	// window after which an unreferenced topic is garbage collected.
	RetainFor time.Duration
	// SweepInterval controls how often idle topics are garbage collected.
	SweepInterval time.Duration
}

func (c *StoreConfig) defaults() {
	if c.RetainSize <= 0 {
		c.RetainSize = 1000
	}
	if c.RetainFor <= 0 {
		c.RetainFor = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
}

// topicRing is a bounded append-only ring of messages for a single topic.
// Sequences are gap-free and strictly increasing, starting at 1. Each ring has
// its own lock so appends to different topics never contend.
type topicRing struct {
	mu      sync.Mutex
	buf     []Message
	start   int // index of the oldest retained message
	count   int
	nextSeq uint64
	refs    int
	idleAt  time.Time // when refs last dropped to zero
}

func (t *topicRing) oldestSeq() uint64 {
	if t.count == 0 {
		return 0
	}
	return t.buf[t.start].Seq
}

// evictOlderLocked drops retained messages older than cutoff.
func (t *topicRing) evictOlderLocked(cutoff time.Time) {
	for t.count > 0 && t.buf[t.start].Time.Before(cutoff) {
		t.buf[t.start] = Message{}
		t.start = (t.start + 1) % len(t.buf)
		t.count--
	}
}

// Store is the topic store: one bounded ring per topic key, created on first
// use and garbage collected once unreferenced and idle. It is the only
// structure in the system mutated by concurrent publishers, so appends are
// serialized per topic rather than behind a global lock.
type Store struct {
	cfg    StoreConfig
	logger *log.Logger
	clock  func() time.Time

	mu     sync.RWMutex
	topics map[string]*topicRing
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewStore creates a Store and starts its garbage-collection sweeper. Call
// Close to stop it.
func NewStore(cfg StoreConfig, logger *log.Logger) *Store {
	cfg.defaults()
	if logger == nil {
		logger = log.Default()
	}
	s := &Store{
		cfg:    cfg,
		logger: logger,
		clock:  time.Now,
		topics: make(map[string]*topicRing),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.sweep()
	return s
}

func (s *Store) ring(topic string, create bool) *topicRing {
	s.mu.RLock()
	t := s.topics[topic]
	s.mu.RUnlock()
	if t != nil || !create {
		return t
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t = s.topics[topic]; t != nil {
		return t
	}
	t = &topicRing{
		buf:     make([]Message, s.cfg.RetainSize),
		nextSeq: 1,
		idleAt:  s.clock(),
	}
	s.topics[topic] = t
	return t
}

// Append adds a message to the topic's ring, creating the topic if absent,
// and returns the assigned sequence number.
func (s *Store) Append(topic string, payload []byte, flags Flag, ackID string) (uint64, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return 0, ErrStoreClosed
	}

	t := s.ring(topic, true)

	t.mu.Lock()
	defer t.mu.Unlock()

	now := s.clock()
	t.evictOlderLocked(now.Add(-s.cfg.RetainFor))

	msg := Message{
		Topic:   topic,
		Seq:     t.nextSeq,
		Payload: payload,
		Flags:   flags,
		AckID:   ackID,
		Time:    now,
	}
	t.nextSeq++

	if t.count == len(t.buf) {
		// Ring full: overwrite the oldest entry.
		t.start = (t.start + 1) % len(t.buf)
		t.count--
	}
	t.buf[(t.start+t.count)%len(t.buf)] = msg
	t.count++

	return msg.Seq, nil
}

// ReadFrom returns up to max messages with sequence greater than since, in
// publish order. It returns ErrDataLost when messages between since and the
// oldest retained entry have been evicted.
func (s *Store) ReadFrom(topic string, since uint64, max int) ([]Message, error) {
	t := s.ring(topic, false)
	if t == nil {
		if since > 0 {
			// The topic existed when the cursor was taken but has been
			// garbage collected since; anything after the cursor is gone.
			return nil, ErrDataLost
		}
		return nil, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.evictOlderLocked(s.clock().Add(-s.cfg.RetainFor))

	last := t.nextSeq - 1
	if since >= last {
		return nil, nil
	}
	if oldest := t.oldestSeq(); oldest == 0 || since < oldest-1 {
		return nil, ErrDataLost
	}

	n := int(last - since)
	if max > 0 && n > max {
		n = max
	}
	out := make([]Message, 0, n)
	offset := int(since - (t.oldestSeq() - 1))
	for i := 0; i < n; i++ {
		out = append(out, t.buf[(t.start+offset+i)%len(t.buf)])
	}
	return out, nil
}

// MinSequence returns the lowest sequence still retained for the topic, or 0
// when the topic is empty or absent.
func (s *Store) MinSequence(topic string) uint64 {
	t := s.ring(topic, false)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.oldestSeq()
}

// CurrentSequence returns the last assigned sequence for the topic, or 0 when
// the topic has never seen a message. New subscriptions start here so that
// earlier messages are never delivered retroactively.
func (s *Store) CurrentSequence(topic string) uint64 {
	t := s.ring(topic, false)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextSeq - 1
}

// Ref records a subscriber reference to the topic, creating it if absent.
// Referenced topics are never garbage collected.
func (s *Store) Ref(topic string) {
	t := s.ring(topic, true)
	t.mu.Lock()
	t.refs++
	t.mu.Unlock()
}

// Unref releases a subscriber reference taken with Ref.
func (s *Store) Unref(topic string) {
	t := s.ring(topic, false)
	if t == nil {
		return
	}
	t.mu.Lock()
	if t.refs > 0 {
		t.refs--
	}
	if t.refs == 0 {
		t.idleAt = s.clock()
	}
	t.mu.Unlock()
}

// sweep periodically drops topics that have no subscribers and have been idle
// past the retention window.
func (s *Store) sweep() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.collect()
		case <-s.done:
			return
		}
	}
}

func (s *Store) collect() {
	cutoff := s.clock().Add(-s.cfg.RetainFor)

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, t := range s.topics {
		t.mu.Lock()
		dead := t.refs == 0 && t.idleAt.Before(cutoff)
		t.mu.Unlock()
		if dead {
			delete(s.topics, key)
		}
	}
}

// Close stops the garbage-collection sweeper. Appends fail after Close.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
}

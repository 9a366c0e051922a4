// Package backplane replicates bus traffic across server processes. Every
// adapter implements the same contract: messages sent to a stream come back
// through the receive callback in every process, the sender's included, each
// carrying a strictly increasing per-stream offset (starting at 1) so
// consumers can dedupe after reconnects.
package backplane

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log"
	"sync"

	"github.com/driftline/driftline/internal/bus"
)

// ReceiveFunc is invoked by an adapter for every replicated message,
// including the process's own sends.
type ReceiveFunc func(streamIndex int, offset uint64, payload []byte)

// Backplane is the uniform scale-out bus contract.
type Backplane interface {
	// Send writes a payload to the given stream. It must not block beyond
	// handing the message off.
	Send(ctx context.Context, streamIndex int, payload []byte) error
	// Close stops the per-stream readers and releases connections.
	Close() error
}

// Streams shards bus topics across a fixed number of backplane streams by
// topic hash, translates backplane offsets into local delivery, and dedupes
// replays by offset. It implements bus.Relay, so attaching it routes every
// publish through the backplane before local application.
type Streams struct {
	b      *bus.Bus
	bp     Backplane
	count  int
	logger *log.Logger

	mu         sync.Mutex
	lastOffset []uint64
}

// NewStreams creates the sharding glue for count streams over the given bus.
// Call Bind once the adapter exists, then attach with bus.SetRelay.
func NewStreams(b *bus.Bus, count int, logger *log.Logger) *Streams {
	if count <= 0 {
		count = 1
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Streams{
		b:          b,
		count:      count,
		logger:     logger,
		lastOffset: make([]uint64, count),
	}
}

// Count returns the number of streams.
func (s *Streams) Count() int { return s.count }

// Bind wires the adapter whose receive callback is s.Receive.
func (s *Streams) Bind(bp Backplane) { s.bp = bp }

// StreamFor maps a topic key to its stream index. The modulo is taken in
// uint32 space so hashes above 1<<31 stay in range on 32-bit platforms.
func (s *Streams) StreamFor(topic string) int {
	h := fnv.New32a()
	h.Write([]byte(topic))
	return int(h.Sum32() % uint32(s.count))
}

// Send implements bus.Relay: the message is serialized and routed to its
// topic's stream. It is applied locally only when the backplane replays it.
func (s *Streams) Send(ctx context.Context, msg bus.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("backplane: marshal message: %w", err)
	}
	return s.bp.Send(ctx, s.StreamFor(msg.Topic), data)
}

// Receive is the adapter callback: it drops duplicate offsets (at-least-once
// adapters replay on reconnect) and applies everything else to the local bus
// in backplane order.
func (s *Streams) Receive(streamIndex int, offset uint64, payload []byte) {
	if streamIndex < 0 || streamIndex >= s.count {
		s.logger.Printf("backplane: dropping message for unknown stream %d", streamIndex)
		return
	}

	s.mu.Lock()
	if offset <= s.lastOffset[streamIndex] {
		s.mu.Unlock()
		return
	}
	s.lastOffset[streamIndex] = offset
	s.mu.Unlock()

	var msg bus.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.logger.Printf("backplane: stream %d offset %d: bad payload: %v", streamIndex, offset, err)
		return
	}
	if err := s.b.ApplyReplicated(msg); err != nil {
		s.logger.Printf("backplane: stream %d offset %d: apply failed: %v", streamIndex, offset, err)
	}
}

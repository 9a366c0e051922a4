// Package acks correlates outbound messages that require acknowledgement
// with a timeout-bounded completion. It is a promise registry, not a retry
// mechanism: an ack that times out is reported as such and retries are the
// caller's responsibility.
package acks

import (
	"log"
	"sync"
	"time"
)

// Result is the single resolution of a pending ack. TimedOut acknowledges
// are a normal outcome, not an error.
type Result struct {
	ID       string
	TimedOut bool
}

type pending struct {
	id       string
	deadline time.Time
	done     chan Result
}

// Config tunes the coordinator.
type Config struct {
	// Threshold is the default time allowed before a pending ack resolves as
	// timed out.
	Threshold time.Duration
	// SweepInterval controls how often expired entries are resolved.
	SweepInterval time.Duration
}

func (c *Config) defaults() {
	if c.Threshold <= 0 {
		c.Threshold = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
}

// Coordinator tracks pending acknowledgements. Exactly one resolution
// (success or timeout) ever applies to an id; later resolutions are no-ops.
type Coordinator struct {
	cfg    Config
	logger *log.Logger
	clock  func() time.Time

	mu      sync.Mutex
	pending map[string]*pending
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Coordinator and starts its sweep loop. Call Close to stop it.
func New(cfg Config, logger *log.Logger) *Coordinator {
	cfg.defaults()
	if logger == nil {
		logger = log.Default()
	}
	c := &Coordinator{
		cfg:     cfg,
		logger:  logger,
		clock:   time.Now,
		pending: make(map[string]*pending),
		done:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.sweep()
	return c
}

// CreatePending registers an expectation for id and returns the channel its
// single Result will be delivered on. A threshold of zero uses the configured
// default. Registering an id that is already pending returns the existing
// channel.
func (c *Coordinator) CreatePending(id string, threshold time.Duration) <-chan Result {
	if threshold <= 0 {
		threshold = c.cfg.Threshold
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pending[id]; ok {
		return p.done
	}

	p := &pending{
		id:       id,
		deadline: c.clock().Add(threshold),
		done:     make(chan Result, 1),
	}
	if c.closed {
		// Coordinator is shutting down; resolve immediately as timed out so
		// the caller never blocks forever.
		p.done <- Result{ID: id, TimedOut: true}
		return p.done
	}
	c.pending[id] = p
	return p.done
}

// Complete resolves id as successfully acknowledged if it is still pending.
// Completing an unknown or already-resolved id is a no-op.
func (c *Coordinator) Complete(id string) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if ok {
		p.done <- Result{ID: id}
	}
}

func (c *Coordinator) sweep() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.expire(c.clock())
		case <-c.done:
			return
		}
	}
}

// expire resolves every pending entry past its deadline as timed out.
func (c *Coordinator) expire(now time.Time) {
	var expired []*pending

	c.mu.Lock()
	for id, p := range c.pending {
		if !p.deadline.After(now) {
			delete(c.pending, id)
			expired = append(expired, p)
		}
	}
	c.mu.Unlock()

	for _, p := range expired {
		p.done <- Result{ID: p.id, TimedOut: true}
	}
}

// Close stops the sweep loop and resolves everything still pending as timed
// out.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	remaining := make([]*pending, 0, len(c.pending))
	for _, p := range c.pending {
		remaining = append(remaining, p)
	}
	c.pending = make(map[string]*pending)
	c.mu.Unlock()

	close(c.done)
	c.wg.Wait()

	for _, p := range remaining {
		p.done <- Result{ID: p.id, TimedOut: true}
	}
}

// Package broker schedules drain work for bus subscriptions over a bounded
// worker pool, guaranteeing at most one active worker per subscription and no
// missed wakeups.
package broker

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"github.com/driftline/driftline/internal/bus"
)

// Drain states. A subscription is Idle when nobody is working on it, Queued
// when it is waiting for a worker, and Processing while a worker drains it.
// All transitions are CAS; a failed Idle->Queued means work is already
// guaranteed to be picked up.
const (
	stateIdle int32 = iota
	stateQueued
	stateProcessing
)

// ErrBrokerClosed is returned by Register after Close.
var ErrBrokerClosed = errors.New("broker: closed")

// DisposeFunc is invoked (once) when a subscription's drain fails and the
// broker tears it down. It runs on a worker goroutine, before the
// subscription is unsubscribed, so consumers watching Subscription.Done can
// always find the failure already queued.
type DisposeFunc func(sub *bus.Subscription, err error)

// agent pairs a subscription with its drain-state flag.
type agent struct {
	sub     *bus.Subscription
	state   atomic.Int32
	dispose DisposeFunc
}

// Config tunes the broker.
type Config struct {
	// Workers bounds how many subscriptions drain concurrently.
	Workers int
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 16
	}
}

// Broker owns the worker pool. Signals arrive via the hook it installs on
// each registered subscription; the queue is unbounded so the publish path
// never blocks on slow consumers.
type Broker struct {
	cfg    Config
	b      *bus.Bus
	logger *log.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*agent
	agents map[string]*agent
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Broker and starts its workers. Call Close to stop them.
func New(b *bus.Bus, cfg Config, logger *log.Logger) *Broker {
	cfg.defaults()
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	br := &Broker{
		cfg:    cfg,
		b:      b,
		logger: logger,
		agents: make(map[string]*agent),
		ctx:    ctx,
		cancel: cancel,
	}
	br.cond = sync.NewCond(&br.mu)

	br.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go br.worker()
	}
	return br
}

// Register puts a subscription under the broker's care and installs its wake
// hook. An initial drain is scheduled immediately so that messages published
// between Subscribe and Register are not stranded.
func (br *Broker) Register(sub *bus.Subscription, dispose DisposeFunc) error {
	ag := &agent{sub: sub, dispose: dispose}

	br.mu.Lock()
	if br.closed {
		br.mu.Unlock()
		return ErrBrokerClosed
	}
	br.agents[sub.ID] = ag
	br.mu.Unlock()

	sub.SetSignal(func() { br.signal(ag) })
	br.signal(ag)
	return nil
}

// Deregister removes the subscription from the broker without disposing it.
// Any queued work for it becomes a no-op.
func (br *Broker) Deregister(sub *bus.Subscription) {
	br.mu.Lock()
	delete(br.agents, sub.ID)
	br.mu.Unlock()
	sub.SetSignal(nil)
}

// signal attempts Idle -> Queued; on success the agent joins the run queue.
// Any other current state means a worker is already bound to pick the new
// work up, so the signal is dropped.
func (br *Broker) signal(ag *agent) {
	if !ag.state.CompareAndSwap(stateIdle, stateQueued) {
		return
	}
	br.mu.Lock()
	if br.closed {
		br.mu.Unlock()
		return
	}
	br.queue = append(br.queue, ag)
	br.cond.Signal()
	br.mu.Unlock()
}

func (br *Broker) pop() (*agent, bool) {
	br.mu.Lock()
	defer br.mu.Unlock()
	for len(br.queue) == 0 && !br.closed {
		br.cond.Wait()
	}
	if br.closed {
		return nil, false
	}
	ag := br.queue[0]
	br.queue = br.queue[1:]
	return ag, true
}

func (br *Broker) worker() {
	defer br.wg.Done()

	for {
		ag, ok := br.pop()
		if !ok {
			return
		}
		br.run(ag)
	}
}

// run drains one agent. The Processing -> Idle reset happens before the
// re-check for pending work: a publish that lands exactly during the reset
// either finds the flag already Idle and queues the agent itself, or loses
// the Idle -> Queued race to the re-check below. Either way the message is
// drained without an external trigger.
func (br *Broker) run(ag *agent) {
	if !ag.state.CompareAndSwap(stateQueued, stateProcessing) {
		return
	}

	err := ag.sub.Drain(br.ctx)

	ag.state.Store(stateIdle)

	if err != nil {
		br.fail(ag, err)
		return
	}

	if ag.sub.HasPending() && ag.state.CompareAndSwap(stateIdle, stateQueued) {
		br.mu.Lock()
		if !br.closed {
			br.queue = append(br.queue, ag)
			br.cond.Signal()
		}
		br.mu.Unlock()
	}
}

// fail tears a subscription down after a drain failure. The failure is fatal
// to that subscription only; it is never retried.
func (br *Broker) fail(ag *agent, err error) {
	br.mu.Lock()
	_, registered := br.agents[ag.sub.ID]
	delete(br.agents, ag.sub.ID)
	br.mu.Unlock()
	if !registered {
		return
	}

	br.logger.Printf("broker: subscription %s drain failed, disposing: %v", ag.sub.ID, err)
	ag.sub.SetSignal(nil)
	if ag.dispose != nil {
		ag.dispose(ag.sub, err)
	}
	br.b.Unsubscribe(ag.sub)
}

// Close stops the workers. Registered subscriptions are left to their owners.
func (br *Broker) Close() {
	br.mu.Lock()
	if br.closed {
		br.mu.Unlock()
		return
	}
	br.closed = true
	br.queue = nil
	br.cond.Broadcast()
	br.mu.Unlock()

	br.cancel()
	br.wg.Wait()
}

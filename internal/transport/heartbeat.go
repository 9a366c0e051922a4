package transport

import (
	"log"
	"sync"
	"time"
)

// Monitor tracks per-connection client liveness across requests. Long polling
// has no persistent server-side handler, so the monitor is what notices a
// client that stopped reissuing polls and tears its subscription down.
type Monitor struct {
	timeout time.Duration
	onDead  func(connectionID string)
	logger  *log.Logger
	clock   func() time.Time

	mu       sync.Mutex
	lastSeen map[string]time.Time
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewMonitor creates a Monitor that invokes onDead for every connection
// silent longer than timeout. Call Close to stop it.
func NewMonitor(timeout time.Duration, onDead func(connectionID string), logger *log.Logger) *Monitor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	m := &Monitor{
		timeout:  timeout,
		onDead:   onDead,
		logger:   logger,
		clock:    time.Now,
		lastSeen: make(map[string]time.Time),
		done:     make(chan struct{}),
	}
	m.wg.Add(1)
	go m.reap()
	return m
}

// Touch records client activity for the connection, registering it on first
// use.
func (m *Monitor) Touch(connectionID string) {
	m.mu.Lock()
	if !m.closed {
		m.lastSeen[connectionID] = m.clock()
	}
	m.mu.Unlock()
}

// Forget stops tracking a connection (explicit abort or clean teardown).
func (m *Monitor) Forget(connectionID string) {
	m.mu.Lock()
	delete(m.lastSeen, connectionID)
	m.mu.Unlock()
}

func (m *Monitor) reap() {
	defer m.wg.Done()

	interval := m.timeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.done:
			return
		}
	}
}

func (m *Monitor) sweep() {
	cutoff := m.clock().Add(-m.timeout)

	m.mu.Lock()
	var dead []string
	for id, seen := range m.lastSeen {
		if seen.Before(cutoff) {
			delete(m.lastSeen, id)
			dead = append(dead, id)
		}
	}
	m.mu.Unlock()

	for _, id := range dead {
		m.logger.Printf("transport: connection %s silent past disconnect timeout", id)
		m.onDead(id)
	}
}

// Close stops the reaper.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()
}

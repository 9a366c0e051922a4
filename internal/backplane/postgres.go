package backplane

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// pgRow is one replicated message read back from the messages table.
type pgRow struct {
	Offset  uint64
	Payload []byte
}

// pgDriver abstracts the SQL surface of the Postgres adapter so the
// dual-mode (push/poll) reader can be exercised without a database.
type pgDriver interface {
	// ProbeNotify reports whether LISTEN/NOTIFY is usable on this
	// connection. When it is not, readers fall back to polling.
	ProbeNotify(ctx context.Context) bool
	// Insert appends a payload to the stream's portion of the messages
	// table and notifies listeners.
	Insert(ctx context.Context, stream int, payload []byte) error
	// MaxOffset returns the highest offset currently stored for the stream.
	MaxOffset(ctx context.Context, stream int) (uint64, error)
	// ReadSince returns up to limit rows with offset greater than since.
	ReadSince(ctx context.Context, stream int, since uint64, limit int) ([]pgRow, error)
	// WaitNotify blocks until the stream's notification channel fires.
	WaitNotify(ctx context.Context, stream int) error
	// Close releases held connections.
	Close()
}

// PostgresConfig tunes the Postgres adapter.
type PostgresConfig struct {
	// Streams is the stream count; must match the Streams glue.
	Streams int
	// RetryDelays is the polling schedule used when push notification is
	// unavailable. Empty uses DefaultRetryDelays.
	RetryDelays []RetryDelay
	// ReadBatch bounds rows fetched per read.
	ReadBatch int
}

func (c *PostgresConfig) defaults() {
	if c.Streams <= 0 {
		c.Streams = 1
	}
	if c.ReadBatch <= 0 {
		c.ReadBatch = 256
	}
}

// PostgresBackplane replicates bus traffic through a Postgres table. It
// prefers LISTEN/NOTIFY push delivery and falls back to a polling loop
// driven by the configured retry-delay table when the capability probe
// fails. Both modes dedupe at the Streams layer by offset.
type PostgresBackplane struct {
	cfg    PostgresConfig
	driver pgDriver
	recv   ReceiveFunc
	logger *log.Logger
	push   bool

	// sleep is swapped out by tests to observe the poll schedule.
	sleep func(ctx context.Context, d time.Duration) bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewPostgres creates the adapter over a pgx pool and starts one reader per
// stream. Call Close to stop them.
func NewPostgres(pool *pgxpool.Pool, cfg PostgresConfig, recv ReceiveFunc, logger *log.Logger) (*PostgresBackplane, error) {
	if pool == nil {
		return nil, errors.New("backplane: postgres pool is required")
	}
	return newPostgres(&livePgDriver{pool: pool, conns: make(map[int]*pgxpool.Conn)}, cfg, recv, logger, nil)
}

// newPostgres is the driver-injectable constructor. A nil sleep uses a timer;
// tests substitute one to observe the poll schedule.
func newPostgres(driver pgDriver, cfg PostgresConfig, recv ReceiveFunc, logger *log.Logger, sleep func(ctx context.Context, d time.Duration) bool) (*PostgresBackplane, error) {
	cfg.defaults()
	if recv == nil {
		return nil, errors.New("backplane: receive callback is required")
	}
	if logger == nil {
		logger = log.Default()
	}

	if sleep == nil {
		sleep = func(ctx context.Context, d time.Duration) bool {
			if d <= 0 {
				return ctx.Err() == nil
			}
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return true
			case <-ctx.Done():
				return false
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &PostgresBackplane{
		cfg:    cfg,
		driver: driver,
		recv:   recv,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		sleep:  sleep,
	}

	p.push = driver.ProbeNotify(ctx)
	if !p.push {
		p.logger.Printf("backplane: postgres push notification unavailable, polling with %d-entry delay table", len(p.schedule().table))
	}

	for i := 0; i < cfg.Streams; i++ {
		since, err := driver.MaxOffset(ctx, i)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("backplane: read stream %d tail: %w", i, err)
		}
		p.wg.Add(1)
		go p.reader(i, since)
	}
	return p, nil
}

func (p *PostgresBackplane) schedule() *Schedule {
	return NewSchedule(p.cfg.RetryDelays)
}

// PushMode reports whether the adapter is using LISTEN/NOTIFY delivery.
func (p *PostgresBackplane) PushMode() bool { return p.push }

// Send inserts the payload into the messages table. The row's offset is
// assigned by the table's sequence, so offsets are strictly increasing per
// stream.
func (p *PostgresBackplane) Send(ctx context.Context, streamIndex int, payload []byte) error {
	if err := p.driver.Insert(ctx, streamIndex, payload); err != nil {
		return fmt.Errorf("backplane: postgres send stream %d: %w", streamIndex, err)
	}
	return nil
}

// reader drains one stream. In push mode it reads after each notification;
// in poll mode it walks the retry-delay table between reads, rewinding to
// the head of the table whenever a read finds data.
func (p *PostgresBackplane) reader(stream int, since uint64) {
	defer p.wg.Done()

	sched := p.schedule()

	for p.ctx.Err() == nil {
		rows, err := p.driver.ReadSince(p.ctx, stream, since, p.cfg.ReadBatch)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			// Connectivity loss: the local bus keeps operating in
			// single-process mode while we back off and retry.
			p.logger.Printf("backplane: postgres stream %d read failed: %v", stream, err)
			if !p.sleep(p.ctx, sched.Next()) {
				return
			}
			continue
		}

		for _, row := range rows {
			since = row.Offset
			p.recv(stream, row.Offset, row.Payload)
		}

		if len(rows) == p.cfg.ReadBatch {
			// More might be waiting; drain before blocking.
			continue
		}

		if p.push {
			if err := p.driver.WaitNotify(p.ctx, stream); err != nil {
				if p.ctx.Err() != nil {
					return
				}
				p.logger.Printf("backplane: postgres stream %d notify wait failed: %v", stream, err)
				if !p.sleep(p.ctx, sched.Next()) {
					return
				}
			}
			continue
		}

		if len(rows) > 0 {
			sched.Reset()
		}
		if !p.sleep(p.ctx, sched.Next()) {
			return
		}
	}
}

// Close stops the readers and releases connections.
func (p *PostgresBackplane) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	p.driver.Close()
	return nil
}

// livePgDriver is the production pgDriver over a pgx pool. Each stream's
// WaitNotify holds a dedicated connection with LISTEN active.
type livePgDriver struct {
	pool *pgxpool.Pool

	mu    sync.Mutex
	conns map[int]*pgxpool.Conn
}

func notifyChannel(stream int) string {
	return "driftline_stream_" + strconv.Itoa(stream)
}

func (d *livePgDriver) ProbeNotify(ctx context.Context) bool {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return false
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, "LISTEN driftline_probe"); err != nil {
		return false
	}
	_, err = conn.Exec(ctx, "UNLISTEN driftline_probe")
	return err == nil
}

func (d *livePgDriver) Insert(ctx context.Context, stream int, payload []byte) error {
	_, err := d.pool.Exec(ctx,
		`WITH ins AS (
			INSERT INTO bus_messages (stream_index, payload) VALUES ($1, $2) RETURNING id
		) SELECT pg_notify($3, id::text) FROM ins`,
		stream, payload, notifyChannel(stream))
	return err
}

func (d *livePgDriver) MaxOffset(ctx context.Context, stream int) (uint64, error) {
	var max uint64
	err := d.pool.QueryRow(ctx,
		"SELECT COALESCE(MAX(id), 0) FROM bus_messages WHERE stream_index = $1", stream).Scan(&max)
	return max, err
}

func (d *livePgDriver) ReadSince(ctx context.Context, stream int, since uint64, limit int) ([]pgRow, error) {
	rows, err := d.pool.Query(ctx,
		"SELECT id, payload FROM bus_messages WHERE stream_index = $1 AND id > $2 ORDER BY id LIMIT $3",
		stream, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pgRow
	for rows.Next() {
		var r pgRow
		if err := rows.Scan(&r.Offset, &r.Payload); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (d *livePgDriver) WaitNotify(ctx context.Context, stream int) error {
	conn, err := d.listenConn(ctx, stream)
	if err != nil {
		return err
	}
	if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
		// The connection may be poisoned; drop it so the next wait
		// re-establishes LISTEN.
		d.dropConn(stream)
		return err
	}
	return nil
}

func (d *livePgDriver) listenConn(ctx context.Context, stream int) (*pgxpool.Conn, error) {
	d.mu.Lock()
	conn := d.conns[stream]
	d.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel(stream)); err != nil {
		conn.Release()
		return nil, err
	}

	d.mu.Lock()
	d.conns[stream] = conn
	d.mu.Unlock()
	return conn, nil
}

func (d *livePgDriver) dropConn(stream int) {
	d.mu.Lock()
	conn := d.conns[stream]
	delete(d.conns, stream)
	d.mu.Unlock()
	if conn != nil {
		conn.Release()
	}
}

func (d *livePgDriver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for stream, conn := range d.conns {
		conn.Release()
		delete(d.conns, stream)
	}
}

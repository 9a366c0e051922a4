package backplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisFrame is the wire format on the pub/sub channel. Offsets are assigned
// by INCR on a per-stream counter key, so they are strictly increasing;
// delivery is at-least-once and consumers dedupe by offset.
type redisFrame struct {
	Offset  uint64 `json:"offset"`
	Payload []byte `json:"payload"`
}

// RedisConfig tunes the Redis adapter.
type RedisConfig struct {
	// Streams is the stream count; must match the Streams glue.
	Streams int
	// KeyPrefix namespaces the channel and counter keys.
	KeyPrefix string
	// RetryDelays backs off resubscription after connectivity loss.
	RetryDelays []RetryDelay
}

func (c *RedisConfig) defaults() {
	if c.Streams <= 0 {
		c.Streams = 1
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "driftline"
	}
}

// RedisBackplane replicates bus traffic through one Redis pub/sub channel
// per stream.
type RedisBackplane struct {
	cfg    RedisConfig
	client redis.UniversalClient
	recv   ReceiveFunc
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewRedis creates the adapter and starts one subscriber per stream. Call
// Close to stop them.
func NewRedis(client redis.UniversalClient, cfg RedisConfig, recv ReceiveFunc, logger *log.Logger) (*RedisBackplane, error) {
	if client == nil {
		return nil, errors.New("backplane: redis client is required")
	}
	if recv == nil {
		return nil, errors.New("backplane: receive callback is required")
	}
	cfg.defaults()
	if logger == nil {
		logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &RedisBackplane{
		cfg:    cfg,
		client: client,
		recv:   recv,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	for i := 0; i < cfg.Streams; i++ {
		r.wg.Add(1)
		go r.reader(i)
	}
	return r, nil
}

func (r *RedisBackplane) channel(stream int) string {
	return r.cfg.KeyPrefix + ":stream:" + strconv.Itoa(stream)
}

func (r *RedisBackplane) counter(stream int) string {
	return r.channel(stream) + ":offset"
}

// Send assigns the next offset with INCR and publishes the frame. INCR and
// PUBLISH are not atomic together, so a crash in between burns an offset;
// dedupe tolerates the gap because offsets only ever move forward.
func (r *RedisBackplane) Send(ctx context.Context, streamIndex int, payload []byte) error {
	offset, err := r.client.Incr(ctx, r.counter(streamIndex)).Uint64()
	if err != nil {
		return fmt.Errorf("backplane: redis next offset for stream %d: %w", streamIndex, err)
	}
	frame, err := json.Marshal(redisFrame{Offset: offset, Payload: payload})
	if err != nil {
		return fmt.Errorf("backplane: marshal redis frame: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel(streamIndex), frame).Err(); err != nil {
		return fmt.Errorf("backplane: redis publish stream %d: %w", streamIndex, err)
	}
	return nil
}

// reader subscribes to one stream's channel, resubscribing with the
// configured backoff after connectivity loss. The local bus keeps operating
// in single-process mode during an outage.
func (r *RedisBackplane) reader(stream int) {
	defer r.wg.Done()

	sched := NewSchedule(r.cfg.RetryDelays)

	for r.ctx.Err() == nil {
		sub := r.client.Subscribe(r.ctx, r.channel(stream))
		ch := sub.Channel()

		healthy := false
		for msg := range ch {
			healthy = true
			var frame redisFrame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				r.logger.Printf("backplane: redis stream %d: bad frame: %v", stream, err)
				continue
			}
			r.recv(stream, frame.Offset, frame.Payload)
		}
		sub.Close() //nolint:errcheck // resubscribing or shutting down

		if r.ctx.Err() != nil {
			return
		}
		if healthy {
			sched.Reset()
		}
		r.logger.Printf("backplane: redis stream %d subscription dropped, reconnecting", stream)

		d := sched.Next()
		if d > 0 {
			t := time.NewTimer(d)
			select {
			case <-t.C:
			case <-r.ctx.Done():
				t.Stop()
				return
			}
		}
	}
}

// Close stops the subscribers.
func (r *RedisBackplane) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	return nil
}

package backplane

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig tunes the Kafka adapter.
type KafkaConfig struct {
	// Brokers is the list of broker addresses.
	Brokers []string
	// Streams is the stream count; must match the Streams glue. Each stream
	// maps to one single-partition Kafka topic.
	Streams int
	// TopicPrefix namespaces the per-stream topics.
	TopicPrefix string
	// RetryDelays backs off the consumer after read failures.
	RetryDelays []RetryDelay
}

func (c *KafkaConfig) defaults() {
	if c.Streams <= 0 {
		c.Streams = 1
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "driftline-stream"
	}
}

// KafkaBackplane replicates bus traffic through a managed broker: one
// single-partition topic per stream, the partition's log offset (shifted to
// start at 1) serving as the stream offset.
type KafkaBackplane struct {
	cfg    KafkaConfig
	writer *kafka.Writer
	recv   ReceiveFunc
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewKafka creates the adapter and starts one consumer per stream. Consumers
// start at the log tail: messages produced before this process existed are
// pre-subscription history, not replay material. Call Close to stop
// everything.
func NewKafka(cfg KafkaConfig, recv ReceiveFunc, logger *log.Logger) (*KafkaBackplane, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("backplane: at least one kafka broker address is required")
	}
	if recv == nil {
		return nil, errors.New("backplane: receive callback is required")
	}
	cfg.defaults()
	if logger == nil {
		logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		Async:        false,
	}

	k := &KafkaBackplane{
		cfg:    cfg,
		writer: writer,
		recv:   recv,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	for i := 0; i < cfg.Streams; i++ {
		k.wg.Add(1)
		go k.consumeLoop(i)
	}
	return k, nil
}

func (k *KafkaBackplane) topic(stream int) string {
	return k.cfg.TopicPrefix + "-" + strconv.Itoa(stream)
}

// Send produces the payload to the stream's topic. Kafka assigns the log
// offset, which every consumer translates into the stream offset.
func (k *KafkaBackplane) Send(ctx context.Context, streamIndex int, payload []byte) error {
	msg := kafka.Message{
		Topic: k.topic(streamIndex),
		Value: payload,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("backplane: kafka send stream %d: %w", streamIndex, err)
	}
	return nil
}

// consumeLoop reads one stream's topic and translates broker metadata into
// (stream, offset, payload) callbacks. Read failures back off on the
// configured schedule; the local bus keeps operating meanwhile.
func (k *KafkaBackplane) consumeLoop(stream int) {
	defer k.wg.Done()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.cfg.Brokers,
		Topic:       k.topic(stream),
		Partition:   0,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		MaxWait:     500 * time.Millisecond,
	})
	defer reader.Close() //nolint:errcheck // shutting down

	sched := NewSchedule(k.cfg.RetryDelays)

	for {
		msg, err := reader.ReadMessage(k.ctx)
		if err != nil {
			if k.ctx.Err() != nil {
				return
			}
			k.logger.Printf("backplane: kafka stream %d read failed: %v", stream, err)
			d := sched.Next()
			if d > 0 {
				t := time.NewTimer(d)
				select {
				case <-t.C:
				case <-k.ctx.Done():
					t.Stop()
					return
				}
			}
			continue
		}
		sched.Reset()

		// Log offsets are zero-based; stream offsets start at 1.
		k.recv(stream, uint64(msg.Offset)+1, msg.Value)
	}
}

// Close stops the consumers and the producer.
func (k *KafkaBackplane) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()

	k.cancel()
	k.wg.Wait()
	return k.writer.Close()
}

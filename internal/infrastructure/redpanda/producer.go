// Package redpanda publishes evaluation audit events to a Kafka-compatible
// broker with franz-go.
package redpanda

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/crivet/dose-engine/internal/infrastructure/postgres"
	"github.com/crivet/dose-engine/pkg/circuitbreaker"
)

// ProducerConfig holds configuration for the producer
type ProducerConfig struct {
	Brokers []string
	// LingerMS is the time to wait before sending a batch
	LingerMS int64
	// Compression is one of lz4, snappy, gzip, zstd or none
	Compression string
	// AllAcks waits for every in-sync replica
	AllAcks    bool
	MaxRetries int
}

// DefaultProducerConfig returns defaults suited to a low-volume audit stream
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:     []string{"localhost:9092"},
		LingerMS:    5,
		Compression: "lz4",
		AllAcks:     true,
		MaxRetries:  3,
	}
}

func (c ProducerConfig) options() []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(c.Brokers...),
		kgo.ProducerLinger(time.Duration(c.LingerMS) * time.Millisecond),
		kgo.RecordRetries(c.MaxRetries),
	}
	if c.AllAcks {
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	} else {
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	}
	switch c.Compression {
	case "lz4":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.Lz4Compression()))
	case "snappy":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.SnappyCompression()))
	case "gzip":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.GzipCompression()))
	case "zstd":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.ZstdCompression()))
	}
	return opts
}

// Producer implements postgres.Publisher. Sends go through a circuit
// breaker so that a broker outage leaves entries pending in the outbox
// instead of stalling the relay on timeouts.
type Producer struct {
	client  *kgo.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
	tracer  trace.Tracer

	onPublished func()
	sent        atomic.Int64
	failed      atomic.Int64
}

var _ postgres.Publisher = (*Producer)(nil)

// NewProducer creates a producer. breaker may be nil; onPublished, when
// set, is called once per acknowledged record.
func NewProducer(cfg ProducerConfig, breaker *circuitbreaker.CircuitBreaker, onPublished func(), logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := kgo.NewClient(cfg.options()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Producer{
		client:      client,
		breaker:     breaker,
		logger:      logger,
		tracer:      otel.Tracer("redpanda-producer"),
		onPublished: onPublished,
	}, nil
}

// Publish sends one record and waits for the broker acknowledgment
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	ctx, span := p.tracer.Start(ctx, "redpanda.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("key", key),
			attribute.Int("value_size", len(value)),
		))
	defer span.End()

	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	injectTraceHeaders(ctx, record)

	send := func(ctx context.Context) error {
		return p.client.ProduceSync(ctx, record).FirstErr()
	}
	var err error
	if p.breaker != nil {
		err = p.breaker.Do(ctx, send)
	} else {
		err = send(ctx)
	}
	if err != nil {
		p.failed.Add(1)
		span.RecordError(err)
		p.logger.Warn("failed to produce record",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return err
	}

	p.sent.Add(1)
	if p.onPublished != nil {
		p.onPublished()
	}
	p.logger.Debug("record produced",
		zap.String("topic", record.Topic),
		zap.Int32("partition", record.Partition),
		zap.Int64("offset", record.Offset))
	return nil
}

// Close flushes and closes the producer
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("error flushing on close", zap.Error(err))
	}
	p.client.Close()
	return nil
}

// ProducerStats holds producer counters
type ProducerStats struct {
	Sent   int64
	Failed int64
}

// Stats returns current producer counters
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{Sent: p.sent.Load(), Failed: p.failed.Load()}
}

// headerCarrier adapts record headers to the otel propagation API
type headerCarrier struct{ r *kgo.Record }

func (c headerCarrier) Get(key string) string {
	for _, h := range c.r.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	for i, h := range c.r.Headers {
		if h.Key == key {
			c.r.Headers[i].Value = []byte(value)
			return
		}
	}
	c.r.Headers = append(c.r.Headers, kgo.RecordHeader{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.r.Headers))
	for _, h := range c.r.Headers {
		keys = append(keys, h.Key)
	}
	return keys
}

var propagator = propagation.TraceContext{}

// injectTraceHeaders adds W3C trace context to record headers
func injectTraceHeaders(ctx context.Context, record *kgo.Record) {
	propagator.Inject(ctx, headerCarrier{r: record})
}

// extractTraceContext returns ctx carrying the span context of record
func extractTraceContext(ctx context.Context, record *kgo.Record) context.Context {
	return propagator.Extract(ctx, headerCarrier{r: record})
}

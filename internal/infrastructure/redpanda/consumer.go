package redpanda

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// TailConfig holds configuration for reading the audit stream
type TailConfig struct {
	Brokers []string
	Topic   string
	// GroupID commits progress when set; otherwise every run starts afresh
	GroupID string
	// FromStart replays the retained history instead of only new records
	FromStart bool
	// Limit stops after this many records; zero means until ctx is done
	Limit int
}

// Message is one consumed record
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       string
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// MessageHandler is called for each consumed message. Returning an error
// stops the tail.
type MessageHandler func(ctx context.Context, msg *Message) error

// Tail reads the evaluation audit stream
type Tail struct {
	client  *kgo.Client
	config  TailConfig
	handler MessageHandler
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewTail creates a reader for cfg.Topic
func NewTail(cfg TailConfig, handler MessageHandler, logger *zap.Logger) (*Tail, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if cfg.Topic == "" {
		cfg.Topic = TopicEvaluations
	}

	offset := kgo.NewOffset().AtEnd()
	if cfg.FromStart {
		offset = kgo.NewOffset().AtStart()
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(offset),
	}
	if cfg.GroupID != "" {
		opts = append(opts, kgo.ConsumerGroup(cfg.GroupID), kgo.DisableAutoCommit())
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Tail{
		client:  client,
		config:  cfg,
		handler: handler,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-tail"),
	}, nil
}

// Run consumes until ctx is done, the limit is reached or the handler fails
func (t *Tail) Run(ctx context.Context) error {
	defer t.client.Close()

	seen := 0
	for {
		fetches := t.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		for _, fe := range fetches.Errors() {
			if errors.Is(fe.Err, context.Canceled) {
				return nil
			}
			t.logger.Warn("fetch error",
				zap.String("topic", fe.Topic),
				zap.Int32("partition", fe.Partition),
				zap.Error(fe.Err))
		}

		iter := fetches.RecordIter()
		for !iter.Done() {
			record := iter.Next()
			if err := t.handle(ctx, record); err != nil {
				return err
			}
			seen++
			if t.config.Limit > 0 && seen >= t.config.Limit {
				return t.commit(ctx)
			}
		}
		if err := t.commit(ctx); err != nil {
			return err
		}
	}
}

func (t *Tail) handle(ctx context.Context, record *kgo.Record) error {
	ctx = extractTraceContext(ctx, record)
	ctx, span := t.tracer.Start(ctx, "redpanda.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("partition", int64(record.Partition)),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	msg := &Message{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       string(record.Key),
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	if err := t.handler(ctx, msg); err != nil {
		span.RecordError(err)
		return fmt.Errorf("offset %d: %w", record.Offset, err)
	}
	if t.config.GroupID != "" {
		t.client.MarkCommitRecords(record)
	}
	return nil
}

func (t *Tail) commit(ctx context.Context) error {
	if t.config.GroupID == "" {
		return nil
	}
	if err := t.client.CommitMarkedOffsets(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("failed to commit offsets: %w", err)
	}
	return nil
}

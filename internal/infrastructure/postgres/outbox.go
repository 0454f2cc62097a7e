// Package postgres provides PostgreSQL infrastructure: the schema, the
// transactional outbox for evaluation events, the catalog source and the
// patient store.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// relayLockID is the advisory lock held by the relay processing a batch
const relayLockID = int64(0x646f7365)

// DeadLetterTopic receives entries that exhausted their retries
const DeadLetterTopic = "dosing.dead-letter"

// OutboxEntry is an event waiting to be published
type OutboxEntry struct {
	ID          int64
	EventID     string
	EventType   string
	Payload     json.RawMessage
	Topic       string
	Key         string
	CreatedAt   time.Time
	ProcessedAt *time.Time
	RetryCount  int
	LastError   *string
}

// RelayConfig holds configuration for the outbox relay
type RelayConfig struct {
	// BatchSize is the number of entries to process per batch
	BatchSize int
	// PollInterval is how often to poll for new entries
	PollInterval time.Duration
	// MaxRetries is the maximum retries before moving to dead letter
	MaxRetries int
}

// DefaultRelayConfig returns sensible defaults
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:    100,
		PollInterval: time.Second,
		MaxRetries:   5,
	}
}

// Publisher sends one message to the broker
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// WriteEntry appends an outbox entry inside tx. Call it in the same
// transaction that stores the event.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	query := `
		INSERT INTO outbox (event_id, event_type, payload, topic, message_key)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	err := tx.QueryRow(ctx, query,
		entry.EventID,
		entry.EventType,
		entry.Payload,
		entry.Topic,
		entry.Key,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// Relay polls the outbox and publishes pending entries
type Relay struct {
	pool      *pgxpool.Pool
	config    RelayConfig
	publisher Publisher
	logger    *zap.Logger
	tracer    trace.Tracer
	onPending func(int64)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay creates an outbox relay. onPending, when set, receives the
// pending count after each batch.
func NewRelay(pool *pgxpool.Pool, publisher Publisher, cfg RelayConfig, logger *zap.Logger, onPending func(int64)) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		onPending: onPending,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start begins polling
func (r *Relay) Start() {
	go r.loop()
	r.logger.Info("outbox relay started",
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval))
}

// Stop stops polling and waits for the current batch
func (r *Relay) Stop() {
	r.cancel()
	<-r.done
	r.logger.Info("outbox relay stopped")
}

func (r *Relay) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ProcessBatch(r.ctx); err != nil {
				r.logger.Error("outbox batch failed", zap.Error(err))
			}
			if _, err := r.MoveToDeadLetter(r.ctx); err != nil {
				r.logger.Error("dead letter sweep failed", zap.Error(err))
			}
			if r.onPending != nil {
				if stats, err := r.Stats(r.ctx); err == nil {
					r.onPending(stats.Pending)
				}
			}
		}
	}
}

// ProcessBatch publishes one batch and returns the number published.
// Only one relay processes at a time.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "outbox.process_batch")
	defer span.End()

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire: %w", err)
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", relayLockID).Scan(&acquired); err != nil {
		return 0, fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		return 0, nil
	}
	defer conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", relayLockID)

	entries, err := r.fetchPending(ctx, conn)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	published := 0
	for _, entry := range entries {
		if err := r.processEntry(ctx, conn, entry); err != nil {
			r.logger.Warn("outbox entry not published",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.Error(err))
			continue
		}
		published++
	}
	return published, nil
}

func (r *Relay) fetchPending(ctx context.Context, conn *pgxpool.Conn) ([]*OutboxEntry, error) {
	query := `
		SELECT id, event_id, event_type, payload, topic, message_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count < $1
		ORDER BY id ASC
		LIMIT $2
	`
	rows, err := conn.Query(ctx, query, r.config.MaxRetries, r.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(&e.ID, &e.EventID, &e.EventType, &e.Payload, &e.Topic,
			&e.Key, &e.CreatedAt, &e.RetryCount, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *Relay) processEntry(ctx context.Context, conn *pgxpool.Conn, entry *OutboxEntry) error {
	ctx, span := r.tracer.Start(ctx, "outbox.process_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("event_id", entry.EventID),
		))
	defer span.End()

	if err := r.publisher.Publish(ctx, entry.Topic, entry.Key, entry.Payload); err != nil {
		if _, uerr := conn.Exec(ctx,
			`UPDATE outbox SET retry_count = retry_count + 1, last_error = $1 WHERE id = $2`,
			err.Error(), entry.ID); uerr != nil {
			r.logger.Error("failed to update retry count", zap.Error(uerr))
		}
		span.RecordError(err)
		return fmt.Errorf("publish: %w", err)
	}

	if _, err := conn.Exec(ctx, `UPDATE outbox SET processed_at = NOW() WHERE id = $1`, entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("mark processed: %w", err)
	}
	r.logger.Debug("outbox entry published",
		zap.Int64("id", entry.ID),
		zap.String("topic", entry.Topic))
	return nil
}

// DeadLetter is the message published for an entry that exhausted its retries
type DeadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// NewDeadLetter wraps an exhausted entry
func NewDeadLetter(e *OutboxEntry) DeadLetter {
	dl := DeadLetter{
		OriginalTopic: e.Topic,
		EventID:       e.EventID,
		EventType:     e.EventType,
		Payload:       e.Payload,
		RetryCount:    e.RetryCount,
		CreatedAt:     e.CreatedAt,
	}
	if e.LastError != nil {
		dl.LastError = *e.LastError
	}
	return dl
}

// MoveToDeadLetter publishes exhausted entries to DeadLetterTopic and marks
// them processed
func (r *Relay) MoveToDeadLetter(ctx context.Context) (int64, error) {
	query := `
		SELECT id, event_id, event_type, payload, topic, message_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count >= $1
		ORDER BY id ASC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, r.config.MaxRetries, r.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("query dead letters: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*OutboxEntry, error) {
		e := &OutboxEntry{}
		err := row.Scan(&e.ID, &e.EventID, &e.EventType, &e.Payload, &e.Topic,
			&e.Key, &e.CreatedAt, &e.RetryCount, &e.LastError)
		return e, err
	})
	if err != nil {
		return 0, fmt.Errorf("scan dead letters: %w", err)
	}

	var count int64
	for _, e := range entries {
		payload, err := json.Marshal(NewDeadLetter(e))
		if err != nil {
			return count, err
		}
		if err := r.publisher.Publish(ctx, DeadLetterTopic, e.Key, payload); err != nil {
			r.logger.Error("failed to publish dead letter", zap.Int64("id", e.ID), zap.Error(err))
			continue
		}
		if _, err := r.pool.Exec(ctx, "UPDATE outbox SET processed_at = NOW() WHERE id = $1", e.ID); err != nil {
			r.logger.Error("failed to mark dead letter", zap.Int64("id", e.ID), zap.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

// CleanupProcessed removes processed entries older than olderThan
func (r *Relay) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := r.pool.Exec(ctx,
		`DELETE FROM outbox WHERE processed_at IS NOT NULL AND processed_at < NOW() - make_interval(secs => $1)`,
		olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	return result.RowsAffected(), nil
}

// OutboxStats summarises the outbox
type OutboxStats struct {
	Pending       int64      `json:"pending"`
	Failed        int64      `json:"failed"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// Stats returns current outbox statistics
func (r *Relay) Stats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE retry_count < $1),
			COUNT(*) FILTER (WHERE retry_count >= $1),
			MIN(created_at)
		FROM outbox
		WHERE processed_at IS NULL
	`, r.config.MaxRetries).Scan(&stats.Pending, &stats.Failed, &stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}

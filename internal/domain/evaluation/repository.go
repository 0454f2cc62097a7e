package evaluation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/crivet/dose-engine/internal/infrastructure/postgres"
)

// Repository stores audit events and queues them for the broker in one
// transaction
type Repository struct {
	pool   *pgxpool.Pool
	topic  string
	logger *zap.Logger
}

var _ Recorder = (*Repository)(nil)

// NewRepository creates a repository that queues events on topic
func NewRepository(pool *pgxpool.Pool, topic string, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, topic: topic, logger: logger}
}

// Record implements Recorder
func (r *Repository) Record(ctx context.Context, e *Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertEvent(ctx, tx, e); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if err := postgres.WriteEntry(ctx, tx, &postgres.OutboxEntry{
		EventID:   e.ID,
		EventType: string(e.EventType),
		Payload:   payload,
		Topic:     r.topic,
		Key:       e.AggregateID(),
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Debug("evaluation recorded",
		zap.String("event_id", e.ID),
		zap.String("event_type", string(e.EventType)),
		zap.String("status", e.Status.String()))
	return nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, e *Event) error {
	query := `
		INSERT INTO evaluation_events
		(id, event_type, drug_id, protocol_id, species, status, unevaluable, request, result,
		 client_id, request_id, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := tx.Exec(ctx, query,
		e.ID,
		e.EventType,
		nullable(e.DrugID),
		nullable(e.ProtocolID),
		e.Species,
		e.Status.String(),
		e.Unevaluable,
		e.Request,
		e.Result,
		nullable(e.ClientID),
		nullable(e.RequestID),
		nullable(e.IdempotencyKey),
		e.Timestamp,
	)
	return err
}

// Recent returns the latest events for a drug, newest first
func (r *Repository) Recent(ctx context.Context, drugID string, limit int) ([]*Event, error) {
	query := `
		SELECT id, event_type, COALESCE(drug_id, ''), COALESCE(protocol_id, ''), species, status,
		       unevaluable, request, result, COALESCE(client_id, ''), COALESCE(request_id, ''),
		       COALESCE(idempotency_key, ''), created_at
		FROM evaluation_events
		WHERE drug_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, drugID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var status string
		if err := rows.Scan(&e.ID, &e.EventType, &e.DrugID, &e.ProtocolID, &e.Species, &status,
			&e.Unevaluable, &e.Request, &e.Result, &e.ClientID, &e.RequestID,
			&e.IdempotencyKey, &e.Timestamp); err != nil {
			return nil, err
		}
		if err := e.Status.UnmarshalText([]byte(status)); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

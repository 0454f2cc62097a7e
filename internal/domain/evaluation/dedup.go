package evaluation

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/crivet/dose-engine/pkg/idempotency"
)

// Deduplicator runs fn at most once per key
type Deduplicator interface {
	Process(ctx context.Context, key, handler string, fn idempotency.Func) (idempotency.Result, error)
}

// IdempotentRecorder skips events already recorded for the same client and
// request within a minute
type IdempotentRecorder struct {
	next   Recorder
	dedup  Deduplicator
	logger *zap.Logger
}

var _ Recorder = (*IdempotentRecorder)(nil)

// NewIdempotentRecorder wraps next with dedup
func NewIdempotentRecorder(next Recorder, dedup Deduplicator, logger *zap.Logger) *IdempotentRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdempotentRecorder{next: next, dedup: dedup, logger: logger}
}

// Record implements Recorder. A key held by a concurrent call counts as
// recorded.
func (r *IdempotentRecorder) Record(ctx context.Context, e *Event) error {
	if e.IdempotencyKey == "" {
		e.IdempotencyKey = idempotency.GenerateKey(e.ClientID, string(e.EventType), e.Request, e.Timestamp)
	}
	res, err := r.dedup.Process(ctx, e.IdempotencyKey, "record-evaluation", func(ctx context.Context) (json.RawMessage, error) {
		if err := r.next.Record(ctx, e); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"event_id": e.ID})
	})
	switch {
	case errors.Is(err, idempotency.ErrInProgress):
		r.logger.Debug("evaluation already being recorded", zap.String("key", e.IdempotencyKey))
		return nil
	case err != nil:
		return err
	case res.Duplicate:
		r.logger.Debug("duplicate evaluation skipped",
			zap.String("key", e.IdempotencyKey),
			zap.ByteString("previous", res.Output))
	}
	return nil
}

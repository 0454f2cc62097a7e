// Package idempotency provides an inbox that runs a handler at most once per
// key. Keys are derived from the caller and the canonical request, truncated
// to the minute, so that an interactive client recomputing the same dose does
// not record it again.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

var (
	// ErrInProgress is returned while another handler holds the key
	ErrInProgress = errors.New("in progress by another handler")
	// ErrPreviouslyFailed is returned for keys that failed terminally
	ErrPreviouslyFailed = errors.New("previously failed permanently")
	// errTaken means the key was claimed between lookup and insert
	errTaken = errors.New("key taken")
)

// Entry is an inbox record
type Entry struct {
	Key       string
	Handler   string
	Status    Status
	Result    json.RawMessage
	UpdatedAt time.Time
}

// Config holds configuration for the inbox
type Config struct {
	// TTL bounds how long a key suppresses repeats
	TTL time.Duration
	// CleanupInterval is how often expired entries are removed
	CleanupInterval time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		TTL:             24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// Result reports what Process did
type Result struct {
	// Duplicate is set when the handler did not run because the key was
	// already finished
	Duplicate bool
	Recovered bool
	Output    json.RawMessage
}

// Func is the handler run once per key
type Func func(ctx context.Context) (json.RawMessage, error)

// terminalError marks a handler failure that must not be retried
type terminalError struct{ err error }

func (e terminalError) Error() string { return e.err.Error() }
func (e terminalError) Unwrap() error { return e.err }

// Terminal marks err as permanent: the entry becomes FAILED instead of
// RECOVERABLE
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return terminalError{err: err}
}

// GenerateKey derives a deterministic key from the caller, a kind of work
// and its canonical payload. The timestamp is truncated to the minute for
// clock drift tolerance.
func GenerateKey(clientID, kind string, payload []byte, timestamp time.Time) string {
	h := sha256.New()
	for _, part := range [][]byte{
		[]byte(clientID),
		[]byte(kind),
		payload,
		[]byte(timestamp.UTC().Truncate(time.Minute).Format(time.RFC3339)),
	} {
		h.Write(part)
		h.Write([]byte{'|'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

type action int

const (
	actionRun action = iota
	actionReturn
	actionRecover
)

// decide maps the stored entry (nil when absent) onto what Process does
func decide(e *Entry, now time.Time, recovery time.Duration) (action, error) {
	if e == nil {
		return actionRun, nil
	}
	switch e.Status {
	case StatusFinished:
		return actionReturn, nil
	case StatusFailed:
		return 0, fmt.Errorf("%s: %w", e.Key, ErrPreviouslyFailed)
	case StatusStarted:
		if now.Sub(e.UpdatedAt) > recovery {
			return actionRecover, nil
		}
		return 0, ErrInProgress
	default:
		return actionRun, nil
	}
}

// Inbox runs handlers at most once per key, backed by the inbox table
type Inbox struct {
	pool   *pgxpool.Pool
	config Config
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates an inbox
func NewInbox(pool *pgxpool.Pool, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Process runs fn unless key already finished, in which case the stored
// output is returned with Duplicate set
func (i *Inbox) Process(ctx context.Context, key, handler string, fn Func) (Result, error) {
	ctx, span := i.tracer.Start(ctx, "inbox.process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handler),
		))
	defer span.End()

	entry, err := i.get(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("check inbox: %w", err)
	}
	act, err := decide(entry, time.Now(), i.config.RecoveryTimeout)
	if err != nil {
		return Result{}, err
	}
	switch act {
	case actionReturn:
		span.SetAttributes(attribute.Bool("duplicate", true))
		return Result{Duplicate: true, Output: entry.Result}, nil
	case actionRecover:
		if err := i.mark(ctx, key, StatusRecoverable, nil); err != nil {
			return Result{}, fmt.Errorf("mark recoverable: %w", err)
		}
	}

	if err := i.claim(ctx, key, handler); err != nil {
		if errors.Is(err, errTaken) {
			return Result{}, ErrInProgress
		}
		return Result{}, fmt.Errorf("claim key: %w", err)
	}

	out, ferr := fn(ctx)
	if ferr != nil {
		status := StatusRecoverable
		var t terminalError
		if errors.As(ferr, &t) {
			status = StatusFailed
		}
		detail, _ := json.Marshal(map[string]string{"error": ferr.Error()})
		if err := i.mark(ctx, key, status, detail); err != nil {
			i.logger.Error("failed to record handler error", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(ferr)
		return Result{}, ferr
	}

	if err := i.mark(ctx, key, StatusFinished, out); err != nil {
		// the handler succeeded; a repeat will run it again at worst
		i.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}
	return Result{Recovered: entry != nil, Output: out}, nil
}

func (i *Inbox) get(ctx context.Context, key string) (*Entry, error) {
	e := &Entry{}
	err := i.pool.QueryRow(ctx, `
		SELECT idempotency_key, handler_name, status, result, updated_at
		FROM inbox
		WHERE idempotency_key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&e.Key, &e.Handler, &e.Status, &e.Result, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// claim inserts the key as STARTED, or takes over a RECOVERABLE or expired one
func (i *Inbox) claim(ctx context.Context, key, handler string) error {
	var claimed string
	err := i.pool.QueryRow(ctx, `
		INSERT INTO inbox (idempotency_key, handler_name, status, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = EXCLUDED.status, handler_name = EXCLUDED.handler_name,
		    expires_at = EXCLUDED.expires_at, result = NULL, updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE' OR inbox.expires_at <= NOW()
		RETURNING idempotency_key
	`, key, handler, StatusStarted, time.Now().Add(i.config.TTL)).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return errTaken
	}
	return err
}

func (i *Inbox) mark(ctx context.Context, key string, status Status, result json.RawMessage) error {
	_, err := i.pool.Exec(ctx, `
		UPDATE inbox SET status = $1, result = $2, updated_at = NOW()
		WHERE idempotency_key = $3
	`, status, result, key)
	return err
}

// StartCleanup starts removing expired entries in the background
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the cleanup loop
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			tag, err := i.pool.Exec(i.ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
			if err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
				continue
			}
			if n := tag.RowsAffected(); n > 0 {
				i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
			}
		}
	}
}

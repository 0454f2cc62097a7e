package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/crivet/dose-engine/internal/domain/clinical"
	"github.com/crivet/dose-engine/internal/domain/dosing"
	"github.com/crivet/dose-engine/internal/domain/safety"
	"github.com/crivet/dose-engine/pkg/idempotency"
)

type memoryRecorder struct {
	mu     sync.Mutex
	events []*Event
	err    error
}

func (m *memoryRecorder) Record(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

// memoryInbox mimics the finished/in-progress behavior of the postgres inbox
type memoryInbox struct {
	mu       sync.Mutex
	finished map[string]json.RawMessage
	busy     map[string]bool
}

func newMemoryInbox() *memoryInbox {
	return &memoryInbox{finished: map[string]json.RawMessage{}, busy: map[string]bool{}}
}

func (m *memoryInbox) Process(ctx context.Context, key, _ string, fn idempotency.Func) (idempotency.Result, error) {
	m.mu.Lock()
	if out, ok := m.finished[key]; ok {
		m.mu.Unlock()
		return idempotency.Result{Duplicate: true, Output: out}, nil
	}
	if m.busy[key] {
		m.mu.Unlock()
		return idempotency.Result{}, idempotency.ErrInProgress
	}
	m.busy[key] = true
	m.mu.Unlock()

	out, err := fn(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.busy, key)
	if err != nil {
		return idempotency.Result{}, err
	}
	m.finished[key] = out
	return idempotency.Result{Output: out}, nil
}

func TestNewDoseEvent(t *testing.T) {
	req := dosing.Request{DrugID: "lidocaine", Mode: "cri", Species: "dog", WeightKg: 20, ProtocolID: "mlk"}
	res := dosing.Result{
		DrugID:      "lidocaine",
		Species:     clinical.SpeciesDog,
		Status:      clinical.StatusWarn,
		Unevaluable: []safety.Unevaluable{{}, {}},
	}
	e, err := NewDoseEvent(req, res, Meta{ClientID: "clinic", RequestID: "req-1"})
	if err != nil {
		t.Fatal(err)
	}
	if e.ID == "" || e.EventType != EventDoseEvaluated {
		t.Errorf("event = %+v", e)
	}
	if e.DrugID != "lidocaine" || e.ProtocolID != "mlk" || e.Species != "dog" {
		t.Errorf("identity = %s/%s/%s", e.DrugID, e.ProtocolID, e.Species)
	}
	if e.Status != clinical.StatusWarn || e.Unevaluable != 2 {
		t.Errorf("status %v unevaluable %d", e.Status, e.Unevaluable)
	}
	if e.AggregateID() != "drug:lidocaine" {
		t.Errorf("aggregate = %s", e.AggregateID())
	}
	var back dosing.Request
	if err := json.Unmarshal(e.Request, &back); err != nil || back.DrugID != "lidocaine" {
		t.Errorf("request payload = %s (%v)", e.Request, err)
	}
}

func TestNewProtocolEvent(t *testing.T) {
	req := dosing.ProtocolRequest{ProtocolID: "mlk", Species: "dog", WeightKg: 20}
	res := dosing.ProtocolResult{
		ProtocolID: "mlk",
		Status:     clinical.StatusBlocked,
		Results: []dosing.Result{
			{DrugID: "morphine", Unevaluable: []safety.Unevaluable{{}}},
			{DrugID: "lidocaine"},
			{DrugID: "ketamine", Unevaluable: []safety.Unevaluable{{}, {}}},
		},
	}
	e, err := NewProtocolEvent(req, res, Meta{})
	if err != nil {
		t.Fatal(err)
	}
	if e.EventType != EventProtocolEvaluated || e.Unevaluable != 3 || e.Status != clinical.StatusBlocked {
		t.Errorf("event = %+v", e)
	}
	if e.AggregateID() != "protocol:mlk" {
		t.Errorf("aggregate = %s", e.AggregateID())
	}
}

func TestIdempotentRecorder(t *testing.T) {
	ctx := context.Background()
	next := &memoryRecorder{}
	rec := NewIdempotentRecorder(next, newMemoryInbox(), nil)

	req := dosing.Request{DrugID: "fentanyl", Species: "dog", WeightKg: 20}
	first, _ := NewDoseEvent(req, dosing.Result{DrugID: "fentanyl"}, Meta{ClientID: "clinic"})
	second, _ := NewDoseEvent(req, dosing.Result{DrugID: "fentanyl"}, Meta{ClientID: "clinic"})
	second.Timestamp = first.Timestamp

	if err := rec.Record(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := rec.Record(ctx, second); err != nil {
		t.Fatal(err)
	}
	if len(next.events) != 1 {
		t.Fatalf("recorded %d events, want 1", len(next.events))
	}
	if first.IdempotencyKey == "" || first.IdempotencyKey != second.IdempotencyKey {
		t.Errorf("keys %q / %q", first.IdempotencyKey, second.IdempotencyKey)
	}

	other, _ := NewDoseEvent(req, dosing.Result{DrugID: "fentanyl"}, Meta{ClientID: "other-clinic"})
	other.Timestamp = first.Timestamp
	if err := rec.Record(ctx, other); err != nil {
		t.Fatal(err)
	}
	if len(next.events) != 2 {
		t.Errorf("another client must be recorded, got %d events", len(next.events))
	}
}

func TestIdempotentRecorderFailure(t *testing.T) {
	boom := errors.New("database down")
	next := &memoryRecorder{err: boom}
	inbox := newMemoryInbox()
	rec := NewIdempotentRecorder(next, inbox, nil)

	e, _ := NewDoseEvent(dosing.Request{DrugID: "ketamine"}, dosing.Result{}, Meta{})
	if err := rec.Record(context.Background(), e); !errors.Is(err, boom) {
		t.Fatalf("expected %v, got %v", boom, err)
	}

	next.err = nil
	if err := rec.Record(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	if len(next.events) != 1 {
		t.Errorf("a failed record must be retried, got %d events", len(next.events))
	}
}

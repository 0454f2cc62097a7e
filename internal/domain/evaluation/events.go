// Package evaluation records dose and protocol evaluations as audit events.
package evaluation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/crivet/dose-engine/internal/domain/clinical"
	"github.com/crivet/dose-engine/internal/domain/dosing"
)

// EventType represents the type of audit event
type EventType string

const (
	EventDoseEvaluated     EventType = "DoseEvaluated"
	EventProtocolEvaluated EventType = "ProtocolEvaluated"
)

// Event is one recorded evaluation. Request and Result hold the exact JSON
// exchanged with the caller.
type Event struct {
	ID             string          `json:"id"`
	EventType      EventType       `json:"event_type"`
	DrugID         string          `json:"drug_id,omitempty"`
	ProtocolID     string          `json:"protocol_id,omitempty"`
	Species        string          `json:"species"`
	Status         clinical.Status `json:"status"`
	Unevaluable    int             `json:"unevaluable"`
	Request        json.RawMessage `json:"request"`
	Result         json.RawMessage `json:"result"`
	ClientID       string          `json:"client_id,omitempty"`
	RequestID      string          `json:"request_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Meta identifies the caller of an evaluation
type Meta struct {
	ClientID  string
	RequestID string
}

// Recorder persists audit events
type Recorder interface {
	Record(ctx context.Context, e *Event) error
}

// NewDoseEvent creates the audit event for a single-drug evaluation
func NewDoseEvent(req dosing.Request, res dosing.Result, meta Meta) (*Event, error) {
	e, err := newEvent(EventDoseEvaluated, req, res, meta)
	if err != nil {
		return nil, err
	}
	e.DrugID = res.DrugID
	e.ProtocolID = req.ProtocolID
	e.Species = string(res.Species)
	e.Status = res.Status
	e.Unevaluable = len(res.Unevaluable)
	return e, nil
}

// NewProtocolEvent creates the audit event for a protocol evaluation
func NewProtocolEvent(req dosing.ProtocolRequest, res dosing.ProtocolResult, meta Meta) (*Event, error) {
	e, err := newEvent(EventProtocolEvaluated, req, res, meta)
	if err != nil {
		return nil, err
	}
	e.ProtocolID = res.ProtocolID
	e.Species = req.Species
	e.Status = res.Status
	for _, r := range res.Results {
		e.Unevaluable += len(r.Unevaluable)
	}
	return e, nil
}

func newEvent(t EventType, req, res any, meta Meta) (*Event, error) {
	reqData, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	resData, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        uuid.New().String(),
		EventType: t,
		Request:   reqData,
		Result:    resData,
		ClientID:  meta.ClientID,
		RequestID: meta.RequestID,
		Timestamp: time.Now().UTC(),
	}, nil
}

// AggregateID keys broker messages: per drug, or per protocol
func (e *Event) AggregateID() string {
	if e.EventType == EventProtocolEvaluated || e.DrugID == "" {
		return "protocol:" + e.ProtocolID
	}
	return "drug:" + e.DrugID
}

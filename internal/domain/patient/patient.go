// Package patient defines patient/tutor records and the store contract the
// API uses to default species, weight and comorbidities on requests.
package patient

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crivet/dose-engine/internal/domain/clinical"
	"github.com/crivet/dose-engine/internal/domain/dosing"
	"github.com/crivet/dose-engine/internal/domain/predicate"
)

// Tutor is the animal's owner
type Tutor struct {
	Name    string `json:"name"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

// Patient is one animal record
type Patient struct {
	ID              string                     `json:"id"`
	Name            string                     `json:"name"`
	Species         clinical.Species           `json:"species"`
	Breed           string                     `json:"breed,omitempty"`
	Sex             string                     `json:"sex,omitempty"`
	AgeText         string                     `json:"age_text,omitempty"`
	WeightKg        float64                    `json:"weight_kg"`
	ComorbidityTags []string                   `json:"comorbidity_tags,omitempty"`
	Labs            map[string]predicate.Value `json:"labs,omitempty"`
	Tutor           Tutor                      `json:"tutor"`
	CreatedAt       time.Time                  `json:"created_at"`
	UpdatedAt       time.Time                  `json:"updated_at"`
}

// Store is the patient/tutor CRUD contract
type Store interface {
	Load(ctx context.Context, id string) (Patient, error)
	Save(ctx context.Context, p Patient) (Patient, error)
	Upsert(ctx context.Context, p Patient) (Patient, error)
	Remove(ctx context.Context, id string) error
	List(ctx context.Context) ([]Patient, error)
}

// Validate checks a record before it is stored
func (p Patient) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return &clinical.InputError{Field: "name", Reason: "is required"}
	}
	if _, err := clinical.ParseSpecies(string(p.Species)); err != nil {
		return err
	}
	if p.WeightKg < 0 {
		return &clinical.InputError{Field: "weight_kg", Reason: "must not be negative"}
	}
	if p.ID != "" {
		if _, err := uuid.Parse(p.ID); err != nil {
			return &clinical.InputError{Field: "id", Reason: "must be a UUID"}
		}
	}
	return nil
}

// Prepare validates p, assigns an ID when missing and stamps the times
func Prepare(p Patient, now time.Time) (Patient, error) {
	if err := p.Validate(); err != nil {
		return Patient{}, err
	}
	species, _ := clinical.ParseSpecies(string(p.Species))
	p.Species = species
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	return p, nil
}

// ApplyDefaults fills the request fields the caller left empty. Tags and
// labs are merged, with the request taking precedence.
func (p Patient) ApplyDefaults(req *dosing.Request) {
	if req.Species == "" {
		req.Species = string(p.Species)
	}
	if req.WeightKg == 0 {
		req.WeightKg = p.WeightKg
	}
	req.ComorbidityTags = mergeTags(p.ComorbidityTags, req.ComorbidityTags)
	req.Labs = mergeLabs(p.Labs, req.Labs)
}

// ApplyProtocolDefaults is ApplyDefaults for a protocol request
func (p Patient) ApplyProtocolDefaults(req *dosing.ProtocolRequest) {
	if req.Species == "" {
		req.Species = string(p.Species)
	}
	if req.WeightKg == 0 {
		req.WeightKg = p.WeightKg
	}
	req.ComorbidityTags = mergeTags(p.ComorbidityTags, req.ComorbidityTags)
	req.Labs = mergeLabs(p.Labs, req.Labs)
}

func mergeTags(base, extra []string) []string {
	if len(base) == 0 {
		return extra
	}
	seen := make(map[string]bool, len(base)+len(extra))
	var out []string
	for _, t := range append(append([]string(nil), base...), extra...) {
		k := strings.ToLower(strings.TrimSpace(t))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

func mergeLabs(base, extra map[string]predicate.Value) map[string]predicate.Value {
	if len(base) == 0 {
		return extra
	}
	out := make(map[string]predicate.Value, len(base)+len(extra))
	for k, v := range base {
		out[strings.ToUpper(k)] = v
	}
	for k, v := range extra {
		out[strings.ToUpper(k)] = v
	}
	return out
}

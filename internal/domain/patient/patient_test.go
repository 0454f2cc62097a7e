package patient

import (
	"errors"
	"testing"
	"time"

	"github.com/crivet/dose-engine/internal/domain/clinical"
	"github.com/crivet/dose-engine/internal/domain/dosing"
	"github.com/crivet/dose-engine/internal/domain/predicate"
)

func TestPrepare(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	p, err := Prepare(Patient{Name: "Luna", Species: " CAT "}, now)
	if err != nil {
		t.Fatal(err)
	}
	if p.ID == "" || p.Species != clinical.SpeciesCat {
		t.Errorf("prepared = %+v", p)
	}
	if !p.CreatedAt.Equal(now) || !p.UpdatedAt.Equal(now) {
		t.Errorf("times = %v / %v", p.CreatedAt, p.UpdatedAt)
	}

	tests := []Patient{
		{Species: "dog"},
		{Name: "x", Species: "horse"},
		{Name: "x", Species: "dog", WeightKg: -1},
	}
	for _, tt := range tests {
		if _, err := Prepare(tt, now); !errors.Is(err, clinical.ErrInvalidInput) {
			t.Errorf("%+v: expected invalid input, got %v", tt, err)
		}
	}
}

func TestApplyDefaults(t *testing.T) {
	p := Patient{
		Species:         clinical.SpeciesDog,
		WeightKg:        22,
		ComorbidityTags: []string{"ckd", "Obesity"},
		Labs:            map[string]predicate.Value{"k": predicate.Number(3.2), "GLU": predicate.Number(110)},
	}

	req := dosing.Request{
		ComorbidityTags: []string{"obesity", "hcm"},
		Labs:            map[string]predicate.Value{"K": predicate.Number(4.0)},
	}
	p.ApplyDefaults(&req)
	if req.Species != "dog" || req.WeightKg != 22 {
		t.Errorf("species %q weight %v", req.Species, req.WeightKg)
	}
	if len(req.ComorbidityTags) != 3 {
		t.Errorf("tags = %v", req.ComorbidityTags)
	}
	if v, _ := req.Labs["K"].Num(); v != 4.0 {
		t.Errorf("request lab must win: %v", req.Labs)
	}

	explicit := dosing.Request{Species: "cat", WeightKg: 3}
	p.ApplyDefaults(&explicit)
	if explicit.Species != "cat" || explicit.WeightKg != 3 {
		t.Errorf("explicit fields overwritten: %+v", explicit)
	}

	pr := dosing.ProtocolRequest{}
	p.ApplyProtocolDefaults(&pr)
	if pr.Species != "dog" || pr.WeightKg != 22 || len(pr.ComorbidityTags) != 2 {
		t.Errorf("protocol request = %+v", pr)
	}
}

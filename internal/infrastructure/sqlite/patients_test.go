package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/crivet/dose-engine/internal/domain/clinical"
	"github.com/crivet/dose-engine/internal/domain/patient"
	"github.com/crivet/dose-engine/internal/domain/predicate"
)

func openTestStore(t *testing.T) *PatientStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "patients.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveLoadRemove(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	saved, err := s.Save(ctx, patient.Patient{
		Name:            "Mia",
		Species:         "Cat",
		WeightKg:        4.2,
		ComorbidityTags: []string{"ckd"},
		Labs:            map[string]predicate.Value{"K": predicate.Number(3.1)},
		Tutor:           patient.Tutor{Name: "Ana"},
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if saved.ID == "" || saved.Species != clinical.SpeciesCat {
		t.Fatalf("saved = %+v", saved)
	}

	got, err := s.Load(ctx, saved.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Name != "Mia" || got.WeightKg != 4.2 || got.Tutor.Name != "Ana" {
		t.Errorf("loaded = %+v", got)
	}
	if v, ok := got.Labs["K"].Num(); !ok || v != 3.1 {
		t.Errorf("labs = %v", got.Labs)
	}

	if _, err := s.Save(ctx, saved); !errors.Is(err, clinical.ErrInvalidInput) {
		t.Errorf("duplicate save: %v", err)
	}

	if err := s.Remove(ctx, saved.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Load(ctx, saved.ID); !errors.Is(err, clinical.ErrNotFound) {
		t.Errorf("load after remove: %v", err)
	}
	if err := s.Remove(ctx, saved.ID); !errors.Is(err, clinical.ErrNotFound) {
		t.Errorf("second remove: %v", err)
	}
}

func TestUpsertKeepsCreation(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	first, err := s.Upsert(ctx, patient.Patient{Name: "Rex", Species: "dog", WeightKg: 30})
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Upsert(ctx, patient.Patient{ID: first.ID, Name: "Rex", Species: "dog", WeightKg: 28})
	if err != nil {
		t.Fatal(err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("created_at changed: %v -> %v", first.CreatedAt, second.CreatedAt)
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].WeightKg != 28 {
		t.Errorf("list = %+v", list)
	}
}

func TestRejectsInvalidRecords(t *testing.T) {
	s := openTestStore(t)
	for _, p := range []patient.Patient{
		{Name: "", Species: "dog"},
		{Name: "Nemo", Species: "fish"},
		{Name: "Bolt", Species: "dog", ID: "not-a-uuid"},
	} {
		if _, err := s.Save(context.Background(), p); !errors.Is(err, clinical.ErrInvalidInput) {
			t.Errorf("%+v: %v", p, err)
		}
	}
}

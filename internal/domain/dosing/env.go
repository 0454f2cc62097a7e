package dosing

import (
	"fmt"
	"strings"

	"github.com/crivet/dose-engine/internal/domain/clinical"
	"github.com/crivet/dose-engine/internal/domain/predicate"
	"github.com/crivet/dose-engine/internal/domain/profile"
	"github.com/crivet/dose-engine/internal/domain/quantity"
)

// env is the predicate environment of one evaluation. Every quantity is
// exposed once per unit of its dimension, so a check authored against
// dose_mgkgh also sees a dose requested in mcg/kg/min.
type env struct {
	fields     map[string]predicate.Value
	quantities map[string]quantity.Quantity
	patient    clinical.PatientContext
	present    map[string]struct{}
}

func newEnv(drug *profile.DrugProfile, patient clinical.PatientContext, mode clinical.Mode) *env {
	e := &env{
		fields:     make(map[string]predicate.Value),
		quantities: make(map[string]quantity.Quantity),
		patient:    patient,
		present:    make(map[string]struct{}),
	}
	species := predicate.String(string(patient.Species()))
	e.fields[profile.FieldSpecies] = species
	e.fields[profile.FieldPatientSpecies] = species
	e.fields[profile.FieldRoute] = predicate.String(string(patient.Route()))
	e.fields[profile.FieldMode] = predicate.String(string(mode))
	e.fields[profile.FieldWeightKg] = predicate.Number(patient.WeightKg())
	e.fields[profile.FieldDrugID] = predicate.String(drug.ID())
	return e
}

// dose exposes a per-kg dose as dose_<compact unit> fields
func (e *env) dose(q quantity.Quantity) {
	e.expand(q, profile.DoseField)
}

// quantity exposes q as prefix_<unit> fields
func (e *env) quantity(prefix string, q quantity.Quantity) {
	e.expand(q, func(u quantity.Unit) string { return profile.UnitField(prefix, u) })
}

func (e *env) expand(q quantity.Quantity, name func(quantity.Unit) string) {
	dim := q.Dimension()
	for _, u := range quantity.Units() {
		if u.Dimension() != dim {
			continue
		}
		v, err := q.In(u)
		if err != nil {
			continue
		}
		n := name(u)
		e.fields[n] = predicate.Number(v.Value)
		e.quantities[n] = v
	}
}

// flags adds request flags. Declared flag inputs that the request omits
// default to false; a flag may not shadow an engine field.
func (e *env) flags(flags map[string]predicate.Value, inputs []profile.Input) error {
	for name, v := range flags {
		key := strings.ToLower(strings.TrimSpace(name))
		if profile.KnownField(key) {
			return &clinical.InputError{Field: "flags." + name, Reason: "reserved field name"}
		}
		if v.IsZero() {
			return &clinical.InputError{Field: "flags." + name, Reason: "must be a number, string or bool"}
		}
		e.fields[key] = v
	}
	for _, in := range inputs {
		if in.Kind != "flag" {
			continue
		}
		if _, ok := e.fields[in.Name]; !ok {
			e.fields[in.Name] = predicate.Bool(false)
		}
	}
	return nil
}

func (e *env) addPresent(ids ...string) {
	for _, id := range ids {
		e.present[strings.ToLower(id)] = struct{}{}
	}
}

func (e *env) Field(name string) (predicate.Value, bool) {
	v, ok := e.fields[name]
	return v, ok
}

func (e *env) Lab(key string) (predicate.Value, bool) { return e.patient.Lab(key) }

func (e *env) HasTag(tag string) bool { return e.patient.HasTag(tag) }

func (e *env) DrugPresent(drugID string) bool {
	if _, ok := e.present[strings.ToLower(drugID)]; ok {
		return true
	}
	return e.patient.OnDrug(drugID)
}

// render returns the named output quantities
func (e *env) render(names []string) (map[string]quantity.Quantity, error) {
	out := make(map[string]quantity.Quantity, len(names))
	for _, n := range names {
		q, ok := e.quantities[n]
		if !ok {
			return nil, fmt.Errorf("output %s is not produced", n)
		}
		out[n] = q
	}
	return out, nil
}

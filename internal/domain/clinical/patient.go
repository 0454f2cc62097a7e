package clinical

import (
	"math"
	"sort"
	"strings"

	"github.com/crivet/dose-engine/internal/domain/predicate"
)

// PatientContext is the immutable description of the animal a dose is
// evaluated for
type PatientContext struct {
	species    Species
	weightKg   float64
	route      Route
	tags       []string
	tagSet     map[string]struct{}
	labs       map[string]predicate.Value
	otherDrugs []string
}

// NewPatientContext validates and normalizes its inputs. Tags and drug IDs
// are lower-cased, sorted and de-duplicated; lab keys are upper-cased.
func NewPatientContext(species Species, weightKg float64, route Route, tags []string, labs map[string]predicate.Value, otherDrugs []string) (PatientContext, error) {
	if species != SpeciesDog && species != SpeciesCat {
		return PatientContext{}, &InputError{Field: "species", Reason: "must be dog or cat"}
	}
	if math.IsNaN(weightKg) || math.IsInf(weightKg, 0) || weightKg <= 0 {
		return PatientContext{}, &InputError{Field: "weight_kg", Reason: "must be a positive number"}
	}
	if route == "" {
		route = RouteIV
	}

	p := PatientContext{
		species:    species,
		weightKg:   weightKg,
		route:      route,
		tags:       normalize(tags),
		labs:       make(map[string]predicate.Value, len(labs)),
		otherDrugs: normalize(otherDrugs),
	}
	p.tagSet = make(map[string]struct{}, len(p.tags))
	for _, t := range p.tags {
		p.tagSet[t] = struct{}{}
	}
	for k, v := range labs {
		key := strings.ToUpper(strings.TrimSpace(k))
		if key == "" || v.IsZero() {
			continue
		}
		p.labs[key] = v
	}
	return p, nil
}

func normalize(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (p PatientContext) Species() Species  { return p.species }
func (p PatientContext) WeightKg() float64 { return p.weightKg }
func (p PatientContext) Route() Route      { return p.route }

// Tags returns a copy of the comorbidity tags, sorted
func (p PatientContext) Tags() []string { return append([]string(nil), p.tags...) }

// HasTag reports whether the patient carries tag
func (p PatientContext) HasTag(tag string) bool {
	_, ok := p.tagSet[strings.ToLower(tag)]
	return ok
}

// Lab returns a lab value by key
func (p PatientContext) Lab(key string) (predicate.Value, bool) {
	v, ok := p.labs[strings.ToUpper(key)]
	return v, ok
}

// Labs returns a copy of the lab values
func (p PatientContext) Labs() map[string]predicate.Value {
	out := make(map[string]predicate.Value, len(p.labs))
	for k, v := range p.labs {
		out[k] = v
	}
	return out
}

// OtherDrugs returns a copy of the drugs already running for the patient
func (p PatientContext) OtherDrugs() []string { return append([]string(nil), p.otherDrugs...) }

// OnDrug reports whether drugID is already running for the patient
func (p PatientContext) OnDrug(drugID string) bool {
	id := strings.ToLower(drugID)
	i := sort.SearchStrings(p.otherDrugs, id)
	return i < len(p.otherDrugs) && p.otherDrugs[i] == id
}

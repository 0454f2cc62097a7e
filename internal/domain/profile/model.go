// Package profile holds the immutable drug catalog: per-species dose ranges,
// calculation templates with their safety checks, comorbidity alerts and
// protocol integration rules.
//
// Profiles are authored as YAML documents, compiled once into the types in
// this file and served read-only through a Repository.
package profile

import (
	"fmt"
	"math"
	"sort"

	"github.com/crivet/dose-engine/internal/domain/clinical"
	"github.com/crivet/dose-engine/internal/domain/predicate"
	"github.com/crivet/dose-engine/internal/domain/quantity"
)

// DefaultMinDrawVolumeML is the smallest volume a syringe can measure reliably
const DefaultMinDrawVolumeML = 0.2

// DoseRange is an authored dose interval in a single unit
type DoseRange struct {
	Min  float64
	Max  float64
	Unit quantity.Unit
	Note string
}

func newDoseRange(min, max float64, unit quantity.Unit, note string) (DoseRange, error) {
	if math.IsNaN(min) || math.IsNaN(max) || math.IsInf(min, 0) || math.IsInf(max, 0) {
		return DoseRange{}, fmt.Errorf("range must be finite")
	}
	if min < 0 || min > max {
		return DoseRange{}, fmt.Errorf("range must satisfy 0 <= min <= max, got [%g, %g]", min, max)
	}
	if !unit.Valid() {
		return DoseRange{}, fmt.Errorf("unknown unit %q", unit)
	}
	return DoseRange{Min: min, Max: max, Unit: unit, Note: note}, nil
}

// Position reports where q sits relative to the range: -1 below, 0 inside,
// 1 above. q is converted to the range's unit first.
func (r DoseRange) Position(q quantity.Quantity) (int, error) {
	v, err := quantity.Convert(q.Value, q.Unit, r.Unit)
	if err != nil {
		return 0, err
	}
	const eps = 1e-9
	switch {
	case v < r.Min*(1-eps):
		return -1, nil
	case v > r.Max*(1+eps):
		return 1, nil
	}
	return 0, nil
}

func (r DoseRange) String() string {
	return fmt.Sprintf("%g-%g %s", r.Min, r.Max, r.Unit)
}

// BolusSpec describes a species' bolus dosing
type BolusSpec struct {
	Range       DoseRange
	Route       clinical.Route
	LoadingDose *DoseRange
}

// CRISpec describes a species' constant-rate infusion dosing. HardMax is zero
// when the profile sets none.
type CRISpec struct {
	Range         DoseRange
	TitrationStep quantity.Quantity
	HardMax       quantity.Quantity
	Titration     string
}

// DilutionSpec lists the recommended target concentrations
type DilutionSpec struct {
	Targets []quantity.Quantity
}

// Dosing is the sealed set of mode combinations a species profile supports
type Dosing interface {
	Supports(mode clinical.Mode) bool
	Bolus() (BolusSpec, bool)
	CRI() (CRISpec, bool)
	Dilution() (DilutionSpec, bool)
	Modes() []clinical.Mode
	sealed()
}

type BolusOnly struct{ Spec BolusSpec }

type CRIOnly struct{ Spec CRISpec }

type BolusAndCRI struct {
	BolusSpec BolusSpec
	CRISpec   CRISpec
}

// DilutionCapable adds dilution to a base dosing. Base may be nil for a
// drug that is only ever prepared, never dosed directly.
type DilutionCapable struct {
	Base Dosing
	Spec DilutionSpec
}

func (BolusOnly) sealed()       {}
func (CRIOnly) sealed()         {}
func (BolusAndCRI) sealed()     {}
func (DilutionCapable) sealed() {}

func (d BolusOnly) Supports(m clinical.Mode) bool    { return m == clinical.ModeBolus }
func (d BolusOnly) Bolus() (BolusSpec, bool)         { return d.Spec, true }
func (d BolusOnly) CRI() (CRISpec, bool)             { return CRISpec{}, false }
func (d BolusOnly) Dilution() (DilutionSpec, bool)   { return DilutionSpec{}, false }
func (d BolusOnly) Modes() []clinical.Mode           { return []clinical.Mode{clinical.ModeBolus} }
func (d CRIOnly) Supports(m clinical.Mode) bool      { return m == clinical.ModeCRI }
func (d CRIOnly) Bolus() (BolusSpec, bool)           { return BolusSpec{}, false }
func (d CRIOnly) CRI() (CRISpec, bool)               { return d.Spec, true }
func (d CRIOnly) Dilution() (DilutionSpec, bool)     { return DilutionSpec{}, false }
func (d CRIOnly) Modes() []clinical.Mode             { return []clinical.Mode{clinical.ModeCRI} }
func (d BolusAndCRI) Bolus() (BolusSpec, bool)       { return d.BolusSpec, true }
func (d BolusAndCRI) CRI() (CRISpec, bool)           { return d.CRISpec, true }
func (d BolusAndCRI) Dilution() (DilutionSpec, bool) { return DilutionSpec{}, false }
func (d BolusAndCRI) Modes() []clinical.Mode {
	return []clinical.Mode{clinical.ModeBolus, clinical.ModeCRI}
}

func (d BolusAndCRI) Supports(m clinical.Mode) bool {
	return m == clinical.ModeBolus || m == clinical.ModeCRI
}

func (d DilutionCapable) Supports(m clinical.Mode) bool {
	return m == clinical.ModeDilution || (d.Base != nil && d.Base.Supports(m))
}

func (d DilutionCapable) Bolus() (BolusSpec, bool) {
	if d.Base == nil {
		return BolusSpec{}, false
	}
	return d.Base.Bolus()
}

func (d DilutionCapable) CRI() (CRISpec, bool) {
	if d.Base == nil {
		return CRISpec{}, false
	}
	return d.Base.CRI()
}

func (d DilutionCapable) Dilution() (DilutionSpec, bool) {
	return DilutionSpec{Targets: append([]quantity.Quantity(nil), d.Spec.Targets...)}, true
}

func (d DilutionCapable) Modes() []clinical.Mode {
	var out []clinical.Mode
	if d.Base != nil {
		out = d.Base.Modes()
	}
	return append(out, clinical.ModeDilution)
}

// SpeciesDoseProfile is the dosing a species receives
type SpeciesDoseProfile struct {
	Species clinical.Species
	Dosing  Dosing
	Notes   string
}

// Input is a declared template input
type Input struct {
	Name string
	Kind string
}

// Step is one declarative line of a calculation template
type Step struct {
	Label   string
	Formula string
}

// Check is a compiled safety predicate
type Check struct {
	Expr     predicate.Expr
	Source   string
	Severity clinical.CheckSeverity
	Message  string
}

// CalculationTemplate declares inputs, steps and checks for one mode
type CalculationTemplate struct {
	Mode           clinical.Mode
	RequiredInputs []Input
	Steps          []Step
	HardChecks     []Check
	SoftChecks     []Check
	Outputs        []string
}

func (t CalculationTemplate) clone() CalculationTemplate {
	t.RequiredInputs = append([]Input(nil), t.RequiredInputs...)
	t.Steps = append([]Step(nil), t.Steps...)
	t.HardChecks = append([]Check(nil), t.HardChecks...)
	t.SoftChecks = append([]Check(nil), t.SoftChecks...)
	t.Outputs = append([]string(nil), t.Outputs...)
	return t
}

// DoseAdjustment is the advice attached to a comorbidity alert
type DoseAdjustment struct {
	ReducePercent      float64  `json:"reduce_percent,omitempty"`
	AvoidBolus         bool     `json:"avoid_bolus,omitempty"`
	RequireCentralLine bool     `json:"require_central_line,omitempty"`
	RequireMonitoring  []string `json:"require_monitoring,omitempty"`
	SuggestAlternative string   `json:"suggest_alternative,omitempty"`
}

// ComorbidityAlert fires when the patient carries Key
type ComorbidityAlert struct {
	Key            string              `json:"key"`
	Level          clinical.AlertLevel `json:"level"`
	Title          string              `json:"title"`
	Why            string              `json:"why,omitempty"`
	Actions        []string            `json:"actions,omitempty"`
	DoseAdjustment *DoseAdjustment     `json:"dose_adjustment,omitempty"`
}

func (a ComorbidityAlert) clone() ComorbidityAlert {
	a.Actions = append([]string(nil), a.Actions...)
	if a.DoseAdjustment != nil {
		adj := *a.DoseAdjustment
		adj.RequireMonitoring = append([]string(nil), adj.RequireMonitoring...)
		a.DoseAdjustment = &adj
	}
	return a
}

// Action is what a protocol integration rule does to its drug
type Action string

const (
	ActionRemoveDrug        Action = "REMOVE_DRUG"
	ActionReduceDose        Action = "REDUCE_DOSE"
	ActionPreferAlternative Action = "PREFER_ALTERNATIVE"
)

// ProtocolIntegrationRule adjusts a drug when it is part of a protocol
type ProtocolIntegrationRule struct {
	Expr    predicate.Expr
	Source  string
	Action  Action
	Factor  float64
	Message string
}

// Protocol is a named multi-drug infusion
type Protocol struct {
	ID    string
	Name  string
	Drugs []string
}

// Includes reports whether drugID is declared by the protocol
func (p Protocol) Includes(drugID string) bool {
	for _, d := range p.Drugs {
		if d == drugID {
			return true
		}
	}
	return false
}

// CompatibilityStatus is a profile's verdict on mixing a drug into a diluent
type CompatibilityStatus string

const (
	CompatibilityOK      CompatibilityStatus = "compatible"
	CompatibilityAvoid   CompatibilityStatus = "avoid"
	CompatibilityUnknown CompatibilityStatus = "unknown"
)

// DiluentCompatibility is the authored entry for one diluent
type DiluentCompatibility struct {
	Diluent clinical.Diluent    `json:"diluent"`
	Label   string              `json:"label,omitempty"`
	Status  CompatibilityStatus `json:"status"`
	Reason  string              `json:"reason,omitempty"`
}

// DrugProfile is the compiled, read-only description of one drug
type DrugProfile struct {
	id              string
	name            string
	classes         []string
	lightSensitive  bool
	minDrawVolumeML float64
	presentations   []quantity.Quantity
	doses           map[clinical.Species]SpeciesDoseProfile
	templates       map[clinical.Mode]CalculationTemplate
	alerts          []ComorbidityAlert
	protocolRules   map[string][]ProtocolIntegrationRule
	diluents        map[clinical.Diluent]DiluentCompatibility
}

func (p *DrugProfile) ID() string               { return p.id }
func (p *DrugProfile) Name() string             { return p.name }
func (p *DrugProfile) LightSensitive() bool     { return p.lightSensitive }
func (p *DrugProfile) MinDrawVolumeML() float64 { return p.minDrawVolumeML }
func (p *DrugProfile) Classes() []string        { return append([]string(nil), p.classes...) }

// Presentations returns the commercial vial concentrations
func (p *DrugProfile) Presentations() []quantity.Quantity {
	return append([]quantity.Quantity(nil), p.presentations...)
}

// Dosing returns the species' dosing, if the drug is profiled for it
func (p *DrugProfile) Dosing(s clinical.Species) (SpeciesDoseProfile, bool) {
	d, ok := p.doses[s]
	return d, ok
}

// Species lists the species with a dose profile, in stable order
func (p *DrugProfile) Species() []clinical.Species {
	var out []clinical.Species
	for _, s := range clinical.AllSpecies {
		if _, ok := p.doses[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Template returns a copy of the mode's calculation template
func (p *DrugProfile) Template(m clinical.Mode) (CalculationTemplate, bool) {
	t, ok := p.templates[m]
	if !ok {
		return CalculationTemplate{}, false
	}
	return t.clone(), true
}

// Alerts returns a copy of the comorbidity alert table
func (p *DrugProfile) Alerts() []ComorbidityAlert {
	out := make([]ComorbidityAlert, len(p.alerts))
	for i, a := range p.alerts {
		out[i] = a.clone()
	}
	return out
}

// ProtocolRules returns a copy of the rules for a protocol
func (p *DrugProfile) ProtocolRules(protocolID string) []ProtocolIntegrationRule {
	return append([]ProtocolIntegrationRule(nil), p.protocolRules[protocolID]...)
}

// ProtocolIDs lists the protocols this drug has rules for, sorted
func (p *DrugProfile) ProtocolIDs() []string {
	out := make([]string, 0, len(p.protocolRules))
	for id := range p.protocolRules {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Diluent returns the compatibility entry for d; false means the profile has
// no data for it
func (p *DrugProfile) Diluent(d clinical.Diluent) (DiluentCompatibility, bool) {
	c, ok := p.diluents[d]
	return c, ok
}

// Diluents lists the authored compatibility entries in diluent order
func (p *DrugProfile) Diluents() []DiluentCompatibility {
	var out []DiluentCompatibility
	for _, d := range clinical.AllDiluents {
		if c, ok := p.diluents[d]; ok {
			out = append(out, c)
		}
	}
	return out
}

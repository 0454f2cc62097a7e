package dosing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/crivet/dose-engine/internal/domain/clinical"
	"github.com/crivet/dose-engine/internal/domain/predicate"
	"github.com/crivet/dose-engine/internal/domain/profile"
	"github.com/crivet/dose-engine/internal/domain/quantity"
	"github.com/crivet/dose-engine/internal/domain/safety"
	"github.com/crivet/dose-engine/pkg/workerpool"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	repo, err := profile.Load(context.Background(), profile.EmbeddedSource{}, nil)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	return NewEngine(repo, nil, opts...)
}

func q(v float64, u quantity.Unit) *quantity.Quantity {
	out := quantity.Of(v, u)
	return &out
}

func hasMessage(findings []string, substr string) bool {
	for _, f := range findings {
		if strings.Contains(f, substr) {
			return true
		}
	}
	return false
}

func blockMessages(r Result) []string {
	out := make([]string, len(r.Blocks))
	for i, b := range r.Blocks {
		out[i] = b.Message
	}
	return out
}

func TestScenarioCRIRate(t *testing.T) {
	e := newTestEngine(t)
	res, err := e.Evaluate(Request{
		DrugID:        "fentanyl",
		Mode:          "cri",
		Species:       "dog",
		WeightKg:      20,
		Dose:          q(0.0167, quantity.McgPerKgPerMin),
		Concentration: q(10, quantity.McgPerML),
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Status == clinical.StatusBlocked {
		t.Fatalf("unexpected block: %+v", res.Blocks)
	}
	if res.Computed == nil || res.Computed.Unit != quantity.MLPerH || math.Abs(res.Computed.Value-2.0) > 0.01 {
		t.Fatalf("computed = %v", res.Computed)
	}
	rate, ok := res.Outputs["rate_ml_h"]
	if !ok || rate.Value != res.Computed.Value {
		t.Errorf("outputs = %v", res.Outputs)
	}
	if _, ok := res.Outputs["dose_total_mcg_h"]; !ok {
		t.Errorf("missing dose_total_mcg_h in %v", res.Outputs)
	}
	if len(res.Steps) == 0 {
		t.Error("expected steps")
	}
}

func TestScenarioBolusForbidden(t *testing.T) {
	e := newTestEngine(t)
	for _, dose := range []float64{0.01, 0.1, 0.3, 5} {
		res, err := e.Evaluate(Request{
			DrugID:        "remifentanil",
			Mode:          "cri",
			Species:       "dog",
			WeightKg:      12,
			Dose:          q(dose, quantity.McgPerKgPerMin),
			Concentration: q(20, quantity.McgPerML),
			Flags:         map[string]predicate.Value{"use_bolus": predicate.Bool(true)},
		})
		if err != nil {
			t.Fatalf("dose %v: %v", dose, err)
		}
		if res.Status != clinical.StatusBlocked {
			t.Errorf("dose %v: status = %s", dose, res.Status)
		}
		if res.Computed != nil {
			t.Errorf("dose %v: blocked result must not carry a computed value", dose)
		}
	}

	// without the flag the same request is not blocked
	res, err := e.Evaluate(Request{
		DrugID: "remifentanil", Mode: "cri", Species: "dog", WeightKg: 12,
		Dose: q(0.1, quantity.McgPerKgPerMin), Concentration: q(20, quantity.McgPerML),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status == clinical.StatusBlocked {
		t.Errorf("declared flag must default to false: %+v", res.Blocks)
	}

	// bolus is not representable for remifentanil
	res, err = e.Evaluate(Request{
		DrugID: "remifentanil", Mode: "bolus", Species: "dog", WeightKg: 12,
		Dose: q(1, quantity.McgPerKg), Concentration: q(20, quantity.McgPerML),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != clinical.StatusBlocked {
		t.Errorf("bolus status = %s", res.Status)
	}
}

func TestScenarioUndilutedInsulin(t *testing.T) {
	e := newTestEngine(t)
	res, err := e.Evaluate(Request{
		DrugID:        "insulin_regular",
		Mode:          "cri",
		Species:       "dog",
		WeightKg:      15,
		Route:         "IV",
		Dose:          q(0.1, quantity.UPerKgPerH),
		Concentration: q(100, quantity.UPerML),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != clinical.StatusBlocked {
		t.Fatalf("status = %s", res.Status)
	}
	if !hasMessage(blockMessages(res), "Dilute") {
		t.Errorf("blocks = %v", blockMessages(res))
	}
	// the glucose check had no lab value and is audited
	if len(res.Unevaluable) == 0 {
		t.Error("expected the GLU check to be reported as unevaluable")
	}

	res, err = e.Evaluate(Request{
		DrugID: "insulin_regular", Mode: "cri", Species: "dog", WeightKg: 15,
		Dose: q(0.1, quantity.UPerKgPerH), Concentration: q(1, quantity.UPerML),
		Labs: map[string]predicate.Value{"glu": predicate.Number(250)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status == clinical.StatusBlocked || len(res.Unevaluable) != 1 {
		t.Errorf("diluted insulin: status %s, unevaluable %+v", res.Status, res.Unevaluable)
	}
}

func TestSeverityIsMaxNotSum(t *testing.T) {
	e := newTestEngine(t)
	// fentanyl has four MONITOR alerts; together they still only MONITOR
	res, err := e.Evaluate(Request{
		DrugID: "fentanyl", Mode: "cri", Species: "dog", WeightKg: 20,
		Dose: q(0.1, quantity.McgPerKgPerMin), Concentration: q(10, quantity.McgPerML),
		ComorbidityTags: []string{"bradyarrhythmia", "hepatic_disease", "obesity", "monitoring:respiratory_support"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != clinical.StatusAllowed {
		t.Errorf("status = %s, warnings = %+v", res.Status, res.Warnings)
	}
	if len(res.Alerts) != 3 {
		t.Errorf("alerts = %+v", res.Alerts)
	}
}

func TestMonotonicBlocking(t *testing.T) {
	e := newTestEngine(t)
	base := Request{
		DrugID: "ketamine", Mode: "cri", Species: "cat", WeightKg: 4,
		Dose: q(6, quantity.McgPerKgPerMin), Concentration: q(10, quantity.MgPerML),
	}
	res, err := e.Evaluate(base)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status == clinical.StatusBlocked {
		t.Fatalf("baseline blocked: %v", blockMessages(res))
	}

	base.ComorbidityTags = []string{"ckd"}
	blocked, err := e.Evaluate(base)
	if err != nil {
		t.Fatal(err)
	}
	if blocked.Status != clinical.StatusBlocked {
		t.Fatalf("ckd cat at 6 mcg/kg/min: %s", blocked.Status)
	}
	// further comorbidities and flags never lift the block
	for _, tags := range [][]string{{"ckd", "hcm"}, {"ckd", "glaucoma", "head_trauma"}} {
		base.ComorbidityTags = tags
		base.Flags = map[string]predicate.Value{"anything": predicate.Bool(true)}
		r, err := e.Evaluate(base)
		if err != nil {
			t.Fatal(err)
		}
		if r.Status != clinical.StatusBlocked {
			t.Errorf("tags %v: status = %s", tags, r.Status)
		}
	}
}

func TestIdempotentJSON(t *testing.T) {
	e := newTestEngine(t)
	req := Request{
		DrugID: "lidocaine", Mode: "cri", Species: "dog", WeightKg: 18.5,
		Dose: q(50, quantity.McgPerKgPerMin), Concentration: q(20, quantity.MgPerML),
		ComorbidityTags: []string{"hepatic_disease", "epilepsy"},
		Labs:            map[string]predicate.Value{"K": predicate.String("low")},
		Preparation:     &PreparationRequest{PumpRateMLH: 5, VehicleVolumeML: 250},
	}
	var first []byte
	for i := 0; i < 5; i++ {
		res, err := e.Evaluate(req)
		if err != nil {
			t.Fatal(err)
		}
		b, err := json.Marshal(res)
		if err != nil {
			t.Fatal(err)
		}
		if first == nil {
			first = b
			continue
		}
		if !bytes.Equal(first, b) {
			t.Fatalf("run %d differs:\n%s\n%s", i, first, b)
		}
	}
	var decoded map[string]any
	if err := json.Unmarshal(first, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["status"] != "WARN" {
		t.Errorf("status = %v", decoded["status"])
	}
	if _, ok := decoded["directives"]; !ok {
		t.Error("expected merged directives")
	}
	if _, ok := decoded["preparation"]; !ok {
		t.Error("expected a preparation recipe")
	}
}

func TestDilutionGuard(t *testing.T) {
	e := newTestEngine(t)
	res, err := e.Evaluate(Request{
		DrugID: "lidocaine", Mode: "dilution", Species: "dog", WeightKg: 10,
		Dilution: &DilutionRequest{
			Stock:         quantity.Of(20, quantity.MgPerML),
			Desired:       quantity.Of(40, quantity.MgPerML),
			FinalVolumeML: 10,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != clinical.StatusBlocked {
		t.Errorf("status = %s", res.Status)
	}

	res, err = e.Evaluate(Request{
		DrugID: "lidocaine", Mode: "dilution", Species: "dog", WeightKg: 10,
		Dilution: &DilutionRequest{
			Stock:         quantity.Of(20, quantity.MgPerML),
			Desired:       quantity.Of(2, quantity.MgPerML),
			FinalVolumeML: 50,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Computed == nil || math.Abs(res.Computed.Value-5) > 1e-9 {
		t.Errorf("stock volume = %v", res.Computed)
	}
	if d := res.Outputs["diluent_volume_ml"]; math.Abs(d.Value-45) > 1e-9 {
		t.Errorf("diluent = %v", d)
	}
}

func TestEvaluateErrors(t *testing.T) {
	e := newTestEngine(t)
	ok := Request{
		DrugID: "lidocaine", Mode: "cri", Species: "dog", WeightKg: 10,
		Dose: q(50, quantity.McgPerKgPerMin), Concentration: q(20, quantity.MgPerML),
	}
	tests := []struct {
		name   string
		mod    func(*Request)
		target error
	}{
		{"unknown drug", func(r *Request) { r.DrugID = "propofol" }, clinical.ErrNotFound},
		{"bad species", func(r *Request) { r.Species = "horse" }, clinical.ErrInvalidInput},
		{"bad mode", func(r *Request) { r.Mode = "drip" }, clinical.ErrInvalidInput},
		{"zero weight", func(r *Request) { r.WeightKg = 0 }, clinical.ErrInvalidInput},
		{"missing dose", func(r *Request) { r.Dose = nil }, clinical.ErrInvalidInput},
		{"zero concentration", func(r *Request) { r.Concentration = q(0, quantity.MgPerML) }, clinical.ErrInvalidInput},
		{"wrong dimension", func(r *Request) { r.Dose = q(0.1, quantity.UPerKgPerH) }, clinical.ErrUnit},
		{"bolus unit for cri", func(r *Request) { r.Dose = q(2, quantity.MgPerKg) }, clinical.ErrUnit},
		{"reserved flag", func(r *Request) { r.Flags = map[string]predicate.Value{"weight_kg": predicate.Number(1)} }, clinical.ErrInvalidInput},
		{"unknown protocol", func(r *Request) { r.ProtocolID = "abc" }, clinical.ErrNotFound},
		{"not in protocol", func(r *Request) { r.DrugID = "insulin_regular"; r.ProtocolID = "mlk" }, clinical.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := ok
			tt.mod(&req)
			_, err := e.Evaluate(req)
			if !errors.Is(err, tt.target) {
				t.Errorf("expected %v, got %v", tt.target, err)
			}
		})
	}
}

func hasSource(findings []safety.Finding, source string) bool {
	for _, f := range findings {
		if f.Source == source {
			return true
		}
	}
	return false
}

func TestDiluentCompatibility(t *testing.T) {
	e := newTestEngine(t)
	dilution := func(diluent string) (Result, error) {
		return e.Evaluate(Request{
			DrugID: "insulin_regular", Mode: "dilution", Species: "dog", WeightKg: 10,
			Dilution: &DilutionRequest{
				Stock:         quantity.Of(100, quantity.UPerML),
				Desired:       quantity.Of(1, quantity.UPerML),
				FinalVolumeML: 100,
				Diluent:       diluent,
			},
		})
	}

	res, err := dilution("NaCl_09")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != clinical.StatusAllowed || hasSource(res.Warnings, safety.SourceDiluent) {
		t.Errorf("saline: status = %s, warnings = %+v", res.Status, res.Warnings)
	}

	res, err = dilution("rl")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != clinical.StatusWarn || !hasSource(res.Warnings, safety.SourceDiluent) {
		t.Errorf("lactated Ringer's: status = %s, warnings = %+v", res.Status, res.Warnings)
	}

	var ie *clinical.InputError
	if _, err := dilution("water"); !errors.As(err, &ie) || ie.Field != "dilution.diluent" {
		t.Errorf("unknown diluent err = %v", err)
	}

	res, err = e.Evaluate(Request{
		DrugID: "insulin_regular", Mode: "cri", Species: "dog", WeightKg: 10,
		Dose: q(0.1, quantity.UPerKgPerH), Concentration: q(1, quantity.UPerML),
		Preparation: &PreparationRequest{
			PumpRateMLH:     1,
			VehicleVolumeML: 100,
			Stock:           q(100, quantity.UPerML),
			Diluent:         "D5W",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != clinical.StatusWarn || !hasSource(res.Warnings, safety.SourceDiluent) {
		t.Errorf("bag in D5W: status = %s, warnings = %+v", res.Status, res.Warnings)
	}
}

const untemplatedDrug = `
id: testdrug
species:
  dog:
    cri:
      range: {min: 1, max: 2, unit: mcg/kg/min}
templates:
  bolus: {}
`

func TestMissingTemplateIsConfigurationError(t *testing.T) {
	var doc profile.DrugDocument
	if err := yaml.Unmarshal([]byte(untemplatedDrug), &doc); err != nil {
		t.Fatal(err)
	}
	drug, err := profile.CompileDrug(&doc)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	repo, err := profile.NewRepository([]*profile.DrugProfile{drug}, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = NewEngine(repo, nil).Evaluate(Request{
		DrugID: "testdrug", Mode: "cri", Species: "dog", WeightKg: 10,
		Dose: q(1.5, quantity.McgPerKgPerMin), Concentration: q(50, quantity.McgPerML),
	})
	var ce *clinical.ConfigurationError
	if !errors.As(err, &ce) || !errors.Is(err, clinical.ErrConfiguration) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if ce.DrugID != "testdrug" || ce.Mode != clinical.ModeCRI {
		t.Errorf("error = %+v", ce)
	}
}

func TestSingleDrugWithProtocol(t *testing.T) {
	e := newTestEngine(t)
	res, err := e.Evaluate(Request{
		DrugID: "lidocaine", Mode: "cri", Species: "dog", WeightKg: 10,
		Dose: q(50, quantity.McgPerKgPerMin), Concentration: q(20, quantity.MgPerML),
		ComorbidityTags: []string{"hepatic_disease"},
		ProtocolID:      "mlk",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.AdjustedFactor == nil || *res.AdjustedFactor != 0.7 {
		t.Fatalf("adjusted factor = %v", res.AdjustedFactor)
	}
	if math.Abs(res.Adjusted.Value-0.7*res.Computed.Value) > 1e-12 {
		t.Errorf("adjusted = %v, computed = %v", res.Adjusted, res.Computed)
	}
}

const pairedDrugs = `
- id: alpha
  species:
    dog:
      cri:
        range: {min: 1, max: 2, unit: mcg/kg/min}
  templates:
    cri: {}
  protocol_rules:
    ab:
      - if: drug_present('beta')
        action: REMOVE_DRUG
        message: Alpha is not run alongside beta.
- id: beta
  species:
    dog:
      cri:
        range: {min: 1, max: 2, unit: mcg/kg/min}
  templates:
    cri: {}
`

func pairedEngine(t *testing.T) *Engine {
	t.Helper()
	var docs []profile.DrugDocument
	if err := yaml.Unmarshal([]byte(pairedDrugs), &docs); err != nil {
		t.Fatal(err)
	}
	drugs := make([]*profile.DrugProfile, len(docs))
	for i := range docs {
		d, err := profile.CompileDrug(&docs[i])
		if err != nil {
			t.Fatalf("compile %s: %v", docs[i].ID, err)
		}
		drugs[i] = d
	}
	proto, err := profile.CompileProtocol(profile.ProtocolDocument{ID: "ab", Drugs: []string{"alpha", "beta"}})
	if err != nil {
		t.Fatal(err)
	}
	repo, err := profile.NewRepository(drugs, []profile.Protocol{proto})
	if err != nil {
		t.Fatal(err)
	}
	return NewEngine(repo, nil)
}

func TestDrugPresentSeesOnlyGivenDrugs(t *testing.T) {
	e := pairedEngine(t)
	alpha := DrugDose{DrugID: "alpha", Dose: q(1.5, quantity.McgPerKgPerMin), Concentration: q(50, quantity.McgPerML)}
	beta := DrugDose{DrugID: "beta", Dose: q(1.5, quantity.McgPerKgPerMin), Concentration: q(50, quantity.McgPerML)}

	single := func(others ...string) clinical.Status {
		t.Helper()
		res, err := e.Evaluate(Request{
			DrugID: "alpha", Mode: "cri", Species: "dog", WeightKg: 10,
			Dose: alpha.Dose, Concentration: alpha.Concentration,
			ProtocolID: "ab", OtherDrugs: others,
		})
		if err != nil {
			t.Fatal(err)
		}
		return res.Status
	}
	protocolStatus := func(drugs ...DrugDose) clinical.Status {
		t.Helper()
		res, err := e.EvaluateProtocol(context.Background(), ProtocolRequest{
			ProtocolID: "ab", Species: "dog", WeightKg: 10, Drugs: drugs,
		})
		if err != nil {
			t.Fatal(err)
		}
		return res.Results[0].Status
	}

	if got := single(); got == clinical.StatusBlocked {
		t.Error("declared but absent sibling removed alpha in Evaluate")
	}
	if got := protocolStatus(alpha); got == clinical.StatusBlocked {
		t.Error("declared but absent sibling removed alpha in EvaluateProtocol")
	}
	if got := single("beta"); got != clinical.StatusBlocked {
		t.Errorf("alpha with beta in other_drugs = %s, want BLOCKED", got)
	}
	if got := protocolStatus(alpha, beta); got != clinical.StatusBlocked {
		t.Errorf("alpha requested with beta = %s, want BLOCKED", got)
	}
}

func mlkRequest(species string, tags ...string) ProtocolRequest {
	return ProtocolRequest{
		ProtocolID:      "mlk",
		Species:         species,
		WeightKg:        25,
		ComorbidityTags: tags,
		Drugs: []DrugDose{
			{DrugID: "ketamine", Dose: q(10, quantity.McgPerKgPerMin), Concentration: q(10, quantity.MgPerML)},
			{DrugID: "lidocaine", Dose: q(50, quantity.McgPerKgPerMin), Concentration: q(20, quantity.MgPerML)},
			{DrugID: "morphine", Dose: q(0.1, quantity.MgPerKgPerH), Concentration: q(1, quantity.MgPerML)},
		},
	}
}

func TestEvaluateProtocol(t *testing.T) {
	pool := workerpool.New(workerpool.Config{Workers: 2, QueueSize: 8}, nil)
	pool.Start()
	defer pool.Stop()

	for name, e := range map[string]*Engine{
		"sequential": newTestEngine(t),
		"pooled":     newTestEngine(t, WithRunner(pool)),
	} {
		t.Run(name, func(t *testing.T) {
			res, err := e.EvaluateProtocol(context.Background(), mlkRequest("dog", "hepatic_disease"))
			if err != nil {
				t.Fatal(err)
			}
			var order []string
			for _, r := range res.Results {
				order = append(order, r.DrugID)
			}
			if strings.Join(order, ",") != "morphine,lidocaine,ketamine" {
				t.Errorf("order = %v", order)
			}
			lido := res.Results[1]
			if lido.AdjustedFactor == nil || *lido.AdjustedFactor != 0.7 {
				t.Errorf("lidocaine factor = %v", lido.AdjustedFactor)
			}
			if res.Results[0].AdjustedFactor != nil {
				t.Errorf("rules must only touch their own drug: morphine factor %v", *res.Results[0].AdjustedFactor)
			}

			cat, err := e.EvaluateProtocol(context.Background(), mlkRequest("cat"))
			if err != nil {
				t.Fatal(err)
			}
			if cat.Status != clinical.StatusBlocked || cat.Results[1].Status != clinical.StatusBlocked {
				t.Errorf("cat lidocaine must be removed: %s / %s", cat.Status, cat.Results[1].Status)
			}
			if cat.Results[0].Status == clinical.StatusBlocked && hasMessage(blockMessages(cat.Results[0]), "lidocaine") {
				t.Error("lidocaine removal leaked into morphine")
			}
		})
	}
}

func TestEvaluateProtocolErrors(t *testing.T) {
	e := newTestEngine(t)
	req := mlkRequest("dog")
	req.ProtocolID = "nope"
	if _, err := e.EvaluateProtocol(context.Background(), req); !errors.Is(err, clinical.ErrNotFound) {
		t.Errorf("unknown protocol: %v", err)
	}

	req = mlkRequest("dog")
	req.Drugs = append(req.Drugs, DrugDose{DrugID: "fentanyl", Dose: q(0.1, quantity.McgPerKgPerMin), Concentration: q(10, quantity.McgPerML)})
	if _, err := e.EvaluateProtocol(context.Background(), req); !errors.Is(err, clinical.ErrInvalidInput) {
		t.Errorf("undeclared drug: %v", err)
	}

	req = mlkRequest("dog")
	req.Drugs[0].Concentration = nil
	if _, err := e.EvaluateProtocol(context.Background(), req); !errors.Is(err, clinical.ErrInvalidInput) {
		t.Errorf("member error: %v", err)
	}
}

func TestSummarize(t *testing.T) {
	e := newTestEngine(t)
	remi, _ := e.Repository().Get("remifentanil")
	s := Summarize(remi)
	dog, ok := s.Species["dog"]
	if !ok {
		t.Fatal("no dog summary")
	}
	for _, m := range dog.Modes {
		if m == clinical.ModeBolus {
			t.Error("remifentanil must not list bolus")
		}
	}
}

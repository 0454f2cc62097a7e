package clinical

import (
	"errors"
	"reflect"
	"testing"

	"github.com/crivet/dose-engine/internal/domain/predicate"
)

func TestLevelToStatus(t *testing.T) {
	tests := []struct {
		level AlertLevel
		want  Status
	}{
		{LevelSafe, StatusAllowed},
		{LevelMonitor, StatusAllowed},
		{LevelWarning, StatusWarn},
		{LevelCritical, StatusWarn},
		{LevelBlock, StatusBlocked},
	}
	for _, tt := range tests {
		if got := tt.level.Status(); got != tt.want {
			t.Errorf("%s.Status() = %s, want %s", tt.level, got, tt.want)
		}
	}
	if SeverityInfo.Status() != StatusAllowed || SeverityWarn.Status() != StatusWarn || SeverityBlock.Status() != StatusBlocked {
		t.Error("severity mapping mismatch")
	}
}

func TestMaxStatus(t *testing.T) {
	if got := MaxStatus(); got != StatusAllowed {
		t.Errorf("empty max = %s", got)
	}
	if got := MaxStatus(StatusWarn, StatusAllowed, StatusWarn); got != StatusWarn {
		t.Errorf("max = %s", got)
	}
	if got := MaxStatus(StatusWarn, StatusBlocked, StatusAllowed); got != StatusBlocked {
		t.Errorf("max = %s", got)
	}
}

func TestParseAlertLevel(t *testing.T) {
	l, err := ParseAlertLevel("critical")
	if err != nil || l != LevelCritical {
		t.Fatalf("got %v, %v", l, err)
	}
	if _, err := ParseAlertLevel("SEVERE"); err == nil {
		t.Error("expected error")
	}
}

func TestParseDiluent(t *testing.T) {
	for in, want := range map[string]Diluent{"nacl_09": DiluentSaline, " RL ": DiluentRingerLactate, "d5w": DiluentDextrose5, "": ""} {
		got, err := ParseDiluent(in)
		if err != nil || got != want {
			t.Errorf("ParseDiluent(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseDiluent("water"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("unknown diluent err = %v", err)
	}
}

func TestNewPatientContext(t *testing.T) {
	p, err := NewPatientContext(SpeciesCat, 4.2, "", []string{"Renal_Disease", "hcm", "renal_disease", " "},
		map[string]predicate.Value{"k": predicate.String("low")}, []string{"Ketamine"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Route() != RouteIV {
		t.Errorf("route = %s", p.Route())
	}
	if want := []string{"hcm", "renal_disease"}; !reflect.DeepEqual(p.Tags(), want) {
		t.Errorf("tags = %v, want %v", p.Tags(), want)
	}
	if !p.HasTag("RENAL_DISEASE") {
		t.Error("expected tag lookup to be case-insensitive")
	}
	if v, ok := p.Lab("K"); !ok || v.String() != `"low"` {
		t.Errorf("lab K = %v, %v", v, ok)
	}
	if !p.OnDrug("ketamine") || p.OnDrug("lidocaine") {
		t.Error("other drug lookup mismatch")
	}

	tags := p.Tags()
	tags[0] = "mutated"
	if p.Tags()[0] != "hcm" {
		t.Error("Tags must return a copy")
	}
}

func TestNewPatientContextRejects(t *testing.T) {
	for _, w := range []float64{0, -3} {
		_, err := NewPatientContext(SpeciesDog, w, RouteIV, nil, nil, nil)
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("weight %v: expected ErrInvalidInput, got %v", w, err)
		}
	}
	if _, err := NewPatientContext("horse", 400, RouteIV, nil, nil, nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestConfigurationErrorUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := error(&ConfigurationError{DrugID: "lidocaine", Mode: ModeCRI, Reason: "no template", Err: cause})
	if !errors.Is(err, ErrConfiguration) || !errors.Is(err, cause) {
		t.Errorf("unwrap chain broken: %v", err)
	}
	var nf error = &NotFoundError{Kind: "drug", ID: "x"}
	if !errors.Is(nf, ErrNotFound) {
		t.Error("NotFoundError must unwrap to ErrNotFound")
	}
}

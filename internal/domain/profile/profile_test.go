package profile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/crivet/dose-engine/internal/domain/clinical"
	"github.com/crivet/dose-engine/internal/domain/quantity"
)

func loadDefault(t *testing.T) *Repository {
	t.Helper()
	repo, err := Load(context.Background(), EmbeddedSource{}, nil)
	if err != nil {
		t.Fatalf("load embedded catalog: %v", err)
	}
	return repo
}

func TestLoadEmbeddedCatalog(t *testing.T) {
	repo := loadDefault(t)

	var ids []string
	for _, p := range repo.List() {
		ids = append(ids, p.ID())
	}
	want := "fentanyl,insulin_regular,ketamine,lidocaine,morphine,norepinephrine,remifentanil,vasopressin"
	if got := strings.Join(ids, ","); got != want {
		t.Errorf("drugs = %s, want %s", got, want)
	}

	mlk, err := repo.Protocol("MLK")
	if err != nil {
		t.Fatalf("protocol: %v", err)
	}
	if strings.Join(mlk.Drugs, ",") != "morphine,lidocaine,ketamine" {
		t.Errorf("mlk order = %v", mlk.Drugs)
	}
}

func TestRepositoryNotFound(t *testing.T) {
	repo := loadDefault(t)
	if _, err := repo.Get("propofol"); !errors.Is(err, clinical.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := repo.Protocol("xyz"); !errors.Is(err, clinical.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDosingSumType(t *testing.T) {
	repo := loadDefault(t)

	remi, _ := repo.Get("remifentanil")
	dog, ok := remi.Dosing(clinical.SpeciesDog)
	if !ok {
		t.Fatal("remifentanil has no dog dosing")
	}
	if dog.Dosing.Supports(clinical.ModeBolus) {
		t.Error("remifentanil must not support bolus")
	}
	if _, ok := dog.Dosing.Bolus(); ok {
		t.Error("remifentanil bolus spec must be absent")
	}
	dc, ok := dog.Dosing.(DilutionCapable)
	if !ok {
		t.Fatalf("expected DilutionCapable, got %T", dog.Dosing)
	}
	if _, ok := dc.Base.(CRIOnly); !ok {
		t.Errorf("expected CRIOnly base, got %T", dc.Base)
	}

	// "both" expands to every species; a species entry replaces it
	fent, _ := repo.Get("fentanyl")
	fd, _ := fent.Dosing(clinical.SpeciesDog)
	fc, _ := fent.Dosing(clinical.SpeciesCat)
	db, _ := fd.Dosing.Bolus()
	cb, _ := fc.Dosing.Bolus()
	if db.Range.Min != 1 || cb.Range.Min != 2 {
		t.Errorf("bolus min dog=%v cat=%v", db.Range.Min, cb.Range.Min)
	}
}

func TestAccessorsReturnCopies(t *testing.T) {
	repo := loadDefault(t)
	lido, _ := repo.Get("lidocaine")

	alerts := lido.Alerts()
	alerts[0].Title = "changed"
	if lido.Alerts()[0].Title == "changed" {
		t.Error("Alerts must return a copy")
	}
	tpl, _ := lido.Template(clinical.ModeCRI)
	tpl.HardChecks[0].Message = "changed"
	again, _ := lido.Template(clinical.ModeCRI)
	if again.HardChecks[0].Message == "changed" {
		t.Error("Template must return a copy")
	}
}

const minimalDrug = `
id: testdrug
species:
  dog:
    cri:
      range: {min: 1, max: 2, unit: mcg/kg/min}
templates:
  cri:
    hard_checks:
      - if: dose_mcgkgmin > 5
        then: BLOCK
        message: too much
alerts:
  - key: x
    level: MONITOR
    title: x
`

func compileString(t *testing.T, src string) (*DrugProfile, error) {
	t.Helper()
	d, err := decodeDocument(Document{Name: "t.yaml", Data: []byte(src)})
	if err != nil {
		return nil, err
	}
	return CompileDrug(d.drug)
}

func TestCompileMinimal(t *testing.T) {
	p, err := compileString(t, minimalDrug)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if p.MinDrawVolumeML() != DefaultMinDrawVolumeML {
		t.Errorf("min draw = %v", p.MinDrawVolumeML())
	}
	for _, is := range Lint(p) {
		if is.Severity == LintError {
			t.Errorf("unexpected lint error: %s", is)
		}
	}
}

func TestCompileRejects(t *testing.T) {
	tests := map[string]string{
		"bolus rate unit": strings.Replace(minimalDrug, "cri:\n      range: {min: 1, max: 2, unit: mcg/kg/min}",
			"bolus:\n      range: {min: 1, max: 2, unit: mcg/kg/min}", 1),
		"inverted range": strings.Replace(minimalDrug, "min: 1, max: 2", "min: 3, max: 2", 1),
		"negative range": strings.Replace(minimalDrug, "min: 1, max: 2", "min: -1, max: 2", 1),
		"bad predicate":  strings.Replace(minimalDrug, "dose_mcgkgmin > 5", "dose_mcgkgmin >> 5", 1),
		"soft severity":  strings.Replace(minimalDrug, "hard_checks", "soft_checks", 1),
		"unknown unit":   strings.Replace(minimalDrug, "mcg/kg/min", "drops/kg/min", 1),
		"unknown key":    minimalDrug + "colour: blue\n",
		"bad level":      strings.Replace(minimalDrug, "MONITOR", "SEVERE", 1),
		"no species":     "id: empty\nalerts: []\n",
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := compileString(t, src); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

const diluentTable = `compatibility:
  diluents:
    - {id: nacl_09, status: compatible}
    - {id: RL, label: Lactated Ringer's, status: avoid, reason: precipitates}
    - {id: D5W}
`

func TestCompileDiluents(t *testing.T) {
	p, err := compileString(t, minimalDrug+diluentTable)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	tests := []struct {
		diluent clinical.Diluent
		status  CompatibilityStatus
		label   string
	}{
		{clinical.DiluentSaline, CompatibilityOK, "NaCl_09"},
		{clinical.DiluentRingerLactate, CompatibilityAvoid, "Lactated Ringer's"},
		{clinical.DiluentDextrose5, CompatibilityUnknown, "D5W"},
	}
	for _, tt := range tests {
		c, ok := p.Diluent(tt.diluent)
		if !ok || c.Status != tt.status || c.Label != tt.label {
			t.Errorf("Diluent(%s) = %+v, %v", tt.diluent, c, ok)
		}
	}
	if got := len(p.Diluents()); got != 3 {
		t.Errorf("Diluents() has %d entries", got)
	}

	bare, err := compileString(t, minimalDrug)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := bare.Diluent(clinical.DiluentSaline); ok {
		t.Error("a profile without a table has no diluent data")
	}
}

func TestCompileDiluentsRejects(t *testing.T) {
	tests := map[string]string{
		"unknown diluent": "compatibility:\n  diluents:\n    - {id: water, status: compatible}\n",
		"unknown status":  "compatibility:\n  diluents:\n    - {id: RL, status: maybe}\n",
		"missing id":      "compatibility:\n  diluents:\n    - {status: avoid}\n",
		"listed twice":    "compatibility:\n  diluents:\n    - {id: RL}\n    - {id: rl}\n",
	}
	for name, table := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := compileString(t, minimalDrug+table)
			if !errors.Is(err, clinical.ErrConfiguration) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
		})
	}
}

func TestCompileRuleFactor(t *testing.T) {
	for _, factor := range []string{"0", "1.5", "-0.2"} {
		src := minimalDrug + "protocol_rules:\n  mlk:\n    - if: \"true\"\n      action: REDUCE_DOSE\n      factor: " + factor + "\n      message: m\n"
		_, err := compileString(t, src)
		if !errors.Is(err, clinical.ErrConfiguration) {
			t.Errorf("factor %s: expected ConfigurationError, got %v", factor, err)
		}
	}
	src := minimalDrug + "protocol_rules:\n  mlk:\n    - if: \"true\"\n      action: REDUCE_DOSE\n      message: m\n"
	if _, err := compileString(t, src); err == nil {
		t.Error("REDUCE_DOSE without factor must fail")
	}
}

func TestLintMissingTemplateFailsLoad(t *testing.T) {
	dir := t.TempDir()
	src := strings.Replace(minimalDrug, "templates:\n  cri:", "templates:\n  bolus:", 1)
	if err := os.WriteFile(filepath.Join(dir, "testdrug.yaml"), []byte(src), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(context.Background(), DirSource{Dir: dir}, nil)
	if !errors.Is(err, clinical.ErrConfiguration) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"testdrug.yaml": minimalDrug,
		"protocols.yml": "protocols:\n  - id: solo\n    drugs: [testdrug]\n",
		"README.md":     "ignored",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	repo, err := Load(context.Background(), DirSource{Dir: dir}, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := repo.Get("TestDrug"); err != nil {
		t.Errorf("get: %v", err)
	}
	if p, err := repo.Protocol("solo"); err != nil || p.Name != "solo" {
		t.Errorf("protocol = %+v, %v", p, err)
	}

	if _, err := Load(context.Background(), DirSource{Dir: filepath.Join(dir, "missing")}, nil); err == nil {
		t.Error("expected error for missing dir")
	}
}

func TestProtocolUnknownDrug(t *testing.T) {
	_, err := NewRepository(nil, []Protocol{{ID: "p", Drugs: []string{"ghost"}}})
	if !errors.Is(err, clinical.ErrConfiguration) {
		t.Errorf("expected ConfigurationError, got %v", err)
	}
}

func TestDoseRangePosition(t *testing.T) {
	r := DoseRange{Min: 25, Max: 80, Unit: quantity.McgPerKgPerMin}
	tests := []struct {
		q    quantity.Quantity
		want int
	}{
		{quantity.Of(50, quantity.McgPerKgPerMin), 0},
		{quantity.Of(4.8, quantity.MgPerKgPerH), 0},
		{quantity.Of(10, quantity.McgPerKgPerMin), -1},
		{quantity.Of(6, quantity.MgPerKgPerH), 1},
	}
	for _, tt := range tests {
		got, err := r.Position(tt.q)
		if err != nil || got != tt.want {
			t.Errorf("Position(%s) = %d, %v; want %d", tt.q, got, err, tt.want)
		}
	}
	if _, err := r.Position(quantity.Of(1, quantity.UPerKgPerH)); !errors.Is(err, clinical.ErrUnit) {
		t.Errorf("expected ErrUnit, got %v", err)
	}
}

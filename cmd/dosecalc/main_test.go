package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/crivet/dose-engine/internal/domain/clinical"
	"github.com/crivet/dose-engine/internal/domain/dosing"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

const criRequest = `{
	"drug_id": "fentanyl",
	"mode": "cri",
	"species": "dog",
	"weight_kg": 20,
	"requested_dose": {"value": 0.0167, "unit": "mcg/kg/min"},
	"concentration": {"value": 10, "unit": "mcg/mL"}
}`

func TestEvaluateFromStdin(t *testing.T) {
	out, err := execute(t, criRequest, "evaluate")
	if err != nil {
		t.Fatal(err)
	}
	var res dosing.Result
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("output is not a result: %v\n%s", err, out)
	}
	if res.DrugID != "fentanyl" || res.Status == clinical.StatusBlocked {
		t.Errorf("result = %+v", res)
	}
	if rate := res.Outputs["rate_ml_h"]; rate.Value < 1.99 || rate.Value > 2.01 {
		t.Errorf("rate = %+v", rate)
	}
}

func TestEvaluateFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "req.json")
	if err := os.WriteFile(path, []byte(criRequest), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "", "evaluate", path); err != nil {
		t.Fatal(err)
	}
}

func TestEvaluateFailOnBlock(t *testing.T) {
	req := `{"drug_id": "remifentanil", "mode": "cri", "species": "dog", "weight_kg": 20, "requested_dose": {"value": 0.1, "unit": "mcg/kg/min"}, "concentration": {"value": 20, "unit": "mcg/mL"}, "flags": {"use_bolus": true}}`
	out, err := execute(t, req, "evaluate", "--fail-on-block")
	if !errors.Is(err, errBlocked) {
		t.Fatalf("err = %v, want errBlocked\n%s", err, out)
	}
}

func TestEvaluateRejectsUnknownFields(t *testing.T) {
	if _, err := execute(t, `{"drug": "fentanyl"}`, "evaluate"); err == nil {
		t.Error("expected decode error")
	}
}

func TestDrugs(t *testing.T) {
	out, err := execute(t, "", "drugs", "list")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"fentanyl", "ketamine", "protocol mlk"} {
		if !strings.Contains(out, want) {
			t.Errorf("list missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "", "drugs", "show", "fentanyl")
	if err != nil {
		t.Fatal(err)
	}
	var s dosing.DrugSummary
	if err := json.Unmarshal([]byte(out), &s); err != nil {
		t.Fatal(err)
	}
	if s.ID != "fentanyl" {
		t.Errorf("summary = %+v", s)
	}

	if _, err := execute(t, "", "drugs", "show", "aspirin"); !errors.Is(err, clinical.ErrNotFound) {
		t.Errorf("unknown drug err = %v", err)
	}
}

func TestLintBuiltInCatalog(t *testing.T) {
	out, err := execute(t, "", "lint")
	if err != nil {
		t.Fatalf("%v\n%s", err, out)
	}
	if !strings.Contains(out, "issues") {
		t.Errorf("missing summary line:\n%s", out)
	}
}

func TestCatalogDirMissing(t *testing.T) {
	if _, err := execute(t, "", "--catalog-dir", filepath.Join(t.TempDir(), "nope"), "lint"); err == nil {
		t.Error("expected error for a missing catalog dir")
	}
}

func TestCatalogPushNeedsDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := execute(t, "", "catalog", "push"); err == nil {
		t.Error("expected error without a database url")
	}
}

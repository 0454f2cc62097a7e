// Package calc implements the dose arithmetic for bolus, constant-rate
// infusion and dilution. Every function is pure: inputs are validated before
// any arithmetic and invalid inputs are returned as errors, never clamped.
package calc

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/crivet/dose-engine/internal/domain/clinical"
	"github.com/crivet/dose-engine/internal/domain/quantity"
)

// Output names. The evaluation environment expands each into one field per
// unit of its dimension, e.g. "rate" becomes "rate_ml_h".
const (
	OutDoseTotal          = "dose_total"
	OutVolume             = "volume"
	OutRate               = "rate"
	OutStockVolume        = "stock_volume"
	OutDiluentVolume      = "diluent_volume"
	OutFinalVolume        = "final_volume"
	OutFinalConcentration = "final_concentration"
)

// Result is a calculation outcome with a primary output, named secondary
// outputs and the human-readable steps that produced them
type Result struct {
	PrimaryName string
	Primary     quantity.Quantity
	Outputs     map[string]quantity.Quantity
	Steps       []string

	// Concentrates is set by Dilution when the desired concentration exceeds
	// the stock concentration
	Concentrates bool
}

// OutputNames returns the output names, sorted
func (r Result) OutputNames() []string {
	names := make([]string, 0, len(r.Outputs))
	for n := range r.Outputs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// basis holds the canonical units a substance is computed in
type basis struct {
	ratePerKg quantity.Unit
	dosePerKg quantity.Unit
	conc      quantity.Unit
	amount    quantity.Unit
	perMin    quantity.Unit
	perHour   quantity.Unit
}

var bases = map[quantity.Substance]basis{
	quantity.SubstanceMass: {
		ratePerKg: quantity.McgPerKgPerMin,
		dosePerKg: quantity.McgPerKg,
		conc:      quantity.McgPerML,
		amount:    quantity.Mcg,
		perMin:    quantity.McgPerMin,
		perHour:   quantity.McgPerH,
	},
	quantity.SubstanceActivity: {
		ratePerKg: quantity.UPerKgPerMin,
		dosePerKg: quantity.UPerKg,
		conc:      quantity.UPerML,
		amount:    quantity.U,
		perMin:    quantity.UPerMin,
		perHour:   quantity.UPerH,
	},
}

func basisFor(a, b quantity.Quantity) (basis, error) {
	sa, sb := a.Dimension().Substance(), b.Dimension().Substance()
	if sa != sb {
		return basis{}, &quantity.UnitError{From: string(a.Unit), To: string(b.Unit), Reason: "mass and activity units cannot be combined"}
	}
	bs, ok := bases[sa]
	if !ok {
		return basis{}, &quantity.UnitError{From: string(a.Unit), Reason: "not a dose unit"}
	}
	return bs, nil
}

func validWeight(w float64) error {
	if math.IsNaN(w) || math.IsInf(w, 0) || w <= 0 {
		return &clinical.InputError{Field: "weight_kg", Reason: "must be a positive finite number"}
	}
	return nil
}

func validDose(field string, q quantity.Quantity, dims ...quantity.Dimension) error {
	if !q.Finite() || q.Value <= 0 {
		return &clinical.InputError{Field: field, Reason: "must be a positive finite number"}
	}
	return q.Require(dims...)
}

func validConcentration(field string, q quantity.Quantity) error {
	if !q.Finite() || q.Value <= 0 {
		return &clinical.InputError{Field: field, Reason: "must be a positive finite number"}
	}
	return q.Require(quantity.MassConcentration, quantity.ActivityConc)
}

// num renders v with four significant digits and no exponent
func num(v float64) string {
	if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	digits := 3 - int(math.Floor(math.Log10(math.Abs(v))))
	if digits < 0 {
		digits = 0
	}
	s := strconv.FormatFloat(v, 'f', digits, 64)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	}
	return s
}

func qty(q quantity.Quantity) string { return num(q.Value) + " " + string(q.Unit) }

// must converts between units already known to share a dimension
func must(q quantity.Quantity, u quantity.Unit) quantity.Quantity {
	out, err := q.In(u)
	if err != nil {
		panic("calc: " + err.Error())
	}
	return out
}

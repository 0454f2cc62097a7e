package profile

import (
	"strings"

	"github.com/crivet/dose-engine/internal/domain/quantity"
)

// Field names shared by profile predicates and the evaluation environment.
const (
	FieldSpecies        = "species"
	FieldPatientSpecies = "patient_species"
	FieldRoute          = "route"
	FieldMode           = "mode"
	FieldWeightKg       = "weight_kg"
	FieldDrugID         = "drug_id"
	FieldFinalVolumeML  = "final_volume_ml"
	FieldStockVolumeML  = "stock_volume_ml"
	FieldDiluentML      = "diluent_volume_ml"
	FieldRateMLH        = "rate_ml_h"
	FieldVolumeML       = "volume_ml"
)

// Prefixes for unit-suffixed fields
const (
	PrefixDose               = "dose"
	PrefixTotalDose          = "dose_total"
	PrefixConcentration      = "concentration"
	PrefixDrugConcentration  = "drug_concentration"
	PrefixFinalConcentration = "final_concentration"
	PrefixStockConcentration = "stock_concentration"
	PrefixDesired            = "desired_concentration"
)

// DoseField names a dose in the given unit: mcg/kg/min becomes
// "dose_mcgkgmin".
func DoseField(u quantity.Unit) string {
	return PrefixDose + "_" + compact(u)
}

// UnitField names any other unit-suffixed field: prefix "concentration" and
// mg/mL become "concentration_mg_ml".
func UnitField(prefix string, u quantity.Unit) string {
	return prefix + "_" + strings.ReplaceAll(strings.ToLower(string(u)), "/", "_")
}

func compact(u quantity.Unit) string {
	return strings.ReplaceAll(strings.ToLower(string(u)), "/", "")
}

var knownFields = func() map[string]struct{} {
	m := map[string]struct{}{}
	for _, f := range []string{
		FieldSpecies, FieldPatientSpecies, FieldRoute, FieldMode, FieldWeightKg, FieldDrugID,
		FieldFinalVolumeML, FieldStockVolumeML, FieldDiluentML, FieldRateMLH, FieldVolumeML,
	} {
		m[f] = struct{}{}
	}
	for _, u := range quantity.Units() {
		switch u.Dimension() {
		case quantity.MassRatePerKg, quantity.ActivityRatePerKg, quantity.MassDosePerKg, quantity.ActivityDosePerKg:
			m[DoseField(u)] = struct{}{}
		case quantity.MassConcentration, quantity.ActivityConc:
			for _, p := range []string{PrefixConcentration, PrefixDrugConcentration, PrefixFinalConcentration, PrefixStockConcentration, PrefixDesired} {
				m[UnitField(p, u)] = struct{}{}
			}
		case quantity.MassAmount, quantity.ActivityAmount, quantity.MassRate, quantity.ActivityRate:
			m[UnitField(PrefixTotalDose, u)] = struct{}{}
		}
	}
	return m
}()

// KnownField reports whether name is supplied by the engine itself rather
// than by a request flag
func KnownField(name string) bool {
	_, ok := knownFields[name]
	return ok
}

package safety

import (
	"fmt"

	"github.com/crivet/dose-engine/internal/domain/calc"
	"github.com/crivet/dose-engine/internal/domain/clinical"
	"github.com/crivet/dose-engine/internal/domain/profile"
	"github.com/crivet/dose-engine/internal/domain/quantity"
)

// Sources of intrinsic findings
const (
	SourceUnsupported = "intrinsic:unsupported_mode"
	SourceHardMax     = "intrinsic:hard_max"
	SourceRange       = "intrinsic:range"
	SourceDilution    = "intrinsic:dilution_guard"
	SourceMinDraw     = "intrinsic:min_draw"
	SourceLight       = "intrinsic:light_sensitive"
	SourceRoute       = "intrinsic:route"
	SourcePreparation = "intrinsic:preparation"
	SourceDiluent     = "intrinsic:diluent"
)

// Subject is what the intrinsic checks look at
type Subject struct {
	Drug    *profile.DrugProfile
	Species clinical.Species
	Mode    clinical.Mode
	Route   clinical.Route
	Dose    quantity.Quantity // zero for dilution
	Result  calc.Result

	// Preparation is set when a CRI bag recipe was requested
	Preparation *calc.Preparation
	// Diluent is the carrier fluid of a bag or dilution, if one was named
	Diluent clinical.Diluent
}

// Unsupported is the outcome for a mode the species profile cannot express
func Unsupported(drug *profile.DrugProfile, species clinical.Species, mode clinical.Mode) Outcome {
	var o Outcome
	o.Block(fmt.Sprintf("%s is not profiled for %s in %s", drug.Name(), mode, species), SourceUnsupported)
	return o
}

// Intrinsic runs the checks every calculation gets regardless of its
// template. The caller has already verified the mode is supported.
func Intrinsic(s Subject) (Outcome, error) {
	var o Outcome
	dp, ok := s.Drug.Dosing(s.Species)
	if !ok || !dp.Dosing.Supports(s.Mode) {
		return Unsupported(s.Drug, s.Species, s.Mode), nil
	}

	switch s.Mode {
	case clinical.ModeBolus:
		spec, _ := dp.Dosing.Bolus()
		if err := checkRange(&o, spec.Range, s.Dose); err != nil {
			return Outcome{}, err
		}
		if spec.Route != "" && s.Route != spec.Route {
			o.Warn(fmt.Sprintf("Bolus is profiled for %s, requested %s", spec.Route, s.Route), SourceRoute)
		}
		checkDraw(&o, s.Drug, s.Result.Outputs[calc.OutVolume], "Bolus volume")

	case clinical.ModeCRI:
		spec, _ := dp.Dosing.CRI()
		if !spec.HardMax.IsZero() {
			limit, err := s.Dose.In(spec.HardMax.Unit)
			if err != nil {
				return Outcome{}, err
			}
			if limit.Value > spec.HardMax.Value*(1+1e-9) {
				o.Block(fmt.Sprintf("Dose %s exceeds the hard maximum of %s", s.Dose, spec.HardMax), SourceHardMax)
			}
		}
		if err := checkRange(&o, spec.Range, s.Dose); err != nil {
			return Outcome{}, err
		}
		if p := s.Preparation; p != nil {
			switch {
			case p.Impossible:
				o.Block(fmt.Sprintf("The bag needs %.3g mL of stock, more than the vehicle holds: use a more concentrated stock or a larger bag", p.DrugVolumeML), SourcePreparation)
			case p.PreDilution != nil:
				o.Note(clinical.SeverityInfo, fmt.Sprintf("Pre-dilute the stock 1:%d before adding it to the bag", p.PreDilution.Factor), SourcePreparation)
			}
		}

	case clinical.ModeDilution:
		if s.Result.Concentrates {
			o.Block("Desired concentration exceeds the stock concentration: a dilution cannot concentrate", SourceDilution)
		}
		checkDraw(&o, s.Drug, s.Result.Outputs[calc.OutStockVolume], "Stock volume")
	}

	if s.Diluent != "" {
		checkDiluent(&o, s.Drug, s.Diluent)
	}
	if s.Drug.LightSensitive() {
		o.Note(clinical.SeverityInfo, "Light-sensitive: protect the syringe and line from light", SourceLight)
	}
	return o, nil
}

func checkRange(o *Outcome, r profile.DoseRange, dose quantity.Quantity) error {
	pos, err := r.Position(dose)
	if err != nil {
		return err
	}
	switch pos {
	case 1:
		o.Warn(fmt.Sprintf("Dose %s is above the usual range %s", dose, r), SourceRange)
	case -1:
		o.Note(clinical.SeverityInfo, fmt.Sprintf("Dose %s is below the usual range %s", dose, r), SourceRange)
	}
	return nil
}

func checkDraw(o *Outcome, drug *profile.DrugProfile, vol quantity.Quantity, what string) {
	if vol.IsZero() || vol.Value <= 0 {
		return
	}
	if least := drug.MinDrawVolumeML(); vol.Value < least {
		o.Warn(fmt.Sprintf("%s %s is below the %.2g mL minimum measurable draw: pre-dilute the stock", what, vol, least), SourceMinDraw)
	}
}

func checkDiluent(o *Outcome, drug *profile.DrugProfile, d clinical.Diluent) {
	c, ok := drug.Diluent(d)
	if !ok || c.Status == profile.CompatibilityUnknown {
		o.Note(clinical.SeverityInfo, fmt.Sprintf("No compatibility data for %s in %s: check the formulary before mixing", drug.Name(), d), SourceDiluent)
		return
	}
	if c.Status == profile.CompatibilityAvoid {
		msg := fmt.Sprintf("Avoid %s as the diluent for %s", c.Label, drug.Name())
		if c.Reason != "" {
			msg += ": " + c.Reason
		}
		o.Warn(msg, SourceDiluent)
	}
}

package calc

import (
	"fmt"

	"github.com/crivet/dose-engine/internal/domain/clinical"
	"github.com/crivet/dose-engine/internal/domain/quantity"
)

// BolusInput is a one-off dose
type BolusInput struct {
	WeightKg      float64
	Dose          quantity.Quantity // per-kg dose, e.g. mg/kg
	Concentration quantity.Quantity
}

// Bolus computes the total dose and the volume to draw
func Bolus(in BolusInput) (Result, error) {
	if err := validWeight(in.WeightKg); err != nil {
		return Result{}, err
	}
	if err := validDose("dose", in.Dose, quantity.MassDosePerKg, quantity.ActivityDosePerKg); err != nil {
		return Result{}, err
	}
	if err := validConcentration("concentration", in.Concentration); err != nil {
		return Result{}, err
	}
	bs, err := basisFor(in.Dose, in.Concentration)
	if err != nil {
		return Result{}, err
	}

	perKg := must(in.Dose, bs.dosePerKg)
	conc := must(in.Concentration, bs.conc)
	total := quantity.Of(perKg.Value*in.WeightKg, bs.amount)
	volume := quantity.Of(total.Value/conc.Value, quantity.ML)

	// report the total in the unit family the dose was authored in
	displayTotal := total
	if in.Dose.Unit == quantity.MgPerKg {
		displayTotal = must(total, quantity.Mg)
	}

	steps := []string{
		fmt.Sprintf("Total dose: %s x %s kg = %s", qty(in.Dose), num(in.WeightKg), qty(displayTotal)),
	}
	if conc.Unit != in.Concentration.Unit {
		steps = append(steps, fmt.Sprintf("Concentration: %s = %s", qty(in.Concentration), qty(conc)))
	}
	steps = append(steps, fmt.Sprintf("Volume: %s / %s = %s", qty(total), qty(conc), qty(volume)))

	return Result{
		PrimaryName: OutVolume,
		Primary:     volume,
		Outputs: map[string]quantity.Quantity{
			OutDoseTotal: displayTotal,
			OutVolume:    volume,
		},
		Steps: steps,
	}, nil
}

// CRIInput is a constant-rate infusion
type CRIInput struct {
	WeightKg      float64
	Dose          quantity.Quantity // per-kg rate, e.g. mcg/kg/min
	Concentration quantity.Quantity
}

// CRI computes the dose per minute and per hour and the pump rate in mL/h.
// Mass doses are normalized to mcg/kg/min and activity doses to U/kg/min.
func CRI(in CRIInput) (Result, error) {
	if err := validWeight(in.WeightKg); err != nil {
		return Result{}, err
	}
	if err := validDose("dose", in.Dose, quantity.MassRatePerKg, quantity.ActivityRatePerKg); err != nil {
		return Result{}, err
	}
	if err := validConcentration("concentration", in.Concentration); err != nil {
		return Result{}, err
	}
	bs, err := basisFor(in.Dose, in.Concentration)
	if err != nil {
		return Result{}, err
	}

	d := must(in.Dose, bs.ratePerKg)
	conc := must(in.Concentration, bs.conc)
	perMin := quantity.Of(d.Value*in.WeightKg, bs.perMin)
	perHour := quantity.Of(perMin.Value*60, bs.perHour)
	rate := quantity.Of(perHour.Value/conc.Value, quantity.MLPerH)

	var steps []string
	if d.Unit != in.Dose.Unit {
		steps = append(steps, fmt.Sprintf("Normalized dose: %s = %s", qty(in.Dose), qty(d)))
	}
	steps = append(steps,
		fmt.Sprintf("Dose per minute: %s x %s kg = %s", qty(d), num(in.WeightKg), qty(perMin)),
		fmt.Sprintf("Dose per hour: %s x 60 = %s", qty(perMin), qty(perHour)),
	)
	if conc.Unit != in.Concentration.Unit {
		steps = append(steps, fmt.Sprintf("Concentration: %s = %s", qty(in.Concentration), qty(conc)))
	}
	steps = append(steps, fmt.Sprintf("Rate: %s / %s = %s", qty(perHour), qty(conc), qty(rate)))

	return Result{
		PrimaryName: OutRate,
		Primary:     rate,
		Outputs: map[string]quantity.Quantity{
			OutDoseTotal: perMin,
			OutRate:      rate,
		},
		Steps: steps,
	}, nil
}

// DilutionInput prepares a final volume at a desired concentration from stock
type DilutionInput struct {
	Stock         quantity.Quantity
	Desired       quantity.Quantity
	FinalVolumeML float64
}

// Dilution computes the stock and diluent volumes. It reports Concentrates
// instead of failing when desired exceeds stock; the safety gate blocks it.
func Dilution(in DilutionInput) (Result, error) {
	if err := validConcentration("stock_concentration", in.Stock); err != nil {
		return Result{}, err
	}
	if err := validConcentration("desired_concentration", in.Desired); err != nil {
		return Result{}, err
	}
	if err := validVolume("final_volume_ml", in.FinalVolumeML); err != nil {
		return Result{}, err
	}
	desired, err := in.Desired.In(in.Stock.Unit)
	if err != nil {
		return Result{}, err
	}

	final := quantity.Of(in.FinalVolumeML, quantity.ML)
	stockVol := quantity.Of(desired.Value*in.FinalVolumeML/in.Stock.Value, quantity.ML)
	diluent := quantity.Of(in.FinalVolumeML-stockVol.Value, quantity.ML)
	concentrates := desired.Value > in.Stock.Value*(1+1e-12)

	steps := []string{
		fmt.Sprintf("Stock volume: %s x %s / %s = %s", qty(desired), qty(final), qty(in.Stock), qty(stockVol)),
		fmt.Sprintf("Diluent volume: %s - %s = %s", qty(final), qty(stockVol), qty(diluent)),
	}
	if concentrates {
		steps = append(steps, fmt.Sprintf("Desired %s exceeds stock %s: dilution cannot concentrate", qty(in.Desired), qty(in.Stock)))
	}

	return Result{
		PrimaryName: OutStockVolume,
		Primary:     stockVol,
		Outputs: map[string]quantity.Quantity{
			OutStockVolume:        stockVol,
			OutDiluentVolume:      diluent,
			OutFinalVolume:        final,
			OutFinalConcentration: in.Desired,
		},
		Steps:        steps,
		Concentrates: concentrates,
	}, nil
}

func validVolume(field string, v float64) error {
	if v <= 0 || !quantity.Of(v, quantity.ML).Finite() {
		return &clinical.InputError{Field: field, Reason: "must be a positive finite number"}
	}
	return nil
}

package calc

import (
	"fmt"
	"math"

	"github.com/crivet/dose-engine/internal/domain/quantity"
)

// Pre-dilution limits
const (
	DefaultMinDrawML  = 0.2
	maxPreDilution    = 100
	preDilutionTarget = 5 // multiples of the minimum draw
)

// PreparationInput describes an infusion bag built for a fixed pump rate
type PreparationInput struct {
	WeightKg        float64
	Dose            quantity.Quantity // per-kg rate
	PumpRateMLH     float64
	VehicleVolumeML float64
	Stock           quantity.Quantity
	MinDrawML       float64 // zero means DefaultMinDrawML
}

// PreDilution is an intermediate step for drug volumes too small to draw
type PreDilution struct {
	Factor            int               `json:"factor"`
	DrawFromVialML    float64           `json:"draw_from_vial_ml"`
	AddDiluentML      float64           `json:"add_diluent_ml"`
	Concentration     quantity.Quantity `json:"concentration"`
	VolumeToVehicleML float64           `json:"volume_to_vehicle_ml"`
}

// Preparation is the bag recipe
type Preparation struct {
	Concentration quantity.Quantity // needed in the bag
	TotalDrug     quantity.Quantity
	DrugVolumeML  float64
	DiluentML     float64
	PreDilution   *PreDilution
	Impossible    bool
	Steps         []string
}

// Prepare computes how much stock and diluent make a bag that delivers the
// dose at the pump rate. Drug volumes below the minimum draw get a
// pre-dilution recipe; volumes beyond the vehicle are Impossible.
func Prepare(in PreparationInput) (Preparation, error) {
	if err := validWeight(in.WeightKg); err != nil {
		return Preparation{}, err
	}
	if err := validDose("dose", in.Dose, quantity.MassRatePerKg, quantity.ActivityRatePerKg); err != nil {
		return Preparation{}, err
	}
	if err := validVolume("rate_ml_h", in.PumpRateMLH); err != nil {
		return Preparation{}, err
	}
	if err := validVolume("vehicle_volume_ml", in.VehicleVolumeML); err != nil {
		return Preparation{}, err
	}
	if err := validConcentration("stock_concentration", in.Stock); err != nil {
		return Preparation{}, err
	}
	bs, err := basisFor(in.Dose, in.Stock)
	if err != nil {
		return Preparation{}, err
	}
	minDraw := in.MinDrawML
	if minDraw <= 0 {
		minDraw = DefaultMinDrawML
	}

	d := must(in.Dose, bs.ratePerKg)
	stock := must(in.Stock, bs.conc)
	perHour := d.Value * 60 * in.WeightKg
	needed := quantity.Of(perHour/in.PumpRateMLH, bs.conc)
	total := quantity.Of(needed.Value*in.VehicleVolumeML, bs.amount)
	drugVol := total.Value / stock.Value

	p := Preparation{
		Concentration: needed,
		TotalDrug:     total,
		DrugVolumeML:  drugVol,
		Steps: []string{
			fmt.Sprintf("Dose per hour: %s x %s kg x 60 = %s", qty(d), num(in.WeightKg), qty(quantity.Of(perHour, bs.perHour))),
			fmt.Sprintf("Bag concentration: %s / %s mL/h = %s", qty(quantity.Of(perHour, bs.perHour)), num(in.PumpRateMLH), qty(needed)),
			fmt.Sprintf("Drug in bag: %s x %s mL = %s", qty(needed), num(in.VehicleVolumeML), qty(total)),
			fmt.Sprintf("Stock volume: %s / %s = %s mL", qty(total), qty(stock), num(drugVol)),
		},
	}

	switch {
	case drugVol > 0 && drugVol < minDraw:
		target := math.Max(1, minDraw*preDilutionTarget)
		factor := int(math.Ceil(target / drugVol))
		if factor > maxPreDilution {
			factor = maxPreDilution
		}
		pre := quantity.Of(stock.Value/float64(factor), bs.conc)
		vol := total.Value / pre.Value
		p.PreDilution = &PreDilution{
			Factor:            factor,
			DrawFromVialML:    1,
			AddDiluentML:      float64(factor - 1),
			Concentration:     pre,
			VolumeToVehicleML: vol,
		}
		p.DiluentML = math.Max(0, in.VehicleVolumeML-vol)
		p.Steps = append(p.Steps,
			fmt.Sprintf("%s mL is below the %s mL minimum draw: dilute 1 mL of stock with %d mL diluent (1:%d)", num(drugVol), num(minDraw), factor-1, factor),
			fmt.Sprintf("Add %s mL of %s to %s mL diluent", num(vol), qty(pre), num(p.DiluentML)),
		)
	case drugVol > in.VehicleVolumeML:
		p.Impossible = true
		p.Steps = append(p.Steps, fmt.Sprintf("%s mL of stock exceeds the %s mL vehicle", num(drugVol), num(in.VehicleVolumeML)))
	default:
		p.DiluentML = in.VehicleVolumeML - drugVol
		p.Steps = append(p.Steps, fmt.Sprintf("Diluent: %s - %s = %s mL", num(in.VehicleVolumeML), num(drugVol), num(p.DiluentML)))
	}
	return p, nil
}

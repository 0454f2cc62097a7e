// Package dosing is the engine facade: it runs the calculation, the safety
// gate, the comorbidity and protocol resolvers for a request and aggregates
// their verdicts into one Result.
package dosing

import (
	"github.com/crivet/dose-engine/internal/domain/calc"
	"github.com/crivet/dose-engine/internal/domain/clinical"
	"github.com/crivet/dose-engine/internal/domain/comorbidity"
	"github.com/crivet/dose-engine/internal/domain/predicate"
	"github.com/crivet/dose-engine/internal/domain/profile"
	"github.com/crivet/dose-engine/internal/domain/quantity"
	"github.com/crivet/dose-engine/internal/domain/safety"
)

// Request is a single-drug evaluation
type Request struct {
	DrugID          string                     `json:"drug_id"`
	Mode            string                     `json:"mode"`
	Species         string                     `json:"species"`
	WeightKg        float64                    `json:"weight_kg"`
	Route           string                     `json:"route,omitempty"`
	Dose            *quantity.Quantity         `json:"requested_dose,omitempty"`
	Concentration   *quantity.Quantity         `json:"concentration,omitempty"`
	ComorbidityTags []string                   `json:"comorbidity_tags,omitempty"`
	Labs            map[string]predicate.Value `json:"labs,omitempty"`
	Flags           map[string]predicate.Value `json:"flags,omitempty"`
	OtherDrugs      []string                   `json:"other_drugs,omitempty"`
	ProtocolID      string                     `json:"protocol_id,omitempty"`
	Dilution        *DilutionRequest           `json:"dilution,omitempty"`
	Preparation     *PreparationRequest        `json:"preparation,omitempty"`
}

// DilutionRequest carries the dilution inputs. Diluent is one of NaCl_09,
// RL or D5W and is checked against the profile's compatibility table.
type DilutionRequest struct {
	Stock         quantity.Quantity `json:"stock"`
	Desired       quantity.Quantity `json:"desired"`
	FinalVolumeML float64           `json:"final_volume_ml"`
	Diluent       string            `json:"diluent,omitempty"`
}

// PreparationRequest asks for a CRI bag recipe. Stock defaults to the
// request concentration.
type PreparationRequest struct {
	PumpRateMLH     float64            `json:"pump_rate_ml_h"`
	VehicleVolumeML float64            `json:"vehicle_volume_ml"`
	Stock           *quantity.Quantity `json:"stock,omitempty"`
	Diluent         string             `json:"diluent,omitempty"`
}

// Result is the aggregated verdict for one drug. The engine keeps no
// reference to a returned Result.
type Result struct {
	DrugID         string                       `json:"drug_id"`
	Mode           clinical.Mode                `json:"mode"`
	Species        clinical.Species             `json:"species"`
	Status         clinical.Status              `json:"status"`
	Computed       *quantity.Quantity           `json:"computed,omitempty"`
	AdjustedFactor *float64                     `json:"adjusted_factor,omitempty"`
	Adjusted       *quantity.Quantity           `json:"adjusted,omitempty"`
	Outputs        map[string]quantity.Quantity `json:"outputs,omitempty"`
	Steps          []string                     `json:"steps,omitempty"`
	Preparation    *Preparation                 `json:"preparation,omitempty"`
	Warnings       []safety.Finding             `json:"warnings"`
	Blocks         []safety.Finding             `json:"blocks"`
	Alerts         []profile.ComorbidityAlert   `json:"alerts"`
	Directives     *comorbidity.Directives      `json:"directives,omitempty"`
	Unevaluable    []safety.Unevaluable         `json:"unevaluable"`
}

// Preparation is the rendered bag recipe
type Preparation struct {
	Concentration quantity.Quantity `json:"concentration"`
	TotalDrug     quantity.Quantity `json:"total_drug"`
	DrugVolumeML  float64           `json:"drug_volume_ml"`
	DiluentML     float64           `json:"diluent_ml"`
	PreDilution   *calc.PreDilution `json:"pre_dilution,omitempty"`
	Impossible    bool              `json:"impossible,omitempty"`
	Steps         []string          `json:"steps,omitempty"`
}

func newPreparation(p *calc.Preparation) *Preparation {
	if p == nil {
		return nil
	}
	return &Preparation{
		Concentration: p.Concentration,
		TotalDrug:     p.TotalDrug,
		DrugVolumeML:  p.DrugVolumeML,
		DiluentML:     p.DiluentML,
		PreDilution:   p.PreDilution,
		Impossible:    p.Impossible,
		Steps:         append([]string(nil), p.Steps...),
	}
}

// ProtocolRequest evaluates several drugs of one protocol for one patient
type ProtocolRequest struct {
	ProtocolID      string                     `json:"protocol_id"`
	Species         string                     `json:"species"`
	WeightKg        float64                    `json:"weight_kg"`
	Route           string                     `json:"route,omitempty"`
	ComorbidityTags []string                   `json:"comorbidity_tags,omitempty"`
	Labs            map[string]predicate.Value `json:"labs,omitempty"`
	Flags           map[string]predicate.Value `json:"flags,omitempty"`
	OtherDrugs      []string                   `json:"other_drugs,omitempty"`
	Drugs           []DrugDose                 `json:"drugs"`
}

// DrugDose is one drug of a protocol request. Mode defaults to cri.
type DrugDose struct {
	DrugID        string                     `json:"drug_id"`
	Mode          string                     `json:"mode,omitempty"`
	Dose          *quantity.Quantity         `json:"requested_dose,omitempty"`
	Concentration *quantity.Quantity         `json:"concentration,omitempty"`
	Flags         map[string]predicate.Value `json:"flags,omitempty"`
	Preparation   *PreparationRequest        `json:"preparation,omitempty"`
}

// ProtocolResult lists per-drug results in the protocol's declared order
type ProtocolResult struct {
	ProtocolID string          `json:"protocol_id"`
	Name       string          `json:"name"`
	Status     clinical.Status `json:"status"`
	Results    []Result        `json:"results"`
}

// request builds the single-drug request for one protocol member
func (pr ProtocolRequest) request(d DrugDose) Request {
	flags := make(map[string]predicate.Value, len(pr.Flags)+len(d.Flags))
	for k, v := range pr.Flags {
		flags[k] = v
	}
	for k, v := range d.Flags {
		flags[k] = v
	}
	mode := d.Mode
	if mode == "" {
		mode = string(clinical.ModeCRI)
	}
	return Request{
		DrugID:          d.DrugID,
		Mode:            mode,
		Species:         pr.Species,
		WeightKg:        pr.WeightKg,
		Route:           pr.Route,
		Dose:            d.Dose,
		Concentration:   d.Concentration,
		ComorbidityTags: pr.ComorbidityTags,
		Labs:            pr.Labs,
		Flags:           flags,
		OtherDrugs:      pr.OtherDrugs,
		Preparation:     d.Preparation,
	}
}

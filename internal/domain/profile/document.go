package profile

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/crivet/dose-engine/internal/domain/quantity"
	"gopkg.in/yaml.v3"
)

// Document is one raw catalog file as read from a Source
type Document struct {
	Name string
	Data []byte
}

// DrugDocument is the authoring shape of a drug profile
type DrugDocument struct {
	ID              string                            `yaml:"id"`
	Name            string                            `yaml:"name"`
	Classes         []string                          `yaml:"classes"`
	LightSensitive  bool                              `yaml:"light_sensitive"`
	MinDrawVolumeML float64                           `yaml:"min_draw_volume_ml"`
	Presentations   []quantity.Quantity               `yaml:"presentations"`
	Species         map[string]SpeciesDocument        `yaml:"species"`
	Templates       map[string]TemplateDocument       `yaml:"templates"`
	Alerts          []AlertDocument                   `yaml:"alerts"`
	ProtocolRules   map[string][]ProtocolRuleDocument `yaml:"protocol_rules"`
	Compatibility   *CompatibilityDocument            `yaml:"compatibility"`
}

type RangeDocument struct {
	Min  float64 `yaml:"min"`
	Max  float64 `yaml:"max"`
	Unit string  `yaml:"unit"`
	Note string  `yaml:"note"`
}

type SpeciesDocument struct {
	Notes    string            `yaml:"notes"`
	Bolus    *BolusDocument    `yaml:"bolus"`
	CRI      *CRIDocument      `yaml:"cri"`
	Dilution *DilutionDocument `yaml:"dilution"`
}

type BolusDocument struct {
	Range       RangeDocument  `yaml:"range"`
	Route       string         `yaml:"route"`
	LoadingDose *RangeDocument `yaml:"loading_dose"`
}

type CRIDocument struct {
	Range         RangeDocument      `yaml:"range"`
	TitrationStep *quantity.Quantity `yaml:"titration_step"`
	HardMax       *quantity.Quantity `yaml:"hard_max"`
	Titration     string             `yaml:"titration"`
}

type DilutionDocument struct {
	Targets []quantity.Quantity `yaml:"targets"`
}

type InputDocument struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
}

type StepDocument struct {
	Label   string `yaml:"label"`
	Formula string `yaml:"formula"`
}

type CheckDocument struct {
	If      string `yaml:"if"`
	Then    string `yaml:"then"`
	Message string `yaml:"message"`
}

type TemplateDocument struct {
	RequiredInputs []InputDocument `yaml:"required_inputs"`
	Steps          []StepDocument  `yaml:"steps"`
	HardChecks     []CheckDocument `yaml:"hard_checks"`
	SoftChecks     []CheckDocument `yaml:"soft_checks"`
	Outputs        []string        `yaml:"outputs"`
}

type AdjustmentDocument struct {
	ReducePercent      float64  `yaml:"reduce_percent"`
	AvoidBolus         bool     `yaml:"avoid_bolus"`
	RequireCentralLine bool     `yaml:"require_central_line"`
	RequireMonitoring  []string `yaml:"require_monitoring"`
	SuggestAlternative string   `yaml:"suggest_alternative"`
}

type AlertDocument struct {
	Key            string              `yaml:"key"`
	Level          string              `yaml:"level"`
	Title          string              `yaml:"title"`
	Why            string              `yaml:"why"`
	Actions        []string            `yaml:"actions"`
	DoseAdjustment *AdjustmentDocument `yaml:"dose_adjustment"`
}

type ProtocolRuleDocument struct {
	If      string   `yaml:"if"`
	Action  string   `yaml:"action"`
	Factor  *float64 `yaml:"factor"`
	Message string   `yaml:"message"`
}

type CompatibilityDocument struct {
	Diluents []DiluentDocument `yaml:"diluents"`
}

type DiluentDocument struct {
	ID     string `yaml:"id"`
	Label  string `yaml:"label"`
	Status string `yaml:"status"`
	Reason string `yaml:"reason"`
}

type ProtocolDocument struct {
	ID    string   `yaml:"id"`
	Name  string   `yaml:"name"`
	Drugs []string `yaml:"drugs"`
}

// ProtocolsDocument is the authoring shape of a protocol list file
type ProtocolsDocument struct {
	Protocols []ProtocolDocument `yaml:"protocols"`
}

// decoded is either a drug or a protocol list
type decoded struct {
	source    string
	drug      *DrugDocument
	protocols []ProtocolDocument
}

func decodeDocument(doc Document) (decoded, error) {
	var keys map[string]yaml.Node
	if err := yaml.Unmarshal(doc.Data, &keys); err != nil {
		return decoded{}, fmt.Errorf("%s: %w", doc.Name, err)
	}
	if len(keys) == 0 {
		return decoded{}, fmt.Errorf("%s: empty document", doc.Name)
	}

	_, hasProtocols := keys["protocols"]
	_, hasID := keys["id"]
	if hasProtocols && !hasID {
		var pd ProtocolsDocument
		if err := strictDecode(doc.Data, &pd); err != nil {
			return decoded{}, fmt.Errorf("%s: %w", doc.Name, err)
		}
		return decoded{source: doc.Name, protocols: pd.Protocols}, nil
	}

	var dd DrugDocument
	if err := strictDecode(doc.Data, &dd); err != nil {
		return decoded{}, fmt.Errorf("%s: %w", doc.Name, err)
	}
	return decoded{source: doc.Name, drug: &dd}, nil
}

// strictDecode rejects unknown keys
func strictDecode(data []byte, out interface{}) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

package profile

import (
	"fmt"
	"math"
	"strings"

	"github.com/crivet/dose-engine/internal/domain/clinical"
	"github.com/crivet/dose-engine/internal/domain/predicate"
	"github.com/crivet/dose-engine/internal/domain/quantity"
)

func configErr(drugID string, mode clinical.Mode, err error, format string, args ...interface{}) error {
	return &clinical.ConfigurationError{DrugID: drugID, Mode: mode, Reason: fmt.Sprintf(format, args...), Err: err}
}

// CompileDrug turns an authored document into an immutable profile
func CompileDrug(dd *DrugDocument) (*DrugProfile, error) {
	id := strings.ToLower(strings.TrimSpace(dd.ID))
	if id == "" {
		return nil, configErr("?", "", nil, "missing id")
	}

	p := &DrugProfile{
		id:              id,
		name:            dd.Name,
		classes:         append([]string(nil), dd.Classes...),
		lightSensitive:  dd.LightSensitive,
		minDrawVolumeML: dd.MinDrawVolumeML,
		doses:           make(map[clinical.Species]SpeciesDoseProfile),
		templates:       make(map[clinical.Mode]CalculationTemplate),
		protocolRules:   make(map[string][]ProtocolIntegrationRule),
		diluents:        make(map[clinical.Diluent]DiluentCompatibility),
	}
	if p.name == "" {
		p.name = id
	}
	if p.minDrawVolumeML == 0 {
		p.minDrawVolumeML = DefaultMinDrawVolumeML
	}
	if p.minDrawVolumeML < 0 || math.IsNaN(p.minDrawVolumeML) {
		return nil, configErr(id, "", nil, "min_draw_volume_ml must be positive")
	}

	for i, pres := range dd.Presentations {
		if err := pres.Require(quantity.MassConcentration, quantity.ActivityConc); err != nil {
			return nil, configErr(id, "", err, "presentation %d", i)
		}
		if pres.Value <= 0 {
			return nil, configErr(id, "", nil, "presentation %d must be positive", i)
		}
		p.presentations = append(p.presentations, pres)
	}

	if err := compileSpecies(p, dd.Species); err != nil {
		return nil, err
	}

	for key, td := range dd.Templates {
		mode, err := templateMode(key)
		if err != nil {
			return nil, configErr(id, "", err, "template %q", key)
		}
		if _, dup := p.templates[mode]; dup {
			return nil, configErr(id, mode, nil, "duplicate template")
		}
		t, err := compileTemplate(id, mode, td)
		if err != nil {
			return nil, err
		}
		p.templates[mode] = t
	}

	seen := make(map[string]struct{})
	for _, ad := range dd.Alerts {
		a, err := compileAlert(id, ad)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[a.Key]; dup {
			return nil, configErr(id, "", nil, "duplicate alert %q", a.Key)
		}
		seen[a.Key] = struct{}{}
		p.alerts = append(p.alerts, a)
	}

	for protoID, rules := range dd.ProtocolRules {
		pid := strings.ToLower(strings.TrimSpace(protoID))
		for i, rd := range rules {
			r, err := compileRule(id, rd)
			if err != nil {
				return nil, configErr(id, "", err, "protocol %s rule %d", pid, i)
			}
			p.protocolRules[pid] = append(p.protocolRules[pid], r)
		}
	}

	if cd := dd.Compatibility; cd != nil {
		for i, entry := range cd.Diluents {
			c, err := compileDiluent(entry)
			if err != nil {
				return nil, configErr(id, "", err, "diluent %d", i)
			}
			if _, dup := p.diluents[c.Diluent]; dup {
				return nil, configErr(id, "", nil, "diluent %s listed twice", c.Diluent)
			}
			p.diluents[c.Diluent] = c
		}
	}
	return p, nil
}

func compileDiluent(dd DiluentDocument) (DiluentCompatibility, error) {
	d, err := clinical.ParseDiluent(dd.ID)
	if err != nil {
		return DiluentCompatibility{}, err
	}
	if d == "" {
		return DiluentCompatibility{}, fmt.Errorf("missing id")
	}
	c := DiluentCompatibility{Diluent: d, Label: dd.Label, Reason: dd.Reason}
	switch status := CompatibilityStatus(strings.ToLower(strings.TrimSpace(dd.Status))); status {
	case CompatibilityOK, CompatibilityAvoid, CompatibilityUnknown:
		c.Status = status
	case "":
		c.Status = CompatibilityUnknown
	default:
		return c, fmt.Errorf("unknown status %q", dd.Status)
	}
	if c.Label == "" {
		c.Label = string(d)
	}
	return c, nil
}

func templateMode(key string) (clinical.Mode, error) {
	if strings.EqualFold(key, "dilution_builder") {
		return clinical.ModeDilution, nil
	}
	return clinical.ParseMode(key)
}

func compileSpecies(p *DrugProfile, docs map[string]SpeciesDocument) error {
	// "both" applies first; a species-specific entry replaces it
	if both, ok := docs["both"]; ok {
		for _, s := range clinical.AllSpecies {
			if err := compileOneSpecies(p, s, both); err != nil {
				return err
			}
		}
	}
	for key, sd := range docs {
		if key == "both" {
			continue
		}
		s, err := clinical.ParseSpecies(key)
		if err != nil {
			return configErr(p.id, "", err, "species key")
		}
		if err := compileOneSpecies(p, s, sd); err != nil {
			return err
		}
	}
	if len(p.doses) == 0 {
		return configErr(p.id, "", nil, "no species dosing")
	}
	return nil
}

func compileOneSpecies(p *DrugProfile, s clinical.Species, sd SpeciesDocument) error {
	var base Dosing
	var bolus *BolusSpec
	var cri *CRISpec

	if sd.Bolus != nil {
		b, err := compileBolus(sd.Bolus)
		if err != nil {
			return configErr(p.id, clinical.ModeBolus, err, "%s bolus", s)
		}
		bolus = &b
	}
	if sd.CRI != nil {
		c, err := compileCRI(sd.CRI)
		if err != nil {
			return configErr(p.id, clinical.ModeCRI, err, "%s cri", s)
		}
		cri = &c
	}

	switch {
	case bolus != nil && cri != nil:
		base = BolusAndCRI{BolusSpec: *bolus, CRISpec: *cri}
	case bolus != nil:
		base = BolusOnly{Spec: *bolus}
	case cri != nil:
		base = CRIOnly{Spec: *cri}
	}

	var dosing Dosing = base
	if sd.Dilution != nil {
		var spec DilutionSpec
		for i, t := range sd.Dilution.Targets {
			if err := t.Require(quantity.MassConcentration, quantity.ActivityConc); err != nil {
				return configErr(p.id, clinical.ModeDilution, err, "%s dilution target %d", s, i)
			}
			if t.Value <= 0 {
				return configErr(p.id, clinical.ModeDilution, nil, "%s dilution target %d must be positive", s, i)
			}
			spec.Targets = append(spec.Targets, t)
		}
		dosing = DilutionCapable{Base: base, Spec: spec}
	}
	if dosing == nil {
		return configErr(p.id, "", nil, "%s declares no mode", s)
	}

	p.doses[s] = SpeciesDoseProfile{Species: s, Dosing: dosing, Notes: sd.Notes}
	return nil
}

func compileRange(rd RangeDocument, dims ...quantity.Dimension) (DoseRange, error) {
	u, err := quantity.ParseUnit(rd.Unit)
	if err != nil {
		return DoseRange{}, err
	}
	if err := quantity.Of(0, u).Require(dims...); err != nil {
		return DoseRange{}, err
	}
	return newDoseRange(rd.Min, rd.Max, u, rd.Note)
}

func compileBolus(bd *BolusDocument) (BolusSpec, error) {
	r, err := compileRange(bd.Range, quantity.MassDosePerKg, quantity.ActivityDosePerKg)
	if err != nil {
		return BolusSpec{}, err
	}
	spec := BolusSpec{Range: r}
	if bd.Route != "" {
		if spec.Route, err = clinical.ParseRoute(bd.Route); err != nil {
			return BolusSpec{}, err
		}
	}
	if bd.LoadingDose != nil {
		ld, err := compileRange(*bd.LoadingDose, r.Unit.Dimension())
		if err != nil {
			return BolusSpec{}, fmt.Errorf("loading dose: %w", err)
		}
		spec.LoadingDose = &ld
	}
	return spec, nil
}

func compileCRI(cd *CRIDocument) (CRISpec, error) {
	r, err := compileRange(cd.Range, quantity.MassRatePerKg, quantity.ActivityRatePerKg)
	if err != nil {
		return CRISpec{}, err
	}
	spec := CRISpec{Range: r, Titration: cd.Titration}
	if cd.TitrationStep != nil {
		if err := cd.TitrationStep.Require(r.Unit.Dimension()); err != nil {
			return CRISpec{}, fmt.Errorf("titration step: %w", err)
		}
		spec.TitrationStep = *cd.TitrationStep
	}
	if cd.HardMax != nil {
		if err := cd.HardMax.Require(r.Unit.Dimension()); err != nil {
			return CRISpec{}, fmt.Errorf("hard max: %w", err)
		}
		if pos, _ := r.Position(*cd.HardMax); pos < 0 {
			return CRISpec{}, fmt.Errorf("hard max %s is below the range minimum", cd.HardMax)
		}
		spec.HardMax = *cd.HardMax
	}
	return spec, nil
}

func compileTemplate(drugID string, mode clinical.Mode, td TemplateDocument) (CalculationTemplate, error) {
	t := CalculationTemplate{Mode: mode, Outputs: append([]string(nil), td.Outputs...)}
	for _, in := range td.RequiredInputs {
		kind := in.Kind
		if kind == "" {
			kind = "number"
		}
		t.RequiredInputs = append(t.RequiredInputs, Input{Name: in.Name, Kind: kind})
	}
	for _, s := range td.Steps {
		t.Steps = append(t.Steps, Step{Label: s.Label, Formula: s.Formula})
	}

	for i, cd := range td.HardChecks {
		c, err := compileCheck(cd, clinical.SeverityBlock, clinical.SeverityWarn)
		if err != nil {
			return t, configErr(drugID, mode, err, "hard check %d", i)
		}
		t.HardChecks = append(t.HardChecks, c)
	}
	for i, cd := range td.SoftChecks {
		c, err := compileCheck(cd, clinical.SeverityWarn, clinical.SeverityInfo)
		if err != nil {
			return t, configErr(drugID, mode, err, "soft check %d", i)
		}
		t.SoftChecks = append(t.SoftChecks, c)
	}
	return t, nil
}

func compileCheck(cd CheckDocument, allowed ...clinical.CheckSeverity) (Check, error) {
	expr, err := predicate.Parse(cd.If)
	if err != nil {
		return Check{}, fmt.Errorf("predicate %q: %w", cd.If, err)
	}
	sev, err := clinical.ParseCheckSeverity(cd.Then)
	if err != nil {
		return Check{}, err
	}
	ok := false
	for _, a := range allowed {
		if sev == a {
			ok = true
		}
	}
	if !ok {
		return Check{}, fmt.Errorf("severity %s not allowed here", sev)
	}
	if strings.TrimSpace(cd.Message) == "" {
		return Check{}, fmt.Errorf("missing message")
	}
	return Check{Expr: expr, Source: cd.If, Severity: sev, Message: cd.Message}, nil
}

func compileAlert(drugID string, ad AlertDocument) (ComorbidityAlert, error) {
	key := strings.ToLower(strings.TrimSpace(ad.Key))
	if key == "" {
		return ComorbidityAlert{}, configErr(drugID, "", nil, "alert without key")
	}
	level, err := clinical.ParseAlertLevel(ad.Level)
	if err != nil {
		return ComorbidityAlert{}, configErr(drugID, "", err, "alert %q", key)
	}
	a := ComorbidityAlert{
		Key:     key,
		Level:   level,
		Title:   ad.Title,
		Why:     ad.Why,
		Actions: append([]string(nil), ad.Actions...),
	}
	if adj := ad.DoseAdjustment; adj != nil {
		if adj.ReducePercent < 0 || adj.ReducePercent > 100 {
			return ComorbidityAlert{}, configErr(drugID, "", nil, "alert %q: reduce_percent must be within 0-100", key)
		}
		a.DoseAdjustment = &DoseAdjustment{
			ReducePercent:      adj.ReducePercent,
			AvoidBolus:         adj.AvoidBolus,
			RequireCentralLine: adj.RequireCentralLine,
			RequireMonitoring:  append([]string(nil), adj.RequireMonitoring...),
			SuggestAlternative: adj.SuggestAlternative,
		}
	}
	return a, nil
}

func compileRule(drugID string, rd ProtocolRuleDocument) (ProtocolIntegrationRule, error) {
	expr, err := predicate.Parse(rd.If)
	if err != nil {
		return ProtocolIntegrationRule{}, fmt.Errorf("predicate %q: %w", rd.If, err)
	}
	r := ProtocolIntegrationRule{Expr: expr, Source: rd.If, Action: Action(strings.ToUpper(rd.Action)), Message: rd.Message, Factor: 1}
	switch r.Action {
	case ActionReduceDose:
		if rd.Factor == nil {
			return r, fmt.Errorf("REDUCE_DOSE requires a factor")
		}
		f := *rd.Factor
		if math.IsNaN(f) || f <= 0 || f > 1 {
			return r, fmt.Errorf("factor must satisfy 0 < f <= 1, got %g", f)
		}
		r.Factor = f
	case ActionRemoveDrug, ActionPreferAlternative:
	default:
		return r, fmt.Errorf("unknown action %q", rd.Action)
	}
	if strings.TrimSpace(r.Message) == "" {
		return r, fmt.Errorf("missing message")
	}
	return r, nil
}

// CompileProtocol validates an authored protocol
func CompileProtocol(pd ProtocolDocument) (Protocol, error) {
	id := strings.ToLower(strings.TrimSpace(pd.ID))
	if id == "" {
		return Protocol{}, &clinical.ConfigurationError{DrugID: "-", Reason: "protocol without id"}
	}
	p := Protocol{ID: id, Name: pd.Name}
	if p.Name == "" {
		p.Name = id
	}
	seen := make(map[string]struct{})
	for _, d := range pd.Drugs {
		d = strings.ToLower(strings.TrimSpace(d))
		if _, dup := seen[d]; dup {
			return Protocol{}, &clinical.ConfigurationError{DrugID: d, Reason: fmt.Sprintf("listed twice in protocol %s", id)}
		}
		seen[d] = struct{}{}
		p.Drugs = append(p.Drugs, d)
	}
	if len(p.Drugs) == 0 {
		return Protocol{}, &clinical.ConfigurationError{DrugID: "-", Reason: fmt.Sprintf("protocol %s lists no drugs", id)}
	}
	return p, nil
}

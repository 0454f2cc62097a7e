package dosing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/crivet/dose-engine/internal/domain/calc"
	"github.com/crivet/dose-engine/internal/domain/clinical"
	"github.com/crivet/dose-engine/internal/domain/comorbidity"
	"github.com/crivet/dose-engine/internal/domain/profile"
	"github.com/crivet/dose-engine/internal/domain/protocol"
	"github.com/crivet/dose-engine/internal/domain/quantity"
	"github.com/crivet/dose-engine/internal/domain/safety"
	"github.com/crivet/dose-engine/pkg/workerpool"
	"go.uber.org/zap"
)

// Runner fans out independent tasks and waits for them.
// *workerpool.Pool implements it.
type Runner interface {
	Do(ctx context.Context, tasks ...workerpool.TaskFunc) error
}

// Engine evaluates requests against an immutable catalog. It holds no
// per-request state and is safe for concurrent use.
type Engine struct {
	repo   *profile.Repository
	runner Runner
	logger *zap.Logger
}

// Option configures an Engine
type Option func(*Engine)

// WithRunner runs protocol members through r instead of sequentially
func WithRunner(r Runner) Option {
	return func(e *Engine) { e.runner = r }
}

// NewEngine creates an engine over repo
func NewEngine(repo *profile.Repository, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{repo: repo, logger: logger}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Repository returns the catalog the engine evaluates against
func (e *Engine) Repository() *profile.Repository { return e.repo }

// evaluation is the per-drug state between the independent phase and
// aggregation
type evaluation struct {
	drug        *profile.DrugProfile
	species     clinical.Species
	mode        clinical.Mode
	env         *env
	calc        *calc.Result
	preparation *calc.Preparation
	outputs     map[string]quantity.Quantity
	outcome     safety.Outcome
	alerts      []profile.ComorbidityAlert
	directives  comorbidity.Directives
}

// Evaluate runs one drug through calculation, safety gate, comorbidity
// resolution and, when ProtocolID is set, that protocol's rules for the
// drug. BLOCKED is a Result, not an error.
//
// As in EvaluateProtocol, drug_present only sees drugs actually given: the
// evaluated drug and OtherDrugs, not every drug the protocol declares.
func (e *Engine) Evaluate(req Request) (Result, error) {
	var proto profile.Protocol
	if req.ProtocolID != "" {
		p, err := e.repo.Protocol(req.ProtocolID)
		if err != nil {
			return Result{}, err
		}
		if !p.Includes(strings.ToLower(req.DrugID)) {
			return Result{}, &clinical.InputError{Field: "drug_id", Reason: fmt.Sprintf("%s is not part of protocol %s", req.DrugID, p.ID)}
		}
		proto = p
	}

	ev, err := e.evaluate(req, nil)
	if err != nil {
		return Result{}, err
	}
	if proto.ID == "" {
		return ev.result(nil), nil
	}
	adj := protocol.Resolve([]protocol.Member{ev.member(proto.ID)})[0]
	return ev.result(&adj), nil
}

func (e *Engine) evaluate(req Request, siblings []string) (*evaluation, error) {
	drug, err := e.repo.Get(req.DrugID)
	if err != nil {
		return nil, err
	}
	mode, err := clinical.ParseMode(req.Mode)
	if err != nil {
		return nil, err
	}
	species, err := clinical.ParseSpecies(req.Species)
	if err != nil {
		return nil, err
	}
	route, err := clinical.ParseRoute(req.Route)
	if err != nil {
		return nil, err
	}
	patient, err := clinical.NewPatientContext(species, req.WeightKg, route, req.ComorbidityTags, req.Labs, req.OtherDrugs)
	if err != nil {
		return nil, err
	}

	ev := &evaluation{
		drug:    drug,
		species: species,
		mode:    mode,
		env:     newEnv(drug, patient, mode),
		alerts:  comorbidity.Resolve(drug, patient.Tags()),
	}
	ev.env.addPresent(siblings...)
	ev.env.present[drug.ID()] = struct{}{}

	dp, ok := drug.Dosing(species)
	if !ok || !dp.Dosing.Supports(mode) {
		ev.outcome = safety.Unsupported(drug, species, mode)
		e.finish(ev)
		return ev, nil
	}
	tpl, ok := drug.Template(mode)
	if !ok {
		return nil, &clinical.ConfigurationError{DrugID: drug.ID(), Mode: mode, Reason: "no calculation template"}
	}
	if err := ev.env.flags(req.Flags, tpl.RequiredInputs); err != nil {
		return nil, err
	}

	subject := safety.Subject{Drug: drug, Species: species, Mode: mode, Route: route}
	switch mode {
	case clinical.ModeBolus:
		spec, _ := dp.Dosing.Bolus()
		err = ev.computeBolus(req, spec, &subject)
	case clinical.ModeCRI:
		spec, _ := dp.Dosing.CRI()
		err = ev.computeCRI(req, spec, &subject)
	case clinical.ModeDilution:
		err = ev.computeDilution(req, &subject)
	}
	if err != nil {
		return nil, err
	}

	names := tpl.Outputs
	if len(names) == 0 {
		names = ev.defaultOutputs()
	}
	if ev.outputs, err = ev.env.render(names); err != nil {
		return nil, &clinical.ConfigurationError{DrugID: drug.ID(), Mode: mode, Reason: "template outputs", Err: err}
	}

	intrinsic, err := safety.Intrinsic(subject)
	if err != nil {
		return nil, err
	}
	ev.outcome = intrinsic
	ev.outcome.Merge(safety.Evaluate(tpl.HardChecks, tpl.SoftChecks, ev.env))
	e.finish(ev)
	return ev, nil
}

// finish folds the comorbidity stage into the outcome
func (e *Engine) finish(ev *evaluation) {
	directives, advice := comorbidity.Merge(ev.alerts, ev.mode)
	ev.directives = directives
	ev.outcome.Merge(advice)
	ev.outcome.Merge(comorbidity.Outcome(ev.alerts))

	if n := len(ev.outcome.Unevaluable); n > 0 {
		e.logger.Warn("unevaluable predicates",
			zap.String("drug_id", ev.drug.ID()),
			zap.String("mode", string(ev.mode)),
			zap.Int("count", n))
	}
	e.logger.Debug("dose evaluated",
		zap.String("drug_id", ev.drug.ID()),
		zap.String("mode", string(ev.mode)),
		zap.String("status", ev.outcome.Status.String()))
}

func requireQuantity(field string, q *quantity.Quantity) (quantity.Quantity, error) {
	if q == nil || q.IsZero() {
		return quantity.Quantity{}, &clinical.InputError{Field: field, Reason: "is required"}
	}
	return *q, nil
}

// matchRange rejects a dose authored in a different dimension than the
// species range, e.g. U/kg/h against a mcg/kg/min profile
func matchRange(dose quantity.Quantity, r profile.DoseRange) error {
	return dose.Require(r.Unit.Dimension())
}

func (ev *evaluation) computeBolus(req Request, spec profile.BolusSpec, s *safety.Subject) error {
	dose, err := requireQuantity("requested_dose", req.Dose)
	if err != nil {
		return err
	}
	conc, err := requireQuantity("concentration", req.Concentration)
	if err != nil {
		return err
	}
	if err := matchRange(dose, spec.Range); err != nil {
		return err
	}
	res, err := calc.Bolus(calc.BolusInput{WeightKg: ev.env.patient.WeightKg(), Dose: dose, Concentration: conc})
	if err != nil {
		return err
	}
	ev.env.dose(dose)
	ev.env.quantity(profile.PrefixConcentration, conc)
	ev.env.quantity(profile.PrefixDrugConcentration, conc)
	ev.addOutputs(res)
	s.Dose, s.Result = dose, res
	return nil
}

func (ev *evaluation) computeCRI(req Request, spec profile.CRISpec, s *safety.Subject) error {
	dose, err := requireQuantity("requested_dose", req.Dose)
	if err != nil {
		return err
	}
	conc, err := requireQuantity("concentration", req.Concentration)
	if err != nil {
		return err
	}
	if err := matchRange(dose, spec.Range); err != nil {
		return err
	}
	res, err := calc.CRI(calc.CRIInput{WeightKg: ev.env.patient.WeightKg(), Dose: dose, Concentration: conc})
	if err != nil {
		return err
	}
	ev.env.dose(dose)
	ev.env.quantity(profile.PrefixConcentration, conc)
	ev.env.quantity(profile.PrefixDrugConcentration, conc)
	ev.addOutputs(res)
	s.Dose, s.Result = dose, res

	if pr := req.Preparation; pr != nil {
		if s.Diluent, err = parseDiluent("preparation.diluent", pr.Diluent); err != nil {
			return err
		}
		stock := conc
		if pr.Stock != nil && !pr.Stock.IsZero() {
			stock = *pr.Stock
		}
		prep, err := calc.Prepare(calc.PreparationInput{
			WeightKg:        ev.env.patient.WeightKg(),
			Dose:            dose,
			PumpRateMLH:     pr.PumpRateMLH,
			VehicleVolumeML: pr.VehicleVolumeML,
			Stock:           stock,
			MinDrawML:       ev.drug.MinDrawVolumeML(),
		})
		if err != nil {
			return err
		}
		ev.preparation = &prep
		s.Preparation = &prep
	}
	return nil
}

func (ev *evaluation) computeDilution(req Request, s *safety.Subject) error {
	d := req.Dilution
	if d == nil {
		return &clinical.InputError{Field: "dilution", Reason: "is required for dilution mode"}
	}
	diluent, err := parseDiluent("dilution.diluent", d.Diluent)
	if err != nil {
		return err
	}
	res, err := calc.Dilution(calc.DilutionInput{Stock: d.Stock, Desired: d.Desired, FinalVolumeML: d.FinalVolumeML})
	if err != nil {
		return err
	}
	ev.env.quantity(profile.PrefixStockConcentration, d.Stock)
	ev.env.quantity(profile.PrefixDesired, d.Desired)
	ev.env.quantity(profile.PrefixConcentration, d.Stock)
	ev.addOutputs(res)
	s.Result, s.Diluent = res, diluent
	return nil
}

func parseDiluent(field, id string) (clinical.Diluent, error) {
	d, err := clinical.ParseDiluent(id)
	var ie *clinical.InputError
	if errors.As(err, &ie) {
		ie.Field = field
	}
	return d, err
}

func (ev *evaluation) addOutputs(res calc.Result) {
	ev.calc = &res
	for _, name := range res.OutputNames() {
		ev.env.quantity(name, res.Outputs[name])
	}
}

// defaultOutputs names each calculation output in the unit it was computed in
func (ev *evaluation) defaultOutputs() []string {
	if ev.calc == nil {
		return nil
	}
	names := make([]string, 0, len(ev.calc.Outputs))
	for _, base := range ev.calc.OutputNames() {
		names = append(names, profile.UnitField(base, ev.calc.Outputs[base].Unit))
	}
	return names
}

func (ev *evaluation) member(protocolID string) protocol.Member {
	return protocol.Member{
		DrugID: ev.drug.ID(),
		Status: ev.outcome.Status,
		Env:    ev.env,
		Rules:  ev.drug.ProtocolRules(protocolID),
	}
}

// result aggregates every stage. The status is the maximum of the stages;
// findings keep stage order.
func (ev *evaluation) result(adj *protocol.Adjustment) Result {
	outcome := safety.Outcome{}
	outcome.Merge(ev.outcome)
	factor := 1.0
	if adj != nil {
		outcome.Merge(adj.Outcome)
		factor = adj.Factor
	}

	r := Result{
		DrugID:      ev.drug.ID(),
		Mode:        ev.mode,
		Species:     ev.species,
		Status:      outcome.Status,
		Warnings:    nonNil(outcome.Warnings),
		Blocks:      nonNil(outcome.Blocks),
		Alerts:      ev.alerts,
		Unevaluable: outcome.Unevaluable,
	}
	if r.Alerts == nil {
		r.Alerts = []profile.ComorbidityAlert{}
	}
	if r.Unevaluable == nil {
		r.Unevaluable = []safety.Unevaluable{}
	}
	if !ev.directives.IsZero() {
		d := ev.directives
		r.Directives = &d
	}
	if r.Status == clinical.StatusBlocked || ev.calc == nil {
		return r
	}

	computed := ev.calc.Primary
	r.Computed = &computed
	if factor != 1 {
		f := factor
		adjusted := computed.Scale(factor)
		r.AdjustedFactor = &f
		r.Adjusted = &adjusted
	}
	r.Outputs = ev.outputs
	r.Steps = append([]string(nil), ev.calc.Steps...)
	r.Preparation = newPreparation(ev.preparation)
	return r
}

func nonNil(f []safety.Finding) []safety.Finding {
	if f == nil {
		return []safety.Finding{}
	}
	return f
}

// EvaluateProtocol evaluates every requested drug independently, then
// applies the protocol's integration rules in declared order. Independent
// evaluations run on the engine's Runner when one is configured.
func (e *Engine) EvaluateProtocol(ctx context.Context, req ProtocolRequest) (ProtocolResult, error) {
	proto, err := e.repo.Protocol(req.ProtocolID)
	if err != nil {
		return ProtocolResult{}, err
	}
	if len(req.Drugs) == 0 {
		return ProtocolResult{}, &clinical.InputError{Field: "drugs", Reason: "at least one drug is required"}
	}
	ids := make([]string, len(req.Drugs))
	doses := make(map[string]DrugDose, len(req.Drugs))
	for i, d := range req.Drugs {
		ids[i] = d.DrugID
		doses[strings.ToLower(d.DrugID)] = d
	}
	order, err := protocol.Order(proto, ids)
	if err != nil {
		return ProtocolResult{}, err
	}

	evals := make([]*evaluation, len(order))
	errs := make([]error, len(order))
	tasks := make([]workerpool.TaskFunc, len(order))
	for i, id := range order {
		i, sub := i, req.request(doses[id])
		tasks[i] = func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			evals[i], errs[i] = e.evaluate(sub, order)
			return nil
		}
	}
	if e.runner != nil {
		if err := e.runner.Do(ctx, tasks...); err != nil {
			return ProtocolResult{}, fmt.Errorf("protocol %s: %w", proto.ID, err)
		}
	} else {
		for _, t := range tasks {
			if err := t(ctx); err != nil {
				return ProtocolResult{}, err
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return ProtocolResult{}, err
	}

	members := make([]protocol.Member, len(evals))
	for i, ev := range evals {
		members[i] = ev.member(proto.ID)
	}
	adjustments := protocol.Resolve(members)

	out := ProtocolResult{ProtocolID: proto.ID, Name: proto.Name, Results: make([]Result, len(evals))}
	for i, ev := range evals {
		out.Results[i] = ev.result(&adjustments[i])
		out.Status = clinical.MaxStatus(out.Status, out.Results[i].Status)
	}
	e.logger.Debug("protocol evaluated",
		zap.String("protocol_id", proto.ID),
		zap.Strings("drugs", order),
		zap.String("status", out.Status.String()))
	return out, nil
}

// DrugSummary describes a catalog entry for listings
type DrugSummary struct {
	ID             string                    `json:"id"`
	Name           string                    `json:"name"`
	Classes        []string                  `json:"classes,omitempty"`
	LightSensitive bool                      `json:"light_sensitive,omitempty"`
	Presentations  []quantity.Quantity       `json:"presentations,omitempty"`
	Species        map[string]SpeciesSummary `json:"species"`
	Protocols      []string                  `json:"protocols,omitempty"`

	Diluents []profile.DiluentCompatibility `json:"diluents,omitempty"`
}

// SpeciesSummary lists a species' supported modes and ranges
type SpeciesSummary struct {
	Modes  []clinical.Mode   `json:"modes"`
	Ranges map[string]string `json:"ranges,omitempty"`
	Notes  string            `json:"notes,omitempty"`
}

// Summarize renders a profile for listings
func Summarize(p *profile.DrugProfile) DrugSummary {
	s := DrugSummary{
		ID:             p.ID(),
		Name:           p.Name(),
		Classes:        p.Classes(),
		LightSensitive: p.LightSensitive(),
		Presentations:  p.Presentations(),
		Species:        make(map[string]SpeciesSummary),
		Protocols:      p.ProtocolIDs(),
		Diluents:       p.Diluents(),
	}
	for _, sp := range p.Species() {
		dp, _ := p.Dosing(sp)
		modes := dp.Dosing.Modes()
		sort.Slice(modes, func(i, j int) bool { return modes[i] < modes[j] })
		ss := SpeciesSummary{Modes: modes, Ranges: map[string]string{}, Notes: dp.Notes}
		if b, ok := dp.Dosing.Bolus(); ok {
			ss.Ranges[string(clinical.ModeBolus)] = b.Range.String()
		}
		if c, ok := dp.Dosing.CRI(); ok {
			ss.Ranges[string(clinical.ModeCRI)] = c.Range.String()
		}
		s.Species[string(sp)] = ss
	}
	return s
}

package profile

import (
	"fmt"
	"strings"

	"github.com/crivet/dose-engine/internal/domain/clinical"
	"github.com/crivet/dose-engine/internal/domain/predicate"
)

// LintSeverity grades a lint finding
type LintSeverity string

const (
	LintError   LintSeverity = "ERROR"
	LintWarning LintSeverity = "WARNING"
	LintInfo    LintSeverity = "INFO"
)

// LintIssue is a clinical consistency finding about a compiled profile
type LintIssue struct {
	Severity LintSeverity
	DrugID   string
	Field    string
	Message  string
}

func (i LintIssue) String() string {
	return fmt.Sprintf("%s %s.%s: %s", i.Severity, i.DrugID, i.Field, i.Message)
}

// Lint reviews a compiled profile for problems that are structurally valid
// but clinically suspicious
func Lint(p *DrugProfile) []LintIssue {
	var issues []LintIssue
	add := func(sev LintSeverity, field, format string, args ...interface{}) {
		issues = append(issues, LintIssue{Severity: sev, DrugID: p.id, Field: field, Message: fmt.Sprintf(format, args...)})
	}

	supported := make(map[clinical.Mode]bool)
	for _, s := range p.Species() {
		d := p.doses[s]
		for _, m := range d.Dosing.Modes() {
			supported[m] = true
			if _, ok := p.templates[m]; !ok {
				add(LintError, "templates."+string(m), "%s supports %s but no calculation template exists", s, m)
			}
		}
		if cri, ok := d.Dosing.CRI(); ok {
			if cri.HardMax.IsZero() {
				add(LintInfo, "species."+string(s)+".cri.hard_max", "no hard maximum; only range warnings apply")
			} else if pos, err := cri.Range.Position(cri.HardMax); err == nil && pos < 0 {
				add(LintError, "species."+string(s)+".cri.hard_max", "hard max %s below range %s", cri.HardMax, cri.Range)
			}
		}
		if b, ok := d.Dosing.Bolus(); ok && b.Range.Max == 0 {
			add(LintWarning, "species."+string(s)+".bolus", "bolus range is zero; model the drug as CRI-only instead")
		}
	}

	flags := make(map[string]struct{})
	for _, t := range p.templates {
		for _, in := range t.RequiredInputs {
			flags[in.Name] = struct{}{}
		}
	}

	for _, m := range clinical.AllModes {
		t, ok := p.templates[m]
		if !ok {
			continue
		}
		if !supported[m] {
			add(LintWarning, "templates."+string(m), "no species supports %s", m)
		}
		checks := append(append([]Check(nil), t.HardChecks...), t.SoftChecks...)
		for _, c := range checks {
			lintRefs(c.Expr, flags, func(ref string) {
				add(LintWarning, "templates."+string(m), "%q reads %q, which is neither engine-supplied nor a declared input; it is only set by request flags", c.Source, ref)
			})
		}
	}

	for _, pid := range p.ProtocolIDs() {
		for _, r := range p.protocolRules[pid] {
			lintRefs(r.Expr, flags, func(ref string) {
				add(LintInfo, "protocol_rules."+pid, "%q reads request flag %q", r.Source, ref)
			})
		}
	}

	if len(p.alerts) == 0 {
		add(LintWarning, "alerts", "no comorbidity alerts")
	}
	if len(p.presentations) == 0 {
		add(LintInfo, "presentations", "no commercial presentations listed")
	}
	return issues
}

func lintRefs(e predicate.Expr, declared map[string]struct{}, report func(string)) {
	for _, ref := range predicate.Refs(e) {
		if strings.HasPrefix(ref, "lab:") || KnownField(ref) {
			continue
		}
		if _, ok := declared[ref]; ok {
			continue
		}
		report(ref)
	}
}

// LintCatalog checks cross-profile consistency: every protocol drug must
// exist and protocol rules should name a known protocol
func LintCatalog(drugs map[string]*DrugProfile, protocols map[string]Protocol) []LintIssue {
	var issues []LintIssue
	for _, proto := range protocols {
		for _, d := range proto.Drugs {
			if _, ok := drugs[d]; !ok {
				issues = append(issues, LintIssue{Severity: LintError, DrugID: d, Field: "protocols." + proto.ID, Message: "protocol lists a drug missing from the catalog"})
			}
		}
	}
	for id, p := range drugs {
		for _, pid := range p.ProtocolIDs() {
			proto, ok := protocols[pid]
			if !ok {
				issues = append(issues, LintIssue{Severity: LintWarning, DrugID: id, Field: "protocol_rules." + pid, Message: "rules for an unknown protocol"})
				continue
			}
			if !proto.Includes(id) {
				issues = append(issues, LintIssue{Severity: LintWarning, DrugID: id, Field: "protocol_rules." + pid, Message: "drug is not part of this protocol"})
			}
		}
	}
	return issues
}

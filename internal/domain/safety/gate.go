// Package safety runs the hard and soft checks of a calculation template
// and the intrinsic checks every calculation gets, and folds them into a
// single Outcome.
package safety

import (
	"github.com/crivet/dose-engine/internal/domain/clinical"
	"github.com/crivet/dose-engine/internal/domain/predicate"
	"github.com/crivet/dose-engine/internal/domain/profile"
)

// Finding is one warning, note or block
type Finding struct {
	Level   clinical.CheckSeverity `json:"level"`
	Message string                 `json:"message"`
	Source  string                 `json:"source,omitempty"`
}

// Unevaluable records a predicate that could not be decided and was
// therefore treated as false
type Unevaluable struct {
	Check   string   `json:"check"`
	Missing []string `json:"missing,omitempty"`
	Reasons []string `json:"reasons,omitempty"`
}

// Outcome accumulates findings. The zero value is ALLOWED with nothing to
// report.
type Outcome struct {
	Status      clinical.Status
	Blocks      []Finding
	Warnings    []Finding
	Unevaluable []Unevaluable
}

// Block records a BLOCK finding and sets the status to BLOCKED
func (o *Outcome) Block(msg, source string) {
	o.Blocks = append(o.Blocks, Finding{Level: clinical.SeverityBlock, Message: msg, Source: source})
	o.Status = clinical.StatusBlocked
}

// Warn records a WARN finding and raises the status to at least WARN
func (o *Outcome) Warn(msg, source string) {
	o.Warnings = append(o.Warnings, Finding{Level: clinical.SeverityWarn, Message: msg, Source: source})
	o.Status = clinical.MaxStatus(o.Status, clinical.StatusWarn)
}

// Note records a finding without touching the status
func (o *Outcome) Note(level clinical.CheckSeverity, msg, source string) {
	o.Warnings = append(o.Warnings, Finding{Level: level, Message: msg, Source: source})
}

// Audit records an undecidable predicate
func (o *Outcome) Audit(check string, res predicate.Outcome) {
	o.Unevaluable = append(o.Unevaluable, Unevaluable{
		Check:   check,
		Missing: append([]string(nil), res.Missing...),
		Reasons: append([]string(nil), res.Reasons...),
	})
}

// Merge appends another outcome's findings and takes the higher status
func (o *Outcome) Merge(other Outcome) {
	o.Status = clinical.MaxStatus(o.Status, other.Status)
	o.Blocks = append(o.Blocks, other.Blocks...)
	o.Warnings = append(o.Warnings, other.Warnings...)
	o.Unevaluable = append(o.Unevaluable, other.Unevaluable...)
}

// Blocked reports whether any block was recorded
func (o Outcome) Blocked() bool { return o.Status == clinical.StatusBlocked }

// Evaluate runs hard checks then soft checks against env.
//
// Every hard check is evaluated even after the first block so the report is
// complete. A true hard BLOCK blocks, a true hard WARN raises the status to
// WARN, and soft checks only add findings. Unevaluable predicates count as
// false and are audited.
func Evaluate(hard, soft []profile.Check, env predicate.Env) Outcome {
	var o Outcome
	for _, c := range hard {
		res := predicate.Evaluate(c.Expr, env)
		switch res.Truth {
		case predicate.Unevaluable:
			o.Audit(c.Message, res)
		case predicate.True:
			switch c.Severity {
			case clinical.SeverityBlock:
				o.Block(c.Message, c.Source)
			case clinical.SeverityWarn:
				o.Warn(c.Message, c.Source)
			default:
				o.Note(c.Severity, c.Message, c.Source)
			}
		}
	}
	for _, c := range soft {
		res := predicate.Evaluate(c.Expr, env)
		switch res.Truth {
		case predicate.Unevaluable:
			o.Audit(c.Message, res)
		case predicate.True:
			o.Note(c.Severity, c.Message, c.Source)
		}
	}
	return o
}

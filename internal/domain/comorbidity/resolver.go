// Package comorbidity matches a patient's comorbidity tags against a drug's
// alert table and merges the dose adjustment advice of the matches.
package comorbidity

import (
	"fmt"
	"sort"
	"strings"

	"github.com/crivet/dose-engine/internal/domain/clinical"
	"github.com/crivet/dose-engine/internal/domain/profile"
	"github.com/crivet/dose-engine/internal/domain/safety"
)

// SourceAvoidBolus marks the finding raised for a bolus under an avoid_bolus alert
const SourceAvoidBolus = "comorbidity:avoid_bolus"

// Resolve returns the alerts whose key is among tags, most severe first and
// then by key
func Resolve(p *profile.DrugProfile, tags []string) []profile.ComorbidityAlert {
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	var out []profile.ComorbidityAlert
	for _, a := range p.Alerts() {
		if _, ok := set[strings.ToLower(a.Key)]; ok {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level > out[j].Level
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// MaxLevel is the most severe level among alerts, SAFE when there are none
func MaxLevel(alerts []profile.ComorbidityAlert) clinical.AlertLevel {
	level := clinical.LevelSafe
	for _, a := range alerts {
		if a.Level > level {
			level = a.Level
		}
	}
	return level
}

// Directives is the merged dose adjustment advice of several alerts
type Directives struct {
	ReducePercent      float64  `json:"reduce_percent,omitempty"`
	AvoidBolus         bool     `json:"avoid_bolus,omitempty"`
	RequireCentralLine bool     `json:"require_central_line,omitempty"`
	RequireMonitoring  []string `json:"require_monitoring,omitempty"`
	Alternatives       []string `json:"alternatives,omitempty"`
}

// IsZero reports whether no alert carried any advice
func (d Directives) IsZero() bool {
	return d.ReducePercent == 0 && !d.AvoidBolus && !d.RequireCentralLine &&
		len(d.RequireMonitoring) == 0 && len(d.Alternatives) == 0
}

// Merge combines the alerts' dose adjustments: the largest reduction wins,
// flags are OR-ed, monitoring is a sorted union and alternatives keep alert
// order. A bolus under an avoid_bolus alert adds a WARN to the outcome.
func Merge(alerts []profile.ComorbidityAlert, mode clinical.Mode) (Directives, safety.Outcome) {
	var (
		d        Directives
		o        safety.Outcome
		monitors = map[string]struct{}{}
		seenAlt  = map[string]struct{}{}
		avoiders []string
	)
	for _, a := range alerts {
		adj := a.DoseAdjustment
		if adj == nil {
			continue
		}
		if adj.ReducePercent > d.ReducePercent {
			d.ReducePercent = adj.ReducePercent
		}
		if adj.AvoidBolus {
			d.AvoidBolus = true
			avoiders = append(avoiders, a.Key)
		}
		d.RequireCentralLine = d.RequireCentralLine || adj.RequireCentralLine
		for _, m := range adj.RequireMonitoring {
			monitors[m] = struct{}{}
		}
		if alt := adj.SuggestAlternative; alt != "" {
			if _, dup := seenAlt[alt]; !dup {
				seenAlt[alt] = struct{}{}
				d.Alternatives = append(d.Alternatives, alt)
			}
		}
	}
	for m := range monitors {
		d.RequireMonitoring = append(d.RequireMonitoring, m)
	}
	sort.Strings(d.RequireMonitoring)

	if mode == clinical.ModeBolus && d.AvoidBolus {
		o.Warn(fmt.Sprintf("Avoid bolus administration with %s", strings.Join(avoiders, ", ")), SourceAvoidBolus)
	}
	return d, o
}

// Outcome folds the alert levels into a safety outcome. The status is the
// maximum level's status; alerts themselves are reported separately.
func Outcome(alerts []profile.ComorbidityAlert) safety.Outcome {
	return safety.Outcome{Status: MaxLevel(alerts).Status()}
}

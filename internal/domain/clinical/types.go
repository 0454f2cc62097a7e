// Package clinical holds the vocabulary shared by every stage of the dosing
// engine: species, routes, modes, severities and the patient context.
package clinical

import (
	"fmt"
	"strings"
)

// Species is a patient species
type Species string

const (
	SpeciesDog Species = "dog"
	SpeciesCat Species = "cat"
)

// AllSpecies lists the supported species in a stable order
var AllSpecies = []Species{SpeciesDog, SpeciesCat}

// ParseSpecies validates a species name
func ParseSpecies(s string) (Species, error) {
	switch Species(strings.ToLower(strings.TrimSpace(s))) {
	case SpeciesDog:
		return SpeciesDog, nil
	case SpeciesCat:
		return SpeciesCat, nil
	}
	return "", &InputError{Field: "species", Reason: fmt.Sprintf("unsupported species %q", s)}
}

// Route is an administration route
type Route string

const (
	RouteIV Route = "IV"
	RouteIM Route = "IM"
	RouteSC Route = "SC"
	RoutePO Route = "PO"
)

// ParseRoute validates a route. An empty string means IV.
func ParseRoute(s string) (Route, error) {
	switch Route(strings.ToUpper(strings.TrimSpace(s))) {
	case "", RouteIV:
		return RouteIV, nil
	case RouteIM:
		return RouteIM, nil
	case RouteSC:
		return RouteSC, nil
	case RoutePO:
		return RoutePO, nil
	}
	return "", &InputError{Field: "route", Reason: fmt.Sprintf("unsupported route %q", s)}
}

// Diluent is a carrier fluid a drug can be diluted in
type Diluent string

const (
	DiluentSaline        Diluent = "NaCl_09"
	DiluentRingerLactate Diluent = "RL"
	DiluentDextrose5     Diluent = "D5W"
)

// AllDiluents lists the known diluents in display order
var AllDiluents = []Diluent{DiluentSaline, DiluentRingerLactate, DiluentDextrose5}

// ParseDiluent validates a diluent id, ignoring case. An empty string means
// none was given.
func ParseDiluent(s string) (Diluent, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	for _, d := range AllDiluents {
		if strings.EqualFold(s, string(d)) {
			return d, nil
		}
	}
	return "", &InputError{Field: "diluent", Reason: fmt.Sprintf("unknown diluent %q", s)}
}

// Mode is a calculation mode
type Mode string

const (
	ModeBolus    Mode = "bolus"
	ModeCRI      Mode = "cri"
	ModeDilution Mode = "dilution"
)

// AllModes lists the calculation modes in a stable order
var AllModes = []Mode{ModeBolus, ModeCRI, ModeDilution}

// ParseMode validates a mode name
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeBolus:
		return ModeBolus, nil
	case ModeCRI:
		return ModeCRI, nil
	case ModeDilution:
		return ModeDilution, nil
	}
	return "", &InputError{Field: "mode", Reason: fmt.Sprintf("unsupported mode %q", s)}
}

// CheckSeverity is the severity a safety check assigns when it fires
type CheckSeverity string

const (
	SeverityBlock CheckSeverity = "BLOCK"
	SeverityWarn  CheckSeverity = "WARN"
	SeverityInfo  CheckSeverity = "INFO"
)

// ParseCheckSeverity validates a check severity
func ParseCheckSeverity(s string) (CheckSeverity, error) {
	switch CheckSeverity(strings.ToUpper(strings.TrimSpace(s))) {
	case SeverityBlock:
		return SeverityBlock, nil
	case SeverityWarn:
		return SeverityWarn, nil
	case SeverityInfo:
		return SeverityInfo, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// Status maps the severity onto a result status
func (s CheckSeverity) Status() Status {
	switch s {
	case SeverityBlock:
		return StatusBlocked
	case SeverityWarn:
		return StatusWarn
	default:
		return StatusAllowed
	}
}

// AlertLevel is the totally ordered level of a comorbidity alert
type AlertLevel int

const (
	LevelSafe AlertLevel = iota
	LevelMonitor
	LevelWarning
	LevelCritical
	LevelBlock
)

var levelNames = [...]string{"SAFE", "MONITOR", "WARNING", "CRITICAL", "BLOCK"}

func (l AlertLevel) String() string {
	if l < LevelSafe || l > LevelBlock {
		return fmt.Sprintf("AlertLevel(%d)", int(l))
	}
	return levelNames[l]
}

// ParseAlertLevel validates an alert level name
func ParseAlertLevel(s string) (AlertLevel, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for i, name := range levelNames {
		if name == up {
			return AlertLevel(i), nil
		}
	}
	return LevelSafe, fmt.Errorf("unknown alert level %q", s)
}

// Status maps the alert level onto a result status
func (l AlertLevel) Status() Status {
	switch {
	case l >= LevelBlock:
		return StatusBlocked
	case l >= LevelWarning:
		return StatusWarn
	default:
		return StatusAllowed
	}
}

func (l AlertLevel) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *AlertLevel) UnmarshalText(b []byte) error {
	v, err := ParseAlertLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Status is the overall verdict of an evaluation
type Status int

const (
	StatusAllowed Status = iota
	StatusWarn
	StatusBlocked
)

func (s Status) String() string {
	switch s {
	case StatusAllowed:
		return "ALLOWED"
	case StatusWarn:
		return "WARN"
	case StatusBlocked:
		return "BLOCKED"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	switch strings.ToUpper(string(b)) {
	case "ALLOWED":
		*s = StatusAllowed
	case "WARN":
		*s = StatusWarn
	case "BLOCKED":
		*s = StatusBlocked
	default:
		return fmt.Errorf("unknown status %q", string(b))
	}
	return nil
}

// MaxStatus returns the most severe of the given statuses
func MaxStatus(statuses ...Status) Status {
	out := StatusAllowed
	for _, s := range statuses {
		if s > out {
			out = s
		}
	}
	return out
}

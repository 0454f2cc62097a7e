// Package quantity models clinical quantities as values tagged with a unit
// from a closed set, and converts between units of the same dimension.
package quantity

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/crivet/dose-engine/internal/domain/clinical"
)

// Dimension groups units that can be converted into each other
type Dimension string

const (
	MassRatePerKg     Dimension = "mass dose rate per kg"
	ActivityRatePerKg Dimension = "activity dose rate per kg"
	MassDosePerKg     Dimension = "mass dose per kg"
	ActivityDosePerKg Dimension = "activity dose per kg"
	MassConcentration Dimension = "mass concentration"
	ActivityConc      Dimension = "activity concentration"
	Volume            Dimension = "volume"
	VolumeRate        Dimension = "volume rate"
	MassAmount        Dimension = "mass amount"
	ActivityAmount    Dimension = "activity amount"
	MassRate          Dimension = "mass rate"
	ActivityRate      Dimension = "activity rate"
)

// Substance is what a dose measures: mass or biological activity
type Substance string

const (
	SubstanceNone     Substance = ""
	SubstanceMass     Substance = "mass"
	SubstanceActivity Substance = "activity"
)

// Substance returns what the dimension measures
func (d Dimension) Substance() Substance {
	switch d {
	case MassRatePerKg, MassDosePerKg, MassConcentration, MassAmount, MassRate:
		return SubstanceMass
	case ActivityRatePerKg, ActivityDosePerKg, ActivityConc, ActivityAmount, ActivityRate:
		return SubstanceActivity
	}
	return SubstanceNone
}

// Unit is one of the units in the closed catalog below
type Unit string

const (
	McgPerKgPerMin Unit = "mcg/kg/min"
	McgPerKgPerH   Unit = "mcg/kg/h"
	MgPerKgPerMin  Unit = "mg/kg/min"
	MgPerKgPerH    Unit = "mg/kg/h"
	UPerKgPerH     Unit = "U/kg/h"
	UPerKgPerMin   Unit = "U/kg/min"
	MUPerKgPerMin  Unit = "mU/kg/min"
	MgPerKg        Unit = "mg/kg"
	McgPerKg       Unit = "mcg/kg"
	UPerKg         Unit = "U/kg"
	MgPerML        Unit = "mg/mL"
	McgPerML       Unit = "mcg/mL"
	UPerML         Unit = "U/mL"
	MUPerML        Unit = "mU/mL"
	ML             Unit = "mL"
	MLPerH         Unit = "mL/h"
	MLPerMin       Unit = "mL/min"
	Mg             Unit = "mg"
	Mcg            Unit = "mcg"
	U              Unit = "U"
	MgPerH         Unit = "mg/h"
	MgPerMin       Unit = "mg/min"
	McgPerMin      Unit = "mcg/min"
	McgPerH        Unit = "mcg/h"
	UPerH          Unit = "U/h"
	UPerMin        Unit = "U/min"
)

type unitInfo struct {
	dim    Dimension
	factor float64 // multiplier to the dimension's canonical unit
}

var units = map[Unit]unitInfo{
	McgPerKgPerMin: {MassRatePerKg, 1},
	McgPerKgPerH:   {MassRatePerKg, 1.0 / 60},
	MgPerKgPerMin:  {MassRatePerKg, 1000},
	MgPerKgPerH:    {MassRatePerKg, 1000.0 / 60},
	UPerKgPerMin:   {ActivityRatePerKg, 1},
	UPerKgPerH:     {ActivityRatePerKg, 1.0 / 60},
	MUPerKgPerMin:  {ActivityRatePerKg, 0.001},
	McgPerKg:       {MassDosePerKg, 1},
	MgPerKg:        {MassDosePerKg, 1000},
	UPerKg:         {ActivityDosePerKg, 1},
	McgPerML:       {MassConcentration, 1},
	MgPerML:        {MassConcentration, 1000},
	UPerML:         {ActivityConc, 1},
	MUPerML:        {ActivityConc, 0.001},
	ML:             {Volume, 1},
	MLPerH:         {VolumeRate, 1},
	MLPerMin:       {VolumeRate, 60},
	Mcg:            {MassAmount, 1},
	Mg:             {MassAmount, 1000},
	U:              {ActivityAmount, 1},
	McgPerMin:      {MassRate, 1},
	McgPerH:        {MassRate, 1.0 / 60},
	MgPerMin:       {MassRate, 1000},
	MgPerH:         {MassRate, 1000.0 / 60},
	UPerMin:        {ActivityRate, 1},
	UPerH:          {ActivityRate, 1.0 / 60},
}

// canonical lookup keys are lower-cased with whitespace removed
var lookup = func() map[string]Unit {
	m := make(map[string]Unit, len(units))
	for u := range units {
		m[strings.ToLower(string(u))] = u
	}
	return m
}()

var aliases = strings.NewReplacer(
	"µg", "mcg",
	"μg", "mcg",
	"ug", "mcg",
	"iu", "u",
	"hr", "h",
	"hour", "h",
)

// UnitError is returned for unknown units and impossible conversions
type UnitError struct {
	From   string
	To     string
	Reason string
}

func (e *UnitError) Error() string {
	if e.To == "" {
		return fmt.Sprintf("unit %q: %s", e.From, e.Reason)
	}
	return fmt.Sprintf("cannot convert %s to %s: %s", e.From, e.To, e.Reason)
}

func (e *UnitError) Unwrap() error {
	return clinical.ErrUnit
}

// ParseUnit accepts canonical spellings plus a few common aliases
func ParseUnit(s string) (Unit, error) {
	key := strings.ToLower(strings.Join(strings.Fields(s), ""))
	if u, ok := lookup[key]; ok {
		return u, nil
	}
	if u, ok := lookup[aliases.Replace(key)]; ok {
		return u, nil
	}
	return "", &UnitError{From: s, Reason: "unknown unit"}
}

// Valid reports whether u is in the catalog
func (u Unit) Valid() bool {
	_, ok := units[u]
	return ok
}

// Dimension returns the unit's dimension, or "" for an unknown unit
func (u Unit) Dimension() Dimension {
	return units[u].dim
}

func (u Unit) String() string { return string(u) }

// Units returns every known unit, sorted
func Units() []Unit {
	out := make([]Unit, 0, len(units))
	for u := range units {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Convert rescales value from one unit to another of the same dimension
func Convert(value float64, from, to Unit) (float64, error) {
	fi, ok := units[from]
	if !ok {
		return 0, &UnitError{From: string(from), To: string(to), Reason: "unknown source unit"}
	}
	ti, ok := units[to]
	if !ok {
		return 0, &UnitError{From: string(from), To: string(to), Reason: "unknown target unit"}
	}
	if fi.dim != ti.dim {
		return 0, &UnitError{From: string(from), To: string(to), Reason: fmt.Sprintf("%s is not %s", fi.dim, ti.dim)}
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, &UnitError{From: string(from), To: string(to), Reason: "non-finite value"}
	}
	if from == to {
		return value, nil
	}
	return value * fi.factor / ti.factor, nil
}

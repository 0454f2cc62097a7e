package quantity

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Quantity is a value tagged with its unit
type Quantity struct {
	Value float64
	Unit  Unit
}

// New builds a quantity, validating the unit
func New(value float64, unit Unit) (Quantity, error) {
	if !unit.Valid() {
		return Quantity{}, &UnitError{From: string(unit), Reason: "unknown unit"}
	}
	return Quantity{Value: value, Unit: unit}, nil
}

// Of builds a quantity without validation. For constants and tests.
func Of(value float64, unit Unit) Quantity { return Quantity{Value: value, Unit: unit} }

// IsZero reports whether q carries no unit
func (q Quantity) IsZero() bool { return q.Unit == "" }

// Finite reports whether the value is a finite number
func (q Quantity) Finite() bool { return !math.IsNaN(q.Value) && !math.IsInf(q.Value, 0) }

// Dimension returns the dimension of the quantity's unit
func (q Quantity) Dimension() Dimension { return q.Unit.Dimension() }

// In converts q to another unit of the same dimension
func (q Quantity) In(to Unit) (Quantity, error) {
	v, err := Convert(q.Value, q.Unit, to)
	if err != nil {
		return Quantity{}, err
	}
	return Quantity{Value: v, Unit: to}, nil
}

// Require fails unless q belongs to one of the given dimensions
func (q Quantity) Require(dims ...Dimension) error {
	d := q.Unit.Dimension()
	if d == "" {
		return &UnitError{From: string(q.Unit), Reason: "unknown unit"}
	}
	for _, want := range dims {
		if d == want {
			return nil
		}
	}
	names := make([]string, len(dims))
	for i, want := range dims {
		names[i] = string(want)
	}
	return &UnitError{From: string(q.Unit), Reason: fmt.Sprintf("expected %s, got %s", strings.Join(names, " or "), d)}
}

// Scale multiplies the value by k, keeping the unit
func (q Quantity) Scale(k float64) Quantity { return Quantity{Value: q.Value * k, Unit: q.Unit} }

func (q Quantity) String() string {
	return strconv.FormatFloat(q.Value, 'g', -1, 64) + " " + string(q.Unit)
}

// ParseQuantity reads "0.5 mg/kg/h"
func ParseQuantity(s string) (Quantity, error) {
	s = strings.TrimSpace(s)
	i := strings.IndexFunc(s, func(r rune) bool { return r == ' ' || r == '\t' })
	if i < 0 {
		return Quantity{}, &UnitError{From: s, Reason: "expected \"<value> <unit>\""}
	}
	v, err := strconv.ParseFloat(s[:i], 64)
	if err != nil {
		return Quantity{}, fmt.Errorf("parse quantity %q: %w", s, err)
	}
	u, err := ParseUnit(s[i+1:])
	if err != nil {
		return Quantity{}, err
	}
	return Quantity{Value: v, Unit: u}, nil
}

type wireQuantity struct {
	Value float64 `json:"value" yaml:"value"`
	Unit  string  `json:"unit" yaml:"unit"`
}

func (q Quantity) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireQuantity{Value: q.Value, Unit: string(q.Unit)})
}

func (q *Quantity) UnmarshalJSON(data []byte) error {
	var w wireQuantity
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	u, err := ParseUnit(w.Unit)
	if err != nil {
		return err
	}
	*q = Quantity{Value: w.Value, Unit: u}
	return nil
}

// UnmarshalYAML accepts either "0.5 mg/kg/h" or {value: 0.5, unit: mg/kg/h}
func (q *Quantity) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		parsed, err := ParseQuantity(node.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*q = parsed
		return nil
	}
	var w wireQuantity
	if err := node.Decode(&w); err != nil {
		return err
	}
	u, err := ParseUnit(w.Unit)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*q = Quantity{Value: w.Value, Unit: u}
	return nil
}

func (q Quantity) MarshalYAML() (interface{}, error) {
	return q.String(), nil
}

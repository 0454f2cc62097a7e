// Package predicate implements the boolean expression language used by drug
// profiles for safety checks and protocol rules.
//
// Expressions are parsed once, when a profile is compiled, into a small typed
// AST. Evaluation is a pure, total walk over that AST against an Env and
// yields a three-valued Truth: a reference to data the environment does not
// carry makes the enclosing test Unevaluable instead of silently true or false.
package predicate

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind identifies the dynamic type of a Value
type Kind uint8

const (
	KindNone Kind = iota
	KindNumber
	KindString
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	default:
		return "none"
	}
}

// Value is a scalar that predicates compare: a number, a string or a bool
type Value struct {
	kind Kind
	num  float64
	str  string
	b    bool
}

// Number returns a numeric value
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// String returns a string value
func String(s string) Value { return Value{kind: KindString, str: s} }

// Bool returns a boolean value
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Kind returns the value's dynamic type
func (v Value) Kind() Kind { return v.kind }

// IsZero reports whether v was never set
func (v Value) IsZero() bool { return v.kind == KindNone }

// Num returns the numeric payload
func (v Value) Num() (float64, bool) { return v.num, v.kind == KindNumber }

// Str returns the string payload
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// Truth returns the boolean payload
func (v Value) Truth() (bool, bool) { return v.b, v.kind == KindBool }

func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.str)
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return "<none>"
	}
}

// Equal compares two values of the same kind. Numbers use a relative
// tolerance of 1e-9; strings compare case-insensitively.
func (v Value) Equal(o Value) (bool, error) {
	if v.kind != o.kind {
		return false, fmt.Errorf("cannot compare %s with %s", v.kind, o.kind)
	}
	switch v.kind {
	case KindNumber:
		return approxEqual(v.num, o.num), nil
	case KindString:
		return strings.EqualFold(v.str, o.str), nil
	case KindBool:
		return v.b == o.b, nil
	}
	return false, fmt.Errorf("cannot compare empty values")
}

func approxEqual(a, b float64) bool {
	if a == b {
		return true
	}
	scale := math.Max(math.Abs(a), math.Abs(b))
	return math.Abs(a-b) <= 1e-9*scale
}

// MarshalJSON encodes the value as a bare JSON scalar
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNumber:
		return json.Marshal(v.num)
	case KindString:
		return json.Marshal(v.str)
	case KindBool:
		return json.Marshal(v.b)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts a JSON number, string or bool
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch x := raw.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("non-finite number")
		}
		*v = Number(x)
	case string:
		*v = String(x)
	case bool:
		*v = Bool(x)
	case nil:
		*v = Value{}
	default:
		return fmt.Errorf("unsupported value %s", string(data))
	}
	return nil
}

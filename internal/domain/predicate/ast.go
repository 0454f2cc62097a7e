package predicate

import (
	"sort"
	"strings"
)

// Expr is a parsed boolean expression
type Expr interface {
	String() string
	expr()
}

// Operand is a scalar term on either side of a comparison
type Operand interface {
	String() string
	operand()
}

// Op is a comparison operator
type Op string

const (
	OpEq Op = "=="
	OpNe Op = "!="
	OpLt Op = "<"
	OpLe Op = "<="
	OpGt Op = ">"
	OpGe Op = ">="
)

// And is true when both sides are true
type And struct{ Left, Right Expr }

// Or is true when either side is true
type Or struct{ Left, Right Expr }

// Not negates its operand; Not(Unevaluable) stays Unevaluable
type Not struct{ X Expr }

// HasTag tests the patient's comorbidity tag set
type HasTag struct{ Tag string }

// AnyTag tests whether the patient carries at least one of the tags
type AnyTag struct{ Tags []string }

// DrugPresent tests whether a drug is co-administered in the protocol or
// already active for the patient
type DrugPresent struct{ DrugID string }

// FieldEquals is the common `field == literal` form
type FieldEquals struct {
	Field string
	Value Value
}

// Compare applies Op to two operands
type Compare struct {
	Op          Op
	Left, Right Operand
}

// In tests membership of an operand in a literal set
type In struct {
	Left Operand
	Set  []Value
}

// Literal is a constant truth value
type Literal struct{ Value bool }

// FieldRef reads a named field of the evaluation environment
type FieldRef struct{ Name string }

// LabRef reads a lab value supplied with the patient
type LabRef struct{ Key string }

// Const is a literal operand
type Const struct{ Value Value }

func (And) expr()         {}
func (Or) expr()          {}
func (Not) expr()         {}
func (HasTag) expr()      {}
func (AnyTag) expr()      {}
func (DrugPresent) expr() {}
func (FieldEquals) expr() {}
func (Compare) expr()     {}
func (In) expr()          {}
func (Literal) expr()     {}

func (FieldRef) operand() {}
func (LabRef) operand()   {}
func (Const) operand()    {}

func (e And) String() string { return "(" + e.Left.String() + " && " + e.Right.String() + ")" }
func (e Or) String() string  { return "(" + e.Left.String() + " || " + e.Right.String() + ")" }
func (e Not) String() string { return "!" + e.X.String() }

func (e HasTag) String() string { return "has_comorbidity(" + quote(e.Tag) + ")" }

func (e AnyTag) String() string {
	parts := make([]string, len(e.Tags))
	for i, t := range e.Tags {
		parts[i] = quote(t)
	}
	return "comorbidities_any IN [" + strings.Join(parts, ", ") + "]"
}

func (e DrugPresent) String() string { return "drug_present(" + quote(e.DrugID) + ")" }
func (e FieldEquals) String() string { return e.Field + " == " + e.Value.String() }
func (e Compare) String() string {
	return e.Left.String() + " " + string(e.Op) + " " + e.Right.String()
}

func (e In) String() string {
	parts := make([]string, len(e.Set))
	for i, v := range e.Set {
		parts[i] = v.String()
	}
	return e.Left.String() + " IN [" + strings.Join(parts, ", ") + "]"
}

func (e Literal) String() string {
	if e.Value {
		return "true"
	}
	return "false"
}

func (o FieldRef) String() string { return o.Name }
func (o LabRef) String() string   { return "lab(" + quote(o.Key) + ")" }
func (o Const) String() string    { return o.Value.String() }

func quote(s string) string { return "'" + s + "'" }

// Refs lists the environment data an expression reads: field names as-is and
// lab keys as "lab:KEY". The result is sorted and de-duplicated.
func Refs(e Expr) []string {
	seen := make(map[string]struct{})
	collectRefs(e, seen)
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func collectRefs(e Expr, seen map[string]struct{}) {
	switch n := e.(type) {
	case And:
		collectRefs(n.Left, seen)
		collectRefs(n.Right, seen)
	case Or:
		collectRefs(n.Left, seen)
		collectRefs(n.Right, seen)
	case Not:
		collectRefs(n.X, seen)
	case FieldEquals:
		seen[n.Field] = struct{}{}
	case Compare:
		operandRef(n.Left, seen)
		operandRef(n.Right, seen)
	case In:
		operandRef(n.Left, seen)
	}
}

func operandRef(o Operand, seen map[string]struct{}) {
	switch n := o.(type) {
	case FieldRef:
		seen[n.Name] = struct{}{}
	case LabRef:
		seen[labRef(n.Key)] = struct{}{}
	}
}

func labRef(key string) string { return "lab:" + key }

package predicate

import (
	"fmt"
	"sort"
)

// Env supplies the data a predicate reads
type Env interface {
	Field(name string) (Value, bool)
	Lab(key string) (Value, bool)
	HasTag(tag string) bool
	DrugPresent(drugID string) bool
}

// Truth is a three-valued boolean
type Truth uint8

const (
	False Truth = iota
	True
	Unevaluable
)

func (t Truth) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "unevaluable"
	}
}

// Outcome is the result of evaluating an expression. Missing and Reasons are
// only populated when Truth is Unevaluable.
type Outcome struct {
	Truth   Truth
	Missing []string
	Reasons []string
}

// Holds reports whether the expression is definitely true
func (o Outcome) Holds() bool { return o.Truth == True }

type evaluator struct {
	env     Env
	missing map[string]struct{}
	reasons []string
}

// Evaluate walks e against env. It never panics and never returns an error:
// anything it cannot decide is reported as Unevaluable.
func Evaluate(e Expr, env Env) Outcome {
	ev := &evaluator{env: env, missing: make(map[string]struct{})}
	t := ev.eval(e)
	out := Outcome{Truth: t}
	if t == Unevaluable {
		out.Missing = make([]string, 0, len(ev.missing))
		for k := range ev.missing {
			out.Missing = append(out.Missing, k)
		}
		sort.Strings(out.Missing)
		out.Reasons = ev.reasons
	}
	return out
}

func (ev *evaluator) eval(e Expr) Truth {
	switch n := e.(type) {
	case And:
		l := ev.eval(n.Left)
		if l == False {
			return False
		}
		r := ev.eval(n.Right)
		switch {
		case r == False:
			return False
		case l == True && r == True:
			return True
		default:
			return Unevaluable
		}
	case Or:
		l := ev.eval(n.Left)
		if l == True {
			return True
		}
		r := ev.eval(n.Right)
		switch {
		case r == True:
			return True
		case l == False && r == False:
			return False
		default:
			return Unevaluable
		}
	case Not:
		switch ev.eval(n.X) {
		case True:
			return False
		case False:
			return True
		default:
			return Unevaluable
		}
	case Literal:
		return fromBool(n.Value)
	case HasTag:
		return fromBool(ev.env.HasTag(n.Tag))
	case AnyTag:
		for _, tag := range n.Tags {
			if ev.env.HasTag(tag) {
				return True
			}
		}
		return False
	case DrugPresent:
		return fromBool(ev.env.DrugPresent(n.DrugID))
	case FieldEquals:
		v, ok := ev.env.Field(n.Field)
		if !ok {
			ev.missing[n.Field] = struct{}{}
			return Unevaluable
		}
		return ev.compare(OpEq, v, n.Value, e)
	case Compare:
		l, lok := ev.resolve(n.Left)
		r, rok := ev.resolve(n.Right)
		if !lok || !rok {
			return Unevaluable
		}
		return ev.compare(n.Op, l, r, e)
	case In:
		v, ok := ev.resolve(n.Left)
		if !ok {
			return Unevaluable
		}
		for _, candidate := range n.Set {
			if eq, err := v.Equal(candidate); err == nil && eq {
				return True
			}
		}
		return False
	}
	ev.reasons = append(ev.reasons, fmt.Sprintf("unsupported node %T", e))
	return Unevaluable
}

func (ev *evaluator) resolve(o Operand) (Value, bool) {
	switch n := o.(type) {
	case Const:
		return n.Value, true
	case FieldRef:
		v, ok := ev.env.Field(n.Name)
		if !ok {
			ev.missing[n.Name] = struct{}{}
		}
		return v, ok
	case LabRef:
		v, ok := ev.env.Lab(n.Key)
		if !ok {
			ev.missing[labRef(n.Key)] = struct{}{}
		}
		return v, ok
	}
	return Value{}, false
}

func (ev *evaluator) compare(op Op, l, r Value, e Expr) Truth {
	switch op {
	case OpEq, OpNe:
		eq, err := l.Equal(r)
		if err != nil {
			ev.reasons = append(ev.reasons, fmt.Sprintf("%s: %v", e, err))
			return Unevaluable
		}
		if op == OpNe {
			eq = !eq
		}
		return fromBool(eq)
	}

	a, aok := l.Num()
	b, bok := r.Num()
	if !aok || !bok {
		ev.reasons = append(ev.reasons, fmt.Sprintf("%s: cannot order %s and %s", e, l.Kind(), r.Kind()))
		return Unevaluable
	}
	switch op {
	case OpLt:
		return fromBool(a < b && !approxEqual(a, b))
	case OpLe:
		return fromBool(a < b || approxEqual(a, b))
	case OpGt:
		return fromBool(a > b && !approxEqual(a, b))
	case OpGe:
		return fromBool(a > b || approxEqual(a, b))
	}
	ev.reasons = append(ev.reasons, fmt.Sprintf("%s: unknown operator %q", e, op))
	return Unevaluable
}

func fromBool(b bool) Truth {
	if b {
		return True
	}
	return False
}

// MapEnv is a simple Env backed by maps, handy for tests and tooling
type MapEnv struct {
	Fields map[string]Value
	Labs   map[string]Value
	Tags   map[string]bool
	Drugs  map[string]bool
}

func (m MapEnv) Field(name string) (Value, bool) {
	v, ok := m.Fields[name]
	return v, ok
}

func (m MapEnv) Lab(key string) (Value, bool) {
	v, ok := m.Labs[key]
	return v, ok
}

func (m MapEnv) HasTag(tag string) bool { return m.Tags[tag] }

func (m MapEnv) DrugPresent(drugID string) bool { return m.Drugs[drugID] }

package predicate

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// SyntaxError reports a malformed expression
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at %d: %s", e.Pos, e.Msg)
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokLParen
	tokRParen
	tokLBrack
	tokRBrack
	tokComma
	tokCmp
	tokAnd
	tokOr
	tokNot
	tokIn
)

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == '[':
			toks = append(toks, token{kind: tokLBrack, text: "[", pos: i})
			i++
		case c == ']':
			toks = append(toks, token{kind: tokRBrack, text: "]", pos: i})
			i++
		case c == ',':
			toks = append(toks, token{kind: tokComma, text: ",", pos: i})
			i++
		case c == '&':
			if i+1 >= len(src) || src[i+1] != '&' {
				return nil, &SyntaxError{Pos: i, Msg: "expected &&"}
			}
			toks = append(toks, token{kind: tokAnd, text: "&&", pos: i})
			i += 2
		case c == '|':
			if i+1 >= len(src) || src[i+1] != '|' {
				return nil, &SyntaxError{Pos: i, Msg: "expected ||"}
			}
			toks = append(toks, token{kind: tokOr, text: "||", pos: i})
			i += 2
		case c == '=':
			if i+1 >= len(src) || src[i+1] != '=' {
				return nil, &SyntaxError{Pos: i, Msg: "expected =="}
			}
			toks = append(toks, token{kind: tokCmp, text: "==", pos: i})
			i += 2
		case c == '!':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{kind: tokCmp, text: "!=", pos: i})
				i += 2
			} else {
				toks = append(toks, token{kind: tokNot, text: "!", pos: i})
				i++
			}
		case c == '<' || c == '>':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{kind: tokCmp, text: src[i : i+2], pos: i})
				i += 2
			} else {
				toks = append(toks, token{kind: tokCmp, text: src[i : i+1], pos: i})
				i++
			}
		case c == '\'' || c == '"':
			end := strings.IndexByte(src[i+1:], c)
			if end < 0 {
				return nil, &SyntaxError{Pos: i, Msg: "unterminated string"}
			}
			toks = append(toks, token{kind: tokString, text: src[i+1 : i+1+end], pos: i})
			i += end + 2
		case isDigit(c) || c == '.' || (c == '-' && i+1 < len(src) && (isDigit(src[i+1]) || src[i+1] == '.')):
			start := i
			i++
			for i < len(src) && (isDigit(src[i]) || src[i] == '.' || src[i] == 'e' || src[i] == 'E' ||
				((src[i] == '-' || src[i] == '+') && (src[i-1] == 'e' || src[i-1] == 'E'))) {
				i++
			}
			f, err := strconv.ParseFloat(src[start:i], 64)
			if err != nil {
				return nil, &SyntaxError{Pos: start, Msg: fmt.Sprintf("bad number %q", src[start:i])}
			}
			toks = append(toks, token{kind: tokNumber, text: src[start:i], num: f, pos: start})
		case isIdentStart(rune(c)):
			start := i
			for i < len(src) && isIdentPart(rune(src[i])) {
				i++
			}
			word := src[start:i]
			switch word {
			case "AND", "and":
				toks = append(toks, token{kind: tokAnd, text: word, pos: start})
			case "OR", "or":
				toks = append(toks, token{kind: tokOr, text: word, pos: start})
			case "NOT", "not":
				toks = append(toks, token{kind: tokNot, text: word, pos: start})
			case "IN", "in":
				toks = append(toks, token{kind: tokIn, text: word, pos: start})
			default:
				toks = append(toks, token{kind: tokIdent, text: word, pos: start})
			}
		default:
			return nil, &SyntaxError{Pos: i, Msg: fmt.Sprintf("unexpected character %q", c)}
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(r rune) bool { return r == '_' || unicode.IsLetter(r) }

func isIdentPart(r rune) bool {
	return r == '_' || r == '.' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

type parser struct {
	toks []token
	pos  int
}

// Parse compiles src into an Expr
func Parse(src string) (Expr, error) {
	if strings.TrimSpace(src) == "" {
		return nil, &SyntaxError{Pos: 0, Msg: "empty expression"}
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("unexpected %q", t.text)}
	}
	return e, nil
}

// MustParse is like Parse but panics on error. For tests and static tables.
func MustParse(src string) Expr {
	e, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return e
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(k tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != k {
		return t, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("expected %s, got %q", what, t.text)}
	}
	return t, nil
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = Or{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = And{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.peek().kind == tokNot {
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Not{X: x}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	t := p.peek()
	if t.kind == tokLParen {
		p.next()
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return e, nil
	}

	if t.kind == tokIdent && p.toks[p.pos+1].kind == tokLParen {
		switch t.text {
		case "has_comorbidity", "patient_has", "drug_present", "no_monitoring":
			p.next()
			arg, err := p.callArg()
			if err != nil {
				return nil, err
			}
			switch t.text {
			case "drug_present":
				return DrugPresent{DrugID: strings.ToLower(arg)}, nil
			case "no_monitoring":
				return Not{X: HasTag{Tag: "monitoring:" + strings.ToLower(arg)}}, nil
			default:
				return HasTag{Tag: strings.ToLower(arg)}, nil
			}
		}
	}

	if t.kind == tokIdent && t.text == "comorbidities_any" && p.toks[p.pos+1].kind == tokIn {
		p.next()
		p.next()
		set, err := p.parseList()
		if err != nil {
			return nil, err
		}
		tags := make([]string, 0, len(set))
		for _, v := range set {
			s, ok := v.Str()
			if !ok {
				return nil, &SyntaxError{Pos: t.pos, Msg: "comorbidities_any expects string tags"}
			}
			tags = append(tags, strings.ToLower(s))
		}
		return AnyTag{Tags: tags}, nil
	}

	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	switch p.peek().kind {
	case tokCmp:
		opTok := p.next()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		op := Op(opTok.text)
		if f, ok := left.(FieldRef); ok && op == OpEq {
			if c, ok := right.(Const); ok {
				return FieldEquals{Field: f.Name, Value: c.Value}, nil
			}
		}
		return Compare{Op: op, Left: left, Right: right}, nil
	case tokIn:
		p.next()
		set, err := p.parseList()
		if err != nil {
			return nil, err
		}
		return In{Left: left, Set: set}, nil
	}

	// A bare operand is a boolean test
	if c, ok := left.(Const); ok {
		b, isBool := c.Value.Truth()
		if !isBool {
			return nil, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("%s is not a condition", c.Value)}
		}
		return Literal{Value: b}, nil
	}
	if f, ok := left.(FieldRef); ok {
		return FieldEquals{Field: f.Name, Value: Bool(true)}, nil
	}
	return Compare{Op: OpEq, Left: left, Right: Const{Value: Bool(true)}}, nil
}

func (p *parser) callArg() (string, error) {
	if _, err := p.expect(tokLParen, "("); err != nil {
		return "", err
	}
	t := p.next()
	if t.kind != tokString && t.kind != tokIdent {
		return "", &SyntaxError{Pos: t.pos, Msg: "expected string argument"}
	}
	if _, err := p.expect(tokRParen, ")"); err != nil {
		return "", err
	}
	return t.text, nil
}

func (p *parser) parseOperand() (Operand, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return Const{Value: Number(t.num)}, nil
	case tokString:
		return Const{Value: String(t.text)}, nil
	case tokIdent:
		switch t.text {
		case "true":
			return Const{Value: Bool(true)}, nil
		case "false":
			return Const{Value: Bool(false)}, nil
		case "lab":
			if p.peek().kind == tokLParen {
				key, err := p.callArg()
				if err != nil {
					return nil, err
				}
				return LabRef{Key: strings.ToUpper(key)}, nil
			}
		}
		if p.peek().kind == tokLParen {
			return nil, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("unknown function %q", t.text)}
		}
		return FieldRef{Name: t.text}, nil
	case tokEOF:
		return nil, &SyntaxError{Pos: t.pos, Msg: "unexpected end of expression"}
	}
	return nil, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("unexpected %q", t.text)}
}

func (p *parser) parseList() ([]Value, error) {
	if _, err := p.expect(tokLBrack, "["); err != nil {
		return nil, err
	}
	var out []Value
	if p.peek().kind == tokRBrack {
		p.next()
		return out, nil
	}
	for {
		op, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		c, ok := op.(Const)
		if !ok {
			return nil, &SyntaxError{Pos: p.toks[p.pos-1].pos, Msg: "list elements must be literals"}
		}
		out = append(out, c.Value)
		t := p.next()
		if t.kind == tokRBrack {
			return out, nil
		}
		if t.kind != tokComma {
			return nil, &SyntaxError{Pos: t.pos, Msg: "expected , or ]"}
		}
	}
}

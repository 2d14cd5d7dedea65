// Package label parses capability label expressions and matches them against
// the set of atoms a template advertises.
//
// The grammar, from lowest to highest precedence:
//
//	expr  := iff
//	iff   := impl ( "<->" impl )*
//	impl  := or ( "->" or )*
//	or    := and ( "||" and )*
//	and   := not ( "&&" not )*
//	not   := "!" not | term
//	term  := "(" expr ")" | atom | '"' quoted '"'
package label

import (
	"fmt"
	"strings"
)

// Expr is a parsed label expression.
type Expr interface {
	// Matches reports whether the expression holds for the given atoms.
	Matches(atoms map[string]bool) bool
	String() string
}

// Parse parses a label expression. A blank expression is an error: callers
// treat "no label" separately from "a label that matches nothing".
func Parse(s string) (Expr, error) {
	tokens, err := tokenize(s)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty label expression")
	}
	p := &parser{tokens: tokens}

	expr, err := p.parseIff()
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.tokens) {
		return nil, fmt.Errorf("unexpected '%s' at position %d in label expression '%s'", p.tokens[p.pos].text, p.tokens[p.pos].offset, s)
	}
	return expr, nil
}

// Matches parses expr and evaluates it against atoms.
func Matches(expr string, atoms []string) (bool, error) {
	parsed, err := Parse(expr)
	if err != nil {
		return false, err
	}
	return parsed.Matches(Set(atoms)), nil
}

// Set turns a list of atoms into a lookup set.
func Set(atoms []string) map[string]bool {
	set := make(map[string]bool, len(atoms))
	for _, atom := range atoms {
		set[atom] = true
	}
	return set
}

// Atoms splits a whitespace separated label string into its atoms.
func Atoms(s string) []string {
	return strings.Fields(s)
}

type atom string

func (a atom) Matches(atoms map[string]bool) bool { return atoms[string(a)] }
func (a atom) String() string {
	if strings.ContainsAny(string(a), " \t()!&|<\"") || strings.Contains(string(a), "->") {
		return fmt.Sprintf("%q", string(a))
	}
	return string(a)
}

type not struct{ expr Expr }

func (n not) Matches(atoms map[string]bool) bool { return !n.expr.Matches(atoms) }
func (n not) String() string                     { return "!" + n.expr.String() }

type binary struct {
	op          string
	left, right Expr
}

func (b binary) Matches(atoms map[string]bool) bool {
	l, r := b.left.Matches(atoms), b.right.Matches(atoms)
	switch b.op {
	case "&&":
		return l && r
	case "||":
		return l || r
	case "->":
		return !l || r
	case "<->":
		return l == r
	}
	panic("unknown operator " + b.op)
}

func (b binary) String() string {
	return fmt.Sprintf("(%s %s %s)", b.left, b.op, b.right)
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek(kind tokenKind) bool {
	return p.pos < len(p.tokens) && p.tokens[p.pos].kind == kind
}

func (p *parser) binary(kind tokenKind, op string, next func() (Expr, error)) (Expr, error) {
	left, err := next()
	if err != nil {
		return nil, err
	}
	for p.peek(kind) {
		p.pos++
		right, err := next()
		if err != nil {
			return nil, err
		}
		left = binary{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseIff() (Expr, error) { return p.binary(tokenIff, "<->", p.parseImpl) }
func (p *parser) parseImpl() (Expr, error) { return p.binary(tokenImpl, "->", p.parseOr) }
func (p *parser) parseOr() (Expr, error)   { return p.binary(tokenOr, "||", p.parseAnd) }
func (p *parser) parseAnd() (Expr, error)  { return p.binary(tokenAnd, "&&", p.parseNot) }

func (p *parser) parseNot() (Expr, error) {
	if p.peek(tokenNot) {
		p.pos++
		expr, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return not{expr}, nil
	}
	return p.parseTerm()
}

func (p *parser) parseTerm() (Expr, error) {
	if p.pos >= len(p.tokens) {
		return nil, fmt.Errorf("unexpected end of label expression")
	}

	tok := p.tokens[p.pos]
	switch tok.kind {
	case tokenAtom:
		p.pos++
		return atom(tok.text), nil

	case tokenOpen:
		p.pos++
		expr, err := p.parseIff()
		if err != nil {
			return nil, err
		}
		if !p.peek(tokenClose) {
			return nil, fmt.Errorf("missing ')' for '(' at position %d", tok.offset)
		}
		p.pos++
		return expr, nil

	default:
		return nil, fmt.Errorf("unexpected '%s' at position %d", tok.text, tok.offset)
	}
}

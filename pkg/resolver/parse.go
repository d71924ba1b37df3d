package resolver

import (
	"strings"

	"github.com/veridix/agora/pkg/apierr"
)

// Parse parses an LDAP-style filter expression:
//
//	(&(golem.inf.mem.gib>=2)(golem.inf.storage.gib>=10))
//	(|(arch=x86_64)(arch=wasm32))
//	(!(region=banned))
//	(name=prefix*)
//
// Leaf operators are =, >, <, >= and <=; a value of a single '*' is a
// presence test. Empty input parses to the constant-true expression.
func Parse(text string) (*Expr, error) {
	p := &parser{input: text}

	p.skipSpace()
	if p.eof() {
		return constExpr(true), nil
	}

	expr, err := p.parseFilter()
	if err != nil {
		return nil, err
	}

	p.skipSpace()
	if !p.eof() {
		return nil, p.errorf("unexpected trailing input at offset %d", p.pos)
	}
	return expr, nil
}

// MustParse is a helper for tests and static constraint literals.
func MustParse(text string) *Expr {
	expr, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return expr
}

type parser struct {
	input string
	pos   int
}

func (p *parser) parseFilter() (*Expr, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}
	p.skipSpace()

	var expr *Expr
	var err error
	switch {
	case p.peek() == '&':
		p.pos++
		expr, err = p.parseList(kindAnd)
	case p.peek() == '|':
		p.pos++
		expr, err = p.parseList(kindOr)
	case p.peek() == '!':
		p.pos++
		p.skipSpace()
		var inner *Expr
		inner, err = p.parseFilter()
		if err == nil {
			expr = &Expr{kind: kindNot, children: []*Expr{inner}}
		}
	default:
		expr, err = p.parseLeaf()
	}
	if err != nil {
		return nil, err
	}

	p.skipSpace()
	if err := p.expect(')'); err != nil {
		return nil, err
	}
	return expr, nil
}

func (p *parser) parseList(kind exprKind) (*Expr, error) {
	var children []*Expr
	for {
		p.skipSpace()
		if p.peek() != '(' {
			break
		}
		child, err := p.parseFilter()
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}

	// LDAP defines the empty conjunction as true and the empty
	// disjunction as false.
	if len(children) == 0 {
		return constExpr(kind == kindAnd), nil
	}
	return &Expr{kind: kind, children: children}, nil
}

func (p *parser) parseLeaf() (*Expr, error) {
	start := p.pos
	for !p.eof() && !strings.ContainsRune("=<>()", rune(p.peek())) {
		p.pos++
	}
	key := strings.TrimSpace(p.input[start:p.pos])
	if key == "" {
		return nil, p.errorf("empty property key at offset %d", start)
	}

	op, err := p.parseOp()
	if err != nil {
		return nil, err
	}

	valStart := p.pos
	for !p.eof() && p.peek() != ')' {
		p.pos++
	}
	value := p.input[valStart:p.pos]

	if op == OpEq && value == "*" {
		return &Expr{kind: kindPresent, key: key}, nil
	}
	return &Expr{kind: kindLeaf, key: key, op: op, value: value}, nil
}

func (p *parser) parseOp() (Op, error) {
	if p.eof() {
		return 0, p.errorf("expected comparison operator at offset %d", p.pos)
	}
	switch p.peek() {
	case '=':
		p.pos++
		return OpEq, nil
	case '>':
		p.pos++
		if !p.eof() && p.peek() == '=' {
			p.pos++
			return OpGtEq, nil
		}
		return OpGt, nil
	case '<':
		p.pos++
		if !p.eof() && p.peek() == '=' {
			p.pos++
			return OpLtEq, nil
		}
		return OpLt, nil
	default:
		return 0, p.errorf("expected comparison operator at offset %d, got %q", p.pos, p.peek())
	}
}

func (p *parser) expect(c byte) error {
	if p.eof() || p.input[p.pos] != c {
		return p.errorf("expected %q at offset %d", c, p.pos)
	}
	p.pos++
	return nil
}

func (p *parser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.input[p.pos]
}

func (p *parser) skipSpace() {
	for !p.eof() && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t' || p.input[p.pos] == '\n' || p.input[p.pos] == '\r') {
		p.pos++
	}
}

func (p *parser) eof() bool {
	return p.pos >= len(p.input)
}

func (p *parser) errorf(format string, args ...any) error {
	return apierr.New(apierr.KindValidation, "invalid filter expression: "+format, args...)
}

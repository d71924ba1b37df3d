// Package resolver implements the LDAP-style constraint language and
// its three-valued evaluation against property sets. A leaf comparison
// over a missing property yields Undefined rather than False, so a
// negotiation can continue by asking the counterparty for the missing
// property instead of being hard-rejected.
package resolver

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/veridix/agora/pkg/props"
)

// Result is the three-valued outcome of evaluating an expression.
type Result int

const (
	False Result = iota
	True
	Undefined
)

func (r Result) String() string {
	switch r {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "undefined"
	}
}

type exprKind int

const (
	kindAnd exprKind = iota
	kindOr
	kindNot
	kindLeaf
	kindPresent
	kindConst
)

// Op is a leaf comparison operator.
type Op int

const (
	OpEq Op = iota
	OpGt
	OpLt
	OpGtEq
	OpLtEq
)

func (o Op) String() string {
	switch o {
	case OpEq:
		return "="
	case OpGt:
		return ">"
	case OpLt:
		return "<"
	case OpGtEq:
		return ">="
	default:
		return "<="
	}
}

// Expr is a parsed constraint expression.
type Expr struct {
	key      string
	value    string
	children []*Expr
	op       Op
	kind     exprKind
	truth    bool
}

func constExpr(truth bool) *Expr {
	return &Expr{kind: kindConst, truth: truth}
}

// Eval resolves the expression against a property set, returning the
// three-valued result and, when Undefined, the dotted keys that could
// not be resolved.
func (e *Expr) Eval(ps *props.Set) (Result, []string) {
	switch e.kind {
	case kindConst:
		if e.truth {
			return True, nil
		}
		return False, nil

	case kindAnd:
		// Three-valued AND: False dominates, then Undefined.
		result := True
		var unresolved []string
		for _, child := range e.children {
			r, missing := child.Eval(ps)
			switch r {
			case False:
				return False, nil
			case Undefined:
				result = Undefined
				unresolved = append(unresolved, missing...)
			}
		}
		return result, unresolved

	case kindOr:
		// Three-valued OR: True dominates, then Undefined.
		result := False
		var unresolved []string
		for _, child := range e.children {
			r, missing := child.Eval(ps)
			switch r {
			case True:
				return True, nil
			case Undefined:
				result = Undefined
				unresolved = append(unresolved, missing...)
			}
		}
		return result, unresolved

	case kindNot:
		r, missing := e.children[0].Eval(ps)
		switch r {
		case True:
			return False, nil
		case False:
			return True, nil
		default:
			return Undefined, missing
		}

	case kindPresent:
		if _, ok := ps.Get(e.key); ok {
			return True, nil
		}
		return Undefined, []string{e.key}

	default: // kindLeaf
		val, ok := ps.Get(e.key)
		if !ok {
			return Undefined, []string{e.key}
		}
		r := compare(val, e.op, e.value)
		if r == Undefined {
			return Undefined, []string{e.key}
		}
		return r, nil
	}
}

// PropertyKeys lists every dotted key the expression references.
func (e *Expr) PropertyKeys() []string {
	switch e.kind {
	case kindLeaf, kindPresent:
		return []string{e.key}
	case kindConst:
		return nil
	default:
		var keys []string
		for _, child := range e.children {
			keys = append(keys, child.PropertyKeys()...)
		}
		return keys
	}
}

// compare resolves a single leaf against a typed property value. A
// type mismatch between operand and property is Undefined, not False:
// the constraint cannot be decided against this value.
func compare(val any, op Op, operand string) Result {
	switch v := val.(type) {
	case float64:
		num, err := strconv.ParseFloat(strings.TrimSpace(operand), 64)
		if err != nil {
			return Undefined
		}
		return boolResult(cmpOrdered(v, num, op))

	case bool:
		if op != OpEq {
			return Undefined
		}
		b, err := strconv.ParseBool(strings.TrimSpace(operand))
		if err != nil {
			return Undefined
		}
		return boolResult(v == b)

	case string:
		return compareString(v, op, operand)

	case []any:
		return compareList(v, op, operand)

	default: // JSON null or an unexpected type
		return Undefined
	}
}

func compareString(v string, op Op, operand string) Result {
	if op == OpEq && strings.Contains(operand, "*") {
		return boolResult(wildcardMatch(v, operand))
	}

	// Semantic version comparison when both sides parse as versions,
	// so 1.2.0 < 1.10.0 holds numerically rather than lexically.
	if pv, err := semver.StrictNewVersion(v); err == nil {
		if ov, err := semver.StrictNewVersion(strings.TrimSpace(operand)); err == nil {
			return boolResult(cmpOrdered(float64(pv.Compare(ov)), 0, op))
		}
	}

	switch op {
	case OpEq:
		return boolResult(v == operand)
	default:
		return boolResult(cmpOrdered(strings.Compare(v, operand), 0, op))
	}
}

// compareList supports equality only: a JSON-array operand means list
// equivalence, a scalar operand means membership.
func compareList(v []any, op Op, operand string) Result {
	if op != OpEq {
		return Undefined
	}

	var operandList []any
	if err := json.Unmarshal([]byte(operand), &operandList); err == nil && strings.HasPrefix(strings.TrimSpace(operand), "[") {
		if len(operandList) != len(v) {
			return False
		}
		for i := range v {
			if compare(v[i], OpEq, scalarString(operandList[i])) != True {
				return False
			}
		}
		return True
	}

	for _, elem := range v {
		if compare(elem, OpEq, operand) == True {
			return True
		}
	}
	return False
}

func scalarString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

func cmpOrdered[T float64 | int](a, b T, op Op) bool {
	switch op {
	case OpEq:
		return a == b
	case OpGt:
		return a > b
	case OpLt:
		return a < b
	case OpGtEq:
		return a >= b
	default:
		return a <= b
	}
}

func boolResult(b bool) Result {
	if b {
		return True
	}
	return False
}

// wildcardMatch implements LDAP '*' substring matching: pattern
// segments must appear in order, anchored at both ends.
func wildcardMatch(s, pattern string) bool {
	segments := strings.Split(pattern, "*")

	if !strings.HasPrefix(s, segments[0]) {
		return false
	}
	s = s[len(segments[0]):]

	last := segments[len(segments)-1]
	middle := segments[1 : len(segments)-1]

	for _, seg := range middle {
		if seg == "" {
			continue
		}
		idx := strings.Index(s, seg)
		if idx < 0 {
			return false
		}
		s = s[idx+len(seg):]
	}

	return strings.HasSuffix(s, last)
}

package ruleengine

import "strings"

// maxDepth bounds Jump recursion so a cyclic program terminates
// instead of looping forever (spec.md: "a cyclic Jump program
// terminates within the depth limit and returns 'no action'"),
// matching the original's `level > 10` check.
const maxDepth = 10

// Facts exposes the destination attributes a rule's conditions test
// against: GeoIP country, port, domain name, and anything else a
// caller wants to expose by key.
type Facts interface {
	Fact(key string) (string, bool)
}

// MapFacts is the simplest Facts implementation, backed by a map.
type MapFacts map[string]string

func (m MapFacts) Fact(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// Result is the outcome of evaluating a Program against Facts.
type Result struct {
	Kind ActionKind
	Arg  string
}

// Matched reports whether the program produced a routing decision at
// all (as opposed to falling off the end of every table, or hitting
// the depth limit).
func (r Result) Matched() bool {
	return r.Kind == ActionProxy || r.Kind == ActionProxyGroup || r.Kind == ActionReject
}

// Eval runs the "main" table of prog against facts and returns the
// first matching terminal action (Proxy/ProxyGroup/Reject), or a
// zero Result if nothing matched.
func Eval(prog *Program, facts Facts) Result {
	r, _ := evalTable(prog, "main", facts, 0)
	return r
}

// evalTable returns (result, returned) where returned=true means the
// table exited via an explicit Return action, so the caller (a Jump)
// should keep evaluating its own remaining rules rather than treat
// this as terminal.
func evalTable(prog *Program, name string, facts Facts, depth int) (Result, bool) {
	if depth > maxDepth {
		return Result{}, false
	}
	table, ok := prog.Tables[name]
	if !ok {
		return Result{}, false
	}

	for _, rule := range table.Rules {
		if !allMatch(rule.Conditions, facts) {
			continue
		}
		switch rule.Action.Kind {
		case ActionJump:
			res, returned := evalTable(prog, rule.Action.Arg, facts, depth+1)
			if returned {
				continue // jumped table hit Return; keep scanning this table
			}
			return res, false
		case ActionReturn:
			return Result{}, true
		default:
			return Result{Kind: rule.Action.Kind, Arg: rule.Action.Arg}, false
		}
	}
	return Result{}, false
}

func allMatch(conds []Condition, facts Facts) bool {
	for _, c := range conds {
		if !c.matches(facts) {
			return false
		}
	}
	return true
}

func (c Condition) matches(facts Facts) bool {
	val, ok := facts.Fact(c.Key)
	if !ok {
		return false
	}
	switch c.Op {
	case OpEq:
		return val == c.Literal
	case OpNe:
		return val != c.Literal
	case OpIn:
		return memberOf(val, c.Literal)
	case OpNotIn:
		return !memberOf(val, c.Literal)
	case OpRegex:
		return c.re != nil && c.re.MatchString(val)
	default:
		return false
	}
}

// memberOf reports whether val appears in a comma-separated list
// literal, trimming whitespace around each member.
func memberOf(val, list string) bool {
	for _, item := range strings.Split(list, ",") {
		if strings.TrimSpace(item) == val {
			return true
		}
	}
	return false
}

// Package ruleengine parses and evaluates the rule-table DSL used to
// route a ProxyRequest to an upstream (spec.md §3 "Rule program",
// grounded on original_source/cpxy/src/client/rule/parser.rs's
// grammar: named tables of `key op "literal", ... action;` rules).
package ruleengine

import (
	"fmt"
	"regexp"
	"strings"
)

// Op is a condition's comparison operator.
type Op int

const (
	OpEq Op = iota
	OpNe
	OpIn
	OpNotIn
	OpRegex
)

func (o Op) String() string {
	switch o {
	case OpEq:
		return "=="
	case OpNe:
		return "!="
	case OpIn:
		return "in"
	case OpNotIn:
		return "!in"
	case OpRegex:
		return "~="
	default:
		return "?"
	}
}

// Condition tests one fact key against a literal.
type Condition struct {
	Key     string
	Op      Op
	Literal string

	re *regexp.Regexp // compiled lazily for OpRegex
}

// ActionKind tags which arm of Action is populated. ActionNone is the
// zero value and means "no rule matched" — it must stay distinct from
// ActionProxy so a falling-off-the-end Result is never mistaken for an
// explicit (zero-argument) proxy action.
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionProxy
	ActionProxyGroup
	ActionReject
	ActionJump
	ActionReturn
)

// Action is what a matched rule does: route to an upstream, reject
// the connection, jump to another table, or return from the current
// one (spec.md §3).
type Action struct {
	Kind ActionKind
	Arg  string // upstream/group/table name; empty for Reject/Return
}

// Rule is one line of a table: all Conditions must match for Action
// to fire.
type Rule struct {
	Conditions []Condition
	Action     Action
	Line       int
}

// Table is a named, ordered list of rules.
type Table struct {
	Name  string
	Rules []Rule
}

// Program is a parsed rule DSL document: every table, keyed by name.
type Program struct {
	Tables map[string]*Table
}

type parser struct {
	src  []rune
	pos  int
	line int
}

// Parse parses the rule DSL text in src into a Program. Grammar:
//
//	program  := table*
//	table    := name "{" rule* "}"
//	rule     := (cond ("," cond)* ",")? action ";"
//	cond     := key op '"' literal '"'
//	action   := bareAction | key "=" '"' literal '"'
//	op       := "==" | "!=" | "in" | "!in" | "~="
//
// Comments start with "#" and run to end of line.
func Parse(src string) (*Program, error) {
	p := &parser{src: []rune(src), line: 1}
	prog := &Program{Tables: map[string]*Table{}}
	for {
		p.skipSpaceAndComments()
		if p.atEnd() {
			break
		}
		t, err := p.parseTable()
		if err != nil {
			return nil, err
		}
		prog.Tables[t.Name] = t
	}
	return prog, nil
}

func (p *parser) atEnd() bool { return p.pos >= len(p.src) }

func (p *parser) peek() rune {
	if p.atEnd() {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) advance() rune {
	c := p.src[p.pos]
	p.pos++
	if c == '\n' {
		p.line++
	}
	return c
}

func (p *parser) skipSpaceAndComments() {
	for !p.atEnd() {
		c := p.peek()
		switch {
		case c == '#':
			for !p.atEnd() && p.peek() != '\n' {
				p.advance()
			}
		case isSpace(c):
			p.advance()
		default:
			return
		}
	}
}

func isSpace(c rune) bool { return c == ' ' || c == '\t' || c == '\r' || c == '\n' }

// isIdentChar allows ':' so a condition key can name a sub-resource,
// e.g. "rulelist:ads" selecting the "ads" rule list by name.
func isIdentChar(c rune) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == ':'
}

func (p *parser) parseIdent() (string, error) {
	start := p.pos
	for !p.atEnd() && isIdentChar(p.peek()) {
		p.advance()
	}
	if p.pos == start {
		return "", fmt.Errorf("ruleengine: line %d: expected identifier", p.line)
	}
	return string(p.src[start:p.pos]), nil
}

func (p *parser) expect(c rune) error {
	p.skipSpaceAndComments()
	if p.atEnd() || p.peek() != c {
		return fmt.Errorf("ruleengine: line %d: expected %q", p.line, c)
	}
	p.advance()
	return nil
}

func (p *parser) parseTable() (*Table, error) {
	name, err := p.parseIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expect('{'); err != nil {
		return nil, err
	}
	t := &Table{Name: name}
	for {
		p.skipSpaceAndComments()
		if p.atEnd() {
			return nil, fmt.Errorf("ruleengine: line %d: unterminated table %q", p.line, name)
		}
		if p.peek() == '}' {
			p.advance()
			return t, nil
		}
		r, err := p.parseRule()
		if err != nil {
			return nil, err
		}
		t.Rules = append(t.Rules, r)
	}
}

func (p *parser) parseRule() (Rule, error) {
	line := p.line
	var conds []Condition
	for {
		p.skipSpaceAndComments()
		key, err := p.parseIdent()
		if err != nil {
			return Rule{}, err
		}
		p.skipSpaceAndComments()

		op, isAssign, err := p.parseOpOrAssign()
		if err != nil {
			return Rule{}, err
		}

		if isAssign || op == -1 {
			// key alone (bare action like "reject"/"return") or
			// "key = value" (proxy/proxygroup/jump assignment).
			var arg string
			if isAssign {
				p.skipSpaceAndComments()
				arg, err = p.parseQuoted()
				if err != nil {
					return Rule{}, err
				}
			}
			action, err := newAction(key, arg)
			if err != nil {
				return Rule{}, err
			}
			p.skipSpaceAndComments()
			if err := p.expect(';'); err != nil {
				return Rule{}, err
			}
			return Rule{Conditions: conds, Action: action, Line: line}, nil
		}

		p.skipSpaceAndComments()
		literal, err := p.parseQuoted()
		if err != nil {
			return Rule{}, err
		}
		cond := Condition{Key: key, Op: op, Literal: literal}
		if op == OpRegex {
			re, err := regexp.Compile(literal)
			if err != nil {
				return Rule{}, fmt.Errorf("ruleengine: line %d: bad regex %q: %w", line, literal, err)
			}
			cond.re = re
		}
		conds = append(conds, cond)

		p.skipSpaceAndComments()
		if p.atEnd() {
			return Rule{}, fmt.Errorf("ruleengine: line %d: unexpected EOF in rule", line)
		}
		if p.peek() != ',' {
			return Rule{}, fmt.Errorf("ruleengine: line %d: expected ',' or ';'", p.line)
		}
		p.advance()
	}
}

// parseOpOrAssign reads one of "==", "!=", "in", "!in", "~=", or "=".
// Returns isAssign=true for a bare "=" (action assignment) and
// op=-1,isAssign=false when the token after key is ';' (a bare
// no-argument action like "reject;").
func (p *parser) parseOpOrAssign() (op Op, isAssign bool, err error) {
	if p.atEnd() {
		return 0, false, fmt.Errorf("ruleengine: line %d: unexpected EOF", p.line)
	}
	if p.peek() == ';' {
		return -1, false, nil
	}
	if p.peek() == '=' {
		p.advance()
		if !p.atEnd() && p.peek() == '=' {
			p.advance()
			return OpEq, false, nil
		}
		return 0, true, nil
	}
	if p.peek() == '!' {
		p.advance()
		if p.atEnd() {
			return 0, false, fmt.Errorf("ruleengine: line %d: dangling '!'", p.line)
		}
		if p.peek() == '=' {
			p.advance()
			return OpNe, false, nil
		}
		ident, err := p.parseIdent()
		if err != nil || ident != "in" {
			return 0, false, fmt.Errorf("ruleengine: line %d: expected '!=' or '!in'", p.line)
		}
		return OpNotIn, false, nil
	}
	if p.peek() == '~' {
		p.advance()
		if err := p.expectRune('='); err != nil {
			return 0, false, err
		}
		return OpRegex, false, nil
	}
	ident, err := p.parseIdent()
	if err != nil {
		return 0, false, err
	}
	if ident == "in" {
		return OpIn, false, nil
	}
	return 0, false, fmt.Errorf("ruleengine: line %d: unknown operator %q", p.line, ident)
}

func (p *parser) expectRune(c rune) error {
	if p.atEnd() || p.peek() != c {
		return fmt.Errorf("ruleengine: line %d: expected %q", p.line, c)
	}
	p.advance()
	return nil
}

func (p *parser) parseQuoted() (string, error) {
	if err := p.expect('"'); err != nil {
		return "", err
	}
	var b strings.Builder
	for {
		if p.atEnd() {
			return "", fmt.Errorf("ruleengine: line %d: unterminated string", p.line)
		}
		c := p.advance()
		if c == '\\' {
			if p.atEnd() {
				return "", fmt.Errorf("ruleengine: line %d: dangling escape", p.line)
			}
			b.WriteRune(p.advance())
			continue
		}
		if c == '"' {
			return b.String(), nil
		}
		b.WriteRune(c)
	}
}

func newAction(key, arg string) (Action, error) {
	switch strings.ToLower(key) {
	case "proxy":
		return Action{Kind: ActionProxy, Arg: arg}, nil
	case "proxygroup":
		return Action{Kind: ActionProxyGroup, Arg: arg}, nil
	case "reject":
		return Action{Kind: ActionReject}, nil
	case "jump":
		return Action{Kind: ActionJump, Arg: arg}, nil
	case "return":
		return Action{Kind: ActionReturn}, nil
	default:
		return Action{}, fmt.Errorf("ruleengine: unknown action %q", key)
	}
}

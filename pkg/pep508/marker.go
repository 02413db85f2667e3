package pep508

import (
	"fmt"
	"strings"

	"github.com/wheelsproxy/wheelsproxy/pkg/pep440"
)

// Marker is a parsed environment marker expression.
type Marker struct {
	// Text is the marker as written, trimmed.
	Text string
	expr node
}

// ParseMarker parses the marker language:
//
//	expr := and ("or" and)*
//	and  := atom ("and" atom)*
//	atom := "(" expr ")" | value op value
//
// where a value is an environment variable name or a quoted string.
func ParseMarker(s string) (*Marker, error) {
	s = strings.TrimSpace(s)
	toks, err := lexMarker(s)
	if err != nil {
		return nil, err
	}
	p := &markerParser{toks: toks}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.eof() {
		return nil, fmt.Errorf("pep508: trailing tokens in marker %q", s)
	}
	return &Marker{Text: s, expr: expr}, nil
}

// Eval evaluates the marker against the environment. Referencing a variable
// the environment does not define is an error, except "extra", which
// defaults to the empty string.
func (m *Marker) Eval(env map[string]string) (bool, error) {
	return m.expr.eval(env)
}

type node interface {
	eval(env map[string]string) (bool, error)
}

type orNode struct{ l, r node }

func (n orNode) eval(env map[string]string) (bool, error) {
	l, err := n.l.eval(env)
	if err != nil {
		return false, err
	}
	if l {
		return true, nil
	}
	return n.r.eval(env)
}

type andNode struct{ l, r node }

func (n andNode) eval(env map[string]string) (bool, error) {
	l, err := n.l.eval(env)
	if err != nil {
		return false, err
	}
	if !l {
		return false, nil
	}
	return n.r.eval(env)
}

type cmpNode struct {
	op   string
	l, r value
}

type value struct {
	lit string
	// variable is true when lit names an environment variable rather than a
	// quoted literal.
	variable bool
}

func (v *value) resolve(env map[string]string) (string, error) {
	if !v.variable {
		return v.lit, nil
	}
	if s, ok := env[v.lit]; ok {
		return s, nil
	}
	if v.lit == "extra" {
		return "", nil
	}
	return "", fmt.Errorf("pep508: undefined marker variable %q", v.lit)
}

func (n cmpNode) eval(env map[string]string) (bool, error) {
	l, err := n.l.resolve(env)
	if err != nil {
		return false, err
	}
	r, err := n.r.resolve(env)
	if err != nil {
		return false, err
	}
	switch n.op {
	case "in":
		return strings.Contains(r, l), nil
	case "not in":
		return !strings.Contains(r, l), nil
	case "===":
		return l == r, nil
	}
	// Version comparison when both sides parse as versions; PEP 508 falls
	// back to string comparison otherwise.
	lv, lerr := pep440.Parse(l)
	rv, rerr := pep440.Parse(r)
	if lerr == nil && rerr == nil {
		c := lv.Compare(&rv)
		switch n.op {
		case "==":
			return c == 0, nil
		case "!=":
			return c != 0, nil
		case "<":
			return c < 0, nil
		case "<=":
			return c <= 0, nil
		case ">":
			return c > 0, nil
		case ">=":
			return c >= 0, nil
		case "~=":
			r, err := pep440.ParseRange("~=" + rv.String())
			if err != nil {
				return false, err
			}
			return r.Match(&lv), nil
		}
	}
	switch n.op {
	case "==":
		return l == r, nil
	case "!=":
		return l != r, nil
	case "<":
		return l < r, nil
	case "<=":
		return l <= r, nil
	case ">":
		return l > r, nil
	case ">=":
		return l >= r, nil
	}
	return false, fmt.Errorf("pep508: unsupported marker operator %q", n.op)
}

type token struct {
	kind string // "ident", "str", "op", "lparen", "rparen"
	text string
}

func lexMarker(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '(':
			toks = append(toks, token{kind: "lparen"})
			i++
		case c == ')':
			toks = append(toks, token{kind: "rparen"})
			i++
		case c == '\'' || c == '"':
			j := strings.IndexByte(s[i+1:], c)
			if j < 0 {
				return nil, fmt.Errorf("pep508: unterminated string in marker %q", s)
			}
			toks = append(toks, token{kind: "str", text: s[i+1 : i+1+j]})
			i += j + 2
		case strings.ContainsRune("<>=!~", rune(c)):
			j := i
			for j < len(s) && strings.ContainsRune("<>=!~", rune(s[j])) {
				j++
			}
			toks = append(toks, token{kind: "op", text: s[i:j]})
			i = j
		case isIdentByte(c):
			j := i
			for j < len(s) && isIdentByte(s[j]) {
				j++
			}
			toks = append(toks, token{kind: "ident", text: s[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("pep508: unexpected %q in marker %q", c, s)
		}
	}
	return toks, nil
}

func isIdentByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '.'
}

type markerParser struct {
	toks []token
	pos  int
}

func (p *markerParser) eof() bool { return p.pos >= len(p.toks) }

func (p *markerParser) peek() *token {
	if p.eof() {
		return nil
	}
	return &p.toks[p.pos]
}

func (p *markerParser) next() *token {
	t := p.peek()
	if t != nil {
		p.pos++
	}
	return t
}

func (p *markerParser) parseOr() (node, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t == nil || t.kind != "ident" || t.text != "or" {
			return l, nil
		}
		p.next()
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = orNode{l: l, r: r}
	}
}

func (p *markerParser) parseAnd() (node, error) {
	l, err := p.parseAtom()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t == nil || t.kind != "ident" || t.text != "and" {
			return l, nil
		}
		p.next()
		r, err := p.parseAtom()
		if err != nil {
			return nil, err
		}
		l = andNode{l: l, r: r}
	}
}

func (p *markerParser) parseAtom() (node, error) {
	t := p.next()
	if t == nil {
		return nil, fmt.Errorf("pep508: unexpected end of marker")
	}
	if t.kind == "lparen" {
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if t := p.next(); t == nil || t.kind != "rparen" {
			return nil, fmt.Errorf("pep508: missing close paren in marker")
		}
		return expr, nil
	}
	l, err := asValue(t)
	if err != nil {
		return nil, err
	}
	opTok := p.next()
	if opTok == nil {
		return nil, fmt.Errorf("pep508: marker comparison missing operator")
	}
	var op string
	switch {
	case opTok.kind == "op":
		op = opTok.text
	case opTok.kind == "ident" && opTok.text == "in":
		op = "in"
	case opTok.kind == "ident" && opTok.text == "not":
		t := p.next()
		if t == nil || t.kind != "ident" || t.text != "in" {
			return nil, fmt.Errorf("pep508: expected \"in\" after \"not\"")
		}
		op = "not in"
	default:
		return nil, fmt.Errorf("pep508: bad marker operator %q", opTok.text)
	}
	rTok := p.next()
	if rTok == nil {
		return nil, fmt.Errorf("pep508: marker comparison missing right side")
	}
	r, err := asValue(rTok)
	if err != nil {
		return nil, err
	}
	return cmpNode{op: op, l: l, r: r}, nil
}

func asValue(t *token) (value, error) {
	switch t.kind {
	case "str":
		return value{lit: t.text}, nil
	case "ident":
		return value{lit: t.text, variable: true}, nil
	}
	return value{}, fmt.Errorf("pep508: expected a value, got %q", t.text)
}

package pep440

import (
	"fmt"
	"strings"
	"unicode"
)

type op int

const (
	_ op = iota
	opMatch
	opExclusion
	opLTE
	opGTE
	opLT
	opGT
	opMatchPrefix
	opExcludePrefix
)

type criterion struct {
	Op op
	V  Version
	// N is the number of release segments significant for the prefix
	// operators.
	N int
}

// Match reports whether the candidate version v satisfies the criterion.
func (c *criterion) Match(v *Version) bool {
	switch c.Op {
	case opMatch:
		return v.Compare(&c.V) == 0
	case opExclusion:
		return v.Compare(&c.V) != 0
	case opLT:
		return v.Compare(&c.V) == -1
	case opLTE:
		return v.Compare(&c.V) != +1
	case opGT:
		return v.Compare(&c.V) == +1
	case opGTE:
		return v.Compare(&c.V) != -1
	case opMatchPrefix:
		return c.prefixMatch(v)
	case opExcludePrefix:
		return !c.prefixMatch(v)
	}
	return false
}

// prefixMatch implements the wildcard comparison: the candidate's epoch and
// first N release numbers must equal the criterion's, missing numbers
// counting as zero.
func (c *criterion) prefixMatch(v *Version) bool {
	if v.Epoch != c.V.Epoch {
		return false
	}
	at := func(r []int, i int) int {
		if i < len(r) {
			return r[i]
		}
		return 0
	}
	for i := 0; i < c.N; i++ {
		if at(v.Release, i) != at(c.V.Release, i) {
			return false
		}
	}
	return true
}

// Range is a set of criteria corresponding to a range of versions. All
// criteria must hold for a version to match; an empty Range matches
// everything.
type Range []criterion

func (r Range) String() string {
	b := strings.Builder{}
	for i, c := range r {
		if i != 0 {
			b.WriteString(",")
		}
		switch c.Op {
		case opMatch:
			b.WriteString("==")
		case opExclusion:
			b.WriteString("!=")
		case opLTE:
			b.WriteString("<=")
		case opGTE:
			b.WriteString(">=")
		case opLT:
			b.WriteString("<")
		case opGT:
			b.WriteString(">")
		case opMatchPrefix:
			b.WriteString("==")
		case opExcludePrefix:
			b.WriteString("!=")
		}
		b.WriteString(c.V.String())
		switch c.Op {
		case opMatchPrefix, opExcludePrefix:
			b.WriteString(".*")
		}
	}
	return b.String()
}

// Match reports whether the passed-in Version matches the Range.
func (r Range) Match(v *Version) bool {
	for _, c := range r {
		if !c.Match(v) {
			return false
		}
	}
	return true
}

// AND returns a Range that is the logical AND of the two Ranges.
//
// PEP 440 specifier sets are conjunctive, so requirement merging reduces to
// concatenation.
func (r Range) AND(n Range) Range {
	out := make(Range, 0, len(r)+len(n))
	out = append(out, r...)
	out = append(out, n...)
	return out
}

// Pins returns the version of the sole exact-match criterion, or nil when
// the range carries none. Release selection consults this to let an
// explicit "==" admit a pre-release.
func (r Range) Pins() *Version {
	for i := range r {
		if r[i].Op == opMatch {
			return &r[i].V
		}
	}
	return nil
}

// ParseRange takes a version specifier as described in PEP 440 and turns it
// into a Range, with the following exception:
//
// Arbitrary equality (===) is not implemented.
func ParseRange(r string) (Range, error) {
	const op = `~=!<>`
	r = strings.Map(stripSpace, r)

	var ret Range
	if r == "" {
		return ret, nil
	}
	for _, r := range strings.Split(r, ",") {
		// The operator is the leading run of operator characters; the
		// version itself may contain "!" as an epoch separator.
		i := 0
		for i < len(r) && strings.IndexByte(op, r[i]) >= 0 {
			i++
		}
		o, rest := r[:i], r[i:]
		if wild := strings.TrimSuffix(rest, ".*"); wild != rest {
			v, err := Parse(wild)
			if err != nil {
				return nil, err
			}
			c := criterion{V: v, N: len(v.Release)}
			switch o {
			case "==":
				c.Op = opMatchPrefix
			case "!=":
				c.Op = opExcludePrefix
			default:
				return nil, fmt.Errorf("pep440: operator %q cannot take a wildcard", o)
			}
			ret = append(ret, c)
			continue
		}
		v, err := Parse(rest)
		if err != nil {
			return nil, err
		}
		switch o {
		case "==":
			ret = append(ret, criterion{Op: opMatch, V: v})
		case "!=":
			ret = append(ret, criterion{Op: opExclusion, V: v})
		case "<=":
			ret = append(ret, criterion{Op: opLTE, V: v})
		case ">=":
			ret = append(ret, criterion{Op: opGTE, V: v})
		case "<":
			ret = append(ret, criterion{Op: opLT, V: v})
		case ">":
			ret = append(ret, criterion{Op: opGT, V: v})
		case "~=":
			// Compatible release: >= the version, < the next release of the
			// series one component shorter.
			if len(v.Release) < 2 {
				return nil, fmt.Errorf("pep440: %q needs at least two release numbers", "~="+rest)
			}
			uv := Version{}
			l := len(v.Release) - 1
			uv.Release = make([]int, l)
			copy(uv.Release, v.Release)
			uv.Release[l-1]++
			uv.Epoch = v.Epoch
			ret = append(ret,
				criterion{Op: opGTE, V: v},
				criterion{Op: opLT, V: uv},
			)
		default:
			return nil, fmt.Errorf("pep440: unknown range operator: %q", o)
		}
	}
	return ret, nil
}

func stripSpace(r rune) rune {
	if unicode.IsSpace(r) {
		return -1
	}
	return r
}

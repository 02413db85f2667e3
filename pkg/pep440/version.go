// Package pep440 implements parsing, ordering and specifier matching for
// versions as defined in PEP 440.
package pep440

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var pattern *regexp.Regexp

func init() {
	// This is the regexp published in the PEP 440 appendix, minus the
	// anchors, which are added by Parse.
	const r = `v?` +
		`(?:` +
		`(?:(?P<epoch>[0-9]+)!)?` + // epoch
		`(?P<release>[0-9]+(?:\.[0-9]+)*)` + // release segment
		`(?P<pre>[-_\.]?(?P<pre_l>(a|b|c|rc|alpha|beta|pre|preview))[-_\.]?(?P<pre_n>[0-9]+)?)?` + // pre release
		`(?P<post>(?:-(?P<post_n1>[0-9]+))|(?:[-_\.]?(?P<post_l>post|rev|r)[-_\.]?(?P<post_n2>[0-9]+)?))?` + // post release
		`(?P<dev>[-_\.]?(?P<dev_l>dev)[-_\.]?(?P<dev_n>[0-9]+)?)?` + // dev release
		`)` +
		`(?:\+(?P<local>[a-z0-9]+(?:[-_\.][a-z0-9]+)*))?` // local version
	pattern = regexp.MustCompile(`^\s*` + r + `\s*$`)
}

// Version represents a canonical-ish representation of a PEP 440 version.
//
// Local version segments are parsed and discarded. Pre, post and dev
// revisions explicitly numbered zero are indistinguishable from absent
// ones; ordering at that boundary is coarser than the PyPA reference
// implementation.
type Version struct {
	Epoch   int
	Release []int
	Pre     struct {
		Label string
		N     int
	}
	Post int
	Dev  int
}

// Parse extracts a PEP 440 version from the provided string.
//
// The input may carry surrounding whitespace and the optional "v" prefix.
func Parse(s string) (v Version, err error) {
	s = strings.ToLower(s)
	ms := pattern.FindStringSubmatch(s)
	if ms == nil {
		return v, fmt.Errorf("pep440: invalid version: %q", s)
	}
	for i, n := range pattern.SubexpNames() {
		if ms[i] == "" {
			continue
		}

		switch n {
		case "epoch":
			v.Epoch, err = strconv.Atoi(ms[i])
			if err != nil {
				return v, err
			}
		case "release":
			ns := strings.Split(ms[i], ".")
			v.Release = make([]int, len(ns))
			for i, n := range ns {
				v.Release[i], err = strconv.Atoi(n)
				if err != nil {
					return v, err
				}
			}
		case "pre_l":
			switch l := ms[i]; l {
			case "a", "alpha":
				v.Pre.Label = "a"
			case "b", "beta":
				v.Pre.Label = "b"
			case "rc", "c", "pre", "preview":
				v.Pre.Label = "rc"
			default:
				return v, fmt.Errorf("pep440: unknown pre-release label %q", l)
			}
		case "pre_n":
			v.Pre.N, err = strconv.Atoi(ms[i])
			if err != nil {
				return v, err
			}
		case "post_n1", "post_n2":
			v.Post, err = strconv.Atoi(ms[i])
			if err != nil {
				return v, err
			}
		case "dev_n":
			v.Dev, err = strconv.Atoi(ms[i])
			if err != nil {
				return v, err
			}
		}
	}

	return v, nil
}

// MustParse is Parse for static strings, panicking on error.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Canonicalize parses s and returns its canonical form. Strings that do not
// parse are returned unchanged; callers that need the error should use
// Parse.
func Canonicalize(s string) string {
	v, err := Parse(s)
	if err != nil {
		return s
	}
	return v.String()
}

// IsPrerelease reports whether the version is a pre-release or developmental
// release. Such versions are skipped during release selection unless a
// requirement pins one exactly.
func (v *Version) IsPrerelease() bool {
	return v.Pre.Label != "" || v.Dev != 0
}

// String returns the canonicalized representation of the Version.
func (v *Version) String() string {
	var b strings.Builder
	if v.Epoch != 0 {
		fmt.Fprintf(&b, "%d!", v.Epoch)
	}
	for i, n := range v.Release {
		if i != 0 {
			b.WriteByte('.')
		}
		b.WriteString(strconv.Itoa(n))
	}
	if v.Pre.Label != "" {
		b.WriteString(v.Pre.Label)
		b.WriteString(strconv.Itoa(v.Pre.N))
	}
	if v.Post != 0 {
		fmt.Fprintf(&b, ".post%d", v.Post)
	}
	if v.Dev != 0 {
		fmt.Fprintf(&b, ".dev%d", v.Dev)
	}
	return b.String()
}

// Version ordering is implemented over a fixed-width integer encoding:
// slot 0 is the epoch, slots 1-5 the release segment padded with zeros and
// truncated past five numbers, slots 6-7 the pre-release label and number,
// slot 8 the post revision and slot 9 the dev revision.
//
// Pre-release labels order below releases (a = -3, b = -2, rc = -1). A dev
// revision with no pre or post revision is promoted into the label slot
// below any pre-release.
const vectorWidth = 10

func (v *Version) vector() (c [vectorWidth]int32) {
	const (
		epoch = 0
		rel   = 1
		preL  = 6
		preN  = 7
		post  = 8
		dev   = 9
	)
	c[epoch] = int32(v.Epoch)
	for i, n := range v.Release {
		if i > 4 {
			break
		}
		c[rel+i] = int32(n)
	}
	switch v.Pre.Label {
	case "a":
		c[preL] = -3
	case "b":
		c[preL] = -2
	case "rc":
		c[preL] = -1
	}
	c[preN] = int32(v.Pre.N)
	c[post] = int32(v.Post)
	if v.Dev != 0 {
		if v.Post != 0 || c[preL] != 0 {
			c[dev] = -int32(v.Dev)
		} else {
			const minInt = -int32((^uint32(0))>>1) - 1
			c[preL] = minInt + int32(v.Dev)
		}
	}
	return c
}

// Compare returns an integer comparing two versions. The result will be 0
// if a == b, -1 if a < b and +1 if a > b.
func (a *Version) Compare(b *Version) int {
	av, bv := a.vector(), b.vector()
	for i := 0; i < vectorWidth; i++ {
		switch {
		case av[i] > bv[i]:
			return 1
		case av[i] < bv[i]:
			return -1
		}
	}
	return 0
}

// Versions implements sort.Interface.
type Versions []Version

func (vs Versions) Len() int           { return len(vs) }
func (vs Versions) Less(i, j int) bool { return vs[i].Compare(&vs[j]) == -1 }
func (vs Versions) Swap(i, j int)      { vs[i], vs[j] = vs[j], vs[i] }

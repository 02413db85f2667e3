// Package pep508 implements parsing and evaluation of dependency
// specifications as defined in PEP 508: the requirement line grammar and
// the environment marker language.
package pep508

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/wheelsproxy/wheelsproxy/pkg/pep440"
	"github.com/wheelsproxy/wheelsproxy/pkg/pep503"
)

// Requirement is one parsed dependency specification.
type Requirement struct {
	// Name is the project name as written.
	Name string
	// Slug is the normalized name, the graph key.
	Slug string
	// Extras are the requested extras, normalized and sorted.
	Extras []string
	// Specifier is the version constraint; empty means any.
	Specifier pep440.Range
	// URL is set for direct-reference requirements ("name @ url"). Such a
	// URL is expected to carry an "#egg=name==version" fragment.
	URL string
	// Marker is the environment marker, nil when the line carries none.
	Marker *Marker
}

var nameRe = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*)\s*(?:\[([^\]]*)\])?\s*(.*)$`)

// Parse parses a single requirement line. Leading and trailing whitespace is
// ignored. The line must not contain comments or requirements-file
// directives; see the callers for file-level handling.
//
// Direct-reference lines are accepted in both the "name @ url" form and as a
// bare URL, in which case the name is recovered from the egg fragment.
func Parse(line string) (*Requirement, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, fmt.Errorf("pep508: empty requirement")
	}

	rest, marker, err := splitMarker(line)
	if err != nil {
		return nil, err
	}
	rest = strings.TrimSpace(rest)

	var r Requirement
	r.Marker = marker

	switch {
	case strings.HasPrefix(rest, "http://"), strings.HasPrefix(rest, "https://"):
		r.URL = rest
		name, _, err := SplitEgg(rest)
		if err != nil {
			return nil, err
		}
		r.Name = name
	case strings.Contains(rest, "@"):
		i := strings.Index(rest, "@")
		name, u := strings.TrimSpace(rest[:i]), strings.TrimSpace(rest[i+1:])
		m := nameRe.FindStringSubmatch(name)
		if m == nil {
			return nil, fmt.Errorf("pep508: malformed requirement name: %q", name)
		}
		r.Name = m[1]
		r.Extras = parseExtras(m[2])
		r.URL = u
	default:
		m := nameRe.FindStringSubmatch(rest)
		if m == nil {
			return nil, fmt.Errorf("pep508: malformed requirement: %q", line)
		}
		r.Name = m[1]
		r.Extras = parseExtras(m[2])
		spec := strings.TrimSpace(m[3])
		spec = strings.TrimPrefix(spec, "(")
		spec = strings.TrimSuffix(spec, ")")
		r.Specifier, err = pep440.ParseRange(spec)
		if err != nil {
			return nil, fmt.Errorf("pep508: %q: %w", line, err)
		}
	}
	r.Slug = pep503.Normalize(r.Name)
	return &r, nil
}

// splitMarker cuts the line at the marker separator, honoring quotes. For
// direct-reference requirements the semicolon must follow whitespace, per
// the PEP, so that URLs containing semicolons parse.
func splitMarker(line string) (string, *Marker, error) {
	inQuote := byte(0)
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case inQuote != 0:
			if c == inQuote {
				inQuote = 0
			}
		case c == '\'' || c == '"':
			inQuote = c
		case c == ';':
			urlish := strings.Contains(line[:i], "://")
			if urlish && (i == 0 || line[i-1] != ' ' && line[i-1] != '\t') {
				continue
			}
			m, err := ParseMarker(line[i+1:])
			if err != nil {
				return "", nil, err
			}
			return line[:i], m, nil
		}
	}
	return line, nil, nil
}

func parseExtras(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, e := range strings.Split(s, ",") {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		out = append(out, pep503.Normalize(e))
	}
	sort.Strings(out)
	return out
}

// SplitEgg extracts the "egg=name==version" fragment parameter from a
// direct-reference URL.
func SplitEgg(ref string) (name, version string, err error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", "", fmt.Errorf("pep508: bad url: %w", err)
	}
	frag := u.Fragment
	for _, kv := range strings.Split(frag, "&") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k != "egg" {
			continue
		}
		name, ver, ok := strings.Cut(v, "==")
		if !ok {
			// A bare egg name pins nothing.
			return name, "", nil
		}
		return name, ver, nil
	}
	return "", "", fmt.Errorf("pep508: url %q lacks an egg fragment", ref)
}

// String reassembles the requirement in canonical form: normalized name,
// sorted extras, the specifier as parsed. Markers are re-emitted verbatim.
func (r *Requirement) String() string {
	var b strings.Builder
	if r.URL != "" {
		if r.Name != "" {
			b.WriteString(r.Slug)
			b.WriteString(" @ ")
		}
		b.WriteString(r.URL)
	} else {
		b.WriteString(r.Slug)
		if len(r.Extras) > 0 {
			b.WriteByte('[')
			b.WriteString(strings.Join(r.Extras, ","))
			b.WriteByte(']')
		}
		b.WriteString(r.Specifier.String())
	}
	if r.Marker != nil {
		b.WriteString("; ")
		b.WriteString(r.Marker.Text)
	}
	return b.String()
}

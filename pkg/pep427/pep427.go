// Package pep427 implements parsing of wheel filenames as laid out in
// PEP 427.
package pep427

import (
	"fmt"
	"strings"
)

// Filename is the decomposed form of a wheel filename.
//
// A wheel is named
//
//	{distribution}-{version}(-{build tag})?-{python tag}-{abi tag}-{platform tag}.whl
//
// where the distribution name is escaped such that it contains no hyphens.
type Filename struct {
	Distribution string
	Version      string
	Build        string
	PythonTag    string
	ABITag       string
	PlatformTag  string
}

// Parse decomposes a wheel filename.
func Parse(name string) (*Filename, error) {
	stem, ok := strings.CutSuffix(name, ".whl")
	if !ok {
		return nil, fmt.Errorf("pep427: not a wheel filename: %q", name)
	}
	parts := strings.Split(stem, "-")
	var f Filename
	switch len(parts) {
	case 5:
		f = Filename{
			Distribution: parts[0],
			Version:      parts[1],
			PythonTag:    parts[2],
			ABITag:       parts[3],
			PlatformTag:  parts[4],
		}
	case 6:
		f = Filename{
			Distribution: parts[0],
			Version:      parts[1],
			Build:        parts[2],
			PythonTag:    parts[3],
			ABITag:       parts[4],
			PlatformTag:  parts[5],
		}
	default:
		return nil, fmt.Errorf("pep427: malformed wheel filename: %q", name)
	}
	return &f, nil
}

// Universal reports whether the wheel installs on any platform and either
// Python major version.
func (f *Filename) Universal() bool {
	return f.PythonTag == "py2.py3" && f.ABITag == "none" && f.PlatformTag == "any"
}

// String reassembles the filename.
func (f *Filename) String() string {
	parts := make([]string, 0, 6)
	parts = append(parts, f.Distribution, f.Version)
	if f.Build != "" {
		parts = append(parts, f.Build)
	}
	parts = append(parts, f.PythonTag, f.ABITag, f.PlatformTag)
	return strings.Join(parts, "-") + ".whl"
}

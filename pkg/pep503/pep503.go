// Package pep503 implements the project name normalization rules from
// PEP 503.
//
// Every catalog lookup and cache key in the system goes through Normalize;
// display names are preserved separately where they matter.
package pep503

import (
	"regexp"
	"strings"
)

var runs = regexp.MustCompile(`[-_.]+`)

// Normalize returns the canonical form of a project name: lowercased, with
// every run of hyphens, underscores and dots collapsed into a single
// hyphen. Normalization is idempotent.
func Normalize(name string) string {
	return strings.ToLower(runs.ReplaceAllLiteralString(name, "-"))
}

// Normalized reports whether name is already in canonical form.
func Normalized(name string) bool {
	return name == Normalize(name)
}

package wheelsproxy

// WheelMetadata is the declared metadata extracted from a built wheel.
//
// The JSON field names follow the metadata.json layout found in the wheel's
// dist-info directory, so that file decodes directly into this type. Wheels
// that only carry the RFC 822 METADATA file are converted into the same
// shape by the builder.
type WheelMetadata struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Summary string   `json:"summary,omitempty"`
	Extras  []string `json:"extras,omitempty"`
	// RunRequires groups the runtime dependencies. Groups gated by an extra
	// apply only when that extra was requested; groups gated by an
	// environment marker apply only where the marker evaluates true.
	RunRequires []RequirementGroup `json:"run_requires,omitempty"`
}

// RequirementGroup is one run_requires entry.
type RequirementGroup struct {
	Extra       string   `json:"extra,omitempty"`
	Environment string   `json:"environment,omitempty"`
	Requires    []string `json:"requires"`
}

package wheelsproxy

// PlatformDocker is the only container driver tag currently implemented.
const PlatformDocker = "docker"

// Platform is a build target: a container image plus the marker environment
// captured from a container running that image.
type Platform struct {
	ID   int64  `json:"id"`
	Slug string `json:"slug"`
	// Type is the container driver tag, see the Platform constants.
	Type string `json:"type"`
	// Spec is driver-specific configuration; for docker it is the image
	// reference.
	Spec string `json:"spec"`
	// Environment holds the PEP 508 marker variables captured from a
	// container, e.g. "python_version" or "sys_platform". Populated once by
	// the builder and consumed by the resolver.
	Environment map[string]string `json:"environment,omitempty"`
	// SetupCommands are shell fragments prepended to the build pipeline.
	SetupCommands []string `json:"setup_commands,omitempty"`
}

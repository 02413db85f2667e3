package wheelsproxy

// Backend tags select the upstream client implementation for an Index.
const (
	BackendPyPI  = "pypi"
	BackendDevPI = "devpi"
)

// Index is an upstream package index tracked by the proxy.
type Index struct {
	// ID is the catalog row ID.
	ID int64 `json:"id"`
	// Slug is the stable identifier used in URLs and configuration.
	Slug string `json:"slug"`
	// URL is the upstream base URL.
	URL string `json:"url"`
	// Backend picks the upstream protocol, one of the Backend constants.
	Backend string `json:"backend"`
	// LastUpdateSerial is the change-log cursor. Nil means the index has
	// never completed an initial sweep.
	LastUpdateSerial *int64 `json:"last_update_serial,omitempty"`
}

// Synced reports whether the index has a change-log cursor, i.e. whether an
// initial sweep has completed.
func (i *Index) Synced() bool {
	return i.LastUpdateSerial != nil
}

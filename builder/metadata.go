package builder

import (
	"archive/zip"
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/textproto"
	"regexp"
	"strings"

	"github.com/wheelsproxy/wheelsproxy"
)

// ExtractWheelMetadata reads the declared metadata out of a wheel.
//
// Wheels built by recent pip versions ship a structured
// "*.dist-info/metadata.json"; that is used when present. Older wheels only
// carry the RFC 822 "*.dist-info/METADATA" file, which is converted into
// the same shape.
func ExtractWheelMetadata(ra io.ReaderAt, size int64) (*wheelsproxy.WheelMetadata, error) {
	z, err := zip.NewReader(ra, size)
	if err != nil {
		return nil, fmt.Errorf("not a wheel: %w", err)
	}
	var fallback *zip.File
	for _, f := range z.File {
		dir, base, ok := strings.Cut(f.Name, "/")
		if !ok || strings.Contains(base, "/") || !strings.HasSuffix(dir, ".dist-info") {
			continue
		}
		switch base {
		case "metadata.json":
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			var md wheelsproxy.WheelMetadata
			if err := json.NewDecoder(rc).Decode(&md); err != nil {
				return nil, fmt.Errorf("garbled metadata.json: %w", err)
			}
			return &md, nil
		case "METADATA":
			fallback = f
		}
	}
	if fallback == nil {
		return nil, fmt.Errorf("wheel carries no dist-info metadata")
	}
	rc, err := fallback.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return parseMetadataFile(rc)
}

// parseMetadataFile converts the RFC 822 METADATA headers into the
// metadata.json shape: Requires-Dist lines are grouped by the extra and the
// residual environment marker they are gated on.
func parseMetadataFile(r io.Reader) (*wheelsproxy.WheelMetadata, error) {
	hdr, err := textproto.NewReader(bufio.NewReader(r)).ReadMIMEHeader()
	// The long description after the blank line is left unread. A file
	// with no body at all ends in EOF mid-read; the headers read so far
	// are still returned.
	if err != nil && len(hdr) == 0 {
		return nil, fmt.Errorf("garbled METADATA: %w", err)
	}
	md := &wheelsproxy.WheelMetadata{
		Name:    hdr.Get("Name"),
		Version: hdr.Get("Version"),
		Summary: hdr.Get("Summary"),
		Extras:  hdr.Values("Provides-Extra"),
	}
	if md.Name == "" {
		return nil, fmt.Errorf("METADATA names no distribution")
	}

	type groupKey struct{ extra, env string }
	groups := make(map[groupKey]int)
	for _, line := range hdr.Values("Requires-Dist") {
		req, extra, env := splitRequiresDist(line)
		if req == "" {
			continue
		}
		key := groupKey{extra, env}
		i, ok := groups[key]
		if !ok {
			i = len(md.RunRequires)
			groups[key] = i
			md.RunRequires = append(md.RunRequires, wheelsproxy.RequirementGroup{
				Extra:       extra,
				Environment: env,
			})
		}
		md.RunRequires[i].Requires = append(md.RunRequires[i].Requires, req)
	}
	return md, nil
}

var extraClauseRe = regexp.MustCompile(`^extra\s*==\s*['"]([^'"]*)['"]$`)

// splitRequiresDist cuts one Requires-Dist value into the bare requirement,
// the gating extra and the residual environment marker. The extra clause is
// recognized only as a top-level conjunct; disjunctions keep their marker
// intact.
func splitRequiresDist(line string) (req, extra, env string) {
	req = strings.TrimSpace(line)
	marker := ""
	if i := strings.Index(req, ";"); i >= 0 {
		req, marker = strings.TrimSpace(req[:i]), strings.TrimSpace(req[i+1:])
	}
	if marker == "" {
		return req, "", ""
	}
	if strings.Contains(marker, " or ") || strings.Contains(marker, "(") {
		return req, "", marker
	}
	var rest []string
	for _, clause := range strings.Split(marker, " and ") {
		clause = strings.TrimSpace(clause)
		if m := extraClauseRe.FindStringSubmatch(clause); m != nil {
			extra = m[1]
			continue
		}
		rest = append(rest, clause)
	}
	return req, extra, strings.Join(rest, " and ")
}

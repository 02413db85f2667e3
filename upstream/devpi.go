package upstream

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/quay/zlog"

	"github.com/wheelsproxy/wheelsproxy"
)

// devpi talks to a devpi server. The index URL names one stage, e.g.
// "https://devpi.example.net/root/prod"; the change log is served by the
// root of the server, one JSON document per serial.
type devpi struct {
	caller
	url string
	// changelog is "<server-root>/+changelog".
	changelog string
}

var _ Client = (*devpi)(nil)

func newDevPI(idx *wheelsproxy.Index, opts *Options) (*devpi, error) {
	u, err := url.Parse(idx.URL)
	if err != nil {
		return nil, fmt.Errorf("upstream: bad devpi url %q: %w", idx.URL, err)
	}
	// Drop the user/stage segments to find the server root.
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segs) < 2 {
		return nil, fmt.Errorf("upstream: devpi url %q does not name a stage", idx.URL)
	}
	root := *u
	root.Path = "/" + strings.Join(segs[:len(segs)-2], "/")
	return &devpi{
		caller:    newCaller(idx.Slug, opts),
		url:       strings.TrimSuffix(idx.URL, "/"),
		changelog: strings.TrimSuffix(root.String(), "/") + "/+changelog",
	}, nil
}

// serialHeader is how a devpi server reports its current serial on every
// response.
const serialHeader = "x-devpi-serial"

// LastSerial implements Client.
//
// The header reports the next serial to be written, hence the decrement.
func (c *devpi) LastSerial(ctx context.Context) (int64, error) {
	var serial int64
	err := c.do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
		if err != nil {
			return err
		}
		req.Header.Set("accept", "application/json")
		res, err := c.client.Do(req)
		if err != nil {
			return &IndexUnavailableError{Index: c.index, Err: err}
		}
		res.Body.Close()
		h := res.Header.Get(serialHeader)
		if h == "" {
			return &IndexUnavailableError{Index: c.index, Err: fmt.Errorf("response carries no %s header", serialHeader)}
		}
		s, err := strconv.ParseInt(h, 10, 64)
		if err != nil {
			return &IndexUnavailableError{Index: c.index, Err: fmt.Errorf("bad %s header: %w", serialHeader, err)}
		}
		serial = s - 1
		return nil
	})
	return serial, err
}

// devpiStage is the slice of a stage document the proxy uses.
type devpiStage struct {
	Result struct {
		Type     string   `json:"type"`
		Bases    []string `json:"bases"`
		Projects []string `json:"projects"`
	} `json:"result"`
}

// ListPackages implements Client.
//
// Stages inherit from their bases, so the listing recurses through them.
// Mirror stages are skipped: their project set is the whole of PyPI.
func (c *devpi) ListPackages(ctx context.Context) ([]string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return nil, err
	}
	root := *u
	root.Path = "/"

	seen := make(map[string]struct{})
	visited := make(map[string]struct{})
	var walk func(stageURL string) error
	walk = func(stageURL string) error {
		if _, ok := visited[stageURL]; ok {
			return nil
		}
		visited[stageURL] = struct{}{}
		var stage devpiStage
		err := c.do(ctx, func(ctx context.Context) error {
			return c.getJSON(ctx, stageURL, &stage)
		})
		if err != nil {
			return err
		}
		if stage.Result.Type == "mirror" {
			return nil
		}
		for _, base := range stage.Result.Bases {
			if err := walk(strings.TrimSuffix(root.String(), "/") + "/" + base); err != nil {
				return err
			}
		}
		for _, p := range stage.Result.Projects {
			seen[p] = struct{}{}
		}
		return nil
	}
	if err := walk(c.url); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// devpiEvent is one change-log entry: a map from key to the triple
// (event type, back serial, value).
type devpiEvent map[string][]any

// eventPackage extracts the affected package name from one entry, or ""
// when the entry is irrelevant to the catalog.
func eventPackage(key string, entry []any) string {
	if len(entry) < 1 {
		return ""
	}
	typ, _ := entry[0].(string)
	switch strings.ToUpper(typ) {
	case "PROJVERSION", "PROJVERSIONS", "PROJSIMPLELINKS":
		// Keys look like "user/stage/project[/...]".
		segs := strings.Split(key, "/")
		if len(segs) > 2 {
			return segs[2]
		}
	case "STAGEFILE":
		// A new file was added; the value names the project.
		if len(entry) == 3 {
			if m, ok := entry[2].(map[string]any); ok {
				name, _ := m["projectname"].(string)
				return name
			}
		}
	}
	return ""
}

// IterUpdates implements Client.
func (c *devpi) IterUpdates(ctx context.Context, since int64) iter.Seq2[Event, error] {
	ctx = zlog.ContextWithValues(ctx, "component", "upstream/devpi.IterUpdates")
	return func(yield func(Event, error) bool) {
		current, err := c.LastSerial(ctx)
		if err != nil {
			yield(Event{}, err)
			return
		}
		seen := make(map[string]struct{})
		for since < current {
			for serial := since + 1; serial <= current; serial++ {
				var event devpiEvent
				err := c.retry(ctx, func(ctx context.Context) error {
					return c.getJSON(ctx, fmt.Sprintf("%s/%d", c.changelog, serial), &event)
				})
				if err != nil {
					yield(Event{}, err)
					return
				}
				names := make(map[string]struct{})
				for key, entry := range event {
					if name := eventPackage(key, entry); name != "" {
						names[name] = struct{}{}
					}
				}
				var yielded bool
				for name := range names {
					if _, dup := seen[name]; dup {
						continue
					}
					seen[name] = struct{}{}
					yielded = true
					if !yield(Event{Name: name, Serial: serial}, nil) {
						return
					}
				}
				if !yielded {
					// Nothing new in this serial; still advance the cursor.
					if !yield(Event{Serial: serial}, nil) {
						return
					}
				}
			}
			// Re-check for events that arrived during the traversal.
			since = current
			if current, err = c.LastSerial(ctx); err != nil {
				yield(Event{}, err)
				return
			}
		}
	}
}

// devpiProject is the slice of a project document the proxy uses.
type devpiProject struct {
	Result map[string]struct {
		Links []struct {
			Href string `json:"href"`
			MD5  string `json:"md5"`
		} `json:"+links"`
	} `json:"result"`
}

// PackageReleases implements Client.
func (c *devpi) PackageReleases(ctx context.Context, name string) (map[string][]wheelsproxy.ReleaseDescriptor, error) {
	var detail devpiProject
	err := c.do(ctx, func(ctx context.Context) error {
		return c.getJSON(ctx, c.url+"/"+name, &detail)
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string][]wheelsproxy.ReleaseDescriptor, len(detail.Result))
	for version, d := range detail.Result {
		ds := make([]wheelsproxy.ReleaseDescriptor, 0, len(d.Links))
		for _, l := range d.Links {
			kind := wheelsproxy.KindFromURL(l.Href)
			if kind == "" {
				continue
			}
			ds = append(ds, wheelsproxy.ReleaseDescriptor{
				Version:   version,
				URL:       l.Href,
				MD5Digest: l.MD5,
				Kind:      kind,
			})
		}
		out[version] = ds
	}
	return out, nil
}

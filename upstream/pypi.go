package upstream

import (
	"context"
	"fmt"
	"iter"

	"github.com/quay/zlog"

	"github.com/wheelsproxy/wheelsproxy"
	"github.com/wheelsproxy/wheelsproxy/internal/xmlrpc"
)

// pypi talks to a PyPI-style index: the XML-RPC change-log API plus the
// JSON release detail endpoint. The index URL is the RPC endpoint, e.g.
// "https://pypi.org/pypi"; release details live at "<url>/<name>/json".
type pypi struct {
	caller
	url string
	rpc *xmlrpc.Client
}

var _ Client = (*pypi)(nil)

func newPyPI(idx *wheelsproxy.Index, opts *Options) *pypi {
	return &pypi{
		caller: newCaller(idx.Slug, opts),
		url:    idx.URL,
		rpc:    &xmlrpc.Client{URL: idx.URL, Client: opts.Client},
	}
}

// LastSerial implements Client.
func (c *pypi) LastSerial(ctx context.Context) (int64, error) {
	var serial int64
	err := c.do(ctx, func(ctx context.Context) error {
		v, err := c.rpc.Call(ctx, "changelog_last_serial")
		if err != nil {
			return &IndexUnavailableError{Index: c.index, Err: err}
		}
		s, ok := v.(int64)
		if !ok {
			return &IndexUnavailableError{Index: c.index, Err: fmt.Errorf("changelog_last_serial returned %T", v)}
		}
		serial = s
		return nil
	})
	return serial, err
}

// ListPackages implements Client.
func (c *pypi) ListPackages(ctx context.Context) ([]string, error) {
	var names []string
	err := c.do(ctx, func(ctx context.Context) error {
		v, err := c.rpc.Call(ctx, "list_packages")
		if err != nil {
			return &IndexUnavailableError{Index: c.index, Err: err}
		}
		vs, ok := v.([]any)
		if !ok {
			return &IndexUnavailableError{Index: c.index, Err: fmt.Errorf("list_packages returned %T", v)}
		}
		names = make([]string, 0, len(vs))
		for _, e := range vs {
			s, ok := e.(string)
			if !ok {
				return &IndexUnavailableError{Index: c.index, Err: fmt.Errorf("list_packages entry is %T", e)}
			}
			names = append(names, s)
		}
		return nil
	})
	return names, err
}

// IterUpdates implements Client.
//
// Change-log entries are 5-tuples of (name, version, timestamp, action,
// serial). The traversal keeps asking for batches after the last serial it
// saw, so events that arrive while the traversal runs are picked up before
// it ends.
func (c *pypi) IterUpdates(ctx context.Context, since int64) iter.Seq2[Event, error] {
	ctx = zlog.ContextWithValues(ctx, "component", "upstream/pypi.IterUpdates")
	return func(yield func(Event, error) bool) {
		seen := make(map[string]struct{})
		cursor := since
		for {
			var events []any
			err := c.retry(ctx, func(ctx context.Context) error {
				v, err := c.rpc.Call(ctx, "changelog_since_serial", cursor)
				if err != nil {
					return &IndexUnavailableError{Index: c.index, Err: err}
				}
				vs, ok := v.([]any)
				if !ok {
					return &IndexUnavailableError{Index: c.index, Err: fmt.Errorf("changelog_since_serial returned %T", v)}
				}
				events = vs
				return nil
			})
			if err != nil {
				yield(Event{}, err)
				return
			}
			if len(events) == 0 {
				return
			}
			for _, e := range events {
				entry, ok := e.([]any)
				if !ok || len(entry) != 5 {
					zlog.Warn(ctx).Msg("skipping malformed change-log entry")
					continue
				}
				name, _ := entry[0].(string)
				serial, ok := entry[4].(int64)
				if !ok {
					zlog.Warn(ctx).Msg("skipping change-log entry without serial")
					continue
				}
				if serial > cursor {
					cursor = serial
				}
				ev := Event{Name: name, Serial: serial}
				if _, dup := seen[name]; dup || name == "" {
					ev.Name = ""
				} else {
					seen[name] = struct{}{}
				}
				if !yield(ev, nil) {
					return
				}
			}
		}
	}
}

// pypiDetail is the slice of the JSON detail document the proxy uses.
type pypiDetail struct {
	Releases map[string][]struct {
		URL         string `json:"url"`
		MD5Digest   string `json:"md5_digest"`
		PackageType string `json:"packagetype"`
	} `json:"releases"`
}

// PackageReleases implements Client.
func (c *pypi) PackageReleases(ctx context.Context, name string) (map[string][]wheelsproxy.ReleaseDescriptor, error) {
	var detail pypiDetail
	err := c.do(ctx, func(ctx context.Context) error {
		return c.getJSON(ctx, c.url+"/"+name+"/json", &detail)
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string][]wheelsproxy.ReleaseDescriptor, len(detail.Releases))
	for version, artifacts := range detail.Releases {
		ds := make([]wheelsproxy.ReleaseDescriptor, 0, len(artifacts))
		for _, a := range artifacts {
			kind := a.PackageType
			if kind != wheelsproxy.KindSdist && kind != wheelsproxy.KindWheel {
				continue
			}
			ds = append(ds, wheelsproxy.ReleaseDescriptor{
				Version:   version,
				URL:       a.URL,
				MD5Digest: a.MD5Digest,
				Kind:      kind,
			})
		}
		out[version] = ds
	}
	return out, nil
}

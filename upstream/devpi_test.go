package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wheelsproxy/wheelsproxy"
)

// fakeDevPI serves a two-stage devpi layout: "root/prod" with base
// "root/base", plus the server-root change log.
type fakeDevPI struct {
	serial    int64
	changelog map[int64]string
}

func (f *fakeDevPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("x-devpi-serial", fmt.Sprint(f.serial+1))
	switch r.URL.Path {
	case "/root/prod":
		io.WriteString(w, `{"result": {"type": "stage", "bases": ["root/base"], "projects": ["dist-a", "dist-b"]}}`)
	case "/root/base":
		io.WriteString(w, `{"result": {"type": "stage", "bases": [], "projects": ["dist-b", "dist-c"]}}`)
	case "/root/prod/dist-a":
		io.WriteString(w, `{"result": {
			"1.0": {"+links": [
				{"href": "https://devpi.example/f/dist-a-1.0.tar.gz", "md5": "aaa"},
				{"href": "https://devpi.example/f/dist-a-1.0.exe", "md5": "bbb"}
			]},
			"2.0": {"+links": [{"href": "https://devpi.example/f/dist_a-2.0-py2.py3-none-any.whl", "md5": "ccc"}]}
		}}`)
	default:
		if body, ok := f.changelogBody(r.URL.Path); ok {
			io.WriteString(w, body)
			return
		}
		http.NotFound(w, r)
	}
}

func (f *fakeDevPI) changelogBody(path string) (string, bool) {
	for serial, body := range f.changelog {
		if path == fmt.Sprintf("/+changelog/%d", serial) {
			return body, true
		}
	}
	return "", false
}

func newDevPITest(t *testing.T, f *fakeDevPI) Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	c, err := New(&wheelsproxy.Index{
		Slug:    "internal",
		URL:     srv.URL + "/root/prod",
		Backend: wheelsproxy.BackendDevPI,
	}, &Options{Client: srv.Client()})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestDevPILastSerial(t *testing.T) {
	c := newDevPITest(t, &fakeDevPI{serial: 41})
	got, err := c.LastSerial(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != 41 {
		t.Errorf("got serial %d, want 41", got)
	}
}

func TestDevPIListPackages(t *testing.T) {
	c := newDevPITest(t, &fakeDevPI{})
	got, err := c.ListPackages(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"dist-a", "dist-b", "dist-c"}
	if !cmp.Equal(got, want) {
		t.Error(cmp.Diff(got, want))
	}
}

func TestDevPIIterUpdates(t *testing.T) {
	c := newDevPITest(t, &fakeDevPI{
		serial: 12,
		changelog: map[int64]string{
			11: `{"root/prod/dist-a": ["PROJVERSION", -1, {}]}`,
			12: `{"root/prod/dist-a.1.0.tar.gz": ["STAGEFILE", -1, {"projectname": "dist-b"}], "root/.config": ["USER", -1, {}]}`,
		},
	})
	var got []Event
	for ev, err := range c.IterUpdates(context.Background(), 10) {
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, ev)
	}
	want := []Event{
		{Name: "dist-a", Serial: 11},
		{Name: "dist-b", Serial: 12},
	}
	if !cmp.Equal(got, want) {
		t.Error(cmp.Diff(got, want))
	}
}

func TestDevPIPackageReleases(t *testing.T) {
	c := newDevPITest(t, &fakeDevPI{})
	got, err := c.PackageReleases(context.Background(), "dist-a")
	if err != nil {
		t.Fatal(err)
	}
	want := map[string][]wheelsproxy.ReleaseDescriptor{
		"1.0": {{Version: "1.0", URL: "https://devpi.example/f/dist-a-1.0.tar.gz", MD5Digest: "aaa", Kind: "sdist"}},
		"2.0": {{Version: "2.0", URL: "https://devpi.example/f/dist_a-2.0-py2.py3-none-any.whl", MD5Digest: "ccc", Kind: "bdist_wheel"}},
	}
	if !cmp.Equal(got, want) {
		t.Error(cmp.Diff(got, want))
	}
}

package pep508

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestParse(t *testing.T) {
	tt := []struct {
		Name     string
		In       string
		Err      bool
		WantSlug string
		WantStr  string
	}{
		{
			Name:     "Bare",
			In:       "requests",
			WantSlug: "requests",
			WantStr:  "requests",
		},
		{
			Name:     "Specifier",
			In:       "requests >= 2.0, != 2.4.*",
			WantSlug: "requests",
			WantStr:  "requests>=2.0,!=2.4.*",
		},
		{
			Name:     "Extras",
			In:       "requests[socks,security]==2.18.4",
			WantSlug: "requests",
			WantStr:  "requests[security,socks]==2.18.4",
		},
		{
			Name:     "Parenthesized",
			In:       "coverage (>=4.4)",
			WantSlug: "coverage",
			WantStr:  "coverage>=4.4",
		},
		{
			Name:     "NormalizedName",
			In:       "Zope.Interface>=5",
			WantSlug: "zope-interface",
			WantStr:  "zope-interface>=5",
		},
		{
			Name:     "Marker",
			In:       `mock ; python_version < "3.3"`,
			WantSlug: "mock",
			WantStr:  `mock; python_version < "3.3"`,
		},
		{
			Name:     "URLForm",
			In:       "pkg @ https://ex.example/pkg-1.2.tar.gz#egg=pkg==1.2",
			WantSlug: "pkg",
			WantStr:  "pkg @ https://ex.example/pkg-1.2.tar.gz#egg=pkg==1.2",
		},
		{
			Name:     "BareURL",
			In:       "https://ex.example/pkg-1.2.tar.gz#egg=pkg==1.2",
			WantSlug: "pkg",
			WantStr:  "pkg @ https://ex.example/pkg-1.2.tar.gz#egg=pkg==1.2",
		},
		{
			Name: "BareURLNoEgg",
			In:   "https://ex.example/pkg-1.2.tar.gz",
			Err:  true,
		},
		{
			Name: "Empty",
			In:   "   ",
			Err:  true,
		},
		{
			Name: "BadSpecifier",
			In:   "requests >== 2.0",
			Err:  true,
		},
	}
	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			r, err := Parse(tc.In)
			if (err != nil) != tc.Err {
				t.Fatalf("err: %v", err)
			}
			if tc.Err {
				return
			}
			if r.Slug != tc.WantSlug {
				t.Errorf("slug: got: %q, want: %q", r.Slug, tc.WantSlug)
			}
			if got := r.String(); got != tc.WantStr {
				t.Errorf("string: got: %q, want: %q", got, tc.WantStr)
			}
		})
	}
}

func TestParseExtras(t *testing.T) {
	r, err := Parse("celery[redis, Msgpack]")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"msgpack", "redis"}
	if !cmp.Equal(want, r.Extras, cmpopts.EquateEmpty()) {
		t.Error(cmp.Diff(want, r.Extras))
	}
}

func TestSplitEgg(t *testing.T) {
	tt := []struct {
		In       string
		Err      bool
		WantName string
		WantVer  string
	}{
		{
			In:       "https://ex.example/pkg-1.2.tar.gz#egg=pkg==1.2",
			WantName: "pkg",
			WantVer:  "1.2",
		},
		{
			In:       "https://ex.example/d.zip#sha256=abc&egg=dist==0.3",
			WantName: "dist",
			WantVer:  "0.3",
		},
		{
			In:       "https://ex.example/d.zip#egg=dist",
			WantName: "dist",
			WantVer:  "",
		},
		{
			In:  "https://ex.example/d.zip",
			Err: true,
		},
	}
	for _, tc := range tt {
		t.Run(tc.In, func(t *testing.T) {
			name, ver, err := SplitEgg(tc.In)
			if (err != nil) != tc.Err {
				t.Fatalf("err: %v", err)
			}
			if tc.Err {
				return
			}
			if name != tc.WantName || ver != tc.WantVer {
				t.Errorf("got: (%q, %q), want: (%q, %q)", name, ver, tc.WantName, tc.WantVer)
			}
		})
	}
}

func TestURLWithMarker(t *testing.T) {
	r, err := Parse(`pkg @ https://ex.example/pkg-1.2.tar.gz#egg=pkg==1.2 ; sys_platform == "linux"`)
	if err != nil {
		t.Fatal(err)
	}
	if r.URL != "https://ex.example/pkg-1.2.tar.gz#egg=pkg==1.2" {
		t.Errorf("url: %q", r.URL)
	}
	if r.Marker == nil {
		t.Fatal("expected a marker")
	}
	ok, err := r.Marker.Eval(map[string]string{"sys_platform": "linux"})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("marker should hold")
	}
}

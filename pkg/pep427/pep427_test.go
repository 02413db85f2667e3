package pep427

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParse(t *testing.T) {
	tt := []struct {
		Name string
		In   string
		Err  bool
		Want *Filename
	}{
		{
			Name: "Universal",
			In:   "six-1.16.0-py2.py3-none-any.whl",
			Want: &Filename{
				Distribution: "six",
				Version:      "1.16.0",
				PythonTag:    "py2.py3",
				ABITag:       "none",
				PlatformTag:  "any",
			},
		},
		{
			Name: "Binary",
			In:   "lxml-4.9.2-cp311-cp311-manylinux_2_28_x86_64.whl",
			Want: &Filename{
				Distribution: "lxml",
				Version:      "4.9.2",
				PythonTag:    "cp311",
				ABITag:       "cp311",
				PlatformTag:  "manylinux_2_28_x86_64",
			},
		},
		{
			Name: "BuildTag",
			In:   "mypkg-0.1-7-py3-none-any.whl",
			Want: &Filename{
				Distribution: "mypkg",
				Version:      "0.1",
				Build:        "7",
				PythonTag:    "py3",
				ABITag:       "none",
				PlatformTag:  "any",
			},
		},
		{
			Name: "NotAWheel",
			In:   "mypkg-0.1.tar.gz",
			Err:  true,
		},
		{
			Name: "TooFewParts",
			In:   "mypkg-0.1.whl",
			Err:  true,
		},
	}
	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			got, err := Parse(tc.In)
			if (err != nil) != tc.Err {
				t.Fatal(err)
			}
			if tc.Err {
				return
			}
			if !cmp.Equal(tc.Want, got) {
				t.Error(cmp.Diff(tc.Want, got))
			}
			if rt := got.String(); rt != tc.In {
				t.Errorf("round trip: got: %q, want: %q", rt, tc.In)
			}
		})
	}
}

func TestUniversal(t *testing.T) {
	u, err := Parse("six-1.16.0-py2.py3-none-any.whl")
	if err != nil {
		t.Fatal(err)
	}
	if !u.Universal() {
		t.Error("expected universal")
	}
	b, err := Parse("lxml-4.9.2-cp311-cp311-manylinux_2_28_x86_64.whl")
	if err != nil {
		t.Fatal(err)
	}
	if b.Universal() {
		t.Error("expected non-universal")
	}
}

package wheelsproxy

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestKindFromURL(t *testing.T) {
	tt := []struct {
		URL  string
		Want string
	}{
		{"https://files.example/dist_a-1.0.tar.gz", KindSdist},
		{"https://files.example/dist_a-1.0.zip", KindSdist},
		{"https://files.example/dist_a-1.0.tar.bz2", KindSdist},
		{"https://files.example/dist_a-1.0-py3-none-any.whl", KindWheel},
		{"https://files.example/dist_a-1.0.tar.gz#md5=abc", KindSdist},
		{"https://files.example/dist_a-1.0.egg", ""},
		{"https://files.example/dist_a-1.0.exe", ""},
	}
	for _, tc := range tt {
		if got := KindFromURL(tc.URL); got != tc.Want {
			t.Errorf("KindFromURL(%q) = %q, want %q", tc.URL, got, tc.Want)
		}
	}
}

func TestBestDescriptor(t *testing.T) {
	sdist := ReleaseDescriptor{
		Version: "1.0",
		URL:     "https://files.example/dist_a-1.0.tar.gz",
		Kind:    KindSdist,
	}
	universal := ReleaseDescriptor{
		Version: "1.0",
		URL:     "https://files.example/dist_a-1.0-py2.py3-none-any.whl",
		Kind:    KindWheel,
	}
	binary := ReleaseDescriptor{
		Version: "1.0",
		URL:     "https://files.example/dist_a-1.0-cp39-cp39-linux_x86_64.whl",
		Kind:    KindWheel,
	}

	tt := []struct {
		Name string
		In   []ReleaseDescriptor
		Want *ReleaseDescriptor
	}{
		{"SdistWins", []ReleaseDescriptor{universal, sdist}, &sdist},
		{"UniversalWheelFallback", []ReleaseDescriptor{binary, universal}, &universal},
		{"BinaryWheelOnly", []ReleaseDescriptor{binary}, nil},
		{"Empty", nil, nil},
	}
	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			got := BestDescriptor(tc.In)
			if !cmp.Equal(got, tc.Want) {
				t.Error(cmp.Diff(got, tc.Want))
			}
		})
	}
}

func TestReleaseFilename(t *testing.T) {
	r := Release{URL: "https://files.example/packages/dist_a-1.0.tar.gz"}
	if got, want := r.Filename(), "dist_a-1.0.tar.gz"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

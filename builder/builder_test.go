package builder

import (
	"testing"
)

func TestBuildScript(t *testing.T) {
	tt := []struct {
		name  string
		setup []string
		url   string
		want  string
	}{
		{
			name: "Bare",
			url:  "https://files.example/dist-a-1.0.tar.gz",
			want: `pip wheel --no-deps --no-clean --no-index --wheel-dir /wheelhouse 'https://files.example/dist-a-1.0.tar.gz'`,
		},
		{
			name:  "SetupCommands",
			setup: []string{"apt-get update", "apt-get install -y libxml2-dev"},
			url:   "https://files.example/lxml-4.9.tar.gz",
			want: `apt-get update && apt-get install -y libxml2-dev && ` +
				`pip wheel --no-deps --no-clean --no-index --wheel-dir /wheelhouse 'https://files.example/lxml-4.9.tar.gz'`,
		},
		{
			name: "QuoteHostileURL",
			url:  `https://files.example/it's-1.0.tar.gz`,
			want: `pip wheel --no-deps --no-clean --no-index --wheel-dir /wheelhouse 'https://files.example/it'\''s-1.0.tar.gz'`,
		},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			if got := buildScript(tc.setup, tc.url); got != tc.want {
				t.Errorf("got:  %s\nwant: %s", got, tc.want)
			}
		})
	}
}

func TestSplitRequiresDist(t *testing.T) {
	tt := []struct {
		line            string
		req, extra, env string
	}{
		{"six (>=1.9)", "six (>=1.9)", "", ""},
		{`pytest ; extra == 'test'`, "pytest", "test", ""},
		{`mock ; python_version < "3.3" and extra == 'test'`, "mock", "test", `python_version < "3.3"`},
		{`enum34 ; python_version < "3.4"`, "enum34", "", `python_version < "3.4"`},
		{`simplejson ; extra == "fast" and sys_platform == "linux"`, "simplejson", "fast", `sys_platform == "linux"`},
		{`pywin32 ; sys_platform == "win32" or extra == "all"`, "pywin32", "", `sys_platform == "win32" or extra == "all"`},
	}
	for _, tc := range tt {
		req, extra, env := splitRequiresDist(tc.line)
		if req != tc.req || extra != tc.extra || env != tc.env {
			t.Errorf("%q: got (%q, %q, %q), want (%q, %q, %q)",
				tc.line, req, extra, env, tc.req, tc.extra, tc.env)
		}
	}
}

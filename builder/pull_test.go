package builder

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/docker/docker/client"
)

// fakeDaemon serves just enough of the image API to drive pullImage.
func fakeDaemon(t *testing.T, present bool) (*Builder, *struct{ inspects, pulls int }) {
	t.Helper()
	calls := &struct{ inspects, pulls int }{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/json"):
			calls.inspects++
			if !present {
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, `{"message":"No such image"}`)
				return
			}
			fmt.Fprint(w, `{"Id":"sha256:d0c"}`)
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/images/create"):
			calls.pulls++
			fmt.Fprint(w, `{"status":"Pulling"}{"status":"Download complete"}`)
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL)
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	t.Cleanup(srv.Close)
	cli, err := client.NewClientWithOpts(
		client.WithHost("tcp://"+srv.Listener.Addr().String()),
		client.WithVersion("1.44"),
	)
	if err != nil {
		t.Fatal(err)
	}
	return &Builder{client: cli}, calls
}

func TestPullImagePresent(t *testing.T) {
	ctx := context.Background()
	b, calls := fakeDaemon(t, true)
	var log strings.Builder
	if err := b.pullImage(ctx, "python:3.9", &log); err != nil {
		t.Fatal(err)
	}
	if calls.inspects != 1 || calls.pulls != 0 {
		t.Errorf("got %d inspects and %d pulls, want 1 and 0", calls.inspects, calls.pulls)
	}
}

func TestPullImageAbsent(t *testing.T) {
	ctx := context.Background()
	b, calls := fakeDaemon(t, false)
	var log strings.Builder
	if err := b.pullImage(ctx, "python:3.9", &log); err != nil {
		t.Fatal(err)
	}
	if calls.pulls != 1 {
		t.Errorf("got %d pulls, want 1", calls.pulls)
	}
	if !strings.Contains(log.String(), "Pulling") {
		t.Errorf("pull status missing from the log: %q", log.String())
	}
}

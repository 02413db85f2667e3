// Package builder turns source artifacts into platform wheels by running
// pip inside short-lived containers.
package builder

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/quay/zlog"

	"github.com/wheelsproxy/wheelsproxy"
	"github.com/wheelsproxy/wheelsproxy/pkg/tmp"
)

var (
	buildCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wheelsproxy",
			Subsystem: "builder",
			Name:      "build_total",
			Help:      "Total number of container builds attempted.",
		},
		[]string{"platform", "outcome"},
	)
	buildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wheelsproxy",
			Subsystem: "builder",
			Name:      "build_duration_seconds",
			Help:      "Wall-clock duration of container builds.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"platform", "outcome"},
	)
)

// BuildFailedError reports a build pipeline that ran but produced no usable
// wheel. The container log is attached for the caller to persist.
type BuildFailedError struct {
	Log string
}

func (e *BuildFailedError) Error() string {
	return "builder: build produced no wheel"
}

// Options configures a Builder.
type Options struct {
	// DockerDSN is the daemon endpoint, e.g. "unix:///var/run/docker.sock"
	// or "tcp://docker:2376". Empty falls back to the standard DOCKER_HOST
	// environment handling.
	DockerDSN string
	// TempRoot is where per-build scratch directories are created. It must
	// be reachable by the docker daemon, as it is bind-mounted into the
	// build container. Empty uses the system default.
	TempRoot string
	// PipCacheRoot, when set, is bind-mounted per platform as the
	// container's pip cache so repeated builds skip downloads.
	PipCacheRoot string
}

// Builder runs wheel builds against a docker daemon.
type Builder struct {
	client *client.Client
	opts   Options
}

// New connects to the docker daemon named by opts.DockerDSN.
func New(_ context.Context, opts Options) (*Builder, error) {
	cOpts := []client.Opt{client.WithAPIVersionNegotiation()}
	if opts.DockerDSN != "" {
		cOpts = append(cOpts, client.WithHost(opts.DockerDSN))
	} else {
		cOpts = append(cOpts, client.FromEnv)
	}
	cli, err := client.NewClientWithOpts(cOpts...)
	if err != nil {
		return nil, fmt.Errorf("builder: failed to create docker client: %w", err)
	}
	return &Builder{client: cli, opts: opts}, nil
}

// Close releases the daemon connection.
func (b *Builder) Close() error {
	return b.client.Close()
}

// Job names one wheel to build.
type Job struct {
	// Platform supplies the image, the setup commands and the pip cache
	// slot.
	Platform *wheelsproxy.Platform
	// URL is the source artifact handed to pip, either a release URL or an
	// external direct reference.
	URL string
}

// Result is a finished build. The wheel lives in a scratch directory owned
// by the Result; callers must consume it before Close.
type Result struct {
	Filename  string
	Filesize  int64
	MD5Digest string
	Metadata  *wheelsproxy.WheelMetadata
	Log       string
	Duration  time.Duration
	// WheelPath is the wheel's location on the local filesystem.
	WheelPath string

	scratch *tmp.Dir
}

// Open opens the built wheel for reading.
func (r *Result) Open() (*os.File, error) {
	return os.Open(r.WheelPath)
}

// Close removes the scratch directory and the wheel with it.
func (r *Result) Close() error {
	if r.scratch == nil {
		return nil
	}
	return r.scratch.Close()
}

// buildScript assembles the shell pipeline run inside the container: the
// platform's setup commands, then pip producing exactly the requested wheel
// into the wheelhouse mount.
func buildScript(setupCommands []string, url string) string {
	steps := make([]string, 0, len(setupCommands)+1)
	steps = append(steps, setupCommands...)
	steps = append(steps, strings.Join([]string{
		"pip", "wheel",
		"--no-deps",
		"--no-clean",
		"--no-index",
		"--wheel-dir", "/wheelhouse",
		shellQuote(url),
	}, " "))
	return strings.Join(steps, " && ")
}

// shellQuote single-quotes s for POSIX sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Build runs the platform's build pipeline over the artifact at job.URL.
//
// On pipeline failure the returned error is a *BuildFailedError carrying
// the container log; any other error kind means the build never ran to
// completion and may be retried.
func (b *Builder) Build(ctx context.Context, job *Job) (*Result, error) {
	ctx = zlog.ContextWithValues(ctx,
		"component", "builder/Builder.Build",
		"platform", job.Platform.Slug)
	if job.Platform.Type != wheelsproxy.PlatformDocker {
		return nil, fmt.Errorf("builder: unsupported platform type %q", job.Platform.Type)
	}

	scratch, err := tmp.NewDir(b.opts.TempRoot, "wheelhouse-")
	if err != nil {
		return nil, err
	}
	success := false
	defer func() {
		if !success {
			scratch.Close()
		}
	}()

	var log strings.Builder
	if err := b.pullImage(ctx, job.Platform.Spec, &log); err != nil {
		return nil, err
	}

	binds := []string{scratch.Path() + ":/wheelhouse"}
	if b.opts.PipCacheRoot != "" {
		cacheDir := filepath.Join(b.opts.PipCacheRoot, job.Platform.Slug)
		if err := os.MkdirAll(cacheDir, 0o755); err != nil {
			return nil, err
		}
		binds = append(binds, cacheDir+":/root/.cache/pip")
	}

	created, err := b.client.ContainerCreate(ctx, &container.Config{
		Image:      job.Platform.Spec,
		Cmd:        []string{"/bin/sh", "-c", buildScript(job.Platform.SetupCommands, job.URL)},
		WorkingDir: "/",
	}, &container.HostConfig{
		Binds: binds,
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("builder: failed to create container: %w", err)
	}
	defer func() {
		// Removal gets its own context so a canceled build does not leak
		// the container.
		rmCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
		defer done()
		if err := b.client.ContainerRemove(rmCtx, created.ID, container.RemoveOptions{Force: true}); err != nil {
			zlog.Warn(ctx).Err(err).Str("container", created.ID).Msg("failed to remove build container")
		}
	}()

	attach, err := b.client.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("builder: failed to attach to container: %w", err)
	}
	defer attach.Close()

	start := time.Now()
	if err := b.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("builder: failed to start container: %w", err)
	}
	if _, err := stdcopy.StdCopy(&log, &log, attach.Reader); err != nil {
		return nil, fmt.Errorf("builder: lost the container log stream: %w", err)
	}
	waitC, errC := b.client.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errC:
		return nil, fmt.Errorf("builder: failed to wait for container: %w", err)
	case <-waitC:
	}
	duration := time.Since(start)

	res, err := b.collect(scratch, log.String(), duration)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	buildCounter.WithLabelValues(job.Platform.Slug, outcome).Inc()
	buildDuration.WithLabelValues(job.Platform.Slug, outcome).Observe(duration.Seconds())
	if err != nil {
		zlog.Info(ctx).Dur("duration", duration).Msg("build failed")
		return nil, err
	}
	success = true
	zlog.Info(ctx).
		Str("filename", res.Filename).
		Dur("duration", duration).
		Msg("build finished")
	return res, nil
}

// collect inspects the wheelhouse after the container exits. pip was told
// to build exactly one wheel, so anything but a single file is a failure.
func (b *Builder) collect(scratch *tmp.Dir, log string, duration time.Duration) (*Result, error) {
	entries, err := os.ReadDir(scratch.Path())
	if err != nil {
		return nil, err
	}
	if len(entries) != 1 {
		return nil, &BuildFailedError{Log: log}
	}
	filename := entries[0].Name()
	wheelPath := filepath.Join(scratch.Path(), filename)

	f, err := os.Open(wheelPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	md, err := ExtractWheelMetadata(f, fi.Size())
	if err != nil {
		return nil, fmt.Errorf("builder: %q: %w", filename, err)
	}
	h := md5.New()
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}

	return &Result{
		Filename:  filename,
		Filesize:  fi.Size(),
		MD5Digest: hex.EncodeToString(h.Sum(nil)),
		Metadata:  md,
		Log:       log,
		Duration:  duration,
		WheelPath: wheelPath,
		scratch:   scratch,
	}, nil
}

// pullImage makes sure the platform image is present, streaming the pull
// status into the build log. Platform images are long-lived, so an image
// the daemon already has is used as is; builds reach the registry only on
// first use of an image.
func (b *Builder) pullImage(ctx context.Context, ref string, log io.Writer) error {
	switch _, _, err := b.client.ImageInspectWithRaw(ctx, ref); {
	case err == nil:
		return nil
	case !client.IsErrNotFound(err):
		return fmt.Errorf("builder: failed to inspect image %q: %w", ref, err)
	}
	rc, err := b.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("builder: failed to pull image %q: %w", ref, err)
	}
	defer rc.Close()
	dec := json.NewDecoder(rc)
	for {
		var msg struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		switch err := dec.Decode(&msg); {
		case err == io.EOF:
			return nil
		case err != nil:
			return fmt.Errorf("builder: garbled pull status for %q: %w", ref, err)
		case msg.Error != "":
			return fmt.Errorf("builder: failed to pull image %q: %s", ref, msg.Error)
		}
		if msg.Status != "" {
			fmt.Fprintln(log, msg.Status)
		}
	}
}

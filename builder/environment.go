package builder

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/quay/zlog"

	"github.com/wheelsproxy/wheelsproxy"
)

// markerEnvScript prints the PEP 508 marker environment of the running
// interpreter as a JSON object.
const markerEnvScript = `import json, sys; from pip._vendor.packaging.markers import default_environment; json.dump(default_environment(), sys.stdout)`

// CaptureEnvironment runs a short-lived container on the platform's image
// and reports the PEP 508 marker environment of its interpreter. The
// resolver needs it to evaluate markers the way pip would on that platform.
func (b *Builder) CaptureEnvironment(ctx context.Context, platform *wheelsproxy.Platform) (map[string]string, error) {
	ctx = zlog.ContextWithValues(ctx,
		"component", "builder/Builder.CaptureEnvironment",
		"platform", platform.Slug)
	if platform.Type != wheelsproxy.PlatformDocker {
		return nil, fmt.Errorf("builder: unsupported platform type %q", platform.Type)
	}
	var discard strings.Builder
	if err := b.pullImage(ctx, platform.Spec, &discard); err != nil {
		return nil, err
	}

	created, err := b.client.ContainerCreate(ctx, &container.Config{
		Image: platform.Spec,
		Cmd:   []string{"python", "-c", markerEnvScript},
	}, nil, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("builder: failed to create container: %w", err)
	}
	defer func() {
		rmCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
		defer done()
		if err := b.client.ContainerRemove(rmCtx, created.ID, container.RemoveOptions{Force: true}); err != nil {
			zlog.Warn(ctx).Err(err).Str("container", created.ID).Msg("failed to remove capture container")
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
	if err := b.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("builder: failed to start container: %w", err)
	}

	var stdout, stderr strings.Builder
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, fmt.Errorf("builder: lost the container log stream: %w", err)
	}
	waitC, errC := b.client.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errC:
		return nil, fmt.Errorf("builder: failed to wait for container: %w", err)
	case <-waitC:
	}

	env := make(map[string]string)
	if err := json.Unmarshal([]byte(stdout.String()), &env); err != nil {
		return nil, fmt.Errorf("builder: failed to capture marker environment: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	zlog.Info(ctx).Int("variables", len(env)).Msg("captured marker environment")
	return env, nil
}

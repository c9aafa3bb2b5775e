package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/devstack/phaserun/internal/engine"
	"github.com/docker/docker/api/types/build"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	goarchive "github.com/moby/go-archive"
)

const (
	contextDir  = "/phaserun"
	contextFile = "context.json"
	// exit code of a shell that could not find the command.
	exitNotFound = 127
)

// Docker runs each agent in a throwaway container of Image with the agent
// name as its command. The context is copied in as /phaserun/context.json and
// its path passed as the only argument.
type Docker struct {
	docker  *client.Client
	Image   string
	Timeout time.Duration
}

func NewDocker(image string, timeout time.Duration) (*Docker, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Docker{docker: docker, Image: image, Timeout: timeout}, nil
}

func (d *Docker) Close() error {
	return d.docker.Close()
}

func (d *Docker) Invoke(ctx context.Context, agent string, ec engine.ExecContext) (any, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(ec)
	if err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}
	tarball, err := contextArchive(payload)
	if err != nil {
		return nil, err
	}

	resp, err := d.docker.ContainerCreate(ctx,
		&dockercontainer.Config{
			Image:  d.Image,
			Cmd:    []string{agent, contextDir + "/" + contextFile},
			Labels: map[string]string{"phaserun.agent": agent},
		},
		&dockercontainer.HostConfig{},
		nil, nil, containerName(agent),
	)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	defer func() {
		rmCtx, rmCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer rmCancel()
		_ = d.docker.ContainerRemove(rmCtx, resp.ID, dockercontainer.RemoveOptions{Force: true})
	}()

	if err := d.docker.CopyToContainer(ctx, resp.ID, "/", tarball, dockercontainer.CopyToContainerOptions{}); err != nil {
		return nil, fmt.Errorf("copy context: %w", err)
	}
	if err := d.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	var exitCode int64
	waitCh, errCh := d.docker.ContainerWait(ctx, resp.ID, dockercontainer.WaitConditionNotRunning)
	select {
	case res := <-waitCh:
		exitCode = res.StatusCode
	case err := <-errCh:
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("wait container: %w", err)
	}

	stdout, stderr, err := d.logs(ctx, resp.ID)
	if err != nil {
		return nil, err
	}
	return exitResult(agent, exitCode, stdout, stderr)
}

func (d *Docker) logs(ctx context.Context, id string) ([]byte, []byte, error) {
	rc, err := d.docker.ContainerLogs(ctx, id, dockercontainer.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, nil, fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return nil, nil, fmt.Errorf("demux logs: %w", err)
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}

func exitResult(agent string, code int64, stdout, stderr []byte) (any, error) {
	switch code {
	case 0:
		return parseOutput(stdout), nil
	case exitNotFound:
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agent)
	default:
		return nil, fmt.Errorf("agent failed (exit %d): %s", code, strings.TrimSpace(string(stderr)))
	}
}

// contextArchive tars context.json under phaserun/ for CopyToContainer.
func contextArchive(payload []byte) (io.Reader, error) {
	dir, err := os.MkdirTemp("", "phaserun-ctx-")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	sub := filepath.Join(dir, strings.TrimPrefix(contextDir, "/"))
	if err := os.MkdirAll(sub, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(sub, contextFile), payload, 0o644); err != nil {
		return nil, fmt.Errorf("write context: %w", err)
	}

	rc, err := goarchive.TarWithOptions(dir, &goarchive.TarOptions{})
	if err != nil {
		return nil, fmt.Errorf("tar context: %w", err)
	}
	defer rc.Close()

	// Buffer so the temp dir can be removed before the copy.
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, fmt.Errorf("tar context: %w", err)
	}
	return &buf, nil
}

func containerName(agent string) string {
	return fmt.Sprintf("phaserun-%s-%d", sanitizeName(agent), time.Now().UnixNano())
}

func sanitizeName(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			b.WriteRune(c)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// EnsureImage builds Image from dir/Dockerfile when the daemon does not have it.
func (d *Docker) EnsureImage(ctx context.Context, dir string) error {
	if _, err := d.docker.ImageInspect(ctx, d.Image); err == nil {
		return nil
	}
	if !isFile(filepath.Join(dir, "Dockerfile")) {
		return fmt.Errorf("image %s not found and no Dockerfile in %s", d.Image, dir)
	}

	tar, err := goarchive.TarWithOptions(dir, &goarchive.TarOptions{})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}
	defer tar.Close()

	resp, err := d.docker.ImageBuild(ctx, tar, build.ImageBuildOptions{
		Tags:       []string{d.Image},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("build image: %w", err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		slog.Warn("error reading build output", "error", err)
	}
	slog.Info("agent image built", "image", d.Image)
	return nil
}

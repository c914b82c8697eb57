package container

import (
	"context"
	"fmt"
	"strings"

	"github.com/containers/podman/v4/pkg/bindings"
	"github.com/containers/podman/v4/pkg/bindings/containers"
	"github.com/containers/podman/v4/pkg/bindings/images"
	"github.com/containers/podman/v4/pkg/specgen"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// PodmanRuntime runs containers through the Podman API socket
type PodmanRuntime struct {
	conn context.Context
}

// NewPodmanRuntime connects to the Podman socket
func NewPodmanRuntime(socketPath string) (*PodmanRuntime, error) {
	conn, err := bindings.NewConnection(context.Background(), fmt.Sprintf("unix://%s", socketPath))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Podman: %w", err)
	}

	return &PodmanRuntime{conn: conn}, nil
}

// Run creates a container, streams its output until it exits and
// returns the collected output. A non-zero exit code is an error; on
// ctx cancellation the container is killed.
func (r *PodmanRuntime) Run(ctx context.Context, opts RunOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	exists, err := r.ImageExists(opts.Image)
	if err != nil {
		return "", err
	}
	if !exists {
		if err := r.PullImage(opts.Image); err != nil {
			return "", err
		}
	}

	spec := &specgen.SpecGenerator{
		ContainerBasicConfig: specgen.ContainerBasicConfig{
			Name:    opts.Name,
			Remove:  &opts.Remove,
			Command: opts.Command,
		},
		ContainerStorageConfig: specgen.ContainerStorageConfig{
			Image: opts.Image,
		},
	}

	if opts.WorkDir != "" {
		spec.WorkDir = opts.WorkDir
	}
	if len(opts.Environment) > 0 {
		spec.Env = opts.Environment
	}
	for _, mount := range opts.Mounts {
		m := specs.Mount{
			Source:      mount.Source,
			Destination: mount.Target,
			Type:        "bind",
		}
		if mount.ReadOnly {
			m.Options = []string{"ro"}
		}
		spec.Mounts = append(spec.Mounts, m)
	}

	created, err := containers.CreateWithSpec(r.conn, spec, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := containers.Start(r.conn, created.ID, nil); err != nil {
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	type runResult struct {
		output string
		err    error
	}
	resultChan := make(chan runResult, 1)

	go func() {
		output, err := r.collectRun(created.ID)
		resultChan <- runResult{output: output, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.output, res.err
	case <-ctx.Done():
		_ = containers.Kill(r.conn, created.ID, nil)
		res := <-resultChan
		return res.output, ctx.Err()
	}
}

// collectRun follows the container's log stream until it ends, then
// waits for the exit code.
func (r *PodmanRuntime) collectRun(containerID string) (string, error) {
	logChan := make(chan string, 64)
	collected := make(chan struct{})

	var output strings.Builder
	go func() {
		for line := range logChan {
			output.WriteString(line)
			if !strings.HasSuffix(line, "\n") {
				output.WriteString("\n")
			}
		}
		close(collected)
	}()

	logOptions := &containers.LogOptions{
		Stdout: bindings.PTrue,
		Stderr: bindings.PTrue,
		Follow: bindings.PTrue,
	}

	logErr := containers.Logs(r.conn, containerID, logOptions, logChan, logChan)
	close(logChan)
	<-collected

	if logErr != nil {
		return output.String(), fmt.Errorf("failed to stream container logs: %w", logErr)
	}

	exitCode, err := containers.Wait(r.conn, containerID, nil)
	if err != nil {
		return output.String(), fmt.Errorf("failed to wait for container: %w", err)
	}
	if exitCode != 0 {
		return output.String(), fmt.Errorf("container exited with code %d", exitCode)
	}

	return output.String(), nil
}

// PullImage pulls a container image
func (r *PodmanRuntime) PullImage(image string) error {
	if _, err := images.Pull(r.conn, image, nil); err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	return nil
}

// ImageExists checks if an image exists locally
func (r *PodmanRuntime) ImageExists(image string) (bool, error) {
	exists, err := images.Exists(r.conn, image, nil)
	if err != nil {
		return false, fmt.Errorf("failed to check image existence: %w", err)
	}
	return exists, nil
}

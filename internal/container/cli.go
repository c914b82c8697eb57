package container

import (
	"context"
	"fmt"
	"os/exec"
)

// CLIRuntime shells out to a container engine binary. It covers hosts
// without an API socket and works with both podman and docker.
type CLIRuntime struct {
	binary string
}

// NewCLIRuntime creates a CLI-backed runtime
func NewCLIRuntime(binary string) *CLIRuntime {
	if binary == "" {
		binary = "podman"
	}
	return &CLIRuntime{binary: binary}
}

// Run runs a container and returns its combined output
func (r *CLIRuntime) Run(ctx context.Context, opts RunOptions) (string, error) {
	args := []string{"run"}

	if opts.Remove {
		args = append(args, "--rm")
	}
	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}

	for _, mount := range opts.Mounts {
		mountStr := fmt.Sprintf("%s:%s", mount.Source, mount.Target)
		if mount.ReadOnly {
			mountStr += ":ro"
		}
		args = append(args, "-v", mountStr)
	}

	for key, value := range opts.Environment {
		args = append(args, "-e", fmt.Sprintf("%s=%s", key, value))
	}

	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}

	args = append(args, opts.Image)
	args = append(args, opts.Command...)

	cmd := exec.CommandContext(ctx, r.binary, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return string(output), ctx.Err()
		}
		return string(output), fmt.Errorf("container run failed: %w", err)
	}

	return string(output), nil
}

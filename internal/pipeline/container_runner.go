package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/devdeploy/orchestrator/internal/config"
	"github.com/devdeploy/orchestrator/internal/container"
	"github.com/devdeploy/orchestrator/internal/models"
)

// ContainerRunner executes stages in containers. Every stage of a
// build shares one workspace directory mounted at /workspace.
type ContainerRunner struct {
	runtime   container.Runtime
	workspace string
}

// NewContainerRunner creates a container-backed stage runner
func NewContainerRunner(rt container.Runtime, workspacePath string) *ContainerRunner {
	return &ContainerRunner{runtime: rt, workspace: workspacePath}
}

// RunStage runs the stage's command in its configured image and feeds
// the container output into the build log.
func (r *ContainerRunner) RunStage(ctx context.Context, build *models.Build, stage config.StageConfig, logf LogFunc) error {
	workDir := filepath.Join(r.workspace, build.ID)
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}

	if len(stage.Command) > 0 {
		logf(models.LogLevelInfo, "$ "+strings.Join(stage.Command, " "))
	}

	opts := container.RunOptions{
		Image:   stage.Image,
		Remove:  true,
		Command: stage.Command,
		WorkDir: "/workspace",
		Mounts: []container.Mount{
			{Source: workDir, Target: "/workspace"},
		},
		Environment: map[string]string{
			"BUILD_ID":     build.ID,
			"BUILD_NUMBER": build.BuildNumber,
			"COMMIT_HASH":  build.CommitHash,
			"BRANCH":       build.Branch,
			"STAGE":        stage.Name,
		},
	}

	output, err := r.runtime.Run(ctx, opts)
	for _, line := range strings.Split(strings.TrimRight(output, "\n"), "\n") {
		if line != "" {
			logf(models.LogLevelInfo, line)
		}
	}

	return err
}

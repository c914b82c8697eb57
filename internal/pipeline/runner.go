package pipeline

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/devdeploy/orchestrator/internal/config"
	"github.com/devdeploy/orchestrator/internal/models"
)

// LogFunc appends one line to the log of the stage being run
type LogFunc func(level models.LogLevel, message string)

// StageRunner executes a single pipeline stage for a build. A nil
// error means the stage passed; a ctx error is returned as-is so the
// executor can tell interruption from stage failure.
type StageRunner interface {
	RunStage(ctx context.Context, build *models.Build, stage config.StageConfig, logf LogFunc) error
}

// SimulatedRunner models stage execution without touching a container
// engine. Each stage sleeps for its configured duration and then
// passes or fails according to its success rate.
type SimulatedRunner struct {
	mu   sync.Mutex
	rand *rand.Rand
}

// NewSimulatedRunner creates a simulated runner. A zero seed picks a
// random one.
func NewSimulatedRunner(seed int64) *SimulatedRunner {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SimulatedRunner{rand: rand.New(rand.NewSource(seed))}
}

// RunStage sleeps for the stage's simulated duration, then rolls
// against its success rate.
func (r *SimulatedRunner) RunStage(ctx context.Context, build *models.Build, stage config.StageConfig, logf LogFunc) error {
	if len(stage.Command) > 0 {
		logf(models.LogLevelInfo, "$ "+strings.Join(stage.Command, " "))
	}

	if err := sleepCtx(ctx, time.Duration(stage.SimDurationMS)*time.Millisecond); err != nil {
		return err
	}

	r.mu.Lock()
	roll := r.rand.Float64()
	r.mu.Unlock()

	if roll >= stage.SimSuccessRate {
		logf(models.LogLevelError, "process exited with status 1")
		return errors.New("exit status 1")
	}

	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

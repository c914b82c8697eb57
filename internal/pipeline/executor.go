package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/devdeploy/orchestrator/internal/broker"
	"github.com/devdeploy/orchestrator/internal/buildlog"
	"github.com/devdeploy/orchestrator/internal/config"
	"github.com/devdeploy/orchestrator/internal/models"
)

// Finisher settles a build into a terminal state exactly once and does
// the completion bookkeeping. Implemented by the orchestrator service.
type Finisher interface {
	FinishBuild(ctx context.Context, buildID string, status models.BuildStatus, errorMessage string) (bool, error)
}

// Executor drives an admitted build through the configured stages
type Executor struct {
	config   *config.Config
	finisher Finisher
	sink     *buildlog.Sink
	broker   *broker.Broker
	registry *CancelRegistry
	runner   StageRunner
}

// NewExecutor creates a pipeline executor
func NewExecutor(cfg *config.Config, finisher Finisher, sink *buildlog.Sink, b *broker.Broker, registry *CancelRegistry, runner StageRunner) *Executor {
	return &Executor{
		config:   cfg,
		finisher: finisher,
		sink:     sink,
		broker:   b,
		registry: registry,
		runner:   runner,
	}
}

// Run executes the pipeline for one build. It always returns with the
// build settled in a terminal state, whether by this executor or by a
// concurrent cancel or reconciliation.
func (e *Executor) Run(ctx context.Context, build *models.Build) {
	buildCtx, cancel := context.WithTimeout(ctx, time.Duration(e.config.BuildTimeoutSeconds)*time.Second)
	defer cancel()

	e.registry.register(build.ID, cancel)
	defer e.registry.unregister(build.ID)

	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Str("buildID", build.ID).
				Interface("panic", rec).
				Msg("pipeline executor panicked")
			e.settle(build, models.BuildStatusFailed, fmt.Sprintf("internal error: %v", rec))
		}
	}()

	log.Info().
		Str("buildID", build.ID).
		Str("buildNumber", build.BuildNumber).
		Msg("starting pipeline")

	e.appendLog(build, "", models.LogLevelInfo, fmt.Sprintf("Build %s started", build.BuildNumber))
	e.announce(build, broker.EventBuildStarted, models.BuildStatusRunning)

	for _, stage := range e.config.Stages {
		if buildCtx.Err() != nil {
			e.settleInterrupted(buildCtx, build)
			return
		}

		e.appendLog(build, stage.Name, models.LogLevelInfo, fmt.Sprintf("Starting stage: %s", stage.Name))
		stageStart := time.Now()

		stageCtx := buildCtx
		stageCancel := context.CancelFunc(func() {})
		if stage.TimeoutSeconds > 0 {
			stageCtx, stageCancel = context.WithTimeout(buildCtx, time.Duration(stage.TimeoutSeconds)*time.Second)
		}

		logf := func(level models.LogLevel, message string) {
			e.appendLog(build, stage.Name, level, message)
		}
		err := e.runner.RunStage(stageCtx, build, stage, logf)
		stageCancel()

		if err != nil {
			if buildCtx.Err() != nil {
				e.settleInterrupted(buildCtx, build)
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				msg := fmt.Sprintf("stage %s timed out after %ds", stage.Name, stage.TimeoutSeconds)
				e.appendLog(build, stage.Name, models.LogLevelError, msg)
				e.settle(build, models.BuildStatusFailed, msg)
				return
			}

			e.settle(build, models.BuildStatusFailed, fmt.Sprintf("stage %s failed: %v", stage.Name, err))
			return
		}

		e.appendLog(build, stage.Name, models.LogLevelInfo,
			fmt.Sprintf("Completed stage: %s (%.1fs)", stage.Name, time.Since(stageStart).Seconds()))
	}

	e.settle(build, models.BuildStatusSuccess, "")
}

// settleInterrupted handles a run stopped by its context rather than a
// stage result.
func (e *Executor) settleInterrupted(buildCtx context.Context, build *models.Build) {
	if errors.Is(buildCtx.Err(), context.DeadlineExceeded) {
		msg := fmt.Sprintf("build exceeded timeout of %ds", e.config.BuildTimeoutSeconds)
		e.appendLog(build, "", models.LogLevelError, msg)
		e.settle(build, models.BuildStatusTimeout, msg)
		return
	}

	// Either an abort after a terminal write elsewhere, which makes
	// this settle a no-op, or a process shutdown.
	e.settle(build, models.BuildStatusFailed, "build interrupted")
}

// settle records the terminal state. It deliberately ignores the run
// context: the result must be written even when the run was cancelled.
func (e *Executor) settle(build *models.Build, status models.BuildStatus, errorMessage string) {
	won, err := e.finisher.FinishBuild(context.Background(), build.ID, status, errorMessage)
	if err != nil {
		log.Error().Err(err).Str("buildID", build.ID).Msg("failed to settle build")
		return
	}
	if !won {
		log.Debug().Str("buildID", build.ID).Msg("build already settled by another writer")
	}
}

func (e *Executor) announce(build *models.Build, eventType broker.EventType, status models.BuildStatus) {
	env := broker.Envelope{
		Type:      eventType,
		BuildID:   build.ID,
		ProjectID: build.ProjectID,
		Status:    string(status),
	}
	e.broker.Publish(broker.BuildTopic(build.ID), env)
	if build.UserID != "" {
		e.broker.Publish(broker.UserTopic(build.UserID), env)
	}
}

func (e *Executor) appendLog(build *models.Build, stage string, level models.LogLevel, message string) {
	if _, err := e.sink.Append(build, stage, level, message); err != nil {
		log.Error().Err(err).Str("buildID", build.ID).Msg("failed to append build log")
	}
}

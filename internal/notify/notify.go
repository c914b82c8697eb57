package notify

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/devdeploy/orchestrator/internal/models"
)

// Dispatcher receives terminal build outcomes for outbound delivery.
// Delivery transports (mail, chat) live outside this service;
// implementations only hand the result over.
type Dispatcher interface {
	BuildCompleted(ctx context.Context, build *models.Build)
}

// LogDispatcher writes outcomes to the service log. It is the default
// when no external dispatcher is wired in.
type LogDispatcher struct{}

// BuildCompleted implements Dispatcher
func (LogDispatcher) BuildCompleted(_ context.Context, build *models.Build) {
	log.Info().
		Str("buildID", build.ID).
		Str("buildNumber", build.BuildNumber).
		Str("projectID", build.ProjectID).
		Str("status", string(build.Status)).
		Int("durationSeconds", build.DurationSeconds).
		Msg("build completed notification")
}

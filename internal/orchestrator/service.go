package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/devdeploy/orchestrator/internal/broker"
	"github.com/devdeploy/orchestrator/internal/buildlog"
	"github.com/devdeploy/orchestrator/internal/cache"
	"github.com/devdeploy/orchestrator/internal/config"
	"github.com/devdeploy/orchestrator/internal/db"
	"github.com/devdeploy/orchestrator/internal/models"
	"github.com/devdeploy/orchestrator/internal/notify"
	"github.com/devdeploy/orchestrator/internal/pipeline"
	"github.com/devdeploy/orchestrator/internal/queue"
)

var (
	ErrProjectNotFound = errors.New("project not found")
	ErrProjectArchived = errors.New("project is archived")
	ErrBuildNotFound   = errors.New("build not found")
)

const queueStatusCacheKey = "queue:status"

// Service owns the build lifecycle: creation, cancellation, terminal
// settlement and reconciliation of externally-reported outcomes. All
// terminal transitions funnel through FinishBuild so the completion
// bookkeeping runs exactly once per build.
type Service struct {
	db       *db.DB
	config   *config.Config
	broker   *broker.Broker
	sink     *buildlog.Sink
	cache    *cache.Cache
	notifier notify.Dispatcher
	registry *pipeline.CancelRegistry

	queue *queue.Manager
}

// NewService creates the orchestrator service. The queue is attached
// afterwards with SetQueue because its executor needs this service as
// its finisher.
func NewService(database *db.DB, cfg *config.Config, b *broker.Broker, sink *buildlog.Sink, c *cache.Cache, notifier notify.Dispatcher, registry *pipeline.CancelRegistry) *Service {
	return &Service{
		db:       database,
		config:   cfg,
		broker:   b,
		sink:     sink,
		cache:    c,
		notifier: notifier,
		registry: registry,
	}
}

// SetQueue attaches the admission authority
func (s *Service) SetQueue(q *queue.Manager) {
	s.queue = q
}

// TriggerInput describes a build to create
type TriggerInput struct {
	ProjectID     string
	TriggerType   models.TriggerType
	CommitHash    string
	CommitMessage string
	Branch        string
	UserID        string
	Metadata      map[string]interface{}
}

// TriggerBuild creates a pending build and hands it to the queue
func (s *Service) TriggerBuild(ctx context.Context, input TriggerInput) (*models.Build, error) {
	project, err := s.db.GetProject(input.ProjectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, ErrProjectNotFound
	}
	if project.Status != models.ProjectStatusActive {
		return nil, ErrProjectArchived
	}

	number, err := s.db.NextBuildNumber(project.ID, project.Name)
	if err != nil {
		return nil, err
	}

	triggerType := input.TriggerType
	if triggerType == "" {
		triggerType = models.TriggerManual
	}
	branch := input.Branch
	if branch == "" {
		branch = project.Branch
	}

	build := &models.Build{
		ID:            uuid.NewString(),
		ProjectID:     project.ID,
		BuildNumber:   number,
		Status:        models.BuildStatusPending,
		TriggerType:   triggerType,
		CommitHash:    input.CommitHash,
		CommitMessage: input.CommitMessage,
		Branch:        branch,
		UserID:        input.UserID,
		Metadata:      input.Metadata,
		CreatedAt:     time.Now(),
	}

	if err := s.db.CreateBuild(build); err != nil {
		return nil, err
	}

	s.appendLog(build, "", models.LogLevelInfo, fmt.Sprintf("Build %s created (%s trigger)", number, triggerType))
	s.publish(build, broker.EventBuildCreated, models.BuildStatusPending)
	s.recordStat(models.EventTypeBuildCreated, build, 0)

	s.queue.Enqueue(build.ID)

	log.Info().
		Str("buildID", build.ID).
		Str("buildNumber", number).
		Str("projectID", project.ID).
		Str("trigger", string(triggerType)).
		Msg("build created")

	return build, nil
}

// FinishBuild settles a build into a terminal state. The first caller
// wins; later callers get false and the bookkeeping never runs twice.
func (s *Service) FinishBuild(ctx context.Context, buildID string, status models.BuildStatus, errorMessage string) (bool, error) {
	won, err := s.db.FinishBuild(buildID, status, errorMessage)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}

	build, err := s.db.GetBuild(buildID)
	if err != nil || build == nil {
		return true, err
	}

	level, message := completionLogLine(status, errorMessage)
	s.appendLog(build, "", level, message)

	eventType := broker.EventBuildCompleted
	statEvent := models.EventTypeBuildCompleted
	switch status {
	case models.BuildStatusCancelled:
		eventType = broker.EventBuildCancelled
		statEvent = models.EventTypeBuildCancelled
	case models.BuildStatusFailed, models.BuildStatusTimeout:
		statEvent = models.EventTypeBuildFailed
	}
	s.publish(build, eventType, status)
	s.recordStat(statEvent, build, build.DurationSeconds)

	s.notifier.BuildCompleted(ctx, build)
	s.queue.Release(buildID)

	log.Info().
		Str("buildID", buildID).
		Str("buildNumber", build.BuildNumber).
		Str("status", string(status)).
		Int("durationSeconds", build.DurationSeconds).
		Msg("build finished")

	return true, nil
}

func completionLogLine(status models.BuildStatus, errorMessage string) (models.LogLevel, string) {
	switch status {
	case models.BuildStatusSuccess:
		return models.LogLevelInfo, "Build completed successfully"
	case models.BuildStatusCancelled:
		return models.LogLevelWarning, "Build cancelled"
	case models.BuildStatusTimeout:
		return models.LogLevelError, "Build timed out"
	default:
		return models.LogLevelError, "Build failed: " + errorMessage
	}
}

// CancelBuild cancels a pending or running build. Cancelling a build
// that already reached a terminal state changes nothing and is not an
// error.
func (s *Service) CancelBuild(ctx context.Context, buildID string) (*models.Build, error) {
	build, err := s.db.GetBuild(buildID)
	if err != nil {
		return nil, err
	}
	if build == nil {
		return nil, ErrBuildNotFound
	}

	won, err := s.FinishBuild(ctx, buildID, models.BuildStatusCancelled, "cancelled by user")
	if err != nil {
		return nil, err
	}

	if won {
		// Stop the executor if this build was already admitted
		s.registry.Abort(buildID)
		log.Info().Str("buildID", buildID).Msg("build cancelled")
	} else {
		log.Debug().Str("buildID", buildID).Msg("cancel of settled build ignored")
	}

	return s.db.GetBuild(buildID)
}

// ReconcileBuild applies an externally-reported outcome to the most
// recent non-terminal build for the commit. Returns the reconciled
// build and whether this call settled it; (nil, false) when there is
// nothing to reconcile.
func (s *Service) ReconcileBuild(ctx context.Context, projectID, commitHash, conclusion, externalURL string) (*models.Build, bool, error) {
	build, err := s.db.FindReconcilableBuild(projectID, commitHash)
	if err != nil {
		return nil, false, err
	}
	if build == nil {
		return nil, false, nil
	}

	status := models.BuildStatusFailed
	errorMessage := fmt.Sprintf("external run concluded: %s", conclusion)
	if conclusion == "success" {
		status = models.BuildStatusSuccess
		errorMessage = ""
	}

	if externalURL != "" {
		if err := s.db.SetBuildExternalURL(build.ID, externalURL); err != nil {
			return nil, false, err
		}
	}

	won, err := s.FinishBuild(ctx, build.ID, status, errorMessage)
	if err != nil {
		return nil, false, err
	}
	if won {
		s.registry.Abort(build.ID)
		log.Info().
			Str("buildID", build.ID).
			Str("commitHash", commitHash).
			Str("conclusion", conclusion).
			Msg("build reconciled from external run")
	}

	build, err = s.db.GetBuild(build.ID)
	return build, won, err
}

// GetBuild returns a build by id
func (s *Service) GetBuild(buildID string) (*models.Build, error) {
	build, err := s.db.GetBuild(buildID)
	if err != nil {
		return nil, err
	}
	if build == nil {
		return nil, ErrBuildNotFound
	}
	return build, nil
}

// GetBuildLogs returns the ordered log of a build
func (s *Service) GetBuildLogs(buildID string) ([]*models.BuildLogEntry, error) {
	if _, err := s.GetBuild(buildID); err != nil {
		return nil, err
	}
	return s.sink.Read(buildID)
}

// ListProjectBuilds returns a page of a project's builds
func (s *Service) ListProjectBuilds(projectID string, status models.BuildStatus, limit, offset int) ([]*models.Build, error) {
	project, err := s.db.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, ErrProjectNotFound
	}
	return s.db.ListProjectBuilds(projectID, status, limit, offset)
}

// QueueSnapshot reports queue occupancy, cached briefly to keep the
// monitoring endpoint cheap.
func (s *Service) QueueSnapshot(ctx context.Context) (models.QueueStatus, error) {
	var status models.QueueStatus
	if ok, err := s.cache.Get(ctx, queueStatusCacheKey, &status); err == nil && ok {
		return status, nil
	}

	status, err := s.queue.Status()
	if err != nil {
		return status, err
	}

	if err := s.cache.Set(ctx, queueStatusCacheKey, status, 2*time.Second); err != nil {
		log.Warn().Err(err).Msg("failed to cache queue status")
	}

	return status, nil
}

// ProvisionWebhookSecret generates and stores a fresh webhook secret
// for a project, replacing any previous one. The caller shows it to
// the user once; afterwards it only serves signature verification.
func (s *Service) ProvisionWebhookSecret(projectID string) (string, error) {
	project, err := s.db.GetProject(projectID)
	if err != nil {
		return "", err
	}
	if project == nil {
		return "", ErrProjectNotFound
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate webhook secret: %w", err)
	}
	secret := hex.EncodeToString(buf)

	if err := s.db.SetProjectWebhookSecret(projectID, secret); err != nil {
		return "", err
	}

	return secret, nil
}

// RecoverInterruptedBuilds fails builds a previous process left in
// running. Called once at startup, before the queue admits anything.
func (s *Service) RecoverInterruptedBuilds(ctx context.Context) error {
	ids, err := s.db.RunningBuildIDs()
	if err != nil {
		return err
	}

	for _, id := range ids {
		if _, err := s.FinishBuild(ctx, id, models.BuildStatusFailed, "build interrupted by service restart"); err != nil {
			log.Error().Err(err).Str("buildID", id).Msg("failed to recover interrupted build")
		}
	}

	if len(ids) > 0 {
		log.Warn().Int("count", len(ids)).Msg("recovered builds interrupted by restart")
	}

	return nil
}

// RunJanitor archives old builds and trims old stats on an interval
// until the context is cancelled.
func (s *Service) RunJanitor(ctx context.Context) {
	interval := time.Duration(s.config.JanitorIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -s.config.ArchiveAfterDays)
			if n, err := s.db.ArchiveOldBuilds(cutoff); err != nil {
				log.Error().Err(err).Msg("failed to archive old builds")
			} else if n > 0 {
				log.Info().Int64("count", n).Msg("archived old builds")
			}

			if err := s.db.CleanOldStats(s.config.StatsRetentionDays); err != nil {
				log.Error().Err(err).Msg("failed to clean old stats")
			}
		}
	}
}

func (s *Service) appendLog(build *models.Build, stage string, level models.LogLevel, message string) {
	if _, err := s.sink.Append(build, stage, level, message); err != nil {
		log.Error().Err(err).Str("buildID", build.ID).Msg("failed to append build log")
	}
}

func (s *Service) publish(build *models.Build, eventType broker.EventType, status models.BuildStatus) {
	env := broker.Envelope{
		Type:      eventType,
		BuildID:   build.ID,
		ProjectID: build.ProjectID,
		Status:    string(status),
	}
	s.broker.Publish(broker.BuildTopic(build.ID), env)
	if build.UserID != "" {
		s.broker.Publish(broker.UserTopic(build.UserID), env)
	}
}

func (s *Service) recordStat(eventType models.StatEventType, build *models.Build, durationSecs int) {
	if err := s.db.RecordEvent(eventType, build.ProjectID, build.TriggerType, durationSecs); err != nil {
		log.Error().Err(err).Msg("failed to record build stat")
	}
}

package orchestrator

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

type nopExecutor struct{}

func (nopExecutor) Run(ctx context.Context, build *models.Build) {}

func newTestService(t *testing.T) (*Service, *db.DB) {
	t.Helper()

	database, err := db.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	cfg := &config.Config{
		MaxConcurrentBuilds: 2,
		QueuePollSeconds:    1,
		ArchiveAfterDays:    30,
		StatsRetentionDays:  90,
	}

	b := broker.New(64)
	t.Cleanup(b.Close)

	svc := NewService(database, cfg, b, buildlog.NewSink(database, b), cache.New(""), notify.LogDispatcher{}, pipeline.NewCancelRegistry())
	svc.SetQueue(queue.NewManager(database, nopExecutor{}, cfg))

	return svc, database
}

func seedProject(t *testing.T, database *db.DB, status models.ProjectStatus) *models.Project {
	t.Helper()

	project := &models.Project{
		ID:            uuid.NewString(),
		Name:          "frontend",
		RepositoryURL: "https://github.com/acme/" + uuid.NewString(),
		Branch:        "main",
		Status:        status,
		CreatedAt:     time.Now(),
	}
	require.NoError(t, database.CreateProject(project))

	return project
}

func buildLogText(t *testing.T, database *db.DB, buildID string) string {
	t.Helper()

	entries, err := database.GetBuildLogs(buildID)
	require.NoError(t, err)

	var messages []string
	for _, entry := range entries {
		messages = append(messages, entry.Message)
	}
	return strings.Join(messages, "\n")
}

func TestTriggerBuildCreatesPendingBuild(t *testing.T) {
	svc, database := newTestService(t)
	project := seedProject(t, database, models.ProjectStatusActive)

	sub := svc.broker.Subscribe(broker.UserTopic("user-1"))
	defer svc.broker.Unsubscribe(sub)

	build, err := svc.TriggerBuild(context.Background(), TriggerInput{
		ProjectID:     project.ID,
		CommitHash:    "abc123",
		CommitMessage: "initial commit",
		UserID:        "user-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "FRO-001", build.BuildNumber)
	assert.Equal(t, models.BuildStatusPending, build.Status)
	assert.Equal(t, models.TriggerManual, build.TriggerType)
	assert.Equal(t, "main", build.Branch)

	stored, err := database.GetBuild(build.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "abc123", stored.CommitHash)

	assert.Contains(t, buildLogText(t, database, build.ID), "Build FRO-001 created")

	env := <-sub.C
	assert.Equal(t, broker.EventBuildCreated, env.Type)
	assert.Equal(t, build.ID, env.BuildID)
}

func TestTriggerBuildUnknownProject(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.TriggerBuild(context.Background(), TriggerInput{ProjectID: uuid.NewString()})
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestTriggerBuildArchivedProject(t *testing.T) {
	svc, database := newTestService(t)
	project := seedProject(t, database, models.ProjectStatusArchived)

	_, err := svc.TriggerBuild(context.Background(), TriggerInput{ProjectID: project.ID})
	assert.ErrorIs(t, err, ErrProjectArchived)
}

func TestCancelBuildIsIdempotent(t *testing.T) {
	svc, database := newTestService(t)
	project := seedProject(t, database, models.ProjectStatusActive)

	build, err := svc.TriggerBuild(context.Background(), TriggerInput{ProjectID: project.ID})
	require.NoError(t, err)

	cancelled, err := svc.CancelBuild(context.Background(), build.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusCancelled, cancelled.Status)
	assert.Equal(t, "cancelled by user", cancelled.ErrorMessage)

	again, err := svc.CancelBuild(context.Background(), build.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusCancelled, again.Status)

	assert.Equal(t, 1, strings.Count(buildLogText(t, database, build.ID), "Build cancelled"))
}

func TestCancelBuildUnknownBuild(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CancelBuild(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, ErrBuildNotFound)
}

func TestFinishBuildFirstWriterWins(t *testing.T) {
	svc, database := newTestService(t)
	project := seedProject(t, database, models.ProjectStatusActive)

	build, err := svc.TriggerBuild(context.Background(), TriggerInput{ProjectID: project.ID})
	require.NoError(t, err)

	started, err := database.StartBuild(build.ID)
	require.NoError(t, err)
	require.True(t, started)

	won, err := svc.FinishBuild(context.Background(), build.ID, models.BuildStatusSuccess, "")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = svc.FinishBuild(context.Background(), build.ID, models.BuildStatusFailed, "too late")
	require.NoError(t, err)
	assert.False(t, won)

	stored, err := database.GetBuild(build.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusSuccess, stored.Status)

	logs := buildLogText(t, database, build.ID)
	assert.Equal(t, 1, strings.Count(logs, "Build completed successfully"))
	assert.NotContains(t, logs, "Build failed")
}

func TestReconcileBuildAppliesExternalOutcome(t *testing.T) {
	svc, database := newTestService(t)
	project := seedProject(t, database, models.ProjectStatusActive)

	build, err := svc.TriggerBuild(context.Background(), TriggerInput{ProjectID: project.ID, CommitHash: "abc123"})
	require.NoError(t, err)

	started, err := database.StartBuild(build.ID)
	require.NoError(t, err)
	require.True(t, started)

	reconciled, won, err := svc.ReconcileBuild(context.Background(), project.ID, "abc123", "failure", "https://ci.example.com/runs/42")
	require.NoError(t, err)
	require.NotNil(t, reconciled)
	assert.True(t, won)
	assert.Equal(t, models.BuildStatusFailed, reconciled.Status)
	assert.Equal(t, "https://ci.example.com/runs/42", reconciled.ExternalURL)
	assert.Contains(t, reconciled.ErrorMessage, "external run concluded: failure")
}

func TestReconcileBuildSuccessConclusion(t *testing.T) {
	svc, database := newTestService(t)
	project := seedProject(t, database, models.ProjectStatusActive)

	build, err := svc.TriggerBuild(context.Background(), TriggerInput{ProjectID: project.ID, CommitHash: "abc123"})
	require.NoError(t, err)

	reconciled, won, err := svc.ReconcileBuild(context.Background(), project.ID, "abc123", "success", "")
	require.NoError(t, err)
	require.NotNil(t, reconciled)
	assert.True(t, won)
	assert.Equal(t, build.ID, reconciled.ID)
	assert.Equal(t, models.BuildStatusSuccess, reconciled.Status)
	assert.Empty(t, reconciled.ErrorMessage)
}

func TestReconcileBuildNothingToReconcile(t *testing.T) {
	svc, database := newTestService(t)
	project := seedProject(t, database, models.ProjectStatusActive)

	reconciled, won, err := svc.ReconcileBuild(context.Background(), project.ID, "deadbeef", "success", "")
	require.NoError(t, err)
	assert.Nil(t, reconciled)
	assert.False(t, won)
}

func TestRecoverInterruptedBuilds(t *testing.T) {
	svc, database := newTestService(t)
	project := seedProject(t, database, models.ProjectStatusActive)

	interrupted, err := svc.TriggerBuild(context.Background(), TriggerInput{ProjectID: project.ID})
	require.NoError(t, err)
	started, err := database.StartBuild(interrupted.ID)
	require.NoError(t, err)
	require.True(t, started)

	waiting, err := svc.TriggerBuild(context.Background(), TriggerInput{ProjectID: project.ID})
	require.NoError(t, err)

	require.NoError(t, svc.RecoverInterruptedBuilds(context.Background()))

	stored, err := database.GetBuild(interrupted.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "interrupted by service restart")

	stillPending, err := database.GetBuild(waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusPending, stillPending.Status)
}

func TestQueueSnapshotUsesCache(t *testing.T) {
	svc, database := newTestService(t)
	project := seedProject(t, database, models.ProjectStatusActive)

	_, err := svc.TriggerBuild(context.Background(), TriggerInput{ProjectID: project.ID})
	require.NoError(t, err)

	first, err := svc.QueueSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Pending)
	assert.Equal(t, 2, first.MaxConcurrent)

	// A build created inside the cache TTL is not visible yet
	_, err = svc.TriggerBuild(context.Background(), TriggerInput{ProjectID: project.ID})
	require.NoError(t, err)

	second, err := svc.QueueSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, second.Pending)
}

func TestProvisionWebhookSecretRotates(t *testing.T) {
	svc, database := newTestService(t)
	project := seedProject(t, database, models.ProjectStatusActive)

	first, err := svc.ProvisionWebhookSecret(project.ID)
	require.NoError(t, err)
	assert.Len(t, first, 64)

	stored, err := database.GetProject(project.ID)
	require.NoError(t, err)
	assert.Equal(t, first, stored.WebhookSecret)

	second, err := svc.ProvisionWebhookSecret(project.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestGetBuildLogsUnknownBuild(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.GetBuildLogs(uuid.NewString())
	assert.ErrorIs(t, err, ErrBuildNotFound)
}

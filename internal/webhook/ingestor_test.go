package webhook

import (
	"context"
	"encoding/json"
	"path/filepath"
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
	"github.com/devdeploy/orchestrator/internal/orchestrator"
	"github.com/devdeploy/orchestrator/internal/pipeline"
	"github.com/devdeploy/orchestrator/internal/queue"
)

type nopExecutor struct{}

func (nopExecutor) Run(ctx context.Context, build *models.Build) {}

func newTestIngestor(t *testing.T) (*Ingestor, *db.DB) {
	t.Helper()

	database, err := db.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	cfg := &config.Config{
		MaxConcurrentBuilds:     2,
		QueuePollSeconds:        1,
		WebhookWorkers:          2,
		WebhookQueueSize:        16,
		WebhookMaxRetries:       3,
		WebhookRetryBaseSeconds: 300,
	}

	b := broker.New(64)
	t.Cleanup(b.Close)

	svc := orchestrator.NewService(database, cfg, b, buildlog.NewSink(database, b), cache.New(""), notify.LogDispatcher{}, pipeline.NewCancelRegistry())
	svc.SetQueue(queue.NewManager(database, nopExecutor{}, cfg))

	return NewIngestor(database, cfg, svc, b), database
}

func seedWebhookProject(t *testing.T, database *db.DB, secret string) *models.Project {
	t.Helper()

	project := &models.Project{
		ID:             uuid.NewString(),
		Name:           "frontend",
		RepositoryURL:  "https://github.com/acme/" + uuid.NewString(),
		Branch:         "main",
		Status:         models.ProjectStatusActive,
		WebhookSecret:  secret,
		WebhookEnabled: true,
		CreatedAt:      time.Now(),
	}
	require.NoError(t, database.CreateProject(project))

	return project
}

func pushBody(t *testing.T, repoURL, ref, commit, message, pusher string) []byte {
	t.Helper()

	body, err := json.Marshal(map[string]interface{}{
		"ref":   ref,
		"after": commit,
		"head_commit": map[string]string{
			"id":      commit,
			"message": message,
		},
		"pusher": map[string]string{"name": pusher},
		"repository": map[string]string{
			"clone_url": repoURL + ".git",
			"html_url":  repoURL,
		},
	})
	require.NoError(t, err)

	return body
}

func runCompletionBody(t *testing.T, repoURL, action, sha, conclusion, htmlURL string) []byte {
	t.Helper()

	body, err := json.Marshal(map[string]interface{}{
		"action": action,
		"workflow_run": map[string]string{
			"head_sha":   sha,
			"conclusion": conclusion,
			"html_url":   htmlURL,
		},
		"repository": map[string]string{
			"clone_url": repoURL + ".git",
			"html_url":  repoURL,
		},
	})
	require.NoError(t, err)

	return body
}

func receiveAndProcess(t *testing.T, ing *Ingestor, eventType, deliveryID, signature string, payload []byte) *models.WebhookEvent {
	t.Helper()

	receipt, err := ing.Receive(eventType, deliveryID, signature, payload)
	require.NoError(t, err)

	ing.process(context.Background(), receipt.EventID)

	ev, err := ing.db.GetWebhookEvent(receipt.EventID)
	require.NoError(t, err)
	require.NotNil(t, ev)

	return ev
}

func TestSignedPushCreatesBuild(t *testing.T) {
	ing, database := newTestIngestor(t)
	project := seedWebhookProject(t, database, "s3cret")

	body := pushBody(t, project.RepositoryURL, "refs/heads/main", "abc123", "fix login", "alice")
	ev := receiveAndProcess(t, ing, "push", "delivery-1", SignBody(body, "s3cret"), body)

	assert.Equal(t, models.WebhookStatusProcessed, ev.Status)
	require.NotNil(t, ev.ProjectID)
	assert.Equal(t, project.ID, *ev.ProjectID)
	require.NotNil(t, ev.BuildID)

	build, err := database.GetBuild(*ev.BuildID)
	require.NoError(t, err)
	require.NotNil(t, build)
	assert.Equal(t, models.TriggerWebhook, build.TriggerType)
	assert.Equal(t, models.BuildStatusPending, build.Status)
	assert.Equal(t, "abc123", build.CommitHash)
	assert.Equal(t, "fix login", build.CommitMessage)
	assert.Equal(t, "main", build.Branch)
	assert.Equal(t, "alice", build.Metadata["pusher"])
}

func TestDuplicateDeliveryAbsorbed(t *testing.T) {
	ing, database := newTestIngestor(t)
	project := seedWebhookProject(t, database, "")

	body := pushBody(t, project.RepositoryURL, "refs/heads/main", "abc123", "fix login", "alice")

	first, err := ing.Receive("push", "delivery-1", "", body)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := ing.Receive("push", "delivery-1", "", body)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.EventID, second.EventID)

	ing.process(context.Background(), first.EventID)
	ing.process(context.Background(), second.EventID)

	builds, err := database.ListProjectBuilds(project.ID, "", 10, 0)
	require.NoError(t, err)
	assert.Len(t, builds, 1)
}

func TestBadSignatureFailsVerification(t *testing.T) {
	ing, database := newTestIngestor(t)
	project := seedWebhookProject(t, database, "s3cret")

	body := pushBody(t, project.RepositoryURL, "refs/heads/main", "abc123", "fix login", "alice")
	ev := receiveAndProcess(t, ing, "push", "delivery-1", SignBody(body, "wrong"), body)

	assert.Equal(t, models.WebhookStatusFailedVerification, ev.Status)
	assert.Contains(t, ev.ErrorMessage, "signature")
	assert.Nil(t, ev.BuildID)

	builds, err := database.ListProjectBuilds(project.ID, "", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, builds)
}

func TestUnsignedDeliveryWithoutSecretIsAccepted(t *testing.T) {
	ing, database := newTestIngestor(t)
	project := seedWebhookProject(t, database, "")

	body := pushBody(t, project.RepositoryURL, "refs/heads/main", "abc123", "fix login", "alice")
	ev := receiveAndProcess(t, ing, "push", "delivery-1", "", body)

	assert.Equal(t, models.WebhookStatusProcessed, ev.Status)
	assert.NotNil(t, ev.BuildID)
}

func TestUnmonitoredBranchIsProcessedWithoutBuild(t *testing.T) {
	ing, database := newTestIngestor(t)
	project := seedWebhookProject(t, database, "")

	body := pushBody(t, project.RepositoryURL, "refs/heads/feature-x", "abc123", "wip", "alice")
	ev := receiveAndProcess(t, ing, "push", "delivery-1", "", body)

	assert.Equal(t, models.WebhookStatusProcessed, ev.Status)
	assert.Contains(t, ev.ErrorMessage, "not monitored")
	assert.Nil(t, ev.BuildID)
}

func TestTagPushIsProcessedWithoutBuild(t *testing.T) {
	ing, database := newTestIngestor(t)
	project := seedWebhookProject(t, database, "")

	body := pushBody(t, project.RepositoryURL, "refs/tags/v1.2.0", "abc123", "release", "alice")
	ev := receiveAndProcess(t, ing, "push", "delivery-1", "", body)

	assert.Equal(t, models.WebhookStatusProcessed, ev.Status)
	assert.Contains(t, ev.ErrorMessage, "not a branch")
	assert.Nil(t, ev.BuildID)
}

func TestUnknownRepositoryIsSkipped(t *testing.T) {
	ing, _ := newTestIngestor(t)

	body := pushBody(t, "https://github.com/acme/unregistered", "refs/heads/main", "abc123", "fix", "alice")
	ev := receiveAndProcess(t, ing, "push", "delivery-1", "", body)

	assert.Equal(t, models.WebhookStatusSkipped, ev.Status)
	assert.Contains(t, ev.ErrorMessage, "no project matches")
}

func TestWebhooksDisabledIsSkipped(t *testing.T) {
	ing, database := newTestIngestor(t)

	project := &models.Project{
		ID:            uuid.NewString(),
		Name:          "frontend",
		RepositoryURL: "https://github.com/acme/" + uuid.NewString(),
		Branch:        "main",
		Status:        models.ProjectStatusActive,
		CreatedAt:     time.Now(),
	}
	require.NoError(t, database.CreateProject(project))

	body := pushBody(t, project.RepositoryURL, "refs/heads/main", "abc123", "fix", "alice")
	ev := receiveAndProcess(t, ing, "push", "delivery-1", "", body)

	assert.Equal(t, models.WebhookStatusSkipped, ev.Status)
	assert.Contains(t, ev.ErrorMessage, "disabled")
}

func TestArchivedProjectIsSkipped(t *testing.T) {
	ing, database := newTestIngestor(t)

	project := &models.Project{
		ID:             uuid.NewString(),
		Name:           "frontend",
		RepositoryURL:  "https://github.com/acme/" + uuid.NewString(),
		Branch:         "main",
		Status:         models.ProjectStatusArchived,
		WebhookEnabled: true,
		CreatedAt:      time.Now(),
	}
	require.NoError(t, database.CreateProject(project))

	body := pushBody(t, project.RepositoryURL, "refs/heads/main", "abc123", "fix", "alice")
	ev := receiveAndProcess(t, ing, "push", "delivery-1", "", body)

	assert.Equal(t, models.WebhookStatusSkipped, ev.Status)
	assert.Contains(t, ev.ErrorMessage, "archived")
}

func TestPingIsProcessed(t *testing.T) {
	ing, database := newTestIngestor(t)
	project := seedWebhookProject(t, database, "")

	body, err := json.Marshal(map[string]interface{}{
		"repository": map[string]string{"html_url": project.RepositoryURL},
	})
	require.NoError(t, err)

	ev := receiveAndProcess(t, ing, "ping", "delivery-1", "", body)

	assert.Equal(t, models.WebhookStatusProcessed, ev.Status)
	require.NotNil(t, ev.ProjectID)
	assert.Equal(t, project.ID, *ev.ProjectID)
}

func TestUnknownEventTypeIsSkipped(t *testing.T) {
	ing, _ := newTestIngestor(t)

	ev := receiveAndProcess(t, ing, "issues", "delivery-1", "", []byte(`{}`))

	assert.Equal(t, models.WebhookStatusSkipped, ev.Status)
	assert.Contains(t, ev.ErrorMessage, "issues")
}

func TestRunCompletionReconcilesBuild(t *testing.T) {
	ing, database := newTestIngestor(t)
	project := seedWebhookProject(t, database, "")

	build, err := ing.orchestrator.TriggerBuild(context.Background(), orchestrator.TriggerInput{
		ProjectID:  project.ID,
		CommitHash: "abc123",
	})
	require.NoError(t, err)
	started, err := database.StartBuild(build.ID)
	require.NoError(t, err)
	require.True(t, started)

	sub := ing.broker.Subscribe(broker.BuildTopic(build.ID))
	defer ing.broker.Unsubscribe(sub)

	body := runCompletionBody(t, project.RepositoryURL, "completed", "abc123", "failure", "https://ci.example.com/runs/7")
	ev := receiveAndProcess(t, ing, "workflow_run", "delivery-1", "", body)

	assert.Equal(t, models.WebhookStatusProcessed, ev.Status)
	require.NotNil(t, ev.BuildID)
	assert.Equal(t, build.ID, *ev.BuildID)

	reconciled, err := database.GetBuild(build.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusFailed, reconciled.Status)
	assert.Equal(t, "https://ci.example.com/runs/7", reconciled.ExternalURL)
	assert.Contains(t, reconciled.ErrorMessage, "failure")

	var types []broker.EventType
	for drained := false; !drained; {
		select {
		case env := <-sub.C:
			types = append(types, env.Type)
		default:
			drained = true
		}
	}
	assert.Contains(t, types, broker.EventWebhookProcessed)
}

func TestRunCompletionInProgressIsIgnored(t *testing.T) {
	ing, database := newTestIngestor(t)
	project := seedWebhookProject(t, database, "")

	build, err := ing.orchestrator.TriggerBuild(context.Background(), orchestrator.TriggerInput{
		ProjectID:  project.ID,
		CommitHash: "abc123",
	})
	require.NoError(t, err)
	started, err := database.StartBuild(build.ID)
	require.NoError(t, err)
	require.True(t, started)

	body := runCompletionBody(t, project.RepositoryURL, "requested", "abc123", "", "")
	ev := receiveAndProcess(t, ing, "workflow_run", "delivery-1", "", body)

	assert.Equal(t, models.WebhookStatusProcessed, ev.Status)
	assert.Contains(t, ev.ErrorMessage, "ignoring")

	current, err := database.GetBuild(build.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusRunning, current.Status)
}

func TestRunCompletionWithNoBuildIsProcessed(t *testing.T) {
	ing, database := newTestIngestor(t)
	project := seedWebhookProject(t, database, "")

	body := runCompletionBody(t, project.RepositoryURL, "completed", "unseen", "success", "")
	ev := receiveAndProcess(t, ing, "workflow_run", "delivery-1", "", body)

	assert.Equal(t, models.WebhookStatusProcessed, ev.Status)
	assert.Contains(t, ev.ErrorMessage, "no build to reconcile")
	assert.Nil(t, ev.BuildID)
}

func TestMalformedPayloadFailsAndArmsRetry(t *testing.T) {
	ing, _ := newTestIngestor(t)

	ev := receiveAndProcess(t, ing, "push", "delivery-1", "", []byte(`{"ref": 123}`))

	assert.Equal(t, models.WebhookStatusFailed, ev.Status)
	assert.Equal(t, 1, ev.DeliveryAttempts)
	require.NotNil(t, ev.NextRetryAt)
	assert.True(t, ev.NextRetryAt.After(time.Now().Add(3*time.Minute)))
}

func TestRetryLifecycleEndsAtCap(t *testing.T) {
	ing, database := newTestIngestor(t)

	ev := receiveAndProcess(t, ing, "push", "delivery-1", "", []byte(`{"ref": 123}`))
	require.Equal(t, models.WebhookStatusFailed, ev.Status)
	require.Equal(t, 1, ev.DeliveryAttempts)

	retried, err := ing.Retry(ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, retried.DeliveryAttempts)

	ing.process(context.Background(), ev.ID)

	final, err := database.GetWebhookEvent(ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusFailed, final.Status)
	assert.Equal(t, 3, final.DeliveryAttempts)

	_, err = ing.Retry(ev.ID)
	assert.ErrorIs(t, err, ErrRetryExhausted)
}

func TestRetryRequiresFailedEvent(t *testing.T) {
	ing, database := newTestIngestor(t)
	project := seedWebhookProject(t, database, "")

	body := pushBody(t, project.RepositoryURL, "refs/heads/main", "abc123", "fix", "alice")
	ev := receiveAndProcess(t, ing, "push", "delivery-1", "", body)
	require.Equal(t, models.WebhookStatusProcessed, ev.Status)

	_, err := ing.Retry(ev.ID)
	assert.ErrorIs(t, err, ErrRetryNotAllowed)

	_, err = ing.Retry(uuid.NewString())
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestReceiveDerivesDeliveryIDFromPayload(t *testing.T) {
	ing, _ := newTestIngestor(t)

	body := []byte(`{"zen":"keep it logically awesome"}`)

	first, err := ing.Receive("ping", "", "", body)
	require.NoError(t, err)
	assert.Len(t, first.DeliveryID, 64)

	second, err := ing.Receive("ping", "", "", body)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.EventID, second.EventID)
}

func TestProjectEventsAndCounts(t *testing.T) {
	ing, database := newTestIngestor(t)
	project := seedWebhookProject(t, database, "")

	for _, delivery := range []string{"d-1", "d-2"} {
		body := pushBody(t, project.RepositoryURL, "refs/heads/main", "sha-"+delivery, "msg", "alice")
		receiveAndProcess(t, ing, "push", delivery, "", body)
	}

	events, err := ing.ProjectEvents(project.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	counts, err := ing.EventCounts(project.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[string(models.WebhookStatusProcessed)])
}

func TestWorkerPoolProcessesReceivedEvents(t *testing.T) {
	ing, database := newTestIngestor(t)
	project := seedWebhookProject(t, database, "s3cret")

	ing.Start()
	defer ing.Stop()

	body := pushBody(t, project.RepositoryURL, "refs/heads/main", "abc123", "fix", "alice")
	receipt, err := ing.Receive("push", "delivery-1", SignBody(body, "s3cret"), body)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ev, err := database.GetWebhookEvent(receipt.EventID)
		return err == nil && ev != nil && ev.Status == models.WebhookStatusProcessed
	}, 5*time.Second, 20*time.Millisecond)

	builds, err := database.ListProjectBuilds(project.ID, "", 10, 0)
	require.NoError(t, err)
	assert.Len(t, builds, 1)
}

func TestSweepRescuesStaleReceivedEvent(t *testing.T) {
	ing, database := newTestIngestor(t)
	project := seedWebhookProject(t, database, "")

	body := pushBody(t, project.RepositoryURL, "refs/heads/main", "abc123", "fix", "alice")

	ev := &models.WebhookEvent{
		ID:         uuid.NewString(),
		DeliveryID: "delivery-stale",
		EventType:  "push",
		Payload:    body,
		Status:     models.WebhookStatusReceived,
		CreatedAt:  time.Now().Add(-5 * time.Minute),
	}
	inserted, err := database.InsertWebhookEvent(ev)
	require.NoError(t, err)
	require.True(t, inserted)

	ing.sweep()

	select {
	case id := <-ing.jobs:
		assert.Equal(t, ev.ID, id)
	default:
		t.Fatal("stale event was not re-queued")
	}
}

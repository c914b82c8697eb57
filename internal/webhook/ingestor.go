package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/devdeploy/orchestrator/internal/broker"
	"github.com/devdeploy/orchestrator/internal/config"
	"github.com/devdeploy/orchestrator/internal/db"
	"github.com/devdeploy/orchestrator/internal/models"
	"github.com/devdeploy/orchestrator/internal/orchestrator"
)

var (
	ErrEventNotFound   = errors.New("webhook event not found")
	ErrRetryNotAllowed = errors.New("only failed events can be retried")
	ErrRetryExhausted  = errors.New("webhook retry limit reached")
)

const (
	sweepInterval        = 30 * time.Second
	sweepBatchSize       = 50
	staleReceivedAfter   = time.Minute
	stuckProcessingAfter = 10 * time.Minute
)

// Receipt acknowledges a stored delivery
type Receipt struct {
	EventID    string `json:"event_id"`
	DeliveryID string `json:"delivery_id"`
	Duplicate  bool   `json:"duplicate"`
}

// Ingestor persists incoming webhook deliveries and processes them on a
// bounded worker pool. Receive only stores and acknowledges; all build
// side effects happen on the workers. A periodic sweeper re-queues
// events the pool dropped on overflow, picks up due retries and resets
// claims orphaned by a crash, so the stored row is the source of truth
// and the channel is only a fast path.
type Ingestor struct {
	db           *db.DB
	config       *config.Config
	orchestrator *orchestrator.Service
	broker       *broker.Broker

	jobs     chan string
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewIngestor creates a webhook ingestor
func NewIngestor(database *db.DB, cfg *config.Config, svc *orchestrator.Service, b *broker.Broker) *Ingestor {
	queueSize := cfg.WebhookQueueSize
	if queueSize <= 0 {
		queueSize = 64
	}

	return &Ingestor{
		db:           database,
		config:       cfg,
		orchestrator: svc,
		broker:       b,
		jobs:         make(chan string, queueSize),
		stopCh:       make(chan struct{}),
	}
}

// Start launches the worker pool and the retry sweeper
func (i *Ingestor) Start() {
	workers := i.config.WebhookWorkers
	if workers <= 0 {
		workers = 1
	}

	for n := 0; n < workers; n++ {
		i.wg.Add(1)
		go i.runWorker()
	}

	i.wg.Add(1)
	go i.runSweeper()

	log.Info().
		Int("workers", workers).
		Int("queueSize", cap(i.jobs)).
		Msg("webhook ingestor started")
}

// Stop shuts the pool down and waits for in-flight work. Events left in
// the channel stay in received state and are re-queued by the sweeper
// after the next Start.
func (i *Ingestor) Stop() {
	i.stopOnce.Do(func() {
		close(i.stopCh)
	})
	i.wg.Wait()
}

// Receive stores a delivery and schedules it for processing. The same
// delivery id is absorbed: redeliveries return the original event with
// Duplicate set and cause no second processing run.
func (i *Ingestor) Receive(eventType, deliveryID, signature string, payload []byte) (*Receipt, error) {
	if deliveryID == "" {
		// Providers that omit the delivery header still get idempotency
		// keyed on the payload itself.
		sum := sha256.Sum256(payload)
		deliveryID = hex.EncodeToString(sum[:])
	}

	ev := &models.WebhookEvent{
		ID:         uuid.NewString(),
		DeliveryID: deliveryID,
		EventType:  eventType,
		Signature:  signature,
		Payload:    payload,
		Status:     models.WebhookStatusReceived,
		CreatedAt:  time.Now(),
	}

	inserted, err := i.db.InsertWebhookEvent(ev)
	if err != nil {
		return nil, err
	}
	if !inserted {
		existing, err := i.db.GetWebhookEventByDeliveryID(deliveryID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("duplicate delivery %s vanished", deliveryID)
		}

		log.Debug().
			Str("eventID", existing.ID).
			Str("deliveryID", deliveryID).
			Msg("duplicate webhook delivery absorbed")

		return &Receipt{EventID: existing.ID, DeliveryID: deliveryID, Duplicate: true}, nil
	}

	if err := i.db.RecordEvent(models.EventTypeWebhookReceived, "", "", 0); err != nil {
		log.Error().Err(err).Msg("failed to record webhook stat")
	}

	i.submit(ev.ID)

	log.Info().
		Str("eventID", ev.ID).
		Str("deliveryID", deliveryID).
		Str("eventType", eventType).
		Msg("webhook received")

	return &Receipt{EventID: ev.ID, DeliveryID: deliveryID}, nil
}

// submit hands an event to the pool without ever blocking the caller.
// On overflow the event simply stays in the store until the sweeper
// re-queues it.
func (i *Ingestor) submit(eventID string) {
	select {
	case i.jobs <- eventID:
	default:
		log.Warn().
			Str("eventID", eventID).
			Msg("webhook worker queue full, deferring to sweeper")
	}
}

func (i *Ingestor) runWorker() {
	defer i.wg.Done()

	for {
		select {
		case eventID := <-i.jobs:
			i.process(context.Background(), eventID)
		case <-i.stopCh:
			return
		}
	}
}

// process claims an event and runs it to a settled state. The claim is
// a guarded status transition, so an event queued twice (fast path plus
// sweeper) is still processed once.
func (i *Ingestor) process(ctx context.Context, eventID string) {
	claimed, err := i.db.MarkWebhookProcessing(eventID)
	if err != nil {
		log.Error().Err(err).Str("eventID", eventID).Msg("failed to claim webhook event")
		return
	}
	if !claimed {
		log.Debug().Str("eventID", eventID).Msg("webhook event already claimed")
		return
	}

	ev, err := i.db.GetWebhookEvent(eventID)
	if err != nil {
		log.Error().Err(err).Str("eventID", eventID).Msg("failed to load webhook event")
		return
	}
	if ev == nil {
		log.Warn().Str("eventID", eventID).Msg("claimed webhook event vanished")
		return
	}

	i.settle(ev, i.dispatch(ctx, ev))
}

// outcome is the settled result of one processing attempt
type outcome struct {
	status    models.WebhookStatus
	errMsg    string
	projectID *string
	buildID   *string
}

func (i *Ingestor) dispatch(ctx context.Context, ev *models.WebhookEvent) outcome {
	event, err := ParseEvent(ev.EventType, ev.Payload)
	if err != nil {
		return outcome{status: models.WebhookStatusFailed, errMsg: err.Error()}
	}

	switch e := event.(type) {
	case UnknownEvent:
		return outcome{
			status: models.WebhookStatusSkipped,
			errMsg: fmt.Sprintf("unhandled event type %q", e.Type),
		}

	case PingEvent:
		project, out := i.resolveAndVerify(ev, e.RepositoryURLs)
		if out != nil {
			return *out
		}
		return outcome{status: models.WebhookStatusProcessed, projectID: &project.ID}

	case PushEvent:
		project, out := i.resolveAndVerify(ev, e.RepositoryURLs)
		if out != nil {
			return *out
		}
		return i.handlePush(ctx, ev, project, e)

	case RunCompletionEvent:
		project, out := i.resolveAndVerify(ev, e.RepositoryURLs)
		if out != nil {
			return *out
		}
		return i.handleRunCompletion(ctx, project, e)

	default:
		return outcome{
			status: models.WebhookStatusFailed,
			errMsg: fmt.Sprintf("no handler for event %T", event),
		}
	}
}

// resolveAndVerify maps the payload's repository to a registered
// project and checks the delivery signature. A non-nil outcome ends
// processing. Verification runs only when the project has a secret and
// the delivery carries a signature.
func (i *Ingestor) resolveAndVerify(ev *models.WebhookEvent, repoURLs []string) (*models.Project, *outcome) {
	var project *models.Project

	seen := make(map[string]struct{})
	for _, raw := range repoURLs {
		for _, candidate := range []string{raw, NormalizeRepoURL(raw)} {
			if candidate == "" {
				continue
			}
			if _, ok := seen[candidate]; ok {
				continue
			}
			seen[candidate] = struct{}{}

			p, err := i.db.GetProjectByRepositoryURL(candidate)
			if err != nil {
				return nil, &outcome{status: models.WebhookStatusFailed, errMsg: err.Error()}
			}
			if p != nil {
				project = p
				break
			}
		}
		if project != nil {
			break
		}
	}

	if project == nil {
		return nil, &outcome{
			status: models.WebhookStatusSkipped,
			errMsg: "no project matches repository",
		}
	}

	if !project.WebhookEnabled {
		return nil, &outcome{
			status:    models.WebhookStatusSkipped,
			errMsg:    "webhooks disabled for project",
			projectID: &project.ID,
		}
	}

	if project.WebhookSecret != "" && ev.Signature != "" {
		if !VerifySignature(ev.Payload, ev.Signature, project.WebhookSecret) {
			log.Warn().
				Str("eventID", ev.ID).
				Str("projectID", project.ID).
				Msg("webhook signature mismatch")

			return nil, &outcome{
				status:    models.WebhookStatusFailedVerification,
				errMsg:    "signature verification failed",
				projectID: &project.ID,
			}
		}
	}

	return project, nil
}

func (i *Ingestor) handlePush(ctx context.Context, ev *models.WebhookEvent, project *models.Project, e PushEvent) outcome {
	branch := e.Branch()
	if branch == "" {
		return outcome{
			status:    models.WebhookStatusProcessed,
			errMsg:    fmt.Sprintf("ref %q is not a branch", e.Ref),
			projectID: &project.ID,
		}
	}
	if branch != project.Branch {
		return outcome{
			status:    models.WebhookStatusProcessed,
			errMsg:    fmt.Sprintf("branch %q is not monitored", branch),
			projectID: &project.ID,
		}
	}

	trigger := models.TriggerWebhook
	if ev.EventType == "test_push" {
		trigger = models.TriggerTest
	}

	build, err := i.orchestrator.TriggerBuild(ctx, orchestrator.TriggerInput{
		ProjectID:     project.ID,
		TriggerType:   trigger,
		CommitHash:    e.CommitHash,
		CommitMessage: e.CommitMessage,
		Branch:        branch,
		Metadata: map[string]interface{}{
			"pusher":      e.Pusher,
			"delivery_id": ev.DeliveryID,
		},
	})
	if errors.Is(err, orchestrator.ErrProjectArchived) {
		return outcome{
			status:    models.WebhookStatusSkipped,
			errMsg:    "project is archived",
			projectID: &project.ID,
		}
	}
	if err != nil {
		return outcome{
			status:    models.WebhookStatusFailed,
			errMsg:    err.Error(),
			projectID: &project.ID,
		}
	}

	return outcome{
		status:    models.WebhookStatusProcessed,
		projectID: &project.ID,
		buildID:   &build.ID,
	}
}

func (i *Ingestor) handleRunCompletion(ctx context.Context, project *models.Project, e RunCompletionEvent) outcome {
	if !e.Completed() {
		return outcome{
			status:    models.WebhookStatusProcessed,
			errMsg:    fmt.Sprintf("ignoring run action %q", e.Action),
			projectID: &project.ID,
		}
	}

	build, won, err := i.orchestrator.ReconcileBuild(ctx, project.ID, e.CommitHash, e.Conclusion, e.ExternalURL)
	if err != nil {
		return outcome{
			status:    models.WebhookStatusFailed,
			errMsg:    err.Error(),
			projectID: &project.ID,
		}
	}
	if build == nil {
		return outcome{
			status:    models.WebhookStatusProcessed,
			errMsg:    "no build to reconcile",
			projectID: &project.ID,
		}
	}
	if !won {
		log.Debug().
			Str("buildID", build.ID).
			Msg("reconciliation found build already settled")
	}

	return outcome{
		status:    models.WebhookStatusProcessed,
		projectID: &project.ID,
		buildID:   &build.ID,
	}
}

// settle writes the outcome, emits the bookkeeping and, for failed
// events, arms the next retry.
func (i *Ingestor) settle(ev *models.WebhookEvent, out outcome) {
	if err := i.db.FinishWebhookEvent(ev.ID, out.status, out.errMsg, out.projectID, out.buildID); err != nil {
		log.Error().Err(err).Str("eventID", ev.ID).Msg("failed to settle webhook event")
		return
	}

	if out.status == models.WebhookStatusProcessed {
		projectID := ""
		if out.projectID != nil {
			projectID = *out.projectID
		}
		if err := i.db.RecordEvent(models.EventTypeWebhookProcessed, projectID, "", 0); err != nil {
			log.Error().Err(err).Msg("failed to record webhook stat")
		}
	}

	if out.buildID != nil {
		env := broker.Envelope{
			Type:    broker.EventWebhookProcessed,
			BuildID: *out.buildID,
			Status:  string(out.status),
		}
		if out.projectID != nil {
			env.ProjectID = *out.projectID
		}
		i.broker.Publish(broker.BuildTopic(*out.buildID), env)
	}

	if out.status == models.WebhookStatusFailed {
		i.scheduleRetry(ev)
	}

	log.Info().
		Str("eventID", ev.ID).
		Str("status", string(out.status)).
		Str("error", out.errMsg).
		Msg("webhook event settled")
}

// scheduleRetry arms the next attempt for a failed event. The store
// guard enforces the retry cap; an event over the cap just stays
// failed.
func (i *Ingestor) scheduleRetry(ev *models.WebhookEvent) {
	delay := i.retryDelay(ev.DeliveryAttempts)
	nextRetryAt := time.Now().Add(delay)

	scheduled, err := i.db.ScheduleWebhookRetry(ev.ID, nextRetryAt, i.config.WebhookMaxRetries)
	if err != nil {
		log.Error().Err(err).Str("eventID", ev.ID).Msg("failed to schedule webhook retry")
		return
	}
	if !scheduled {
		log.Info().
			Str("eventID", ev.ID).
			Int("attempts", ev.DeliveryAttempts).
			Msg("webhook retries exhausted")
		return
	}

	log.Info().
		Str("eventID", ev.ID).
		Time("nextRetryAt", nextRetryAt).
		Msg("webhook retry scheduled")
}

// retryDelay computes the backoff for the next attempt given how many
// attempts have already run
func (i *Ingestor) retryDelay(priorAttempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(i.config.WebhookRetryBaseSeconds) * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	b.MaxInterval = 24 * time.Hour
	b.MaxElapsedTime = 0

	delay := b.NextBackOff()
	for n := 0; n < priorAttempts; n++ {
		delay = b.NextBackOff()
	}
	return delay
}

// Retry re-queues a failed event on demand, bypassing its backoff
// timer. The per-event attempt cap still applies.
func (i *Ingestor) Retry(eventID string) (*models.WebhookEvent, error) {
	ev, err := i.db.GetWebhookEvent(eventID)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, ErrEventNotFound
	}
	if ev.Status != models.WebhookStatusFailed {
		return nil, ErrRetryNotAllowed
	}
	if ev.DeliveryAttempts >= i.config.WebhookMaxRetries {
		return nil, ErrRetryExhausted
	}

	scheduled, err := i.db.ScheduleWebhookRetry(eventID, time.Now(), i.config.WebhookMaxRetries)
	if err != nil {
		return nil, err
	}
	if !scheduled {
		return nil, ErrRetryNotAllowed
	}

	i.submit(eventID)

	log.Info().Str("eventID", eventID).Msg("manual webhook retry requested")

	return i.db.GetWebhookEvent(eventID)
}

// ProjectEvents lists a project's webhook deliveries, newest first
func (i *Ingestor) ProjectEvents(projectID string, limit, offset int) ([]*models.WebhookEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	return i.db.ListProjectWebhookEvents(projectID, limit, offset)
}

// EventCounts reports a project's deliveries grouped by status
func (i *Ingestor) EventCounts(projectID string) (map[string]int, error) {
	return i.db.CountWebhookEventsByStatus(projectID)
}

func (i *Ingestor) runSweeper() {
	defer i.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			i.sweep()
		case <-i.stopCh:
			return
		}
	}
}

// sweep rescues events the fast path lost: due retries, deliveries
// dropped on pool overflow and claims orphaned by a crashed worker.
func (i *Ingestor) sweep() {
	now := time.Now()

	due, err := i.db.DueWebhookRetries(now, sweepBatchSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to list due webhook retries")
	}
	for _, id := range due {
		i.submit(id)
	}

	stale, err := i.db.StaleReceivedWebhookEvents(now.Add(-staleReceivedAfter), sweepBatchSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to list stale webhook events")
	}
	for _, id := range stale {
		i.submit(id)
	}

	reset, err := i.db.ResetStuckWebhookEvents(now.Add(-stuckProcessingAfter))
	if err != nil {
		log.Error().Err(err).Msg("failed to reset stuck webhook events")
	}
	if reset > 0 {
		log.Warn().Int64("count", reset).Msg("reset webhook events stuck in processing")
	}

	if len(due) > 0 || len(stale) > 0 {
		log.Debug().
			Int("dueRetries", len(due)).
			Int("stale", len(stale)).
			Msg("webhook sweep re-queued events")
	}
}

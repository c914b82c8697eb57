package broker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/devdeploy/orchestrator/internal/models"
)

// EventType names the envelope types pushed to live subscribers
type EventType string

const (
	EventBuildCreated     EventType = "build_created"
	EventBuildStarted     EventType = "build_started"
	EventBuildLog         EventType = "build_log"
	EventBuildCompleted   EventType = "build_completed"
	EventBuildCancelled   EventType = "build_cancelled"
	EventWebhookProcessed EventType = "webhook_processed"
)

// Envelope is the JSON message sent to subscribers
type Envelope struct {
	Type      EventType             `json:"type"`
	BuildID   string                `json:"build_id,omitempty"`
	ProjectID string                `json:"project_id,omitempty"`
	Status    string                `json:"status,omitempty"`
	Log       *models.BuildLogEntry `json:"log,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

// BuildTopic returns the subscription topic for one build's events
func BuildTopic(buildID string) string {
	return "build:" + buildID
}

// UserTopic returns the subscription topic for one user's events
func UserTopic(userID string) string {
	return "user:" + userID
}

// Subscription is one observer's buffered event feed. C is closed on
// Unsubscribe or broker shutdown.
type Subscription struct {
	Topic string
	C     <-chan Envelope

	ch      chan Envelope
	dropped atomic.Int64
}

// Dropped reports how many events this subscriber lost to a full buffer
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Broker fans out build and user events to live subscribers. Delivery
// is best-effort: a subscriber that cannot keep up loses events instead
// of blocking the publisher.
type Broker struct {
	mu         sync.RWMutex
	subs       map[string]map[*Subscription]struct{}
	closed     bool
	bufferSize int
}

// New creates a broker whose subscriptions buffer up to bufferSize
// events
func New(bufferSize int) *Broker {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &Broker{
		subs:       make(map[string]map[*Subscription]struct{}),
		bufferSize: bufferSize,
	}
}

// Subscribe registers an observer for a topic. After Close the returned
// subscription is already terminated.
func (b *Broker) Subscribe(topic string) *Subscription {
	ch := make(chan Envelope, b.bufferSize)
	sub := &Subscription{Topic: topic, C: ch, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return sub
	}

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*Subscription]struct{})
	}
	b.subs[topic][sub] = struct{}{}

	return sub
}

// Unsubscribe removes a subscription and closes its channel. Calling it
// twice is harmless.
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[sub.Topic]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}

	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.Topic)
	}
	close(sub.ch)
}

// SubscriberCount reports how many subscriptions a topic currently has
func (b *Broker) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Publish delivers an event to every subscriber of the topic. A full
// subscriber buffer drops the event; the publisher never blocks.
func (b *Broker) Publish(topic string, env Envelope) {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for sub := range b.subs[topic] {
		select {
		case sub.ch <- env:
		default:
			sub.dropped.Add(1)
			log.Warn().
				Str("topic", topic).
				Str("type", string(env.Type)).
				Msg("dropping event for slow subscriber")
		}
	}
}

// Close terminates all subscriptions. Publishes after Close are
// discarded.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for topic, set := range b.subs {
		for sub := range set {
			close(sub.ch)
		}
		delete(b.subs, topic)
	}
}

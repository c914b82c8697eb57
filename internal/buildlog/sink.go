package buildlog

import (
	"time"

	"github.com/devdeploy/orchestrator/internal/broker"
	"github.com/devdeploy/orchestrator/internal/db"
	"github.com/devdeploy/orchestrator/internal/models"
)

// Sink persists build log entries and pushes every append to live
// subscribers. Entries are durable and replayable through Read.
type Sink struct {
	db     *db.DB
	broker *broker.Broker
}

// NewSink creates a log sink
func NewSink(database *db.DB, b *broker.Broker) *Sink {
	return &Sink{db: database, broker: b}
}

// Append records one log line for the build and broadcasts it on the
// build topic, plus the owner's user topic when the build has one.
func (s *Sink) Append(build *models.Build, stage string, level models.LogLevel, message string) (*models.BuildLogEntry, error) {
	entry := &models.BuildLogEntry{
		BuildID:   build.ID,
		Stage:     stage,
		Level:     level,
		Message:   message,
		CreatedAt: time.Now(),
	}

	if err := s.db.AppendBuildLog(entry); err != nil {
		return nil, err
	}

	env := broker.Envelope{
		Type:      broker.EventBuildLog,
		BuildID:   build.ID,
		ProjectID: build.ProjectID,
		Log:       entry,
		Timestamp: entry.CreatedAt,
	}
	s.broker.Publish(broker.BuildTopic(build.ID), env)
	if build.UserID != "" {
		s.broker.Publish(broker.UserTopic(build.UserID), env)
	}

	return entry, nil
}

// Read returns the full ordered log of a build
func (s *Sink) Read(buildID string) ([]*models.BuildLogEntry, error) {
	return s.db.GetBuildLogs(buildID)
}

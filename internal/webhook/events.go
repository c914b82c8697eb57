package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Header names used by GitHub-style webhook providers
const (
	HeaderEvent     = "X-GitHub-Event"
	HeaderDelivery  = "X-GitHub-Delivery"
	HeaderSignature = "X-Hub-Signature-256"
)

// Event is the closed set of payload variants the ingestor handles.
// ParseEvent always returns one of PushEvent, RunCompletionEvent,
// PingEvent or UnknownEvent, so dispatch matches exhaustively instead
// of falling through a string-keyed handler table.
type Event interface {
	isEvent()
}

// PushEvent is a commit pushed to a repository
type PushEvent struct {
	Ref            string
	CommitHash     string
	CommitMessage  string
	Pusher         string
	RepositoryURLs []string
}

// Branch returns the branch name for a branch push, or "" when the
// ref is not a branch (tags, deletions).
func (e PushEvent) Branch() string {
	if !strings.HasPrefix(e.Ref, "refs/heads/") {
		return ""
	}
	return strings.TrimPrefix(e.Ref, "refs/heads/")
}

// RunCompletionEvent reports the outcome of an externally-run CI job
type RunCompletionEvent struct {
	Action         string
	CommitHash     string
	Conclusion     string
	ExternalURL    string
	RepositoryURLs []string
}

// Completed reports whether the external run actually finished
func (e RunCompletionEvent) Completed() bool {
	return e.Action == "completed"
}

// PingEvent is the provider's webhook configuration check
type PingEvent struct {
	RepositoryURLs []string
}

// UnknownEvent is any event type the ingestor does not handle
type UnknownEvent struct {
	Type string
}

func (PushEvent) isEvent()          {}
func (RunCompletionEvent) isEvent() {}
func (PingEvent) isEvent()          {}
func (UnknownEvent) isEvent()       {}

type repositoryPayload struct {
	CloneURL string `json:"clone_url"`
	HTMLURL  string `json:"html_url"`
	SSHURL   string `json:"ssh_url"`
}

func (r repositoryPayload) urls() []string {
	var urls []string
	for _, u := range []string{r.CloneURL, r.HTMLURL, r.SSHURL} {
		if u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

type pushPayload struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	HeadCommit struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"head_commit"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
	Repository repositoryPayload `json:"repository"`
}

type runDetails struct {
	HeadSHA    string `json:"head_sha"`
	Conclusion string `json:"conclusion"`
	HTMLURL    string `json:"html_url"`
}

type runPayload struct {
	Action      string            `json:"action"`
	WorkflowRun *runDetails       `json:"workflow_run"`
	CheckRun    *runDetails       `json:"check_run"`
	Repository  repositoryPayload `json:"repository"`
}

type pingPayload struct {
	Repository repositoryPayload `json:"repository"`
}

// ParseEvent decodes a raw payload into its event variant. Unhandled
// event types map to UnknownEvent; a malformed payload for a handled
// type is an error. test_push is the synthetic push produced by the
// webhook test endpoint and parses identically to push.
func ParseEvent(eventType string, payload []byte) (Event, error) {
	switch eventType {
	case "push", "test_push":
		var p pushPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("failed to parse %s payload: %w", eventType, err)
		}
		commit := p.After
		if commit == "" {
			commit = p.HeadCommit.ID
		}
		return PushEvent{
			Ref:            p.Ref,
			CommitHash:     commit,
			CommitMessage:  p.HeadCommit.Message,
			Pusher:         p.Pusher.Name,
			RepositoryURLs: p.Repository.urls(),
		}, nil

	case "workflow_run", "check_run":
		var p runPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("failed to parse %s payload: %w", eventType, err)
		}
		run := p.WorkflowRun
		if run == nil {
			run = p.CheckRun
		}
		if run == nil {
			return nil, fmt.Errorf("%s payload carries no run object", eventType)
		}
		return RunCompletionEvent{
			Action:         p.Action,
			CommitHash:     run.HeadSHA,
			Conclusion:     run.Conclusion,
			ExternalURL:    run.HTMLURL,
			RepositoryURLs: p.Repository.urls(),
		}, nil

	case "ping":
		var p pingPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("failed to parse ping payload: %w", err)
		}
		return PingEvent{RepositoryURLs: p.Repository.urls()}, nil

	default:
		return UnknownEvent{Type: eventType}, nil
	}
}

// NormalizeRepoURL reduces a repository URL to a comparable form
func NormalizeRepoURL(url string) string {
	url = strings.TrimSpace(url)
	url = strings.TrimSuffix(url, "/")
	url = strings.TrimSuffix(url, ".git")
	return url
}

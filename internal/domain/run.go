package domain

import (
	"errors"
	"strings"
	"time"
)

// RunStatus is the lifecycle status of a pipeline run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusAborted   RunStatus = "aborted"
)

// NormalizeRunStatus maps free-form status values to canonical run statuses.
func NormalizeRunStatus(value string) RunStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RunStatusPending), "created", "queued":
		return RunStatusPending
	case string(RunStatusRunning):
		return RunStatusRunning
	case string(RunStatusSucceeded), "success":
		return RunStatusSucceeded
	case string(RunStatusFailed), "failure":
		return RunStatusFailed
	case string(RunStatusAborted), "cancelled", "canceled":
		return RunStatusAborted
	default:
		return ""
	}
}

func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusAborted:
		return true
	default:
		return false
	}
}

// CanTransitionRunStatus enforces pending -> running -> terminal. A pending run
// may also be aborted before it starts.
func CanTransitionRunStatus(current, next RunStatus) bool {
	switch current {
	case RunStatusPending:
		return next == RunStatusRunning || next == RunStatusAborted || next == RunStatusFailed
	case RunStatusRunning:
		return next.Terminal()
	default:
		return false
	}
}

// TriggerKind records where a run came from.
type TriggerKind string

const (
	TriggerKindAPI     TriggerKind = "api"
	TriggerKindWebhook TriggerKind = "webhook"
	TriggerKindCLI     TriggerKind = "cli"
)

type Trigger struct {
	SourceRef string            `json:"source_ref"`
	Target    string            `json:"target"`
	Kind      TriggerKind       `json:"kind,omitempty"`
	Actor     string            `json:"actor,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
}

func (t Trigger) Validate() error {
	if strings.TrimSpace(t.SourceRef) == "" {
		return errors.New("source_ref is required")
	}
	if strings.TrimSpace(t.Target) == "" {
		return errors.New("target is required")
	}
	return nil
}

// Failure describes why a run ended in the failed status.
type Failure struct {
	Stage   Stage     `json:"stage"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

type Run struct {
	ID                string
	Trigger           Trigger
	Target            Target
	CurrentStage      Stage
	Status            RunStatus
	Failure           *Failure
	CreatedAt         time.Time
	StartedAt         *time.Time
	EndedAt           *time.Time
	CancelRequestedAt *time.Time
	Attempts          []StageAttempt
}

func (r Run) CancelRequested() bool {
	return r.CancelRequestedAt != nil
}

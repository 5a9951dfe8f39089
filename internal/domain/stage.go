package domain

import (
	"errors"
	"strings"
	"time"
)

type Stage string

const (
	StageBuild   Stage = "build"
	StageTest    Stage = "test"
	StagePublish Stage = "publish"
	StageDeploy  Stage = "deploy"
	StageVerify  Stage = "verify"
)

// Stages is the fixed execution order of a run.
var Stages = []Stage{StageBuild, StageTest, StagePublish, StageDeploy, StageVerify}

func ParseStage(value string) (Stage, error) {
	s := Stage(strings.ToLower(strings.TrimSpace(value)))
	if StageIndex(s) < 0 {
		return "", errors.New("unknown stage: " + value)
	}
	return s, nil
}

// StageIndex returns the position of s in Stages, or -1.
func StageIndex(s Stage) int {
	for i, stage := range Stages {
		if stage == s {
			return i
		}
	}
	return -1
}

type AttemptStatus string

const (
	AttemptStatusRunning   AttemptStatus = "running"
	AttemptStatusSucceeded AttemptStatus = "succeeded"
	AttemptStatusFailed    AttemptStatus = "failed"
)

func (s AttemptStatus) Terminal() bool {
	return s == AttemptStatusSucceeded || s == AttemptStatusFailed
}

// StageAttempt is one ledger entry. Each attempt produces a running entry
// followed by at most one terminal entry.
type StageAttempt struct {
	Seq          int64
	RunID        string
	Stage        Stage
	Attempt      int
	Status       AttemptStatus
	ErrorKind    ErrorKind
	ErrorMessage string
	Artifact     *ArtifactRef
	RecordedAt   time.Time
}

func (a StageAttempt) Validate() error {
	if strings.TrimSpace(a.RunID) == "" {
		return errors.New("run_id is required")
	}
	if StageIndex(a.Stage) < 0 {
		return errors.New("stage is invalid")
	}
	if a.Attempt < 1 {
		return errors.New("attempt must be >= 1")
	}
	switch a.Status {
	case AttemptStatusRunning, AttemptStatusSucceeded:
		if a.ErrorKind != "" {
			return errors.New("error_kind is only valid on failed attempts")
		}
	case AttemptStatusFailed:
		if a.ErrorKind == "" {
			return errors.New("error_kind is required on failed attempts")
		}
	default:
		return errors.New("status is invalid")
	}
	return nil
}

// StageRequest is what an adapter receives for a single stage attempt.
type StageRequest struct {
	RunID     string
	Stage     Stage
	Attempt   int
	Target    Target
	SourceRef string
	Params    map[string]string
	// Artifact is the most recent artifact produced by an earlier stage.
	Artifact *ArtifactRef
}

// Acceptance is the deployer's confirmation that a workload took the artifact.
type Acceptance struct {
	Revision int64  `json:"revision"`
	Message  string `json:"message,omitempty"`
}

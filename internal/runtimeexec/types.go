package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Executor runs a one-shot job on some runtime and reports on it later.
type Executor interface {
	Kind() string
	Submit(ctx context.Context, spec JobSpec) error
	Inspect(ctx context.Context, execution Execution) (Observation, error)
}

type JobSpec struct {
	Name      string
	RunID     string
	Stage     string
	Attempt   int
	Image     string
	Command   []string
	Env       map[string]string
	Namespace string
	Deadline  time.Duration
}

type Execution struct {
	Name      string
	Namespace string
}

type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseRunning   Phase = "running"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
)

func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

type Observation struct {
	Phase   Phase
	Message string
	Details map[string]any
}

var ErrJobNameRequired = errors.New("job name is required")

// JobName derives a DNS-1123 compatible name that is stable for a run, stage
// and attempt, so a resubmission finds the job it already created.
func JobName(prefix, runID, stage string, attempt int) string {
	prefix = sanitizeName(prefix)
	if prefix == "" {
		prefix = "shipyard"
	}
	name := fmt.Sprintf("%s-%s-%s-%d", prefix, sanitizeName(stage), sanitizeName(runID), attempt)
	if len(name) > 63 {
		name = strings.TrimRight(name[:63], "-")
	}
	return name
}

func sanitizeName(v string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(v)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.' || r == '/':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

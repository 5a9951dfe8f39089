package domain

import (
	"errors"
	"strings"
	"time"
)

// Target identifies a deployable workload in a cluster.
type Target struct {
	Name      string `json:"name"`
	Cluster   string `json:"cluster"`
	Namespace string `json:"namespace"`
	Workload  string `json:"workload"`
	Container string `json:"container,omitempty"`
}

// Key is the lock identity of the target.
func (t Target) Key() string {
	return strings.Join([]string{t.Cluster, t.Namespace, t.Workload}, "/")
}

func (t Target) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("target name is required")
	}
	if strings.TrimSpace(t.Cluster) == "" {
		return errors.New("target cluster is required")
	}
	if strings.TrimSpace(t.Namespace) == "" {
		return errors.New("target namespace is required")
	}
	if strings.TrimSpace(t.Workload) == "" {
		return errors.New("target workload is required")
	}
	return nil
}

// TelemetryCheckpoint records that live telemetry was observed for a digest
// running on a target.
type TelemetryCheckpoint struct {
	TargetKey  string
	Digest     string
	RunID      string
	ReadyAt    time.Time
	ObservedAt time.Time
	Samples    float64
}

func (c TelemetryCheckpoint) Validate() error {
	if strings.TrimSpace(c.TargetKey) == "" {
		return errors.New("target_key is required")
	}
	if strings.TrimSpace(c.Digest) == "" {
		return errors.New("digest is required")
	}
	if strings.TrimSpace(c.RunID) == "" {
		return errors.New("run_id is required")
	}
	if c.ObservedAt.IsZero() {
		return errors.New("observed_at is required")
	}
	return nil
}

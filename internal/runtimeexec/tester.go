package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/shipyard-go/internal/domain"
	"github.com/animus-labs/shipyard-go/internal/platform/k8s"
)

const defaultPollInterval = 2 * time.Second

// Tester runs the test stage as a job on an Executor and waits for it.
type Tester struct {
	Executor     Executor
	Logger       *slog.Logger
	NamePrefix   string
	Namespace    string
	Image        string
	Command      []string
	Env          map[string]string
	PollInterval time.Duration
}

// Test submits the job for req and polls until it is terminal. When no image
// is configured the job runs the artifact produced by the build stage.
func (t *Tester) Test(ctx context.Context, req domain.StageRequest) error {
	if t.Executor == nil {
		return domain.Permanent(errors.New("test executor is not configured"))
	}
	image := strings.TrimSpace(t.Image)
	if image == "" && req.Artifact != nil {
		image = strings.TrimSpace(req.Artifact.Tag)
		if image == "" {
			image = req.Artifact.Reference()
		}
	}
	if image == "" {
		return domain.Permanent(errors.New("no test image and no build artifact"))
	}

	spec := JobSpec{
		Name:      JobName(t.NamePrefix, req.RunID, string(req.Stage), req.Attempt),
		RunID:     req.RunID,
		Stage:     string(req.Stage),
		Attempt:   req.Attempt,
		Image:     image,
		Command:   t.Command,
		Env:       mergeEnv(t.Env, req.Params),
		Namespace: t.Namespace,
	}
	if deadline, ok := ctx.Deadline(); ok {
		spec.Deadline = time.Until(deadline)
	}

	if err := t.Executor.Submit(ctx, spec); err != nil {
		return classifySubmit(fmt.Errorf("submit %s job %s: %w", t.Executor.Kind(), spec.Name, err))
	}
	t.logger().Info("test job submitted",
		"run_id", req.RunID,
		"attempt", req.Attempt,
		"executor", t.Executor.Kind(),
		"job", spec.Name,
	)

	interval := t.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	execution := Execution{Name: spec.Name, Namespace: spec.Namespace}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		obs, err := t.Executor.Inspect(ctx, execution)
		if err != nil {
			return domain.Transient(fmt.Errorf("inspect job %s: %w", spec.Name, err))
		}
		switch obs.Phase {
		case PhaseSucceeded:
			return nil
		case PhaseFailed:
			msg := obs.Message
			if msg == "" {
				msg = "job failed"
			}
			return domain.Permanentf("test job %s failed: %s", spec.Name, msg)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for test job %s: %w", spec.Name, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (t *Tester) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

func classifySubmit(err error) error {
	if k8s.IsTransient(err) || errors.Is(err, context.DeadlineExceeded) {
		return domain.Transient(err)
	}
	return domain.Permanent(err)
}

// mergeEnv layers trigger params, upper-cased and prefixed, over the
// configured environment.
func mergeEnv(base map[string]string, params map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(params))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range params {
		key := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(k), "-", "_"))
		if key == "" {
			continue
		}
		out["SHIPYARD_PARAM_"+key] = v
	}
	return out
}

// Package verify decides whether a deployed artifact is live: the workload
// must become ready on the digest, then telemetry must show traffic for it.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/animus-labs/shipyard-go/internal/domain"
)

// ReadinessProbe reports whether target serves ref. The detail string is
// logged while waiting.
type ReadinessProbe interface {
	Ready(ctx context.Context, target domain.Target, ref domain.ArtifactRef) (bool, string, error)
}

// TelemetrySource counts observations attributed to digest since a point in
// time.
type TelemetrySource interface {
	Samples(ctx context.Context, target domain.Target, digest string, since time.Time) (float64, error)
}

type Verifier struct {
	Probe           ReadinessProbe
	Telemetry       TelemetrySource
	Logger          *slog.Logger
	PollInterval    time.Duration
	TelemetryWindow time.Duration
	MinSamples      float64

	now func() time.Time
}

const defaultPollInterval = 5 * time.Second

// DefaultTelemetryWindow applies when Verifier.TelemetryWindow is unset.
const DefaultTelemetryWindow = 2 * time.Minute

// Verify waits for readiness until deadline, then for MinSamples of telemetry
// within TelemetryWindow of becoming ready.
func (v *Verifier) Verify(ctx context.Context, target domain.Target, ref domain.ArtifactRef, deadline time.Time) (domain.TelemetryCheckpoint, error) {
	if v.Probe == nil || v.Telemetry == nil {
		return domain.TelemetryCheckpoint{}, domain.Permanent(errors.New("verifier is missing a probe or telemetry source"))
	}
	logger := v.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := v.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	readyAt, err := v.awaitReady(ctx, logger, interval, target, ref, deadline)
	if err != nil {
		return domain.TelemetryCheckpoint{}, err
	}
	logger.Info("workload ready", "target", target.Key(), "digest", ref.Digest)

	samples, err := v.awaitTelemetry(ctx, logger, interval, target, ref, readyAt)
	if err != nil {
		return domain.TelemetryCheckpoint{}, err
	}
	return domain.TelemetryCheckpoint{
		TargetKey:  target.Key(),
		Digest:     ref.Digest,
		RunID:      ref.RunID,
		ReadyAt:    readyAt,
		ObservedAt: v.clock(),
		Samples:    samples,
	}, nil
}

func (v *Verifier) awaitReady(ctx context.Context, logger *slog.Logger, interval time.Duration, target domain.Target, ref domain.ArtifactRef, deadline time.Time) (time.Time, error) {
	deadline = bound(ctx, deadline)
	timeout := func() error {
		return fmt.Errorf("%s on %s: %w", ref.Digest, target.Key(), domain.ErrVerificationTimeout)
	}
	for {
		ready, detail, err := v.Probe.Ready(ctx, target, ref)
		switch {
		case errors.Is(err, domain.ErrVerificationTimeout):
			return time.Time{}, err
		case ready && err == nil:
			return v.clock(), nil
		case expired(ctx):
			return time.Time{}, timeout()
		case err != nil:
			logger.Warn("readiness probe failed", "target", target.Key(), "error", err)
		default:
			logger.Debug("waiting for readiness", "target", target.Key(), "detail", detail)
		}
		remaining := deadline.Sub(v.clock())
		if remaining <= 0 {
			return time.Time{}, timeout()
		}
		if err := v.sleep(ctx, min(interval, remaining)); err != nil {
			if expired(ctx) {
				return time.Time{}, timeout()
			}
			return time.Time{}, err
		}
	}
}

func (v *Verifier) awaitTelemetry(ctx context.Context, logger *slog.Logger, interval time.Duration, target domain.Target, ref domain.ArtifactRef, readyAt time.Time) (float64, error) {
	window := v.TelemetryWindow
	if window <= 0 {
		window = DefaultTelemetryWindow
	}
	minSamples := v.MinSamples
	if minSamples <= 0 {
		minSamples = 1
	}
	silentAt := bound(ctx, readyAt.Add(window))
	silent := func() error {
		return fmt.Errorf("%s on %s after %s: %w", ref.Digest, target.Key(), window, domain.ErrTelemetrySilent)
	}
	for {
		samples, err := v.Telemetry.Samples(ctx, target, ref.Digest, readyAt)
		switch {
		case err == nil && samples >= minSamples:
			logger.Info("telemetry observed", "target", target.Key(), "digest", ref.Digest, "samples", samples)
			return samples, nil
		case expired(ctx):
			return 0, silent()
		case err != nil:
			logger.Warn("telemetry query failed", "target", target.Key(), "error", err)
		}
		remaining := silentAt.Sub(v.clock())
		if remaining <= 0 {
			return 0, silent()
		}
		if err := v.sleep(ctx, min(interval, remaining)); err != nil {
			if expired(ctx) {
				return 0, silent()
			}
			return 0, err
		}
	}
}

// bound returns the earlier of t and ctx's deadline. Both phases end there
// with their own sentinel rather than the context error.
func bound(ctx context.Context, t time.Time) time.Time {
	if d, ok := ctx.Deadline(); ok && d.Before(t) {
		return d
	}
	return t
}

func expired(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func (v *Verifier) clock() time.Time {
	if v.now != nil {
		return v.now()
	}
	return time.Now()
}

func (v *Verifier) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

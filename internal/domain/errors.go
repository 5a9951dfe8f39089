package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies a stage failure for retry and reporting.
type ErrorKind string

const (
	ErrorKindTransient           ErrorKind = "transient"
	ErrorKindPermanent           ErrorKind = "permanent"
	ErrorKindVerificationTimeout ErrorKind = "verification_timeout"
	ErrorKindTelemetrySilent     ErrorKind = "telemetry_silent"
	ErrorKindIntegrity           ErrorKind = "integrity"
	ErrorKindRunTimeout          ErrorKind = "run_timeout"
	ErrorKindRetriesExhausted    ErrorKind = "retries_exhausted"
	ErrorKindInterrupted         ErrorKind = "interrupted"
	ErrorKindConflict            ErrorKind = "conflict"
)

// Retryable reports whether the orchestrator may dispatch the stage again.
func (k ErrorKind) Retryable() bool {
	return k == ErrorKindTransient || k == ErrorKindInterrupted
}

var (
	ErrVerificationTimeout = errors.New("deployment did not become ready before the verification deadline")
	ErrTelemetrySilent     = errors.New("no telemetry observed for the deployed artifact within the window")
	ErrRunNotFound         = errors.New("run not found")
	ErrRunFinished         = errors.New("run already finished")
	ErrTargetNotFound      = errors.New("target not found")
)

// ConflictError is returned when a target is already locked by another run.
type ConflictError struct {
	TargetKey   string
	HolderRunID string
}

func (e *ConflictError) Error() string {
	if e.HolderRunID == "" {
		return fmt.Sprintf("target %s is locked by another run", e.TargetKey)
	}
	return fmt.Sprintf("target %s is locked by run %s", e.TargetKey, e.HolderRunID)
}

// IntegrityError reports a digest that was produced from two different sources.
type IntegrityError struct {
	Digest         string
	RecordedSource string
	NewSource      string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("digest %s already recorded for source %q, refusing source %q", e.Digest, e.RecordedSource, e.NewSource)
}

// StageError carries an explicit classification from an adapter.
type StageError struct {
	Kind  ErrorKind
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	msg := "<nil>"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Stage == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Stage, e.Kind, msg)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Kind: ErrorKindTransient, Err: err}
}

// Permanent marks err as fatal for the run.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Kind: ErrorKindPermanent, Err: err}
}

// Transientf and Permanentf are fmt.Errorf variants of Transient and Permanent.
func Transientf(format string, args ...any) error {
	return Transient(fmt.Errorf(format, args...))
}

func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// Classify maps an error returned by an adapter or the verifier to an
// ErrorKind. Untyped errors are permanent unless they are timeouts.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var integrity *IntegrityError
	if errors.As(err, &integrity) {
		return ErrorKindIntegrity
	}
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return ErrorKindConflict
	}
	if errors.Is(err, ErrVerificationTimeout) {
		return ErrorKindVerificationTimeout
	}
	if errors.Is(err, ErrTelemetrySilent) {
		return ErrorKindTelemetrySilent
	}
	var stageErr *StageError
	if errors.As(err, &stageErr) && stageErr.Kind != "" {
		return stageErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorKindTransient
	}
	return ErrorKindPermanent
}

// ParseErrorKind accepts stored kind strings.
func ParseErrorKind(value string) ErrorKind {
	kind := ErrorKind(strings.ToLower(strings.TrimSpace(value)))
	switch kind {
	case ErrorKindTransient, ErrorKindPermanent, ErrorKindVerificationTimeout, ErrorKindTelemetrySilent,
		ErrorKindIntegrity, ErrorKindRunTimeout, ErrorKindRetriesExhausted, ErrorKindInterrupted, ErrorKindConflict:
		return kind
	default:
		return ""
	}
}

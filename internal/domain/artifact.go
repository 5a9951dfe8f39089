package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ArtifactRef identifies an immutable built or published artifact by digest.
type ArtifactRef struct {
	Digest     string    `json:"digest"`
	Tag        string    `json:"tag,omitempty"`
	Location   string    `json:"location,omitempty"`
	SourceRef  string    `json:"source_ref"`
	RunID      string    `json:"run_id,omitempty"`
	Stage      Stage     `json:"stage,omitempty"`
	RecordedAt time.Time `json:"recorded_at,omitempty"`
}

func (a ArtifactRef) Validate() error {
	if strings.TrimSpace(a.Digest) == "" {
		return errors.New("digest is required")
	}
	if strings.TrimSpace(a.SourceRef) == "" {
		return errors.New("source_ref is required")
	}
	return nil
}

// Reference renders the pull reference, pinned by digest when the location is
// an image repository.
func (a ArtifactRef) Reference() string {
	loc := strings.TrimSpace(a.Location)
	if loc == "" {
		return a.Digest
	}
	if strings.Contains(loc, "://") {
		return loc
	}
	return loc + "@" + a.Digest
}

// EnsureArtifactConsistent returns an IntegrityError when the same digest was
// produced from a different source.
func EnsureArtifactConsistent(recorded, candidate ArtifactRef) error {
	if recorded.Digest != candidate.Digest {
		return fmt.Errorf("digest mismatch: %q != %q", recorded.Digest, candidate.Digest)
	}
	if strings.TrimSpace(recorded.SourceRef) != strings.TrimSpace(candidate.SourceRef) {
		return &IntegrityError{
			Digest:         candidate.Digest,
			RecordedSource: recorded.SourceRef,
			NewSource:      candidate.SourceRef,
		}
	}
	return nil
}

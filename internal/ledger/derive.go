package ledger

import "github.com/animus-labs/shipyard-go/internal/domain"

// StageState is the collapsed view of one stage's ledger entries.
type StageState struct {
	Stage domain.Stage
	// Attempts is the highest attempt number recorded.
	Attempts int
	// Status of the latest attempt; running when it has no terminal entry.
	Status       domain.AttemptStatus
	ErrorKind    domain.ErrorKind
	ErrorMessage string
	Artifact     *domain.ArtifactRef
	// TransientFailures counts failed attempts that count toward the retry
	// ceiling. Interrupted attempts do not.
	TransientFailures int
}

func (s StageState) Succeeded() bool {
	return s.Status == domain.AttemptStatusSucceeded
}

// Dangling reports an attempt that started but never recorded an outcome.
func (s StageState) Dangling() bool {
	return s.Attempts > 0 && s.Status == domain.AttemptStatusRunning
}

// Derive collapses ordered ledger entries into per-stage state.
func Derive(entries []domain.StageAttempt) map[domain.Stage]StageState {
	out := make(map[domain.Stage]StageState, len(domain.Stages))
	for _, e := range entries {
		st := out[e.Stage]
		st.Stage = e.Stage
		if e.Attempt > st.Attempts {
			st.Attempts = e.Attempt
			st.Status = e.Status
			st.ErrorKind = e.ErrorKind
			st.ErrorMessage = e.ErrorMessage
		} else if e.Attempt == st.Attempts && e.Status.Terminal() {
			st.Status = e.Status
			st.ErrorKind = e.ErrorKind
			st.ErrorMessage = e.ErrorMessage
		}
		if e.Status == domain.AttemptStatusSucceeded && e.Artifact != nil {
			ref := *e.Artifact
			st.Artifact = &ref
		}
		if e.Status == domain.AttemptStatusFailed && e.ErrorKind == domain.ErrorKindTransient {
			st.TransientFailures++
		}
		out[e.Stage] = st
	}
	return out
}

// Collapse returns one entry per (stage, attempt): the terminal entry when
// present, otherwise the running entry. Order follows first appearance.
func Collapse(entries []domain.StageAttempt) []domain.StageAttempt {
	type key struct {
		stage   domain.Stage
		attempt int
	}
	index := map[key]int{}
	out := make([]domain.StageAttempt, 0, len(entries))
	for _, e := range entries {
		k := key{e.Stage, e.Attempt}
		if i, ok := index[k]; ok {
			if e.Status.Terminal() {
				out[i] = e
			}
			continue
		}
		index[k] = len(out)
		out = append(out, e)
	}
	return out
}

// ResumePoint returns the index in domain.Stages of the first stage without
// a succeeded attempt, and the latest artifact produced before it.
func ResumePoint(states map[domain.Stage]StageState) (int, *domain.ArtifactRef) {
	var artifact *domain.ArtifactRef
	for i, stage := range domain.Stages {
		st := states[stage]
		if !st.Succeeded() {
			return i, artifact
		}
		if st.Artifact != nil {
			artifact = st.Artifact
		}
	}
	return len(domain.Stages), artifact
}

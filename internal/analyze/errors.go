package analyze

import (
	"errors"
	"fmt"

	"livestory/internal/domain"
)

var ErrAnalysisUnavailable = errors.New("analysis unavailable")

// AnalysisUnavailableError reports a failed or timed out generator call. No
// proposals are produced for the detection event that caused it.
type AnalysisUnavailableError struct {
	ProjectID   string
	SourcePhase domain.Phase
	TargetPhase domain.Phase
	Err         error
}

func (e *AnalysisUnavailableError) Error() string {
	return fmt.Sprintf("analysis unavailable for project %s (%s -> %s): %v", e.ProjectID, e.SourcePhase, e.TargetPhase, e.Err)
}

func (e *AnalysisUnavailableError) Unwrap() error { return e.Err }

func (e *AnalysisUnavailableError) Is(target error) bool {
	return target == ErrAnalysisUnavailable
}

package jobs

import (
	"fmt"
	"time"
)

// State is the job state machine position. COMPLETED, FAILED and
// CANCELLED are terminal; FAILED and CANCELLED are reachable from any
// non-terminal state.
type State string

const (
	StatePending        State = "pending"
	StateParsing        State = "parsing"
	StateSegmenting     State = "segmenting"
	StateTranslating    State = "translating"
	StateReconstructing State = "reconstructing"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
	StateCancelled      State = "cancelled"
)

func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// forward transitions; FAILED and CANCELLED are additionally allowed
// from every non-terminal state.
var transitions = map[State][]State{
	StatePending:        {StateParsing},
	StateParsing:        {StateSegmenting},
	StateSegmenting:     {StateTranslating, StateReconstructing},
	StateTranslating:    {StateReconstructing},
	StateReconstructing: {StateCompleted},
}

// CanTransition reports whether moving from s to next is legal.
func (s State) CanTransition(next State) bool {
	if s.Terminal() {
		return false
	}
	if next == StateFailed || next == StateCancelled {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Descriptor is the intake contract handed over by the queue
// collaborator. PartialFailureAllowed is deliberately a pointer: the
// field is required and carries no implicit default, because silently
// picking one would mask translation completeness.
type Descriptor struct {
	JobID          string `json:"job_id,omitempty"`
	SourcePath     string `json:"source_path"`
	OutputPath     string `json:"output_path,omitempty"`
	SourceLanguage string `json:"source_language,omitempty"`
	TargetLanguage string `json:"target_language"`
	Style          string `json:"style,omitempty"`

	PartialFailureAllowed *bool `json:"partial_failure_allowed"`

	// TimeoutSeconds is the job's wall-clock budget; zero falls back to
	// the configured default.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

func (d Descriptor) Validate() error {
	if d.SourcePath == "" {
		return fmt.Errorf("source_path is required")
	}
	if d.TargetLanguage == "" {
		return fmt.Errorf("target_language is required")
	}
	if d.PartialFailureAllowed == nil {
		return fmt.Errorf("partial_failure_allowed is required and has no default")
	}
	return nil
}

// TranslationJob is one document's end-to-end pass through the pipeline.
// Only the pipeline runner moves it between states; terminal states are
// never left.
type TranslationJob struct {
	ID         string     `json:"id"`
	Descriptor Descriptor `json:"descriptor"`

	State          State `json:"state"`
	Progress       int   `json:"progress_percent"`
	Degraded       bool  `json:"degraded,omitempty"`
	FailedSegments []int `json:"failed_segments,omitempty"`

	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`

	OutputPath string `json:"output_path,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusUpdate is pushed to the job store after every state transition
// and after every translation batch.
type StatusUpdate struct {
	JobID          string `json:"job_id"`
	State          State  `json:"state"`
	Progress       int    `json:"progress_percent"`
	Degraded       bool   `json:"degraded,omitempty"`
	FailedSegments []int  `json:"failed_segments,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
	Error          string `json:"error,omitempty"`
	OutputPath     string `json:"output_path,omitempty"`
}

package research

import "time"

// Stage identifies a state of the research workflow. Progress events carry
// the stage they were emitted from, in the order the machine actually
// transitioned.
type Stage string

const (
	StageClarifying              Stage = "clarifying"
	StageBackgroundInvestigating Stage = "background_investigating"
	StagePlanning                Stage = "planning"
	StageAwaitingApproval        Stage = "awaiting_approval"
	StageExecutingStep           Stage = "executing_step"
	StageReporting               Stage = "reporting"
	StageDone                    Stage = "done"
	StageNeedsClarification      Stage = "needs_clarification"
	StageFailed                  Stage = "failed"
	StageCancelled               Stage = "cancelled"
)

// Terminal reports whether the stage ends the session.
func (s Stage) Terminal() bool {
	switch s {
	case StageDone, StageNeedsClarification, StageFailed, StageCancelled:
		return true
	}
	return false
}

// ProgressEvent is one entry in a session's ordered event stream. Plan,
// CurrentStepIndex and TotalSteps are nil when the stage has no plan context.
type ProgressEvent struct {
	ResearchID       string    `json:"research_id"`
	Stage            Stage     `json:"stage"`
	Message          string    `json:"message"`
	Plan             *Plan     `json:"plan,omitempty"`
	CurrentStepIndex *int      `json:"current_step_index,omitempty"`
	TotalSteps       *int      `json:"total_steps,omitempty"`
	ObservationCount int       `json:"observation_count"`
	Timestamp        time.Time `json:"timestamp"`
}

// PlanDecision is the caller's verdict on a plan awaiting approval when
// auto-accept is disabled.
type PlanDecision struct {
	Approve    bool   `json:"approve"`
	EditedPlan *Plan  `json:"edited_plan,omitempty"`
	Feedback   string `json:"feedback,omitempty"`
}

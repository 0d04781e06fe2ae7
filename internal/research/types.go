package research

import (
	"context"
	"time"
)

// StepType distinguishes information gathering from computation.
type StepType string

const (
	StepTypeResearch   StepType = "research"
	StepTypeProcessing StepType = "processing"
)

// StepStatus tracks a step through its lifecycle. Transitions only go
// pending -> running -> completed or failed.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Step is one unit of work within a plan. Title, description, type and
// need_search are fixed at plan creation; only status and execution_result
// change during execution.
type Step struct {
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	StepType        StepType   `json:"step_type"`
	NeedSearch      bool       `json:"need_search"`
	Status          StepStatus `json:"status"`
	ExecutionResult string     `json:"execution_result,omitempty"`
}

// Plan is one planner iteration's output. A new Plan instance replaces it on
// re-planning; step content is never rewritten retroactively, only the
// current plan's step status and execution_result advance.
type Plan struct {
	Title            string `json:"title"`
	Thought          string `json:"thought"`
	Steps            []Step `json:"steps"`
	HasEnoughContext bool   `json:"has_enough_context"`
	Locale           string `json:"locale"`
}

// Clone returns a deep copy, so event consumers never observe later step
// mutations. Returns nil for a nil plan.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Steps = append([]Step(nil), p.Steps...)
	return &cp
}

// Observation is one immutable finding accumulated during the session.
// StepIndex is -1 for findings produced before any plan exists, such as
// background investigation results.
type Observation struct {
	StepIndex int    `json:"step_index"`
	Content   string `json:"content"`
}

// Resource is a source consulted during execution, deduplicated by URL
// within the session.
type Resource struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// SessionConfig is the immutable per-session configuration snapshot.
type SessionConfig struct {
	MaxStepNum                    int
	MaxPlanIterations             int
	EnableClarification           bool
	EnableBackgroundInvestigation bool
	AutoAcceptPlan                bool
	AbortOnStepFailure            bool
	ReportStyle                   string
	Locale                        string
}

// TerminalState is the final state of a finished session.
type TerminalState string

const (
	StateDone               TerminalState = "done"
	StateNeedsClarification TerminalState = "needs_clarification"
	StateFailed             TerminalState = "failed"
	StateCancelled          TerminalState = "cancelled"
)

// ResultMetadata carries execution accounting for a finished session.
type ResultMetadata struct {
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at"`
	Duration       time.Duration `json:"duration"`
	PlanIterations int           `json:"plan_iterations"`
	StepsExecuted  int           `json:"steps_executed"`
	TokensUsed     int64         `json:"tokens_used"`
	CostEstimate   float64       `json:"cost_estimate"`
}

// Result is the deterministic terminal structure of a session. FinalReport is
// set for done, Question for needs_clarification, ErrorSummary for failed.
// Plan, observations and resources hold whatever was accumulated, whichever
// way the session ended.
type Result struct {
	ResearchID     string         `json:"research_id"`
	Query          string         `json:"query"`
	ClarifiedQuery string         `json:"clarified_query"`
	Locale         string         `json:"locale"`
	State          TerminalState  `json:"state"`
	Plan           *Plan          `json:"plan,omitempty"`
	FinalReport    string         `json:"final_report,omitempty"`
	Question       string         `json:"question,omitempty"`
	ErrorSummary   string         `json:"error_summary,omitempty"`
	Observations   []Observation  `json:"observations"`
	Resources      []Resource     `json:"resources"`
	Metadata       ResultMetadata `json:"metadata"`
}

// ClarifyOutcome is the clarifier's verdict: either proceed with a possibly
// refined query, or pause the session and hand a question back to the caller.
type ClarifyOutcome struct {
	Proceed        bool   `json:"proceed"`
	ClarifiedQuery string `json:"clarified_query,omitempty"`
	Question       string `json:"question,omitempty"`
}

// StepResult is what the executor hands back for one step.
type StepResult struct {
	Status          StepStatus
	ExecutionResult string
	Resources       []Resource
}

// StepContext is the session view a step executor receives: the query being
// researched, prior observations it may consult, and the session locale.
type StepContext struct {
	ResearchID   string
	Query        string
	Locale       string
	StepIndex    int
	Observations []Observation
}

// Clarifier inspects the query for ambiguity before planning starts.
type Clarifier interface {
	Clarify(ctx context.Context, query string, cfg SessionConfig) (ClarifyOutcome, error)
}

// BackgroundInvestigator seeds observations with a quick best-effort search
// before the first plan is generated.
type BackgroundInvestigator interface {
	Investigate(ctx context.Context, query string, cfg SessionConfig) ([]Observation, error)
}

// Planner produces or revises a plan from the query and everything observed
// so far.
type Planner interface {
	Plan(ctx context.Context, query string, observations []Observation, locale string, iteration int) (*Plan, error)
}

// StepExecutor runs a single step. It performs no retries; failure policy is
// the orchestrator's concern.
type StepExecutor interface {
	Execute(ctx context.Context, step Step, sc StepContext) (StepResult, error)
}

// Reporter renders the final report. It must be deterministic for identical
// inputs and must incorporate every observation from the whole session.
type Reporter interface {
	Render(query string, plan *Plan, observations []Observation, resources []Resource, style string) string
}

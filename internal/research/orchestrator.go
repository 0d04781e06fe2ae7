package research

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var orchestratorTracer trace.Tracer = otel.Tracer("deepresearch/internal/research/orchestrator")

const eventBufferSize = 128

// Orchestrator drives research sessions through the workflow state machine.
// It holds only stateless collaborators and is safe for concurrent use;
// every session owns its own isolated context.
type Orchestrator struct {
	logger       *log.Logger
	telemetry    *telemetry.Telemetry
	clarifier    Clarifier
	investigator BackgroundInvestigator
	planner      Planner
	executor     StepExecutor
	reporter     Reporter
	usage        *UsageMeter
}

// NewOrchestrator wires the stage collaborators together.
func NewOrchestrator(tel *telemetry.Telemetry, clarifier Clarifier, investigator BackgroundInvestigator, planner Planner, executor StepExecutor, reporter Reporter, usage *UsageMeter) *Orchestrator {
	return &Orchestrator{
		logger:       log.New(log.Writer(), "[ORCH] ", log.LstdFlags),
		telemetry:    tel,
		clarifier:    clarifier,
		investigator: investigator,
		planner:      planner,
		executor:     executor,
		reporter:     reporter,
		usage:        usage,
	}
}

// Session is one running research request. Events delivers the ordered
// progress stream; Wait blocks until the terminal result is available.
type Session struct {
	ID string

	events    chan ProgressEvent
	approvals chan PlanDecision
	done      chan struct{}
	cancel    context.CancelFunc

	mu     sync.Mutex
	result *Result
}

// Events returns the session's progress stream. The channel is closed after
// the terminal event; it is finite and not restartable.
func (s *Session) Events() <-chan ProgressEvent { return s.events }

// Approve delivers the caller's verdict on a plan awaiting approval.
func (s *Session) Approve(ctx context.Context, d PlanDecision) error {
	select {
	case s.approvals <- d:
		return nil
	case <-s.done:
		return fmt.Errorf("session %s already finished", s.ID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops the session at its next suspension point.
func (s *Session) Cancel() { s.cancel() }

// Wait drains remaining events and returns the terminal result.
func (s *Session) Wait(ctx context.Context) (*Result, error) {
	for {
		select {
		case _, ok := <-s.events:
			if !ok {
				s.mu.Lock()
				defer s.mu.Unlock()
				return s.result, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Result returns the terminal result, or nil while the session is running.
func (s *Session) Result() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// sessionState is the orchestrator's working state for one request. Owned by
// a single goroutine; never shared across sessions.
type sessionState struct {
	researchID     string
	originalQuery  string
	clarifiedQuery string
	locale         string
	cfg            SessionConfig
	startedAt      time.Time

	plan           *Plan
	planIterations int
	stepsExecuted  int
	observations   []Observation
	resources      []Resource
	seenURLs       map[string]bool
}

// SessionConfigFromResearch builds a per-session snapshot from the loaded
// application config.
func SessionConfigFromResearch(rc config.ResearchConfig) SessionConfig {
	return SessionConfig{
		MaxStepNum:                    rc.MaxStepNum,
		MaxPlanIterations:             rc.MaxPlanIterations,
		EnableClarification:           rc.EnableClarification,
		EnableBackgroundInvestigation: rc.EnableBackgroundInvestigation,
		AutoAcceptPlan:                rc.AutoAcceptPlan,
		AbortOnStepFailure:            rc.AbortOnStepFailure,
		ReportStyle:                   rc.ReportStyle,
		Locale:                        rc.Locale,
	}
}

// Start validates the request and launches the state machine in its own
// goroutine. The returned session's event stream begins immediately.
func (o *Orchestrator) Start(ctx context.Context, query string, cfg SessionConfig) (*Session, error) {
	if strings.TrimSpace(query) == "" {
		return nil, &ConfigurationError{Field: "query", Reason: "must not be empty"}
	}
	if cfg.MaxStepNum <= 0 {
		return nil, &ConfigurationError{Field: "max_step_num", Reason: "must be positive"}
	}
	if cfg.MaxPlanIterations <= 0 {
		return nil, &ConfigurationError{Field: "max_plan_iterations", Reason: "must be positive"}
	}
	if cfg.Locale == "" {
		cfg.Locale = "en-US"
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:        uuid.New().String(),
		events:    make(chan ProgressEvent, eventBufferSize),
		approvals: make(chan PlanDecision),
		done:      make(chan struct{}),
		cancel:    cancel,
	}

	st := &sessionState{
		researchID:     s.ID,
		originalQuery:  query,
		clarifiedQuery: query,
		locale:         cfg.Locale,
		cfg:            cfg,
		startedAt:      time.Now().UTC(),
		seenURLs:       make(map[string]bool),
	}

	go o.run(sctx, s, st)
	return s, nil
}

// run is the state machine loop. Each case handles one stage and returns the
// next; terminal stages finish the session and exit.
func (o *Orchestrator) run(ctx context.Context, s *Session, st *sessionState) {
	defer s.cancel()

	ctx = WithResearchID(ctx, st.researchID)
	ctx, span := orchestratorTracer.Start(ctx, "research.session",
		trace.WithAttributes(
			attribute.String("research.id", st.researchID),
			attribute.String("research.locale", st.locale),
		))
	defer span.End()

	stage := StagePlanning
	switch {
	case st.cfg.EnableClarification:
		stage = StageClarifying
	case st.cfg.EnableBackgroundInvestigation:
		stage = StageBackgroundInvestigating
	}

	for {
		select {
		case <-ctx.Done():
			o.finish(ctx, s, st, span, StateCancelled, "session cancelled")
			return
		default:
		}

		switch stage {
		case StageClarifying:
			next, terminal, detail := o.stageClarify(ctx, s, st)
			if terminal != "" {
				o.finish(ctx, s, st, span, terminal, detail)
				return
			}
			stage = next

		case StageBackgroundInvestigating:
			stage = o.stageInvestigate(ctx, s, st)

		case StagePlanning:
			next, terminal, detail := o.stagePlan(ctx, s, st)
			if terminal != "" {
				o.finish(ctx, s, st, span, terminal, detail)
				return
			}
			stage = next

		case StageAwaitingApproval:
			next, terminal, detail := o.stageAwaitApproval(ctx, s, st)
			if terminal != "" {
				o.finish(ctx, s, st, span, terminal, detail)
				return
			}
			stage = next

		case StageExecutingStep:
			next, terminal, detail := o.stageExecute(ctx, s, st)
			if terminal != "" {
				o.finish(ctx, s, st, span, terminal, detail)
				return
			}
			stage = next

		case StageReporting:
			o.stageReport(ctx, s, st)
			o.finish(ctx, s, st, span, StateDone, "")
			return

		default:
			o.finish(ctx, s, st, span, StateFailed, fmt.Sprintf("unknown stage %q", stage))
			return
		}
	}
}

func (o *Orchestrator) stageClarify(ctx context.Context, s *Session, st *sessionState) (Stage, TerminalState, string) {
	o.emit(ctx, s, ProgressEvent{Stage: StageClarifying, Message: "checking query for ambiguity"}, st)

	ctx, span := orchestratorTracer.Start(ctx, "research.clarify")
	outcome, err := o.clarifier.Clarify(ctx, st.originalQuery, st.cfg)
	span.End()

	if err != nil {
		if ctx.Err() != nil {
			return "", StateCancelled, "session cancelled"
		}
		// Clarification is a best-effort gate; proceed with the original
		// query rather than failing the whole session.
		o.logger.Printf("[%s] clarifier error, proceeding with original query: %v", st.researchID, err)
		return o.afterClarify(st), "", ""
	}
	if !outcome.Proceed {
		st.clarifiedQuery = st.originalQuery
		return "", StateNeedsClarification, outcome.Question
	}
	if q := strings.TrimSpace(outcome.ClarifiedQuery); q != "" {
		st.clarifiedQuery = q
	}
	return o.afterClarify(st), "", ""
}

func (o *Orchestrator) afterClarify(st *sessionState) Stage {
	if st.cfg.EnableBackgroundInvestigation {
		return StageBackgroundInvestigating
	}
	return StagePlanning
}

func (o *Orchestrator) stageInvestigate(ctx context.Context, s *Session, st *sessionState) Stage {
	o.emit(ctx, s, ProgressEvent{Stage: StageBackgroundInvestigating, Message: "running background investigation"}, st)

	ctx, span := orchestratorTracer.Start(ctx, "research.investigate")
	obs, err := o.investigator.Investigate(ctx, st.clarifiedQuery, st.cfg)
	span.End()

	if err != nil {
		// Best effort by contract: log and plan with what we have.
		o.logger.Printf("[%s] background investigation failed, continuing: %v", st.researchID, err)
		return StagePlanning
	}
	for _, ob := range obs {
		ob.StepIndex = -1
		st.observations = append(st.observations, ob)
	}
	return StagePlanning
}

func (o *Orchestrator) stagePlan(ctx context.Context, s *Session, st *sessionState) (Stage, TerminalState, string) {
	if st.planIterations >= st.cfg.MaxPlanIterations {
		// Iteration budget spent. Not an error; report with what we have.
		return StageReporting, "", ""
	}

	o.emit(ctx, s, ProgressEvent{Stage: StagePlanning, Message: fmt.Sprintf("generating plan (iteration %d)", st.planIterations+1)}, st)

	ctx, span := orchestratorTracer.Start(ctx, "research.plan",
		trace.WithAttributes(attribute.Int("plan.iteration", st.planIterations)))
	plan, err := o.planner.Plan(ctx, st.clarifiedQuery, st.observations, st.locale, st.planIterations)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.End()
		if ctx.Err() != nil {
			return "", StateCancelled, "session cancelled"
		}
		cerr := &CollaboratorError{Stage: StagePlanning, Err: err}
		return "", StateFailed, cerr.Error()
	}
	span.End()

	if plan.Locale == "" {
		plan.Locale = st.locale
	}
	for i := range plan.Steps {
		plan.Steps[i].Status = StepPending
		plan.Steps[i].ExecutionResult = ""
	}
	st.plan = plan
	st.planIterations++
	st.stepsExecuted = 0
	o.telemetry.RecordPlan()
	o.logger.Printf("[%s] plan %d: %q with %d steps (has_enough_context=%v)",
		st.researchID, st.planIterations, plan.Title, len(plan.Steps), plan.HasEnoughContext)

	// An empty plan means the planner can already answer; a plan with steps
	// always executes them. HasEnoughContext only suppresses re-planning
	// after this plan's steps finish.
	if len(plan.Steps) == 0 {
		return StageReporting, "", ""
	}
	if !st.cfg.AutoAcceptPlan {
		return StageAwaitingApproval, "", ""
	}
	return StageExecutingStep, "", ""
}

func (o *Orchestrator) stageAwaitApproval(ctx context.Context, s *Session, st *sessionState) (Stage, TerminalState, string) {
	o.emit(ctx, s, ProgressEvent{Stage: StageAwaitingApproval, Message: "plan ready, awaiting approval"}, st)

	select {
	case d := <-s.approvals:
		if !d.Approve {
			msg := "plan rejected"
			if d.Feedback != "" {
				msg = "plan rejected: " + d.Feedback
			}
			return "", StateCancelled, msg
		}
		if d.EditedPlan != nil {
			edited := *d.EditedPlan
			if edited.Locale == "" {
				edited.Locale = st.locale
			}
			for i := range edited.Steps {
				edited.Steps[i].Status = StepPending
				edited.Steps[i].ExecutionResult = ""
			}
			st.plan = &edited
			st.stepsExecuted = 0
		}
		if len(st.plan.Steps) == 0 {
			return StageReporting, "", ""
		}
		return StageExecutingStep, "", ""
	case <-ctx.Done():
		return "", StateCancelled, "session cancelled"
	}
}

func (o *Orchestrator) stageExecute(ctx context.Context, s *Session, st *sessionState) (Stage, TerminalState, string) {
	idx := nextPendingStep(st.plan)
	if idx < 0 {
		// Plan exhausted. Re-plan only if the planner said context was
		// insufficient and the iteration budget allows another pass.
		if !st.plan.HasEnoughContext && st.planIterations < st.cfg.MaxPlanIterations {
			return StagePlanning, "", ""
		}
		return StageReporting, "", ""
	}

	step := st.plan.Steps[idx]
	total := len(st.plan.Steps)
	o.emit(ctx, s, ProgressEvent{
		Stage:            StageExecutingStep,
		Message:          fmt.Sprintf("executing step %d/%d: %s", idx+1, total, step.Title),
		CurrentStepIndex: intPtr(idx),
		TotalSteps:       intPtr(total),
	}, st)

	st.plan.Steps[idx].Status = StepRunning

	ctx, span := orchestratorTracer.Start(ctx, "research.step",
		trace.WithAttributes(
			attribute.Int("step.index", idx),
			attribute.String("step.type", string(step.StepType)),
		))
	res, err := o.executor.Execute(ctx, step, StepContext{
		ResearchID:   st.researchID,
		Query:        st.clarifiedQuery,
		Locale:       st.locale,
		StepIndex:    idx,
		Observations: st.observations,
	})
	span.End()

	if ctx.Err() != nil {
		// Cancelled mid-step: the step was released, not completed.
		st.plan.Steps[idx].Status = StepPending
		return "", StateCancelled, "session cancelled"
	}

	if err != nil || res.Status == StepFailed {
		summary := res.ExecutionResult
		if summary == "" && err != nil {
			summary = err.Error()
		}
		st.plan.Steps[idx].Status = StepFailed
		st.plan.Steps[idx].ExecutionResult = "step failed: " + summary
		st.observations = append(st.observations, Observation{StepIndex: idx, Content: fmt.Sprintf("Step %d (%s) failed: %s", idx+1, step.Title, summary)})
		o.telemetry.RecordStep(string(StepFailed), string(step.StepType))
		o.logger.Printf("[%s] step %d failed: %s", st.researchID, idx+1, summary)

		if st.cfg.AbortOnStepFailure {
			cerr := &CollaboratorError{Stage: StageExecutingStep, Err: fmt.Errorf("step %d: %s", idx+1, summary)}
			return "", StateFailed, cerr.Error()
		}
	} else {
		st.plan.Steps[idx].Status = StepCompleted
		st.plan.Steps[idx].ExecutionResult = res.ExecutionResult
		st.observations = append(st.observations, Observation{StepIndex: idx, Content: res.ExecutionResult})
		for _, r := range res.Resources {
			if r.URL == "" || st.seenURLs[r.URL] {
				continue
			}
			st.seenURLs[r.URL] = true
			st.resources = append(st.resources, r)
		}
		o.telemetry.RecordStep(string(StepCompleted), string(step.StepType))
	}

	st.stepsExecuted++
	if st.stepsExecuted >= st.cfg.MaxStepNum {
		// Step budget spent for this plan; budget exhaustion is normal
		// termination, not an error.
		return StageReporting, "", ""
	}
	return StageExecutingStep, "", ""
}

func (o *Orchestrator) stageReport(ctx context.Context, s *Session, st *sessionState) {
	o.emit(ctx, s, ProgressEvent{Stage: StageReporting, Message: "synthesizing final report"}, st)
}

// finish builds the terminal result, emits the terminal event and closes the
// stream. Accumulated plan, observations and resources are always preserved.
func (o *Orchestrator) finish(ctx context.Context, s *Session, st *sessionState, span trace.Span, state TerminalState, detail string) {
	now := time.Now().UTC()
	res := &Result{
		ResearchID:     st.researchID,
		Query:          st.originalQuery,
		ClarifiedQuery: st.clarifiedQuery,
		Locale:         st.locale,
		State:          state,
		Plan:           st.plan,
		Observations:   append([]Observation(nil), st.observations...),
		Resources:      append([]Resource(nil), st.resources...),
		Metadata: ResultMetadata{
			StartedAt:      st.startedAt,
			FinishedAt:     now,
			Duration:       now.Sub(st.startedAt),
			PlanIterations: st.planIterations,
			StepsExecuted:  completedOrFailedSteps(st.plan),
		},
	}
	if o.usage != nil {
		res.Metadata.TokensUsed, res.Metadata.CostEstimate = o.usage.Take(st.researchID)
	}

	var msg string
	switch state {
	case StateDone:
		res.FinalReport = o.reporter.Render(st.clarifiedQuery, st.plan, res.Observations, res.Resources, st.cfg.ReportStyle)
		msg = "research complete"
	case StateNeedsClarification:
		res.Question = detail
		msg = "clarification required"
	case StateFailed:
		res.ErrorSummary = detail
		msg = detail
		span.SetStatus(codes.Error, detail)
	case StateCancelled:
		res.ErrorSummary = detail
		msg = detail
	}

	s.mu.Lock()
	s.result = res
	s.mu.Unlock()

	o.telemetry.RecordSession(string(state), res.Metadata.Duration)
	o.logger.Printf("[%s] finished: state=%s steps=%d iterations=%d duration=%s",
		st.researchID, state, res.Metadata.StepsExecuted, res.Metadata.PlanIterations, res.Metadata.Duration.Round(time.Millisecond))

	o.emit(ctx, s, ProgressEvent{Stage: Stage(state), Message: msg, Plan: st.plan}, st)
	close(s.events)
	close(s.done)
}

// emit sends one progress event, stamping correlation fields. Sends block
// until the consumer drains or the session is cancelled; after cancellation
// delivery is best effort.
func (o *Orchestrator) emit(ctx context.Context, s *Session, ev ProgressEvent, st *sessionState) {
	ev.ResearchID = st.researchID
	ev.ObservationCount = len(st.observations)
	ev.Timestamp = time.Now().UTC()
	if ev.Plan == nil && (ev.Stage == StagePlanning || ev.Stage == StageAwaitingApproval || ev.Stage == StageExecutingStep || ev.Stage == StageReporting) {
		ev.Plan = st.plan
	}
	ev.Plan = ev.Plan.Clone()

	select {
	case s.events <- ev:
	case <-ctx.Done():
		select {
		case s.events <- ev:
		default:
		}
	}
}

func nextPendingStep(p *Plan) int {
	if p == nil {
		return -1
	}
	for i := range p.Steps {
		if p.Steps[i].Status == StepPending {
			return i
		}
	}
	return -1
}

func completedOrFailedSteps(p *Plan) int {
	if p == nil {
		return 0
	}
	n := 0
	for _, s := range p.Steps {
		if s.Status == StepCompleted || s.Status == StepFailed {
			n++
		}
	}
	return n
}

func intPtr(v int) *int { return &v }

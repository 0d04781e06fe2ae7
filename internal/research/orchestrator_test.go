package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/internal/telemetry"
)

type stubClarifier struct {
	outcome ClarifyOutcome
	err     error
	calls   int
}

func (s *stubClarifier) Clarify(ctx context.Context, query string, cfg SessionConfig) (ClarifyOutcome, error) {
	s.calls++
	return s.outcome, s.err
}

type stubInvestigator struct {
	obs   []Observation
	err   error
	calls int
}

func (s *stubInvestigator) Investigate(ctx context.Context, query string, cfg SessionConfig) ([]Observation, error) {
	s.calls++
	return s.obs, s.err
}

type stubPlanner struct {
	plans    []*Plan
	err      error
	calls    int
	seenObs  [][]Observation
	seenIter []int
}

func (s *stubPlanner) Plan(ctx context.Context, query string, observations []Observation, locale string, iteration int) (*Plan, error) {
	s.calls++
	s.seenObs = append(s.seenObs, append([]Observation(nil), observations...))
	s.seenIter = append(s.seenIter, iteration)
	if s.err != nil {
		return nil, s.err
	}
	idx := s.calls - 1
	if idx >= len(s.plans) {
		idx = len(s.plans) - 1
	}
	return s.plans[idx].Clone(), nil
}

type stubExecutor struct {
	fn    func(ctx context.Context, step Step, sc StepContext) (StepResult, error)
	calls int
}

func (s *stubExecutor) Execute(ctx context.Context, step Step, sc StepContext) (StepResult, error) {
	s.calls++
	if s.fn != nil {
		return s.fn(ctx, step, sc)
	}
	return StepResult{Status: StepCompleted, ExecutionResult: "findings for " + step.Title}, nil
}

func makePlan(enough bool, titles ...string) *Plan {
	p := &Plan{Title: "test plan", Thought: "gather then summarize", HasEnoughContext: enough, Locale: "en-US"}
	for _, t := range titles {
		p.Steps = append(p.Steps, Step{Title: t, Description: "find " + t, StepType: StepTypeResearch, NeedSearch: true, Status: StepPending})
	}
	return p
}

func testConfig() SessionConfig {
	return SessionConfig{
		MaxStepNum:        5,
		MaxPlanIterations: 1,
		AutoAcceptPlan:    true,
		ReportStyle:       StyleAcademic,
		Locale:            "en-US",
	}
}

func newTestOrchestrator(c Clarifier, i BackgroundInvestigator, p Planner, e StepExecutor) *Orchestrator {
	if c == nil {
		c = &stubClarifier{outcome: ClarifyOutcome{Proceed: true}}
	}
	if i == nil {
		i = &stubInvestigator{}
	}
	if e == nil {
		e = &stubExecutor{}
	}
	return NewOrchestrator(telemetry.New(config.TelemetryConfig{}), c, i, p, e, NewMarkdownReporter(), NewUsageMeter())
}

func runSession(t *testing.T, o *Orchestrator, query string, cfg SessionConfig) (*Result, []ProgressEvent) {
	t.Helper()
	s, err := o.Start(context.Background(), query, cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return drain(t, s)
}

func drain(t *testing.T, s *Session) (*Result, []ProgressEvent) {
	t.Helper()
	var events []ProgressEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				res := s.Result()
				if res == nil {
					t.Fatalf("event stream closed without a result")
				}
				return res, events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("session did not finish in time; events so far: %d", len(events))
		}
	}
}

func TestBasicRunCompletesAllSteps(t *testing.T) {
	planner := &stubPlanner{plans: []*Plan{makePlan(false, "define langgraph", "survey usage")}}
	executor := &stubExecutor{}
	o := newTestOrchestrator(nil, nil, planner, executor)

	cfg := testConfig()
	cfg.MaxStepNum = 2

	res, events := runSession(t, o, "What is LangGraph?", cfg)

	if res.State != StateDone {
		t.Fatalf("state = %s, want done", res.State)
	}
	if res.FinalReport == "" {
		t.Fatalf("final report is empty")
	}
	if executor.calls != 2 {
		t.Fatalf("executor calls = %d, want 2", executor.calls)
	}
	for i, st := range res.Plan.Steps {
		if st.Status != StepCompleted {
			t.Fatalf("step %d status = %s, want completed", i, st.Status)
		}
		if st.ExecutionResult == "" {
			t.Fatalf("step %d has no execution result", i)
		}
	}
	last := events[len(events)-1]
	if last.Stage != StageDone {
		t.Fatalf("terminal event stage = %s, want done", last.Stage)
	}
}

func TestEnoughContextSkipsReplanning(t *testing.T) {
	planner := &stubPlanner{plans: []*Plan{makePlan(true, "a", "b", "c")}}
	executor := &stubExecutor{}
	o := newTestOrchestrator(nil, nil, planner, executor)

	cfg := testConfig()
	cfg.MaxStepNum = 5
	cfg.MaxPlanIterations = 3

	res, _ := runSession(t, o, "narrow question", cfg)

	if res.State != StateDone {
		t.Fatalf("state = %s, want done", res.State)
	}
	if planner.calls != 1 {
		t.Fatalf("planner calls = %d, want 1 (no re-plan)", planner.calls)
	}
	if executor.calls != 3 {
		t.Fatalf("executor calls = %d, want 3 (all planned steps, not forced to max)", executor.calls)
	}
}

func TestInvestigatorFailureIsNonFatal(t *testing.T) {
	investigator := &stubInvestigator{err: errors.New("search provider down")}
	planner := &stubPlanner{plans: []*Plan{makePlan(true)}}
	o := newTestOrchestrator(nil, investigator, planner, nil)

	cfg := testConfig()
	cfg.EnableBackgroundInvestigation = true

	res, _ := runSession(t, o, "anything", cfg)

	if res.State != StateDone {
		t.Fatalf("state = %s, want done despite investigator failure", res.State)
	}
	if planner.calls != 1 {
		t.Fatalf("planner calls = %d, want 1", planner.calls)
	}
	if len(planner.seenObs[0]) != 0 {
		t.Fatalf("planner received %d observations, want 0", len(planner.seenObs[0]))
	}
}

func TestInvestigatorSeedsObservations(t *testing.T) {
	investigator := &stubInvestigator{obs: []Observation{{Content: "background fact"}}}
	planner := &stubPlanner{plans: []*Plan{makePlan(true)}}
	o := newTestOrchestrator(nil, investigator, planner, nil)

	cfg := testConfig()
	cfg.EnableBackgroundInvestigation = true

	res, _ := runSession(t, o, "anything", cfg)

	if len(planner.seenObs[0]) != 1 {
		t.Fatalf("planner received %d observations, want 1", len(planner.seenObs[0]))
	}
	if planner.seenObs[0][0].StepIndex != -1 {
		t.Fatalf("background observation step index = %d, want -1", planner.seenObs[0][0].StepIndex)
	}
	if len(res.Observations) != 1 {
		t.Fatalf("result observations = %d, want 1", len(res.Observations))
	}
}

func TestPlannerFailureIsFatal(t *testing.T) {
	investigator := &stubInvestigator{obs: []Observation{{Content: "partial finding"}}}
	planner := &stubPlanner{err: errors.New("model unavailable")}
	o := newTestOrchestrator(nil, investigator, planner, nil)

	cfg := testConfig()
	cfg.EnableBackgroundInvestigation = true

	res, events := runSession(t, o, "anything", cfg)

	if res.State != StateFailed {
		t.Fatalf("state = %s, want failed", res.State)
	}
	if res.ErrorSummary == "" {
		t.Fatalf("failed result has no error summary")
	}
	if len(res.Observations) != 1 {
		t.Fatalf("partial observations not preserved: got %d, want 1", len(res.Observations))
	}
	if events[len(events)-1].Stage != StageFailed {
		t.Fatalf("terminal event stage = %s, want failed", events[len(events)-1].Stage)
	}
}

func TestClarifierRequestsMoreInput(t *testing.T) {
	clarifier := &stubClarifier{outcome: ClarifyOutcome{Proceed: false, Question: "which time period?"}}
	planner := &stubPlanner{plans: []*Plan{makePlan(false, "x")}}
	executor := &stubExecutor{}
	o := newTestOrchestrator(clarifier, nil, planner, executor)

	cfg := testConfig()
	cfg.EnableClarification = true

	res, events := runSession(t, o, "compare them", cfg)

	if res.State != StateNeedsClarification {
		t.Fatalf("state = %s, want needs_clarification", res.State)
	}
	if res.Question != "which time period?" {
		t.Fatalf("question = %q", res.Question)
	}
	if planner.calls != 0 {
		t.Fatalf("planner was called %d times, want 0", planner.calls)
	}
	if executor.calls != 0 {
		t.Fatalf("executor was called %d times, want 0", executor.calls)
	}
	if res.Plan != nil {
		t.Fatalf("plan should be nil, got %+v", res.Plan)
	}
	if events[len(events)-1].Stage != StageNeedsClarification {
		t.Fatalf("terminal event stage = %s", events[len(events)-1].Stage)
	}
}

func TestClarifierRefinesQuery(t *testing.T) {
	clarifier := &stubClarifier{outcome: ClarifyOutcome{Proceed: true, ClarifiedQuery: "solar adoption in Europe since 2020"}}
	planner := &stubPlanner{plans: []*Plan{makePlan(true)}}
	o := newTestOrchestrator(clarifier, nil, planner, nil)

	cfg := testConfig()
	cfg.EnableClarification = true

	res, _ := runSession(t, o, "solar stuff", cfg)

	if res.Query != "solar stuff" {
		t.Fatalf("original query = %q", res.Query)
	}
	if res.ClarifiedQuery != "solar adoption in Europe since 2020" {
		t.Fatalf("clarified query = %q", res.ClarifiedQuery)
	}
}

func TestStepBudgetForcesReporting(t *testing.T) {
	planner := &stubPlanner{plans: []*Plan{makePlan(false, "a", "b", "c", "d", "e")}}
	executor := &stubExecutor{}
	o := newTestOrchestrator(nil, nil, planner, executor)

	cfg := testConfig()
	cfg.MaxStepNum = 2
	cfg.MaxPlanIterations = 3

	res, _ := runSession(t, o, "broad question", cfg)

	if res.State != StateDone {
		t.Fatalf("state = %s, want done (budget exhaustion is not an error)", res.State)
	}
	if executor.calls != 2 {
		t.Fatalf("executor calls = %d, want 2", executor.calls)
	}
	pending := 0
	for _, st := range res.Plan.Steps {
		if st.Status == StepPending {
			pending++
			if st.ExecutionResult != "" {
				t.Fatalf("pending step has an execution result")
			}
		}
	}
	if pending != 3 {
		t.Fatalf("pending steps = %d, want 3", pending)
	}
}

func TestReplanBoundedByIterationBudget(t *testing.T) {
	planner := &stubPlanner{plans: []*Plan{
		makePlan(false, "first pass"),
		makePlan(false, "second pass"),
	}}
	executor := &stubExecutor{}
	o := newTestOrchestrator(nil, nil, planner, executor)

	cfg := testConfig()
	cfg.MaxPlanIterations = 2

	res, _ := runSession(t, o, "evolving question", cfg)

	if res.State != StateDone {
		t.Fatalf("state = %s, want done", res.State)
	}
	if planner.calls != 2 {
		t.Fatalf("planner calls = %d, want exactly 2", planner.calls)
	}
	if res.Metadata.PlanIterations != 2 {
		t.Fatalf("plan iterations = %d, want 2", res.Metadata.PlanIterations)
	}
	// Second planning round must see the first round's observations.
	if len(planner.seenObs[1]) == 0 {
		t.Fatalf("re-plan received no accumulated observations")
	}
	if planner.seenIter[0] != 0 || planner.seenIter[1] != 1 {
		t.Fatalf("iteration indexes = %v, want [0 1]", planner.seenIter)
	}
}

func TestStepFailureContinuesByDefault(t *testing.T) {
	planner := &stubPlanner{plans: []*Plan{makePlan(true, "bad step", "good step")}}
	executor := &stubExecutor{fn: func(ctx context.Context, step Step, sc StepContext) (StepResult, error) {
		if step.Title == "bad step" {
			return StepResult{}, errors.New("tool timeout")
		}
		return StepResult{Status: StepCompleted, ExecutionResult: "it worked"}, nil
	}}
	o := newTestOrchestrator(nil, nil, planner, executor)

	res, _ := runSession(t, o, "question", testConfig())

	if res.State != StateDone {
		t.Fatalf("state = %s, want done (single bad step must not abort)", res.State)
	}
	if res.Plan.Steps[0].Status != StepFailed {
		t.Fatalf("step 0 status = %s, want failed", res.Plan.Steps[0].Status)
	}
	if !strings.Contains(res.Plan.Steps[0].ExecutionResult, "tool timeout") {
		t.Fatalf("failed step execution result = %q", res.Plan.Steps[0].ExecutionResult)
	}
	if res.Plan.Steps[1].Status != StepCompleted {
		t.Fatalf("step 1 status = %s, want completed", res.Plan.Steps[1].Status)
	}
	// Failure is recorded as an observation so the reporter can surface it.
	foundFailure := false
	for _, ob := range res.Observations {
		if strings.Contains(ob.Content, "failed") {
			foundFailure = true
		}
	}
	if !foundFailure {
		t.Fatalf("no failure observation recorded")
	}
}

func TestAbortOnStepFailurePolicy(t *testing.T) {
	planner := &stubPlanner{plans: []*Plan{makePlan(true, "bad step", "never reached")}}
	executor := &stubExecutor{fn: func(ctx context.Context, step Step, sc StepContext) (StepResult, error) {
		return StepResult{}, errors.New("tool timeout")
	}}
	o := newTestOrchestrator(nil, nil, planner, executor)

	cfg := testConfig()
	cfg.AbortOnStepFailure = true

	res, _ := runSession(t, o, "question", cfg)

	if res.State != StateFailed {
		t.Fatalf("state = %s, want failed", res.State)
	}
	if executor.calls != 1 {
		t.Fatalf("executor calls = %d, want 1", executor.calls)
	}
	if res.Plan == nil || res.Plan.Steps[0].Status != StepFailed {
		t.Fatalf("failed step state not preserved")
	}
}

func TestCancellationReleasesInFlightStep(t *testing.T) {
	started := make(chan struct{})
	planner := &stubPlanner{plans: []*Plan{makePlan(true, "slow step", "next step")}}
	executor := &stubExecutor{fn: func(ctx context.Context, step Step, sc StepContext) (StepResult, error) {
		close(started)
		<-ctx.Done()
		return StepResult{}, ctx.Err()
	}}
	o := newTestOrchestrator(nil, nil, planner, executor)

	s, err := o.Start(context.Background(), "question", testConfig())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	go func() {
		<-started
		s.Cancel()
	}()

	res, events := drain(t, s)

	if res.State != StateCancelled {
		t.Fatalf("state = %s, want cancelled", res.State)
	}
	if res.Plan.Steps[0].Status != StepPending {
		t.Fatalf("in-flight step status = %s, want pending (released, not completed)", res.Plan.Steps[0].Status)
	}
	if events[len(events)-1].Stage != StageCancelled {
		t.Fatalf("terminal event stage = %s", events[len(events)-1].Stage)
	}
}

func TestEventOrderingAndCorrelation(t *testing.T) {
	clarifier := &stubClarifier{outcome: ClarifyOutcome{Proceed: true}}
	investigator := &stubInvestigator{obs: []Observation{{Content: "seed"}}}
	planner := &stubPlanner{plans: []*Plan{makePlan(true, "a", "b")}}
	o := newTestOrchestrator(clarifier, investigator, planner, nil)

	cfg := testConfig()
	cfg.EnableClarification = true
	cfg.EnableBackgroundInvestigation = true

	res, events := runSession(t, o, "ordered question", cfg)

	want := []Stage{
		StageClarifying,
		StageBackgroundInvestigating,
		StagePlanning,
		StageExecutingStep,
		StageExecutingStep,
		StageReporting,
		StageDone,
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(want), stagesOf(events))
	}
	for i, ev := range events {
		if ev.Stage != want[i] {
			t.Fatalf("event %d stage = %s, want %s", i, ev.Stage, want[i])
		}
		if ev.ResearchID != res.ResearchID {
			t.Fatalf("event %d research id = %q, want %q", i, ev.ResearchID, res.ResearchID)
		}
	}
	// Observation counts never decrease along the stream.
	for i := 1; i < len(events); i++ {
		if events[i].ObservationCount < events[i-1].ObservationCount {
			t.Fatalf("observation count decreased at event %d", i)
		}
	}
	// Step events carry positional context.
	for i, ev := range events {
		if ev.Stage == StageExecutingStep {
			if ev.CurrentStepIndex == nil || ev.TotalSteps == nil {
				t.Fatalf("step event %d missing index/total", i)
			}
			if *ev.TotalSteps != 2 {
				t.Fatalf("step event %d total = %d, want 2", i, *ev.TotalSteps)
			}
		}
	}
}

func TestResourceDeduplication(t *testing.T) {
	planner := &stubPlanner{plans: []*Plan{makePlan(true, "a", "b")}}
	executor := &stubExecutor{fn: func(ctx context.Context, step Step, sc StepContext) (StepResult, error) {
		return StepResult{
			Status:          StepCompleted,
			ExecutionResult: "found things",
			Resources: []Resource{
				{URL: "https://example.com/shared", Title: "Shared"},
				{URL: "https://example.com/" + step.Title, Title: step.Title},
			},
		}, nil
	}}
	o := newTestOrchestrator(nil, nil, planner, executor)

	res, _ := runSession(t, o, "question", testConfig())

	if len(res.Resources) != 3 {
		t.Fatalf("resources = %d, want 3 (shared url deduplicated)", len(res.Resources))
	}
	seen := map[string]bool{}
	for _, r := range res.Resources {
		if seen[r.URL] {
			t.Fatalf("duplicate resource url %s", r.URL)
		}
		seen[r.URL] = true
	}
}

func TestPlanApprovalFlow(t *testing.T) {
	planner := &stubPlanner{plans: []*Plan{makePlan(true, "original step")}}
	executor := &stubExecutor{}
	o := newTestOrchestrator(nil, nil, planner, executor)

	cfg := testConfig()
	cfg.AutoAcceptPlan = false

	s, err := o.Start(context.Background(), "question", cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	edited := makePlan(true, "edited step one", "edited step two")
	approved := false
	var events []ProgressEvent
	timeout := time.After(5 * time.Second)
	for {
		var done bool
		select {
		case ev, ok := <-s.Events():
			if !ok {
				done = true
				break
			}
			events = append(events, ev)
			if ev.Stage == StageAwaitingApproval && !approved {
				approved = true
				if err := s.Approve(context.Background(), PlanDecision{Approve: true, EditedPlan: edited}); err != nil {
					t.Fatalf("Approve: %v", err)
				}
			}
		case <-timeout:
			t.Fatalf("session stalled; stages: %v", stagesOf(events))
		}
		if done {
			break
		}
	}

	res := s.Result()
	if res.State != StateDone {
		t.Fatalf("state = %s, want done", res.State)
	}
	if !approved {
		t.Fatalf("no awaiting_approval event observed")
	}
	if executor.calls != 2 {
		t.Fatalf("executor calls = %d, want 2 (edited plan executed)", executor.calls)
	}
	if res.Plan.Steps[0].Title != "edited step one" {
		t.Fatalf("executed plan was not the edited one: %q", res.Plan.Steps[0].Title)
	}
}

func TestPlanRejectionCancels(t *testing.T) {
	planner := &stubPlanner{plans: []*Plan{makePlan(true, "step")}}
	executor := &stubExecutor{}
	o := newTestOrchestrator(nil, nil, planner, executor)

	cfg := testConfig()
	cfg.AutoAcceptPlan = false

	s, err := o.Start(context.Background(), "question", cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	timeout := time.After(5 * time.Second)
	for open := true; open; {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				open = false
				break
			}
			if ev.Stage == StageAwaitingApproval {
				if err := s.Approve(context.Background(), PlanDecision{Approve: false, Feedback: "wrong direction"}); err != nil {
					t.Fatalf("Approve: %v", err)
				}
			}
		case <-timeout:
			t.Fatalf("session stalled waiting for rejection")
		}
	}

	res := s.Result()
	if res.State != StateCancelled {
		t.Fatalf("state = %s, want cancelled", res.State)
	}
	if executor.calls != 0 {
		t.Fatalf("executor calls = %d, want 0", executor.calls)
	}
	if !strings.Contains(res.ErrorSummary, "wrong direction") {
		t.Fatalf("rejection feedback missing from summary: %q", res.ErrorSummary)
	}
}

func TestStartValidation(t *testing.T) {
	o := newTestOrchestrator(nil, nil, &stubPlanner{plans: []*Plan{makePlan(true)}}, nil)

	cases := []struct {
		name  string
		query string
		mut   func(*SessionConfig)
	}{
		{"empty query", "   ", func(c *SessionConfig) {}},
		{"zero step budget", "q", func(c *SessionConfig) { c.MaxStepNum = 0 }},
		{"zero iteration budget", "q", func(c *SessionConfig) { c.MaxPlanIterations = 0 }},
	}
	for _, tc := range cases {
		cfg := testConfig()
		tc.mut(&cfg)
		_, err := o.Start(context.Background(), tc.query, cfg)
		if err == nil {
			t.Fatalf("%s: expected configuration error", tc.name)
		}
		var cerr *ConfigurationError
		if !errors.As(err, &cerr) {
			t.Fatalf("%s: error type = %T, want *ConfigurationError", tc.name, err)
		}
	}
}

func TestConcurrentSessionsAreIsolated(t *testing.T) {
	planner := &stubPlanner{plans: []*Plan{makePlan(true, "step")}}
	o := newTestOrchestrator(nil, nil, planner, &stubExecutor{})

	const n = 4
	results := make(chan *Result, n)
	for i := 0; i < n; i++ {
		query := fmt.Sprintf("question %d", i)
		go func() {
			s, err := o.Start(context.Background(), query, testConfig())
			if err != nil {
				results <- nil
				return
			}
			res, _ := s.Wait(context.Background())
			results <- res
		}()
	}

	ids := map[string]bool{}
	timeout := time.After(5 * time.Second)
	for i := 0; i < n; i++ {
		var res *Result
		select {
		case res = <-results:
		case <-timeout:
			t.Fatalf("timed out waiting for session %d", i)
		}
		if res == nil || res.State != StateDone {
			t.Fatalf("session %d did not complete", i)
		}
		if ids[res.ResearchID] {
			t.Fatalf("duplicate research id %s", res.ResearchID)
		}
		ids[res.ResearchID] = true
	}
}

func stagesOf(events []ProgressEvent) []Stage {
	out := make([]Stage, len(events))
	for i, ev := range events {
		out[i] = ev.Stage
	}
	return out
}

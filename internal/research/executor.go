package research

import (
	"context"
	"fmt"
)

// Executor dispatches steps to capability agents: processing steps to the
// coder agent, everything else to the research agent. It performs no retries;
// the orchestrator owns failure policy.
type Executor struct {
	research   *ResearchAgent
	processing *ProcessingAgent
}

func NewExecutor(research *ResearchAgent, processing *ProcessingAgent) *Executor {
	return &Executor{research: research, processing: processing}
}

func (e *Executor) Execute(ctx context.Context, step Step, sc StepContext) (StepResult, error) {
	switch step.StepType {
	case StepTypeProcessing:
		return e.processing.Execute(ctx, step, sc)
	case StepTypeResearch:
		return e.research.Execute(ctx, step, sc)
	default:
		return StepResult{Status: StepFailed, ExecutionResult: fmt.Sprintf("unknown step type %q", step.StepType)}, nil
	}
}

package research

import (
	"context"
	"errors"
	"testing"
)

func TestClarifierProceedsWithRefinedQuery(t *testing.T) {
	llm := &stubLLM{response: `{"action": "proceed", "clarified_query": "solar adoption growth rate in Europe since 2020"}`}
	c := NewLLMClarifier(llm, testRouting(), NewUsageMeter())

	out, err := c.Clarify(context.Background(), "solar stuff", testConfig())
	if err != nil {
		t.Fatalf("Clarify: %v", err)
	}
	if !out.Proceed {
		t.Fatalf("expected proceed")
	}
	if out.ClarifiedQuery != "solar adoption growth rate in Europe since 2020" {
		t.Fatalf("clarified query = %q", out.ClarifiedQuery)
	}
}

func TestClarifierAsksQuestion(t *testing.T) {
	llm := &stubLLM{response: `{"action": "clarify", "question": "Which region are you interested in?"}`}
	c := NewLLMClarifier(llm, testRouting(), NewUsageMeter())

	out, err := c.Clarify(context.Background(), "compare them", testConfig())
	if err != nil {
		t.Fatalf("Clarify: %v", err)
	}
	if out.Proceed {
		t.Fatalf("expected a clarification pause")
	}
	if out.Question != "Which region are you interested in?" {
		t.Fatalf("question = %q", out.Question)
	}
}

func TestClarifierProceedsOnProseResponse(t *testing.T) {
	llm := &stubLLM{response: "Sure, that question is clear enough to research."}
	c := NewLLMClarifier(llm, testRouting(), NewUsageMeter())

	out, err := c.Clarify(context.Background(), "what is Go?", testConfig())
	if err != nil {
		t.Fatalf("Clarify: %v", err)
	}
	if !out.Proceed || out.ClarifiedQuery != "what is Go?" {
		t.Fatalf("prose response should default to proceeding with the original query, got %+v", out)
	}
}

func TestClarifierWrapsModelError(t *testing.T) {
	llm := &stubLLM{err: errors.New("rate limited")}
	c := NewLLMClarifier(llm, testRouting(), NewUsageMeter())

	_, err := c.Clarify(context.Background(), "q", testConfig())
	if err == nil {
		t.Fatalf("expected error")
	}
	var cerr *CollaboratorError
	if !errors.As(err, &cerr) {
		t.Fatalf("error type = %T, want *CollaboratorError", err)
	}
	if cerr.Stage != StageClarifying {
		t.Fatalf("stage = %s", cerr.Stage)
	}
}

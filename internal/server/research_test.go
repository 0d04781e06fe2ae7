package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/internal/research"
	"github.com/mohammad-safakhou/deepresearch/internal/telemetry"
)

type fakeClarifier struct{}

func (fakeClarifier) Clarify(ctx context.Context, query string, cfg research.SessionConfig) (research.ClarifyOutcome, error) {
	return research.ClarifyOutcome{Proceed: true, ClarifiedQuery: query}, nil
}

type fakeInvestigator struct{}

func (fakeInvestigator) Investigate(ctx context.Context, query string, cfg research.SessionConfig) ([]research.Observation, error) {
	return nil, nil
}

type fakePlanner struct{}

func (fakePlanner) Plan(ctx context.Context, query string, observations []research.Observation, locale string, iteration int) (*research.Plan, error) {
	return &research.Plan{
		Title:            "plan for " + query,
		Thought:          "single lookup",
		HasEnoughContext: true,
		Locale:           locale,
		Steps: []research.Step{
			{Title: "lookup", Description: "find the answer", StepType: research.StepTypeResearch, NeedSearch: true, Status: research.StepPending},
		},
	}, nil
}

type fakeExecutor struct{}

func (fakeExecutor) Execute(ctx context.Context, step research.Step, sc research.StepContext) (research.StepResult, error) {
	return research.StepResult{
		Status:          research.StepCompleted,
		ExecutionResult: "the answer",
		Resources:       []research.Resource{{URL: "https://example.com", Title: "Example"}},
	}, nil
}

func testHandler() *ResearchHandler {
	orch := research.NewOrchestrator(
		telemetry.New(config.TelemetryConfig{}),
		fakeClarifier{}, fakeInvestigator{}, fakePlanner{}, fakeExecutor{},
		research.NewMarkdownReporter(), research.NewUsageMeter(),
	)
	defaults := research.SessionConfig{
		MaxStepNum:        5,
		MaxPlanIterations: 1,
		AutoAcceptPlan:    true,
		ReportStyle:       research.StyleAcademic,
		Locale:            "en-US",
	}
	return NewResearchHandler(orch, nil, nil, defaults)
}

func newEcho(h *ResearchHandler) *echo.Echo {
	e := echo.New()
	h.Register(e.Group("/api"))
	return e
}

func TestRunSyncReturnsTerminalResult(t *testing.T) {
	e := newEcho(testHandler())

	body := `{"query": "What is LangGraph?", "enable_clarification": false, "enable_background_investigation": false}`
	req := httptest.NewRequest(http.MethodPost, "/api/research", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var res research.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if res.State != research.StateDone {
		t.Fatalf("state = %s, want done", res.State)
	}
	if res.FinalReport == "" {
		t.Fatalf("final report is empty")
	}
	if res.ResearchID == "" {
		t.Fatalf("missing research id")
	}
}

func TestRunSyncRejectsEmptyQuery(t *testing.T) {
	e := newEcho(testHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/research", strings.NewReader(`{"query": "  "}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRunStreamEmitsProgressAndResult(t *testing.T) {
	e := newEcho(testHandler())

	body := `{"query": "streamed question", "enable_clarification": false, "enable_background_investigation": false}`
	req := httptest.NewRequest(http.MethodPost, "/api/research/stream", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.Contains(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}
	out := rec.Body.String()
	if !strings.Contains(out, "event: progress") {
		t.Fatalf("stream has no progress events:\n%s", out)
	}
	if !strings.Contains(out, "event: result") {
		t.Fatalf("stream has no terminal result event:\n%s", out)
	}
	if !strings.Contains(out, string(research.StagePlanning)) {
		t.Fatalf("stream missing planning stage:\n%s", out)
	}
}

func TestGetUnknownSession(t *testing.T) {
	e := newEcho(testHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/research/does-not-exist", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestApproveUnknownSession(t *testing.T) {
	e := newEcho(testHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/research/nope/approve", strings.NewReader(`{"approve": true}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHealthListsConfiguredModels(t *testing.T) {
	s := &Server{
		cfg: &config.Config{
			LLM: config.LLMConfig{
				Providers: map[string]config.LLMProvider{
					"openai": {Type: "openai", Models: map[string]config.LLMModel{
						"gpt-4o":      {Name: "gpt-4o"},
						"gpt-4o-mini": {Name: "gpt-4o-mini"},
					}},
				},
			},
		},
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	if err := s.health(e.NewContext(req, rec)); err != nil {
		t.Fatalf("health: %v", err)
	}

	var body struct {
		Status string   `json:"status"`
		Models []string `json:"models_available"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Status != "ok" {
		t.Fatalf("status = %q", body.Status)
	}
	if len(body.Models) != 2 || body.Models[0] != "gpt-4o" || body.Models[1] != "gpt-4o-mini" {
		t.Fatalf("models_available = %v, want sorted [gpt-4o gpt-4o-mini]", body.Models)
	}
}

func TestAuthMiddleware(t *testing.T) {
	secret := []byte("test-secret")
	e := echo.New()
	g := e.Group("/api")
	g.Use(AuthMiddleware(secret))
	g.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })

	req := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d, want 401", rec.Code)
	}

	token, err := SignToken("user-1", secret, time.Minute)
	if err != nil {
		t.Fatalf("SignToken: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token status = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want 401", rec.Code)
	}
}

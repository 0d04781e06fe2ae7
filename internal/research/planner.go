package research

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/provider"
)

// LLMPlanner turns the query and accumulated observations into a structured
// plan. Re-planning receives the whole observation history and regenerates
// the plan holistically.
type LLMPlanner struct {
	llm      provider.LLMProvider
	model    string
	maxSteps int
	usage    *UsageMeter
	logger   *log.Logger
}

func NewLLMPlanner(llm provider.LLMProvider, routing config.LLMRoutingConfig, maxSteps int, usage *UsageMeter) *LLMPlanner {
	if maxSteps <= 0 {
		maxSteps = 5
	}
	return &LLMPlanner{
		llm:      llm,
		model:    routing.Planner,
		maxSteps: maxSteps,
		usage:    usage,
		logger:   log.New(log.Writer(), "[PLANNER] ", log.LstdFlags),
	}
}

func (p *LLMPlanner) Plan(ctx context.Context, query string, observations []Observation, locale string, iteration int) (*Plan, error) {
	prompt := p.buildPrompt(query, observations, locale, iteration)

	response, inTok, outTok, err := p.llm.GenerateWithTokens(ctx, prompt, p.model, map[string]interface{}{"temperature": 0.2})
	if err != nil {
		return nil, fmt.Errorf("planner generation: %w", err)
	}
	p.usage.Add(researchIDFromContext(ctx), inTok+outTok, p.llm.CalculateCost(inTok, outTok, p.model))

	plan, err := p.parsePlan(response, locale)
	if err != nil {
		return nil, fmt.Errorf("planner response: %w", err)
	}
	return plan, nil
}

func (p *LLMPlanner) buildPrompt(query string, observations []Observation, locale string, iteration int) string {
	var b strings.Builder
	fmt.Fprintf(&b, `You are a deep research planner. Produce a step-by-step research plan for the question below.

Question: %s
Locale: %s

Rules:
1. At most %d steps. Fewer is better when the question is narrow.
2. Each step is either "research" (gather information) or "processing" (compute or analyze over gathered material).
3. Set "need_search" true only for steps that require fresh web results.
4. Set "has_enough_context" true when the material already gathered can answer the question and no further planning round is needed after these steps run.
`, query, locale, p.maxSteps)

	if iteration > 0 {
		fmt.Fprintf(&b, "\nThis is planning round %d. Earlier steps already ran; plan only what is still missing.\n", iteration+1)
	}

	if len(observations) > 0 {
		b.WriteString("\nFindings so far:\n")
		for i, ob := range observations {
			content := ob.Content
			if len(content) > 800 {
				content = content[:800]
			}
			fmt.Fprintf(&b, "[%d] %s\n", i+1, content)
		}
	}

	b.WriteString(`
Respond with JSON only:
{
  "title": "...",
  "thought": "why this plan answers the question",
  "has_enough_context": false,
  "locale": "` + locale + `",
  "steps": [
    {"title": "...", "description": "what exactly to find or compute", "step_type": "research", "need_search": true}
  ]
}`)
	return b.String()
}

func (p *LLMPlanner) parsePlan(response, locale string) (*Plan, error) {
	jsonStr, err := extractJSON(response)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Title            string `json:"title"`
		Thought          string `json:"thought"`
		HasEnoughContext bool   `json:"has_enough_context"`
		Locale           string `json:"locale"`
		Steps            []struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			StepType    string `json:"step_type"`
			NeedSearch  bool   `json:"need_search"`
		} `json:"steps"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}

	plan := &Plan{
		Title:            strings.TrimSpace(raw.Title),
		Thought:          strings.TrimSpace(raw.Thought),
		HasEnoughContext: raw.HasEnoughContext,
		Locale:           raw.Locale,
	}
	if plan.Locale == "" {
		plan.Locale = locale
	}
	for _, rs := range raw.Steps {
		st := Step{
			Title:       strings.TrimSpace(rs.Title),
			Description: strings.TrimSpace(rs.Description),
			StepType:    coerceStepType(rs.StepType),
			NeedSearch:  rs.NeedSearch,
			Status:      StepPending,
		}
		if st.Title == "" && st.Description == "" {
			continue
		}
		plan.Steps = append(plan.Steps, st)
	}
	return plan, nil
}

func coerceStepType(s string) StepType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "processing", "process", "compute", "analysis":
		return StepTypeProcessing
	default:
		return StepTypeResearch
	}
}

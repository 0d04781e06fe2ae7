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

// LLMClarifier asks the coordinator model whether the query is specific
// enough to research, or needs another caller turn first.
type LLMClarifier struct {
	llm    provider.LLMProvider
	model  string
	usage  *UsageMeter
	logger *log.Logger
}

func NewLLMClarifier(llm provider.LLMProvider, routing config.LLMRoutingConfig, usage *UsageMeter) *LLMClarifier {
	return &LLMClarifier{
		llm:    llm,
		model:  routing.Coordinator,
		usage:  usage,
		logger: log.New(log.Writer(), "[CLARIFIER] ", log.LstdFlags),
	}
}

func (c *LLMClarifier) Clarify(ctx context.Context, query string, cfg SessionConfig) (ClarifyOutcome, error) {
	prompt := fmt.Sprintf(`You are a research coordinator. Decide whether the user's request is specific enough to start researching.

User request: %s
Locale: %s

Respond with JSON only, one of:
{"action": "proceed", "clarified_query": "<the request, rephrased as a precise research question>"}
{"action": "clarify", "question": "<one short question asking for the missing detail>"}

Ask for clarification only when the request is genuinely ambiguous. A broad but answerable question should proceed.`, query, cfg.Locale)

	response, inTok, outTok, err := c.llm.GenerateWithTokens(ctx, prompt, c.model, map[string]interface{}{"temperature": 0.0})
	if err != nil {
		return ClarifyOutcome{}, &CollaboratorError{Stage: StageClarifying, Err: err}
	}
	c.usage.Add(researchIDFromContext(ctx), inTok+outTok, c.llm.CalculateCost(inTok, outTok, c.model))

	jsonStr, err := extractJSON(response)
	if err != nil {
		// Model answered in prose; treat it as a go-ahead.
		c.logger.Printf("unparseable clarifier response, proceeding: %.80q", response)
		return ClarifyOutcome{Proceed: true, ClarifiedQuery: query}, nil
	}

	var parsed struct {
		Action         string `json:"action"`
		ClarifiedQuery string `json:"clarified_query"`
		Question       string `json:"question"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return ClarifyOutcome{Proceed: true, ClarifiedQuery: query}, nil
	}

	if parsed.Action == "clarify" && strings.TrimSpace(parsed.Question) != "" {
		return ClarifyOutcome{Proceed: false, Question: parsed.Question}, nil
	}
	clarified := strings.TrimSpace(parsed.ClarifiedQuery)
	if clarified == "" {
		clarified = query
	}
	return ClarifyOutcome{Proceed: true, ClarifiedQuery: clarified}, nil
}

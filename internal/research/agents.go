package research

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/internal/archive"
	"github.com/mohammad-safakhou/deepresearch/internal/telemetry"
	"github.com/mohammad-safakhou/deepresearch/provider"
	"github.com/mohammad-safakhou/deepresearch/tools/webfetch"
	"github.com/mohammad-safakhou/deepresearch/tools/websearch"
)

// ResearchAgent executes research steps. When the step needs search it
// discovers sources, fetches the top pages, archives them, and has the
// researcher model distill findings. Without search it reasons over prior
// observations and archived material only.
type ResearchAgent struct {
	llm          provider.LLMProvider
	model        string
	searcher     websearch.WebSearcher
	fetcher      webfetch.WebFetcher
	pages        *archive.Archive
	telemetry    *telemetry.Telemetry
	usage        *UsageMeter
	maxResults   int
	pagesPerStep int
	logger       *log.Logger
}

type ResearchAgentDeps struct {
	LLM       provider.LLMProvider
	Routing   config.LLMRoutingConfig
	Searcher  websearch.WebSearcher
	Fetcher   webfetch.WebFetcher
	Pages     *archive.Archive
	Telemetry *telemetry.Telemetry
	Usage     *UsageMeter
	Search    config.SearchConfig
	Fetch     config.FetchConfig
}

func NewResearchAgent(d ResearchAgentDeps) *ResearchAgent {
	maxResults := d.Search.MaxResults
	if maxResults <= 0 {
		maxResults = 5
	}
	pagesPerStep := d.Fetch.PagesPerStep
	if pagesPerStep <= 0 {
		pagesPerStep = 3
	}
	return &ResearchAgent{
		llm:          d.LLM,
		model:        d.Routing.Researcher,
		searcher:     d.Searcher,
		fetcher:      d.Fetcher,
		pages:        d.Pages,
		telemetry:    d.Telemetry,
		usage:        d.Usage,
		maxResults:   maxResults,
		pagesPerStep: pagesPerStep,
		logger:       log.New(log.Writer(), "[RESEARCHER] ", log.LstdFlags),
	}
}

func (a *ResearchAgent) Execute(ctx context.Context, step Step, sc StepContext) (StepResult, error) {
	var (
		material  strings.Builder
		resources []Resource
	)

	if step.NeedSearch && a.searcher != nil {
		res, err := a.gather(ctx, step, sc, &material)
		if err != nil {
			return StepResult{}, err
		}
		resources = res
	}

	if a.pages != nil {
		hits, err := a.pages.Search(sc.ResearchID, step.Description, 3)
		if err == nil {
			for _, h := range hits {
				fmt.Fprintf(&material, "\nArchived page %s (%s):\n%s\n", h.Title, h.URL, h.Fragment)
			}
		}
	}

	prompt := a.buildPrompt(step, sc, material.String())
	answer, inTok, outTok, err := a.llm.GenerateWithTokens(ctx, prompt, a.model, map[string]interface{}{"temperature": 0.3})
	if err != nil {
		return StepResult{}, fmt.Errorf("researcher generation: %w", err)
	}
	cost := a.llm.CalculateCost(inTok, outTok, a.model)
	a.usage.Add(sc.ResearchID, inTok+outTok, cost)
	a.telemetry.RecordLLMUsage(a.model, inTok, outTok, cost)

	answer = strings.TrimSpace(answer)
	if answer == "" {
		return StepResult{Status: StepFailed, ExecutionResult: "researcher produced empty output"}, nil
	}
	return StepResult{Status: StepCompleted, ExecutionResult: answer, Resources: resources}, nil
}

// gather searches the web for the step, fetches the best pages and feeds
// their text into the material buffer. Fetch failures degrade to snippets.
func (a *ResearchAgent) gather(ctx context.Context, step Step, sc StepContext, material *strings.Builder) ([]Resource, error) {
	query := step.Description
	if query == "" {
		query = step.Title
	}
	results, err := a.searcher.Discover(ctx, query, a.maxResults, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("web search: %w", err)
	}

	var resources []Resource
	fetched := 0
	for _, r := range results {
		resources = append(resources, Resource{URL: r.URL, Title: r.Title})
		fmt.Fprintf(material, "\nSearch result: %s (%s)\n%s\n", r.Title, r.URL, r.Snippet)

		if a.fetcher == nil || fetched >= a.pagesPerStep {
			continue
		}
		page, err := a.fetcher.Exec(ctx, r.URL)
		if err != nil || page.Text == "" {
			continue
		}
		fetched++
		fmt.Fprintf(material, "\nPage content from %s:\n%s\n", r.URL, page.Text)
		if a.pages != nil {
			if err := a.pages.Store(archive.Page{SessionID: sc.ResearchID, URL: page.URL, Title: page.Title, Text: page.Text}); err != nil {
				a.logger.Printf("archive store failed for %s: %v", page.URL, err)
			}
		}
	}
	return resources, nil
}

func (a *ResearchAgent) buildPrompt(step Step, sc StepContext, material string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `You are a research agent working on one step of a larger investigation.

Overall question: %s
Current step: %s
What to find: %s
Locale: %s

`, sc.Query, step.Title, step.Description, sc.Locale)

	if len(sc.Observations) > 0 {
		b.WriteString("Findings from earlier steps:\n")
		for _, ob := range sc.Observations {
			content := ob.Content
			if len(content) > 600 {
				content = content[:600]
			}
			fmt.Fprintf(&b, "- %s\n", content)
		}
		b.WriteString("\n")
	}
	if strings.TrimSpace(material) != "" {
		b.WriteString("Source material gathered for this step:\n")
		b.WriteString(material)
		b.WriteString("\n")
	}

	b.WriteString("Write a factual summary of what this step found, citing source URLs inline where material supports a claim. Plain text, no preamble.")
	return b.String()
}

// ProcessingAgent executes processing steps: computation and analysis over
// material already gathered, with no tool access.
type ProcessingAgent struct {
	llm       provider.LLMProvider
	model     string
	telemetry *telemetry.Telemetry
	usage     *UsageMeter
}

func NewProcessingAgent(llm provider.LLMProvider, routing config.LLMRoutingConfig, tel *telemetry.Telemetry, usage *UsageMeter) *ProcessingAgent {
	return &ProcessingAgent{llm: llm, model: routing.Coder, telemetry: tel, usage: usage}
}

func (a *ProcessingAgent) Execute(ctx context.Context, step Step, sc StepContext) (StepResult, error) {
	var b strings.Builder
	fmt.Fprintf(&b, `You are an analysis agent working on one step of a larger investigation.

Overall question: %s
Current step: %s
Task: %s

`, sc.Query, step.Title, step.Description)

	if len(sc.Observations) > 0 {
		b.WriteString("Material to work with:\n")
		for _, ob := range sc.Observations {
			fmt.Fprintf(&b, "- %s\n", ob.Content)
		}
	} else {
		b.WriteString("No prior material was gathered; reason from general knowledge and say so.\n")
	}
	b.WriteString("\nCarry out the task. Show derived figures and the reasoning behind them. Plain text, no preamble.")

	answer, inTok, outTok, err := a.llm.GenerateWithTokens(ctx, b.String(), a.model, map[string]interface{}{"temperature": 0.1})
	if err != nil {
		return StepResult{}, fmt.Errorf("processing generation: %w", err)
	}
	cost := a.llm.CalculateCost(inTok, outTok, a.model)
	a.usage.Add(sc.ResearchID, inTok+outTok, cost)
	a.telemetry.RecordLLMUsage(a.model, inTok, outTok, cost)

	answer = strings.TrimSpace(answer)
	if answer == "" {
		return StepResult{Status: StepFailed, ExecutionResult: "processing agent produced empty output"}, nil
	}
	return StepResult{Status: StepCompleted, ExecutionResult: answer}, nil
}

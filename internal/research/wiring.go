package research

import (
	"fmt"

	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/internal/archive"
	"github.com/mohammad-safakhou/deepresearch/internal/telemetry"
	"github.com/mohammad-safakhou/deepresearch/provider"
	"github.com/mohammad-safakhou/deepresearch/tools/webfetch"
	"github.com/mohammad-safakhou/deepresearch/tools/websearch"
)

// Runtime bundles the orchestrator with the shared services its callers
// need: the HTTP server exposes Telemetry on /metrics, the CLI and MCP
// bridge reuse the same graph.
type Runtime struct {
	Orchestrator *Orchestrator
	Telemetry    *telemetry.Telemetry
	Usage        *UsageMeter
}

// Build wires the full collaborator graph from configuration. Web search is
// optional; without it research steps fall back to reasoning over prior
// observations.
func Build(cfg *config.Config) (*Runtime, error) {
	tel := telemetry.New(cfg.Telemetry)

	llm, err := provider.New(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm provider: %w", err)
	}

	var searcher websearch.WebSearcher
	if cfg.Search.Provider != "" {
		searcher, err = websearch.New(cfg.Search)
		if err != nil {
			return nil, fmt.Errorf("web search: %w", err)
		}
	}
	fetcher, err := webfetch.New(cfg.Fetch)
	if err != nil {
		return nil, fmt.Errorf("web fetch: %w", err)
	}

	var pages *archive.Archive
	if cfg.Archive.Enabled {
		pages, err = archive.New(cfg.Archive)
		if err != nil {
			return nil, fmt.Errorf("page archive: %w", err)
		}
	}

	usage := NewUsageMeter()
	researchAgent := NewResearchAgent(ResearchAgentDeps{
		LLM:       llm,
		Routing:   cfg.LLM.Routing,
		Searcher:  searcher,
		Fetcher:   fetcher,
		Pages:     pages,
		Telemetry: tel,
		Usage:     usage,
		Search:    cfg.Search,
		Fetch:     cfg.Fetch,
	})
	processingAgent := NewProcessingAgent(llm, cfg.LLM.Routing, tel, usage)

	orch := NewOrchestrator(
		tel,
		NewLLMClarifier(llm, cfg.LLM.Routing, usage),
		NewSearchInvestigator(searcher, cfg.Search.MaxResults),
		NewLLMPlanner(llm, cfg.LLM.Routing, cfg.Research.MaxStepNum, usage),
		NewExecutor(researchAgent, processingAgent),
		NewMarkdownReporter(),
		usage,
	)

	return &Runtime{Orchestrator: orch, Telemetry: tel, Usage: usage}, nil
}

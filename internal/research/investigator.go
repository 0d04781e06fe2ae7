package research

import (
	"context"
	"fmt"
	"log"

	"github.com/mohammad-safakhou/deepresearch/tools/websearch"
)

// SearchInvestigator runs one quick web search before planning so the first
// plan is grounded in fresh sources. Failures never abort the session.
type SearchInvestigator struct {
	searcher   websearch.WebSearcher
	maxResults int
	logger     *log.Logger
}

func NewSearchInvestigator(searcher websearch.WebSearcher, maxResults int) *SearchInvestigator {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &SearchInvestigator{
		searcher:   searcher,
		maxResults: maxResults,
		logger:     log.New(log.Writer(), "[INVESTIGATOR] ", log.LstdFlags),
	}
}

func (v *SearchInvestigator) Investigate(ctx context.Context, query string, cfg SessionConfig) ([]Observation, error) {
	if v.searcher == nil {
		return nil, nil
	}

	results, err := v.searcher.Discover(ctx, query, v.maxResults, nil, 0)
	if err != nil {
		return nil, &CollaboratorError{Stage: StageBackgroundInvestigating, Err: err}
	}
	if len(results) == 0 {
		return nil, nil
	}

	obs := make([]Observation, 0, len(results))
	for _, r := range results {
		obs = append(obs, Observation{
			StepIndex: -1,
			Content:   fmt.Sprintf("Background search result: %s (%s)\n%s", r.Title, r.URL, r.Snippet),
		})
	}
	v.logger.Printf("seeded %d background observations for query %.60q", len(obs), query)
	return obs, nil
}

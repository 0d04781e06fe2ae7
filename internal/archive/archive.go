package archive

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/blevesearch/bleve"
	"github.com/blevesearch/bleve/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/mapping"
	"github.com/mohammad-safakhou/deepresearch/config"
)

// Page is one fetched document stored in the session archive.
type Page struct {
	SessionID string    `json:"session_id"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Hit is one archive search match.
type Hit struct {
	URL      string
	Title    string
	Fragment string
	Score    float64
}

// Archive is a full-text index over pages fetched during a research session.
// Later steps can search material collected by earlier steps instead of
// re-fetching it.
type Archive struct {
	mu    sync.Mutex
	index bleve.Index
}

// New opens an archive. An empty path uses an in-memory index, which is what
// a single research session normally wants.
func New(cfg config.ArchiveConfig) (*Archive, error) {
	if cfg.Path == "" {
		idx, err := bleve.NewMemOnly(buildMapping())
		if err != nil {
			return nil, fmt.Errorf("opening in-memory archive: %w", err)
		}
		return &Archive{index: idx}, nil
	}

	idx, err := bleve.Open(cfg.Path)
	if err != nil {
		if _, statErr := os.Stat(cfg.Path); os.IsNotExist(statErr) {
			idx, err = bleve.New(cfg.Path, buildMapping())
		}
		if err != nil {
			return nil, fmt.Errorf("opening archive at %s: %w", cfg.Path, err)
		}
	}
	return &Archive{index: idx}, nil
}

func buildMapping() *mapping.IndexMappingImpl {
	pageMapping := bleve.NewDocumentMapping()

	textField := bleve.NewTextFieldMapping()
	pageMapping.AddFieldMappingsAt("title", textField)
	pageMapping.AddFieldMappingsAt("text", textField)

	// Exact-match fields: no tokenization so term queries see whole values.
	keywordField := bleve.NewTextFieldMapping()
	keywordField.Analyzer = keyword.Name
	keywordField.Index = true
	keywordField.Store = true
	pageMapping.AddFieldMappingsAt("url", keywordField)
	pageMapping.AddFieldMappingsAt("session_id", keywordField)

	m := bleve.NewIndexMapping()
	m.AddDocumentMapping("page", pageMapping)
	m.DefaultMapping = pageMapping
	return m
}

// Store indexes one page. Re-storing the same URL overwrites the previous
// copy.
func (a *Archive) Store(page Page) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if page.FetchedAt.IsZero() {
		page.FetchedAt = time.Now().UTC()
	}
	id := page.SessionID + "|" + page.URL
	return a.index.Index(id, page)
}

// Search runs a full-text query over the given session's archived pages and
// returns the top matches. The index is shared across sessions, so results
// are always filtered to the requesting session.
func (a *Archive) Search(sessionID, query string, limit int) ([]Hit, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if limit <= 0 {
		limit = 5
	}

	match := bleve.NewMatchQuery(query)
	owner := bleve.NewTermQuery(sessionID)
	owner.SetField("session_id")
	q := bleve.NewConjunctionQuery(match, owner)
	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	req.Fields = []string{"url", "title", "text"}
	res, err := a.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("archive search: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hit := Hit{Score: h.Score}
		if v, ok := h.Fields["url"].(string); ok {
			hit.URL = v
		}
		if v, ok := h.Fields["title"].(string); ok {
			hit.Title = v
		}
		if v, ok := h.Fields["text"].(string); ok {
			if len(v) > 400 {
				v = v[:400]
			}
			hit.Fragment = v
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// Count returns the number of archived pages.
func (a *Archive) Count() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.index.DocCount()
}

// Close releases the underlying index.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.index.Close()
}

package websearch

import (
	"context"
	"errors"

	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/tools/websearch/brave"
	"github.com/mohammad-safakhou/deepresearch/tools/websearch/models"
	"github.com/mohammad-safakhou/deepresearch/tools/websearch/serper"
)

// WebSearcher discovers pages for a query. Implementations are stateless and
// safe for concurrent use.
type WebSearcher interface {
	Discover(ctx context.Context, q string, k int, sites []string, recency int) ([]models.Result, error)
}

type Provider string

const (
	SerperProvider Provider = "serper"
	BraveProvider  Provider = "brave"
)

var ErrUnsupportedProvider = errors.New("unsupported provider")

// New builds a WebSearcher for the configured provider.
func New(cfg config.SearchConfig) (WebSearcher, error) {
	switch Provider(cfg.Provider) {
	case SerperProvider:
		if cfg.SerperAPIKey == "" {
			return nil, errors.New("serper api key not configured")
		}
		return serper.Search{ApiKey: cfg.SerperAPIKey}, nil
	case BraveProvider:
		if cfg.BraveAPIKey == "" {
			return nil, errors.New("brave api key not configured")
		}
		return brave.Search{ApiKey: cfg.BraveAPIKey}, nil
	default:
		return nil, ErrUnsupportedProvider
	}
}

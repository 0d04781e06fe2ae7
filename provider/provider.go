package provider

import (
	"context"
	"fmt"

	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/provider/anthropic"
	"github.com/mohammad-safakhou/deepresearch/provider/openai"
)

// LLMProvider is the contract every model backend implements. Providers are
// stateless and safe for concurrent use across research sessions.
type LLMProvider interface {
	// Generate generates text using the given model
	Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error)

	// GenerateWithTokens generates text and returns prompt/completion token usage
	GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, error)

	// GetAvailableModels returns configured model names
	GetAvailableModels() []string

	// GetModelInfo returns information about a specific model
	GetModelInfo(model string) (ModelInfo, error)

	// CalculateCost calculates the dollar cost for a given token usage
	CalculateCost(inputTokens, outputTokens int64, model string) float64
}

// ModelInfo contains information about an LLM model
type ModelInfo struct {
	Name            string  `json:"name"`
	Provider        string  `json:"provider"`
	MaxTokens       int     `json:"max_tokens"`
	CostPer1KInput  float64 `json:"cost_per_1k_input"`
	CostPer1KOutput float64 `json:"cost_per_1k_output"`
	Description     string  `json:"description"`
}

// New creates an LLM provider from configuration. When multiple providers are
// configured the first one wins; model routing happens by model name inside it.
func New(cfg config.LLMConfig) (LLMProvider, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}

	for _, provider := range cfg.Providers {
		switch provider.Type {
		case "openai":
			return &adapter{inner: openai.New(provider), name: "openai"}, nil
		case "anthropic":
			return &adapter{inner: anthropic.New(provider), name: "anthropic"}, nil
		default:
			return nil, fmt.Errorf("unsupported LLM provider type: %s", provider.Type)
		}
	}

	return nil, fmt.Errorf("no valid LLM providers found")
}

// backend is the narrow surface the concrete clients expose.
type backend interface {
	GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, error)
	Models() map[string]config.LLMModel
}

type adapter struct {
	inner backend
	name  string
}

func (a *adapter) Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error) {
	out, _, _, err := a.inner.GenerateWithTokens(ctx, prompt, model, options)
	return out, err
}

func (a *adapter) GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, error) {
	return a.inner.GenerateWithTokens(ctx, prompt, model, options)
}

func (a *adapter) GetAvailableModels() []string {
	var models []string
	for name := range a.inner.Models() {
		models = append(models, name)
	}
	return models
}

func (a *adapter) GetModelInfo(model string) (ModelInfo, error) {
	m, ok := a.inner.Models()[model]
	if !ok {
		return ModelInfo{}, fmt.Errorf("model not found: %s", model)
	}
	return ModelInfo{
		Name:            m.Name,
		Provider:        a.name,
		MaxTokens:       m.MaxTokens,
		CostPer1KInput:  m.CostPer1K,
		CostPer1KOutput: m.CostPer1KOutput,
		Description:     fmt.Sprintf("%s %s model", a.name, m.Name),
	}, nil
}

func (a *adapter) CalculateCost(inputTokens, outputTokens int64, model string) float64 {
	info, err := a.GetModelInfo(model)
	if err != nil {
		return 0.0
	}
	inputCost := float64(inputTokens) / 1000.0 * info.CostPer1KInput
	outputCost := float64(outputTokens) / 1000.0 * info.CostPer1KOutput
	return inputCost + outputCost
}

package research

import (
	"context"
	"sync"
)

type ctxKey int

const researchIDKey ctxKey = 0

// WithResearchID tags a context with the session's correlation id so shared
// collaborators can attribute LLM usage to the right session.
func WithResearchID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, researchIDKey, id)
}

func researchIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(researchIDKey).(string); ok {
		return v
	}
	return ""
}

// UsageMeter accumulates LLM token and cost usage keyed by research id, so
// session results can report their own spend even though the underlying
// clients are shared across sessions.
type UsageMeter struct {
	mu      sync.Mutex
	entries map[string]usageEntry
}

type usageEntry struct {
	tokens int64
	cost   float64
}

func NewUsageMeter() *UsageMeter {
	return &UsageMeter{entries: make(map[string]usageEntry)}
}

// Add records usage for one LLM call attributed to a session.
func (m *UsageMeter) Add(researchID string, tokens int64, cost float64) {
	if m == nil || researchID == "" {
		return
	}
	m.mu.Lock()
	e := m.entries[researchID]
	e.tokens += tokens
	e.cost += cost
	m.entries[researchID] = e
	m.mu.Unlock()
}

// Take returns and clears the accumulated usage for a session.
func (m *UsageMeter) Take(researchID string) (int64, float64) {
	if m == nil {
		return 0, 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[researchID]
	delete(m.entries, researchID)
	return e.tokens, e.cost
}

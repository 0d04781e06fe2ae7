package telemetry

import (
	"log"
	"sync"
	"time"

	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/prometheus/client_golang/prometheus"
)

// Telemetry tracks research session metrics and LLM spend. A single instance
// is shared by the orchestrator and the HTTP server, which exposes the
// registry on /metrics.
type Telemetry struct {
	config   config.TelemetryConfig
	logger   *log.Logger
	registry *prometheus.Registry

	sessionsTotal  *prometheus.CounterVec
	stepsTotal     *prometheus.CounterVec
	planIterations prometheus.Counter
	sessionSeconds prometheus.Histogram
	llmTokensTotal *prometheus.CounterVec
	llmCostTotal   *prometheus.CounterVec

	costs *CostTracker
}

// CostTracker accumulates LLM usage per model across sessions.
type CostTracker struct {
	mu          sync.RWMutex
	ModelCosts  map[string]float64
	ModelTokens map[string]int64
	TotalCost   float64
	TotalTokens int64
}

// New creates a telemetry instance with all collectors registered.
func New(cfg config.TelemetryConfig) *Telemetry {
	reg := prometheus.NewRegistry()

	t := &Telemetry{
		config:   cfg,
		logger:   log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		registry: reg,
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepresearch_sessions_total",
			Help: "Research sessions by terminal state.",
		}, []string{"state"}),
		stepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepresearch_steps_total",
			Help: "Executed plan steps by final status.",
		}, []string{"status", "type"}),
		planIterations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deepresearch_plan_iterations_total",
			Help: "Plans produced by the planner.",
		}),
		sessionSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "deepresearch_session_duration_seconds",
			Help:    "Wall-clock duration of research sessions.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		llmTokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepresearch_llm_tokens_total",
			Help: "LLM tokens consumed per model.",
		}, []string{"model", "direction"}),
		llmCostTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepresearch_llm_cost_usd_total",
			Help: "Estimated LLM spend per model in USD.",
		}, []string{"model"}),
		costs: &CostTracker{
			ModelCosts:  make(map[string]float64),
			ModelTokens: make(map[string]int64),
		},
	}

	reg.MustRegister(t.sessionsTotal, t.stepsTotal, t.planIterations, t.sessionSeconds, t.llmTokensTotal, t.llmCostTotal)
	return t
}

// Registry exposes the collector registry for the /metrics handler.
func (t *Telemetry) Registry() *prometheus.Registry { return t.registry }

// RecordSession records a finished session with its terminal state.
func (t *Telemetry) RecordSession(state string, duration time.Duration) {
	if t == nil {
		return
	}
	t.sessionsTotal.WithLabelValues(state).Inc()
	t.sessionSeconds.Observe(duration.Seconds())
}

// RecordStep records one executed step.
func (t *Telemetry) RecordStep(status, stepType string) {
	if t == nil {
		return
	}
	t.stepsTotal.WithLabelValues(status, stepType).Inc()
}

// RecordPlan records one planner iteration.
func (t *Telemetry) RecordPlan() {
	if t == nil {
		return
	}
	t.planIterations.Inc()
}

// RecordLLMUsage records token usage and estimated cost for one LLM call.
func (t *Telemetry) RecordLLMUsage(model string, inputTokens, outputTokens int64, cost float64) {
	if t == nil {
		return
	}
	t.llmTokensTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	t.llmTokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
	t.llmCostTotal.WithLabelValues(model).Add(cost)

	if !t.config.CostTracking {
		return
	}
	t.costs.mu.Lock()
	t.costs.ModelCosts[model] += cost
	t.costs.ModelTokens[model] += inputTokens + outputTokens
	t.costs.TotalCost += cost
	t.costs.TotalTokens += inputTokens + outputTokens
	t.costs.mu.Unlock()

	if cost > 0.5 {
		t.logger.Printf("high cost call: model=%s cost=$%.4f tokens=%d", model, cost, inputTokens+outputTokens)
	}
}

// CostSummary returns accumulated spend per model and overall totals.
func (t *Telemetry) CostSummary() (perModel map[string]float64, totalCost float64, totalTokens int64) {
	t.costs.mu.RLock()
	defer t.costs.mu.RUnlock()
	perModel = make(map[string]float64, len(t.costs.ModelCosts))
	for m, c := range t.costs.ModelCosts {
		perModel[m] = c
	}
	return perModel, t.costs.TotalCost, t.costs.TotalTokens
}

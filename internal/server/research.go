package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/deepresearch/internal/research"
	"github.com/mohammad-safakhou/deepresearch/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var handlerTracer trace.Tracer = otel.Tracer("deepresearch/internal/server/research")

// ResearchRequest is the body of POST /api/research and /api/research/stream.
type ResearchRequest struct {
	Query                         string `json:"query"`
	MaxStepNum                    *int   `json:"max_step_num,omitempty"`
	MaxPlanIterations             *int   `json:"max_plan_iterations,omitempty"`
	EnableClarification           *bool  `json:"enable_clarification,omitempty"`
	EnableBackgroundInvestigation *bool  `json:"enable_background_investigation,omitempty"`
	AutoAcceptPlan                *bool  `json:"auto_accept_plan,omitempty"`
	AbortOnStepFailure            *bool  `json:"abort_on_step_failure,omitempty"`
	ReportStyle                   string `json:"report_style,omitempty"`
	Locale                        string `json:"locale,omitempty"`
}

// ResearchHandler serves the research API. Running sessions are tracked in
// memory so approval and status requests can reach them; finished sessions
// are answered from Redis or Postgres when configured.
type ResearchHandler struct {
	orch     *research.Orchestrator
	store    *store.Store
	cache    *store.Cache
	defaults research.SessionConfig
	logger   *log.Logger

	mu     sync.RWMutex
	active map[string]*research.Session
}

func NewResearchHandler(orch *research.Orchestrator, st *store.Store, cache *store.Cache, defaults research.SessionConfig) *ResearchHandler {
	return &ResearchHandler{
		orch:     orch,
		store:    st,
		cache:    cache,
		defaults: defaults,
		logger:   log.New(log.Writer(), "[RESEARCH] ", log.LstdFlags),
		active:   make(map[string]*research.Session),
	}
}

// Register mounts the research routes on the given group.
func (h *ResearchHandler) Register(g *echo.Group) {
	g.POST("/research", h.runSync)
	g.POST("/research/stream", h.runStream)
	g.GET("/research", h.listSessions)
	g.GET("/research/:id", h.getSession)
	g.POST("/research/:id/approve", h.approvePlan)
}

func (h *ResearchHandler) sessionConfig(req ResearchRequest) research.SessionConfig {
	cfg := h.defaults
	if req.MaxStepNum != nil {
		cfg.MaxStepNum = *req.MaxStepNum
	}
	if req.MaxPlanIterations != nil {
		cfg.MaxPlanIterations = *req.MaxPlanIterations
	}
	if req.EnableClarification != nil {
		cfg.EnableClarification = *req.EnableClarification
	}
	if req.EnableBackgroundInvestigation != nil {
		cfg.EnableBackgroundInvestigation = *req.EnableBackgroundInvestigation
	}
	if req.AutoAcceptPlan != nil {
		cfg.AutoAcceptPlan = *req.AutoAcceptPlan
	}
	if req.AbortOnStepFailure != nil {
		cfg.AbortOnStepFailure = *req.AbortOnStepFailure
	}
	if req.ReportStyle != "" {
		cfg.ReportStyle = req.ReportStyle
	}
	if req.Locale != "" {
		cfg.Locale = req.Locale
	}
	return cfg
}

func (h *ResearchHandler) start(ctx context.Context, req ResearchRequest) (*research.Session, research.SessionConfig, error) {
	cfg := h.sessionConfig(req)
	s, err := h.orch.Start(ctx, req.Query, cfg)
	if err != nil {
		return nil, cfg, err
	}
	h.mu.Lock()
	h.active[s.ID] = s
	h.mu.Unlock()
	return s, cfg, nil
}

func (h *ResearchHandler) release(s *research.Session, cfg research.SessionConfig) {
	h.mu.Lock()
	delete(h.active, s.ID)
	h.mu.Unlock()

	res := s.Result()
	if res == nil {
		return
	}
	ctx := context.Background()
	if h.cache != nil {
		if err := h.cache.CacheResult(ctx, res); err != nil {
			h.logger.Printf("cache result %s: %v", res.ResearchID, err)
		}
		_ = h.cache.ClearAwaitingApproval(ctx, res.ResearchID)
	}
	if h.store != nil {
		if err := h.store.SaveSession(ctx, store.RecordFromResult(res, cfg.ReportStyle)); err != nil {
			h.logger.Printf("persist session %s: %v", res.ResearchID, err)
		}
	}
}

// runSync runs a whole session and responds with the terminal result.
func (h *ResearchHandler) runSync(c echo.Context) error {
	var req ResearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx, span := handlerTracer.Start(c.Request().Context(), "ResearchHandler.runSync")
	defer span.End()

	// A synchronous caller cannot answer an approval prompt; force auto
	// accept so the request cannot stall.
	auto := true
	req.AutoAcceptPlan = &auto

	s, cfg, err := h.start(ctx, req)
	if err != nil {
		return startError(err)
	}
	span.SetAttributes(attribute.String("research.id", s.ID))
	defer h.release(s, cfg)

	res, err := s.Wait(ctx)
	if err != nil {
		s.Cancel()
		if res2, werr := s.Wait(context.Background()); werr == nil {
			res = res2
		} else {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusOK, res)
}

// runStream starts a session and streams its progress events via SSE,
// terminated by a final "result" event.
func (h *ResearchHandler) runStream(c echo.Context) error {
	var req ResearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx, span := handlerTracer.Start(c.Request().Context(), "ResearchHandler.runStream")
	defer span.End()

	s, cfg, err := h.start(ctx, req)
	if err != nil {
		return startError(err)
	}
	span.SetAttributes(attribute.String("research.id", s.ID))
	defer h.release(s, cfg)

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		s.Cancel()
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	for {
		select {
		case ev, open := <-s.Events():
			if !open {
				if res := s.Result(); res != nil {
					writeSSE(resp, flusher, "result", res)
				}
				return nil
			}
			if ev.Stage == research.StageAwaitingApproval && h.cache != nil {
				_ = h.cache.MarkAwaitingApproval(ctx, s.ID, ev.Plan)
			}
			writeSSE(resp, flusher, "progress", ev)
		case <-ctx.Done():
			s.Cancel()
			// Drain so the session goroutine can finish.
			for range s.Events() {
			}
			return nil
		}
	}
}

// getSession answers from the active registry first, then Redis, then
// Postgres.
func (h *ResearchHandler) getSession(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "id required")
	}
	ctx := c.Request().Context()

	h.mu.RLock()
	s, running := h.active[id]
	h.mu.RUnlock()
	if running {
		if res := s.Result(); res != nil {
			return c.JSON(http.StatusOK, res)
		}
		status := map[string]interface{}{"research_id": id, "state": "running"}
		if h.cache != nil {
			if plan, pending, err := h.cache.PendingPlan(ctx, id); err == nil && pending {
				status["state"] = string(research.StageAwaitingApproval)
				status["plan"] = plan
			}
		}
		return c.JSON(http.StatusOK, status)
	}

	if h.cache != nil {
		if res, hit, err := h.cache.CachedResult(ctx, id); err == nil && hit {
			return c.JSON(http.StatusOK, res)
		}
	}
	if h.store != nil {
		rec, found, err := h.store.GetSession(ctx, id)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		if found {
			return c.JSON(http.StatusOK, rec.Result())
		}
	}
	return echo.NewHTTPError(http.StatusNotFound, "unknown research id")
}

func (h *ResearchHandler) listSessions(c echo.Context) error {
	if h.store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "session history requires postgres")
	}
	limit := 50
	if v := strings.TrimSpace(c.QueryParam("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	sums, err := h.store.ListSessions(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"sessions": sums})
}

// approvePlan forwards the caller's plan decision to a paused session.
func (h *ResearchHandler) approvePlan(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	h.mu.RLock()
	s, running := h.active[id]
	h.mu.RUnlock()
	if !running {
		return echo.NewHTTPError(http.StatusNotFound, "no running session with that id")
	}

	var decision research.PlanDecision
	if err := c.Bind(&decision); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.Approve(c.Request().Context(), decision); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if h.cache != nil {
		_ = h.cache.ClearAwaitingApproval(c.Request().Context(), id)
	}
	return c.JSON(http.StatusOK, map[string]string{"research_id": id, "status": "decision delivered"})
}

func startError(err error) error {
	var cerr *research.ConfigurationError
	if errors.As(err, &cerr) {
		return echo.NewHTTPError(http.StatusBadRequest, cerr.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func writeSSE(resp *echo.Response, flusher http.Flusher, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}

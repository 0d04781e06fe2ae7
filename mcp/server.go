// mcp/server.go
// Minimal MCP stdio server exposing the research workflow as tools.
// Clients connect via stdio JSON-RPC: "tools/list" and "tools/call".
//
// Start: `go run mcp/server.go`

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/internal/research"
)

// ---------- JSON-RPC skeleton ----------

type rpcReq struct {
	JSONRPC string                 `json:"jsonrpc"`
	ID      any                    `json:"id"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params"`
}
type rpcResp struct {
	JSONRPC string                 `json:"jsonrpc"`
	ID      any                    `json:"id"`
	Result  map[string]interface{} `json:"result,omitempty"`
	Error   *rpcError              `json:"error,omitempty"`
}
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeResp(w io.Writer, id any, result map[string]interface{}, err error) {
	resp := rpcResp{JSONRPC: "2.0", ID: id}
	if err != nil {
		resp.Error = &rpcError{Code: -32000, Message: err.Error()}
	} else {
		resp.Result = result
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(resp)
}

// ---------- Tool registry ----------

// ToolDesc describes a single MCP tool, including input schema.
type ToolDesc struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// MCPServer holds the shared runtime; sessions themselves stay isolated.
type MCPServer struct {
	runtime  *research.Runtime
	defaults research.SessionConfig

	CallTimeout time.Duration

	tools []ToolDesc
}

// NewMCPServer wires dependencies once.
func NewMCPServer() (*MCPServer, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	log.SetOutput(os.Stderr)

	rt, err := research.Build(cfg)
	if err != nil {
		return nil, err
	}

	srv := &MCPServer{
		runtime:     rt,
		defaults:    research.SessionConfigFromResearch(cfg.Research),
		CallTimeout: 10 * time.Minute,
	}
	srv.initTools()
	return srv, nil
}

// initTools defines schemas and descriptions surfaced to MCP clients.
func (srv *MCPServer) initTools() {
	styleSchema := map[string]any{
		"type": "string",
		"enum": []string{research.StyleAcademic, research.StyleNews, research.StyleSocial, research.StyleInvestment},
	}
	srv.tools = []ToolDesc{
		{
			Name:        "deep_research",
			Description: "Run a full multi-step research workflow on a question and return a styled report.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":               map[string]any{"type": "string"},
					"max_step_num":        map[string]any{"type": "integer", "minimum": 1, "maximum": 10},
					"max_plan_iterations": map[string]any{"type": "integer", "minimum": 1, "maximum": 5},
					"report_style":        styleSchema,
					"locale":              map[string]any{"type": "string"},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        "quick_research",
			Description: "Run a shallow two-step research pass with no clarification round, for fast answers.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":        map[string]any{"type": "string"},
					"report_style": styleSchema,
					"locale":       map[string]any{"type": "string"},
				},
				"required": []string{"query"},
			},
		},
	}
}

// callTool dispatches to handler functions.
func (srv *MCPServer) callTool(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	switch name {
	case "deep_research":
		return srv.tDeepResearch(ctx, args)
	case "quick_research":
		return srv.tQuickResearch(ctx, args)
	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

// ---------- Tool handlers ----------

func (srv *MCPServer) tDeepResearch(ctx context.Context, args map[string]any) (map[string]any, error) {
	query := str(args["query"])
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("query is required")
	}
	cfg := srv.defaults
	// MCP tool calls are single-turn; there is no caller to approve a plan.
	cfg.AutoAcceptPlan = true
	if v := asInt(args["max_step_num"]); v > 0 {
		cfg.MaxStepNum = v
	}
	if v := asInt(args["max_plan_iterations"]); v > 0 {
		cfg.MaxPlanIterations = v
	}
	if v := str(args["report_style"]); v != "" {
		cfg.ReportStyle = v
	}
	if v := str(args["locale"]); v != "" {
		cfg.Locale = v
	}
	return srv.runSession(ctx, query, cfg)
}

func (srv *MCPServer) tQuickResearch(ctx context.Context, args map[string]any) (map[string]any, error) {
	query := str(args["query"])
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("query is required")
	}
	cfg := srv.defaults
	cfg.AutoAcceptPlan = true
	cfg.MaxStepNum = 2
	cfg.MaxPlanIterations = 1
	cfg.EnableClarification = false
	cfg.EnableBackgroundInvestigation = false
	if v := str(args["report_style"]); v != "" {
		cfg.ReportStyle = v
	}
	if v := str(args["locale"]); v != "" {
		cfg.Locale = v
	}
	return srv.runSession(ctx, query, cfg)
}

func (srv *MCPServer) runSession(ctx context.Context, query string, cfg research.SessionConfig) (map[string]any, error) {
	s, err := srv.runtime.Orchestrator.Start(ctx, query, cfg)
	if err != nil {
		return nil, err
	}
	res, err := s.Wait(ctx)
	if err != nil {
		s.Cancel()
		if res2, werr := s.Wait(context.Background()); werr == nil {
			res = res2
		} else {
			return nil, err
		}
	}

	out := map[string]any{
		"research_id": res.ResearchID,
		"state":       string(res.State),
		"content":     formatResult(res),
	}
	if res.Question != "" {
		out["question"] = res.Question
	}
	return out, nil
}

// formatResult renders the terminal result as markdown for the MCP client.
func formatResult(res *research.Result) string {
	switch res.State {
	case research.StateDone:
		var b strings.Builder
		b.WriteString(res.FinalReport)
		if len(res.Resources) > 0 && !strings.Contains(res.FinalReport, "## Sources") {
			b.WriteString("\n## Sources\n\n")
			for _, r := range res.Resources {
				fmt.Fprintf(&b, "- %s (%s)\n", r.Title, r.URL)
			}
		}
		return b.String()
	case research.StateNeedsClarification:
		return fmt.Sprintf("The question needs clarification before research can start: %s", res.Question)
	case research.StateCancelled:
		return fmt.Sprintf("Research was cancelled: %s", res.ErrorSummary)
	default:
		return fmt.Sprintf("Research failed: %s", res.ErrorSummary)
	}
}

// ---------- helpers ----------

func str(v any) string { s, _ := v.(string); return s }
func asInt(v any) int {
	switch x := v.(type) {
	case float64:
		return int(x)
	case int:
		return x
	case json.Number:
		i, _ := x.Int64()
		return int(i)
	default:
		return 0
	}
}

// Serve runs the stdio JSON-RPC loop until EOF. Frames are newline
// delimited; a malformed line is skipped rather than wedging the decoder.
func (srv *MCPServer) Serve(in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var req rpcReq
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}

		switch req.Method {
		case "tools/list":
			writeResp(out, req.ID, map[string]any{"tools": srv.tools}, nil)

		case "tools/call":
			name := ""
			args := map[string]any{}
			if v, ok := req.Params["name"].(string); ok {
				name = v
			}
			if m, ok := req.Params["arguments"].(map[string]any); ok {
				args = m
			}
			// Per-call timeout to avoid stuck handlers
			ctx, cancel := context.WithTimeout(context.Background(), srv.CallTimeout)
			res, err := srv.callTool(ctx, name, args)
			cancel()
			writeResp(out, req.ID, res, err)

		default:
			writeResp(out, req.ID, nil, fmt.Errorf("unknown method: %s", req.Method))
		}
	}
	return sc.Err()
}

func main() {
	srv, err := NewMCPServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init error: %v\n", err)
		os.Exit(1)
	}
	if err := srv.Serve(os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "serve error: %v\n", err)
		os.Exit(1)
	}
}

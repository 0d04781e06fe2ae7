package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/mohammad-safakhou/deepresearch/internal/research"
)

// Store persists finished research sessions in Postgres.
type Store struct {
	DB *sql.DB
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty postgres dsn")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// SessionRecord is one persisted research session row.
type SessionRecord struct {
	ResearchID     string
	Query          string
	ClarifiedQuery string
	Locale         string
	State          string
	ReportStyle    string
	Plan           *research.Plan
	FinalReport    string
	Question       string
	ErrorSummary   string
	Observations   []research.Observation
	Resources      []research.Resource
	PlanIterations int
	StepsExecuted  int
	TokensUsed     int64
	CostEstimate   float64
	StartedAt      time.Time
	FinishedAt     time.Time
}

// RecordFromResult converts a terminal result into its storable form.
func RecordFromResult(res *research.Result, style string) SessionRecord {
	return SessionRecord{
		ResearchID:     res.ResearchID,
		Query:          res.Query,
		ClarifiedQuery: res.ClarifiedQuery,
		Locale:         res.Locale,
		State:          string(res.State),
		ReportStyle:    style,
		Plan:           res.Plan,
		FinalReport:    res.FinalReport,
		Question:       res.Question,
		ErrorSummary:   res.ErrorSummary,
		Observations:   res.Observations,
		Resources:      res.Resources,
		PlanIterations: res.Metadata.PlanIterations,
		StepsExecuted:  res.Metadata.StepsExecuted,
		TokensUsed:     res.Metadata.TokensUsed,
		CostEstimate:   res.Metadata.CostEstimate,
		StartedAt:      res.Metadata.StartedAt,
		FinishedAt:     res.Metadata.FinishedAt,
	}
}

// Result rebuilds the terminal result from a stored row.
func (r SessionRecord) Result() *research.Result {
	return &research.Result{
		ResearchID:     r.ResearchID,
		Query:          r.Query,
		ClarifiedQuery: r.ClarifiedQuery,
		Locale:         r.Locale,
		State:          research.TerminalState(r.State),
		Plan:           r.Plan,
		FinalReport:    r.FinalReport,
		Question:       r.Question,
		ErrorSummary:   r.ErrorSummary,
		Observations:   r.Observations,
		Resources:      r.Resources,
		Metadata: research.ResultMetadata{
			StartedAt:      r.StartedAt,
			FinishedAt:     r.FinishedAt,
			Duration:       r.FinishedAt.Sub(r.StartedAt),
			PlanIterations: r.PlanIterations,
			StepsExecuted:  r.StepsExecuted,
			TokensUsed:     r.TokensUsed,
			CostEstimate:   r.CostEstimate,
		},
	}
}

// SaveSession upserts one finished session.
func (s *Store) SaveSession(ctx context.Context, rec SessionRecord) error {
	planJSON, err := json.Marshal(rec.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	obsJSON, err := json.Marshal(rec.Observations)
	if err != nil {
		return fmt.Errorf("marshal observations: %w", err)
	}
	resJSON, err := json.Marshal(rec.Resources)
	if err != nil {
		return fmt.Errorf("marshal resources: %w", err)
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO research_sessions (
			id, query, clarified_query, locale, state, report_style,
			plan, final_report, question, error_summary, observations, resources,
			plan_iterations, steps_executed, tokens_used, cost_estimate,
			started_at, finished_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			plan = EXCLUDED.plan,
			final_report = EXCLUDED.final_report,
			question = EXCLUDED.question,
			error_summary = EXCLUDED.error_summary,
			observations = EXCLUDED.observations,
			resources = EXCLUDED.resources,
			plan_iterations = EXCLUDED.plan_iterations,
			steps_executed = EXCLUDED.steps_executed,
			tokens_used = EXCLUDED.tokens_used,
			cost_estimate = EXCLUDED.cost_estimate,
			finished_at = EXCLUDED.finished_at`,
		rec.ResearchID, rec.Query, rec.ClarifiedQuery, rec.Locale, rec.State, rec.ReportStyle,
		planJSON, rec.FinalReport, rec.Question, rec.ErrorSummary, obsJSON, resJSON,
		rec.PlanIterations, rec.StepsExecuted, rec.TokensUsed, rec.CostEstimate,
		rec.StartedAt, rec.FinishedAt)
	return err
}

// GetSession loads one session by research id. The bool reports existence.
func (s *Store) GetSession(ctx context.Context, researchID string) (SessionRecord, bool, error) {
	var (
		rec      SessionRecord
		planJSON []byte
		obsJSON  []byte
		resJSON  []byte
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, query, clarified_query, locale, state, report_style,
		       plan, final_report, question, error_summary, observations, resources,
		       plan_iterations, steps_executed, tokens_used, cost_estimate,
		       started_at, finished_at
		FROM research_sessions WHERE id = $1`, researchID).Scan(
		&rec.ResearchID, &rec.Query, &rec.ClarifiedQuery, &rec.Locale, &rec.State, &rec.ReportStyle,
		&planJSON, &rec.FinalReport, &rec.Question, &rec.ErrorSummary, &obsJSON, &resJSON,
		&rec.PlanIterations, &rec.StepsExecuted, &rec.TokensUsed, &rec.CostEstimate,
		&rec.StartedAt, &rec.FinishedAt)
	if err == sql.ErrNoRows {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, err
	}
	if err := json.Unmarshal(planJSON, &rec.Plan); err != nil {
		return SessionRecord{}, false, fmt.Errorf("unmarshal plan: %w", err)
	}
	if err := json.Unmarshal(obsJSON, &rec.Observations); err != nil {
		return SessionRecord{}, false, fmt.Errorf("unmarshal observations: %w", err)
	}
	if err := json.Unmarshal(resJSON, &rec.Resources); err != nil {
		return SessionRecord{}, false, fmt.Errorf("unmarshal resources: %w", err)
	}
	return rec, true, nil
}

// SessionSummary is one row of the session listing.
type SessionSummary struct {
	ResearchID string    `json:"research_id"`
	Query      string    `json:"query"`
	State      string    `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// ListSessions returns the most recent sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, query, state, started_at, finished_at
		FROM research_sessions ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		if err := rows.Scan(&sum.ResearchID, &sum.Query, &sum.State, &sum.StartedAt, &sum.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

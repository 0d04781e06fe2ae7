package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/internal/research"
	srv "github.com/mohammad-safakhou/deepresearch/internal/server"
	"github.com/mohammad-safakhou/deepresearch/internal/store"
	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "deepresearch"}

	var serveAddr string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the research HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			if serveAddr == "" {
				serveAddr = os.Getenv("DEEPRESEARCH_HTTP_ADDR")
			}
			if serveAddr == "" {
				serveAddr = cfg.Server.Listen
			}
			if serveAddr == "" {
				serveAddr = ":8080"
			}
			s, err := srv.New(cfg)
			if err != nil {
				return err
			}
			return s.Run(serveAddr)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")

	var (
		maxSteps    int
		maxIters    int
		style       string
		locale      string
		noClarify   bool
		noBackgrnd  bool
		jsonOutput  bool
		abortOnFail bool
	)
	var researchCmd = &cobra.Command{
		Use:   "research [query]",
		Short: "Run one research session from the command line",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			rt, err := research.Build(cfg)
			if err != nil {
				return err
			}

			sc := research.SessionConfigFromResearch(cfg.Research)
			sc.AutoAcceptPlan = true
			if maxSteps > 0 {
				sc.MaxStepNum = maxSteps
			}
			if maxIters > 0 {
				sc.MaxPlanIterations = maxIters
			}
			if style != "" {
				sc.ReportStyle = style
			}
			if locale != "" {
				sc.Locale = locale
			}
			if noClarify {
				sc.EnableClarification = false
			}
			if noBackgrnd {
				sc.EnableBackgroundInvestigation = false
			}
			if abortOnFail {
				sc.AbortOnStepFailure = true
			}

			query := args[0]
			session, err := rt.Orchestrator.Start(cmd.Context(), query, sc)
			if err != nil {
				return err
			}
			for ev := range session.Events() {
				fmt.Fprintf(os.Stderr, "[%s] %s\n", ev.Stage, ev.Message)
			}
			res := session.Result()
			if res == nil {
				return fmt.Errorf("session produced no result")
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			switch res.State {
			case research.StateDone:
				fmt.Println(res.FinalReport)
			case research.StateNeedsClarification:
				fmt.Printf("Needs clarification: %s\n", res.Question)
			default:
				fmt.Printf("Session ended %s: %s\n", res.State, res.ErrorSummary)
			}
			return nil
		},
	}
	researchCmd.Flags().IntVar(&maxSteps, "max-steps", 0, "step budget per plan (default from config)")
	researchCmd.Flags().IntVar(&maxIters, "max-iterations", 0, "planning round budget (default from config)")
	researchCmd.Flags().StringVar(&style, "style", "", "report style: academic, news, social, investment")
	researchCmd.Flags().StringVar(&locale, "locale", "", "report locale, e.g. en-US")
	researchCmd.Flags().BoolVar(&noClarify, "no-clarification", false, "skip the clarification round")
	researchCmd.Flags().BoolVar(&noBackgrnd, "no-background", false, "skip the background investigation")
	researchCmd.Flags().BoolVar(&jsonOutput, "json", false, "print the full result as JSON")
	researchCmd.Flags().BoolVar(&abortOnFail, "abort-on-step-failure", false, "fail the session on the first failed step")

	var migDir string
	var direction string
	var steps int
	var migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			dsn := cfg.Storage.Postgres.DSN()
			return store.Migrate(migDir, dsn, direction, steps)
		},
	}
	migrateCmd.Flags().StringVar(&migDir, "dir", "file://migrations", "migrations source (file://migrations)")
	migrateCmd.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrateCmd.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	root.AddCommand(serve, researchCmd, migrateCmd)
	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/deepread/internal/agent"
	"github.com/jkaninda/deepread/internal/config"
	"github.com/jkaninda/deepread/internal/storage"
)

var (
	runConfigPath  string
	runQuery       string
	runFile        string
	runDir         string
	runType        string
	runModel       string
	runMaxTurns    int
	runBackendName string
	runQuiet       bool
	runNoStore     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Analyze a document and answer one query",
	Long: `Run one analysis: load a document (or index a directory), let the model
explore it by executing code in the sandbox, and print the final answer.

Examples:
  deepread run -q "What are the main findings?" --file report.txt
  deepread run -q "Which module has the most TODOs?" --dir ./src
  deepread run -q "Summarize chapter 3" --file book.txt --type novel --max-turns 20`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	runCmd.Flags().StringVarP(&runQuery, "query", "q", "", "the question to answer (required)")
	runCmd.Flags().StringVar(&runFile, "file", "", "document to analyze")
	runCmd.Flags().StringVar(&runDir, "dir", "", "directory of documents to analyze")
	runCmd.Flags().StringVar(&runType, "type", "", "context type hint for the model (e.g. novel, log file)")
	runCmd.Flags().StringVar(&runModel, "model", "", "override the configured model")
	runCmd.Flags().IntVar(&runMaxTurns, "max-turns", 0, "override the turn budget")
	runCmd.Flags().StringVar(&runBackendName, "backend", "", "sandbox backend: process, docker, remote, or inprocess")
	runCmd.Flags().BoolVar(&runQuiet, "quiet", false, "only log warnings and errors")
	runCmd.Flags().BoolVar(&runNoStore, "no-store", false, "skip persisting the run transcript")

	_ = runCmd.MarkFlagRequired("query")
}

func runRun(cmd *cobra.Command, _ []string) error {
	logger := newLogger(runQuiet)

	cfg, err := loadConfigFor(cmd, runConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyRunOverrides(cfg)

	rc, err := loadContext(runFile, runDir, contextTypeFor(cfg))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observabilityOrNil(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	}()

	provider, err := newProvider(cfg, runModel, logger)
	if err != nil {
		return err
	}

	backend, err := buildBackend(cfg, rc, provider, obs, logger)
	if err != nil {
		return err
	}

	a := agent.New(provider, backend, agent.Config{
		ContextStats:    rc.Stats,
		ContextType:     rc.Type,
		MaxTurns:        cfg.Agent.MaxTurns,
		TruncationLimit: cfg.Agent.TruncationLimit,
		ExecTimeout:     cfg.Sandbox.ExecTimeout(),
		Temperature:     cfg.LLM.Temperature,
		MaxTokens:       cfg.LLM.MaxTokens,
		Logger:          logger,
		Metrics:         obs.MetricsOrNil(),
	})

	started := time.Now()
	answer, runErr := a.Run(ctx, runQuery)

	obs.MetricsOrNil().RecordRun(runErr == nil, a.Turns())

	if !runNoStore {
		persistRun(ctx, cfg, a, rc, answer, runErr, started, logger)
	}

	if runErr != nil {
		return runErr
	}

	fmt.Println(strings.TrimRight(answer, "\n"))
	return nil
}

// applyRunOverrides folds CLI flags into the loaded config.
func applyRunOverrides(cfg *config.Config) {
	if runMaxTurns > 0 {
		cfg.Agent.MaxTurns = runMaxTurns
	}
	if runBackendName != "" {
		cfg.Sandbox.Backend = runBackendName
	}
}

func contextTypeFor(cfg *config.Config) string {
	if runType != "" {
		return runType
	}
	return cfg.Agent.ContextType
}

// persistRun saves the transcript. Storage failures are logged, never fatal:
// the answer has already been produced.
func persistRun(ctx context.Context, cfg *config.Config, a *agent.Agent, rc *runContext, answer string, runErr error, started time.Time, logger *slog.Logger) {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Warn("run store unavailable, transcript not saved", slog.String("error", err.Error()))
		return
	}
	defer store.Close()

	record := &storage.RunRecord{
		ID:           uuid.New(),
		Query:        runQuery,
		Answer:       answer,
		Status:       storage.StatusSuccess,
		Model:        modelName(cfg),
		Backend:      cfg.Sandbox.BackendName(),
		Turns:        a.Turns(),
		ContextChars: rc.Stats.Chars,
		Transcript:   a.History(),
		StartedAt:    started.UTC(),
		FinishedAt:   time.Now().UTC(),
	}
	if runErr != nil {
		record.Status = storage.StatusError
		record.Error = runErr.Error()
	}

	if err := store.SaveRun(ctx, record); err != nil {
		logger.Warn("saving run transcript failed", slog.String("error", err.Error()))
		return
	}
	logger.Info("run transcript saved", slog.String("run_id", record.ID.String()))
}

func modelName(cfg *config.Config) string {
	if runModel != "" {
		return runModel
	}
	return cfg.LLM.Model
}

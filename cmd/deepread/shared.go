package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/deepread/internal/agent"
	"github.com/jkaninda/deepread/internal/config"
	"github.com/jkaninda/deepread/internal/index"
	"github.com/jkaninda/deepread/internal/llm"
	"github.com/jkaninda/deepread/internal/llm/openai"
	"github.com/jkaninda/deepread/internal/observability"
	"github.com/jkaninda/deepread/internal/repl"
	"github.com/jkaninda/deepread/internal/sandbox"
	"github.com/jkaninda/deepread/internal/storage"
	pgstore "github.com/jkaninda/deepread/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/deepread/internal/storage/sqlite"
)

// newLogger builds the JSON logger all commands share. Logging always goes to
// stderr; stdout is reserved for answers and, in repl mode, the protocol.
func newLogger(quiet bool) *slog.Logger {
	level := slog.LevelInfo
	if quiet {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// loadConfigFor resolves the config path and loads it. An explicit --config
// flag takes priority over the DEEPREAD_CONFIG env var; when neither names a
// file, built-in defaults with env overrides apply.
func loadConfigFor(cmd *cobra.Command, flagPath string) (*config.Config, error) {
	path := flagPath
	if !cmd.Flags().Changed("config") {
		if envCfg := os.Getenv("DEEPREAD_CONFIG"); envCfg != "" {
			path = envCfg
		} else if _, err := os.Stat(path); err != nil {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

// runContext is the loaded analysis subject: one document, or an indexed
// directory of them.
type runContext struct {
	Content string
	Index   *index.Index
	Type    string
	Source  string
	IsDir   bool
	Stats   agent.ContextStats
}

// loadContext reads the document or builds the directory index. Exactly one
// of file and dir must be set.
func loadContext(file, dir, contextType string) (*runContext, error) {
	switch {
	case file != "" && dir != "":
		return nil, fmt.Errorf("--file and --dir are mutually exclusive")

	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading document %s: %w", file, err)
		}
		content := string(data)
		rc := &runContext{
			Content: content,
			Type:    contextType,
			Source:  file,
			Stats:   agent.StatsFor(content),
		}
		if rc.Type == "" {
			rc.Type = "text document"
		}
		return rc, nil

	case dir != "":
		idx, err := index.Build(dir)
		if err != nil {
			return nil, fmt.Errorf("indexing directory %s: %w", dir, err)
		}
		rc := &runContext{
			Index:  idx,
			Type:   contextType,
			Source: dir,
			IsDir:  true,
			Stats:  agent.ContextStats{Files: idx.Count()},
		}
		if rc.Type == "" {
			rc.Type = "file collection"
		}
		return rc, nil

	default:
		return nil, fmt.Errorf("a document is required: use --file or --dir")
	}
}

// newProvider builds the chat completion client. model overrides the config
// when non-empty.
func newProvider(cfg *config.Config, model string, logger *slog.Logger) (llm.Provider, error) {
	if cfg.LLM.APIKey == "" {
		return nil, fmt.Errorf("missing API key: set OPENROUTER_API_KEY or llm.api_key")
	}
	if model == "" {
		model = cfg.LLM.Model
	}
	var opts []openai.Option
	if cfg.LLM.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.LLM.BaseURL))
	}
	return openai.NewClient(cfg.LLM.APIKey, model, logger, opts...), nil
}

// buildBackend selects and constructs the execution backend. The provider is
// only needed by the in-process variant, which hosts the recursion gate in the
// parent instead of a child.
func buildBackend(cfg *config.Config, rc *runContext, provider llm.Provider, obs *observability.Observability, logger *slog.Logger) (sandbox.Backend, error) {
	name := cfg.Sandbox.BackendName()
	switch name {
	case "process":
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolving own executable: %w", err)
		}
		argv := []string{exe, "repl"}
		argv = append(argv, contextArgs(rc)...)
		return sandbox.NewProcessBackend(argv, logger,
			sandbox.WithEnv(os.Environ()),
			sandbox.WithReadyTimeout(cfg.Sandbox.ReadyTimeout()),
		), nil

	case "docker":
		container := "deepread-" + uuid.NewString()[:8]
		contextPath, err := filepath.Abs(rc.Source)
		if err != nil {
			return nil, fmt.Errorf("resolving context path: %w", err)
		}
		// Inside the container the context is mounted at /workspace. A single
		// file keeps its base name; a directory is indexed whole.
		var extra []string
		if rc.IsDir {
			extra = []string{"repl", "--dir", "/workspace"}
			argv := sandbox.DockerCommand(cfg.Sandbox.DockerImage, container, contextPath, extra...)
			return sandbox.NewProcessBackend(argv, logger,
				sandbox.WithContainerName(container),
				sandbox.WithReadyTimeout(cfg.Sandbox.ReadyTimeout()),
			), nil
		}
		extra = []string{"repl", "--file", "/workspace/" + filepath.Base(rc.Source)}
		argv := sandbox.DockerCommand(cfg.Sandbox.DockerImage, container, filepath.Dir(contextPath), extra...)
		return sandbox.NewProcessBackend(argv, logger,
			sandbox.WithContainerName(container),
			sandbox.WithReadyTimeout(cfg.Sandbox.ReadyTimeout()),
		), nil

	case "remote":
		var opts []sandbox.RemoteOption
		if cfg.Sandbox.RemoteAPIKey != "" {
			opts = append(opts, sandbox.WithAPIKey(cfg.Sandbox.RemoteAPIKey))
		}
		opts = append(opts, sandbox.WithRequestTimeout(cfg.Sandbox.ExecTimeout()))
		return sandbox.NewRemoteBackend(cfg.Sandbox.RemoteURL, logger, opts...), nil

	case "inprocess":
		// No isolation: executed code shares this process. Only acceptable
		// when the operator trusts the model's code, typically for debugging.
		logger.Warn("in-process backend selected, executed code is not isolated")
		session, err := newGatedSession(cfg, rc, provider, obs, logger)
		if err != nil {
			return nil, err
		}
		return repl.NewInProcessBackend(session), nil

	default:
		return nil, fmt.Errorf("unknown sandbox backend %q", name)
	}
}

// newGatedSession builds a REPL session with the recursion gate wired to the
// given provider.
func newGatedSession(cfg *config.Config, rc *runContext, provider llm.Provider, obs *observability.Observability, logger *slog.Logger) (*repl.Session, error) {
	gateOpts := []repl.GateOption{
		repl.WithTimeout(cfg.Recursion.QueryTimeout()),
	}
	if obs != nil {
		gateOpts = append(gateOpts, repl.WithMetrics(obs.MetricsOrNil()))
	}
	if rc.Index != nil {
		gateOpts = append(gateOpts, repl.WithIndex(rc.Index))
	}
	gate := repl.NewGate(provider, cfg.Recursion.EffectiveMaxDepth(), logger, gateOpts...)

	return repl.NewSession(repl.Config{
		Context:  rc.Content,
		Index:    rc.Index,
		SubQuery: gate.Query,
		Logger:   logger,
	})
}

// observabilityOrNil initializes metrics and tracing, or returns nil when the
// config section is absent.
func observabilityOrNil(cfg *config.Config, logger *slog.Logger) (*observability.Observability, error) {
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	return obs, nil
}

// splitSource classifies a path as a single document or a directory.
func splitSource(path string) (file, dir string, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", "", fmt.Errorf("checking path %s: %w", path, err)
	}
	if info.IsDir() {
		return "", path, nil
	}
	return path, "", nil
}

// contextArgs renders the child process flags for the loaded context.
func contextArgs(rc *runContext) []string {
	if rc.IsDir {
		return []string{"--dir", rc.Source}
	}
	return []string{"--file", rc.Source}
}

// openStore opens the run transcript store and runs migrations.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.RunStore, error) {
	var (
		store storage.RunStore
		err   error
	)
	switch cfg.Storage.StorageDriver() {
	case "postgres":
		pg := cfg.Storage.Postgres
		store, err = pgstore.Open(pgstore.Config{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		}, logger)
	default:
		if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
			return nil, fmt.Errorf("creating data directory %s: %w", cfg.DataDir, err)
		}
		sqliteCfg := sqlitestore.Config{Path: cfg.DatabasePath()}
		if cfg.Storage != nil && cfg.Storage.SQLite != nil {
			sqliteCfg.JournalMode = cfg.Storage.SQLite.JournalMode
		}
		store, err = sqlitestore.Open(sqliteCfg, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("opening run store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrating run store: %w", err)
	}
	return store, nil
}

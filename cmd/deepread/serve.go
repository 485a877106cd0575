package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/jkaninda/deepread/internal/config"
	"github.com/jkaninda/deepread/internal/gateway/httpapi"
	"github.com/jkaninda/deepread/internal/observability"
	"github.com/jkaninda/deepread/internal/ratelimit"
	"github.com/jkaninda/deepread/internal/repl"
)

var (
	serveConfigPath string
	serveAddr       string
	serveFile       string
	serveDir        string
	serveQuiet      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the sandbox over HTTP",
	Long: `Host the execution sandbox as an HTTP server for remote agents. The
document (or directory) is loaded once; connecting agents share one
persistent session.

Examples:
  deepread serve --dir ./corpus --addr :8080
  deepread serve --file report.txt`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default :8080)")
	serveCmd.Flags().StringVar(&serveFile, "file", "", "document to load as the context")
	serveCmd.Flags().StringVar(&serveDir, "dir", "", "directory of documents to index")
	serveCmd.Flags().BoolVar(&serveQuiet, "quiet", false, "only log warnings and errors")
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := newLogger(serveQuiet)

	cfg, err := loadConfigFor(cmd, serveConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Server == nil {
		cfg.Server = &config.ServerConfig{}
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	if serveFile == "" && serveDir == "" && cfg.Server.DataPath != "" {
		if info, statErr := os.Stat(cfg.Server.DataPath); statErr == nil && info.IsDir() {
			serveDir = cfg.Server.DataPath
		} else {
			serveFile = cfg.Server.DataPath
		}
	}

	rc, err := loadContext(serveFile, serveDir, cfg.Agent.ContextType)
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

	session, err := buildServeSession(cfg, rc, obs, logger)
	if err != nil {
		return err
	}

	var limiter *ratelimit.Limiter
	if rate := cfg.Server.EffectiveRateLimit(); rate > 0 {
		limiter = ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: rate})
	}

	gatewayCfg := httpapi.Config{
		Addr:            cfg.Server.EffectiveAddr(),
		APIKey:          cfg.Server.APIKey,
		MaxRequestBytes: cfg.Server.EffectiveMaxRequestBytes(),
		ExecTimeout:     cfg.Sandbox.ExecTimeout(),
		Session:         session,
		Index:           rc.Index,
		Limiter:         limiter,
		Metrics:         obs.MetricsOrNil(),
		Logger:          logger,
	}
	if ts := obs.TracerOrNil(); ts != nil {
		gatewayCfg.Tracer = ts.Tracer()
	}
	if obs != nil {
		gatewayCfg.HealthChecker = obs.Health
	}

	gw, err := httpapi.NewGateway(gatewayCfg)
	if err != nil {
		return fmt.Errorf("building gateway: %w", err)
	}

	if stopCron, cronErr := startReindexCron(cfg, rc, session, logger); cronErr != nil {
		return cronErr
	} else if stopCron != nil {
		defer stopCron()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return gw.Stop(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// buildServeSession creates the shared session, with the recursion gate wired
// when an API key is configured.
func buildServeSession(cfg *config.Config, rc *runContext, obs *observability.Observability, logger *slog.Logger) (*repl.Session, error) {
	if cfg.LLM.APIKey == "" {
		logger.Warn("no API key set, sub-queries disabled on this server")
		return repl.NewSession(repl.Config{
			Context: rc.Content,
			Index:   rc.Index,
			Logger:  logger,
		})
	}
	provider, err := newProvider(cfg, "", logger)
	if err != nil {
		return nil, err
	}
	return newGatedSession(cfg, rc, provider, obs, logger)
}

// startReindexCron schedules periodic index rebuilds in directory mode.
// Returns a stop function, or nil when no schedule applies.
func startReindexCron(cfg *config.Config, rc *runContext, session *repl.Session, logger *slog.Logger) (func(), error) {
	schedule := cfg.Server.ReindexSchedule
	if schedule == "" || !rc.IsDir {
		return nil, nil
	}

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		n := session.Reindex()
		logger.Info("scheduled reindex complete", slog.Int("files", n))
	})
	if err != nil {
		return nil, fmt.Errorf("invalid reindex schedule %q: %w", schedule, err)
	}
	c.Start()
	logger.Info("reindex schedule active", slog.String("schedule", schedule))
	return func() { c.Stop() }, nil
}

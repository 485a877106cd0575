// Package httpapi exposes a REPL session over HTTP so a remote agent can use
// it as its sandbox. The wire shapes match what sandbox.RemoteBackend speaks.
//
// Security posture:
//   - API key authentication via the X-API-Key header (constant-time compare);
//     an empty configured key disables authentication entirely.
//   - Per-client token-bucket rate limiting keyed by remote address.
//   - Request bodies capped at a configurable byte limit.
//   - Liveness, readiness and metrics endpoints stay unauthenticated.
package httpapi

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/deepread/internal/index"
	"github.com/jkaninda/deepread/internal/observability"
	"github.com/jkaninda/deepread/internal/ratelimit"
	"github.com/jkaninda/deepread/internal/repl"
	"github.com/jkaninda/deepread/internal/sandbox"
)

const defaultMaxRequestBytes = 1 << 20 // 1 MB

// Config bundles the gateway dependencies.
type Config struct {
	Addr            string
	APIKey          string
	MaxRequestBytes int64
	ExecTimeout     time.Duration

	Session *repl.Session
	Index   *index.Index // nil in single-file mode

	Limiter       *ratelimit.Limiter
	Metrics       *observability.Metrics
	Tracer        trace.Tracer
	HealthChecker *observability.HealthChecker
	Logger        *slog.Logger
}

// Gateway is the HTTP sandbox server.
type Gateway struct {
	config  Config
	okapi   *okapi.Okapi
	server  *http.Server
	logger  *slog.Logger
	started time.Time
}

// StatusResponse is the JSON response for GET /status.
type StatusResponse struct {
	Status       string `json:"status"`
	FilesIndexed int    `json:"files_indexed"`
	ContextInfo  string `json:"context_info,omitempty"`
	UptimeS      int64  `json:"uptime_s"`
}

// ExecuteRequest is the JSON body for POST /execute.
type ExecuteRequest struct {
	Code string `json:"code"`
}

// GetVarRequest is the JSON body for POST /get_var.
type GetVarRequest struct {
	Name string `json:"name"`
}

// GetVarResponse is the JSON response for POST /get_var.
type GetVarResponse struct {
	Success bool   `json:"success"`
	Value   any    `json:"value,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ListVarsResponse is the JSON response for GET /list_vars.
type ListVarsResponse struct {
	Success   bool              `json:"success"`
	Variables map[string]string `json:"variables"`
}

// FilesResponse is the JSON response for GET /files.
type FilesResponse struct {
	Files []string `json:"files"`
}

// FileResponse is the JSON response for GET /file/{path}.
type FileResponse struct {
	Content string `json:"content"`
}

// ReindexResponse is the JSON response for POST /reindex.
type ReindexResponse struct {
	FilesIndexed int `json:"files_indexed"`
}

// ResetResponse is the JSON response for POST /reset.
type ResetResponse struct {
	Status string `json:"status"`
}

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error string `json:"error"`
}

// NewGateway constructs the gateway without starting it.
func NewGateway(cfg Config) (*Gateway, error) {
	if cfg.Session == nil {
		return nil, fmt.Errorf("httpapi: session is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = defaultMaxRequestBytes
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = sandbox.DefaultExecTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Gateway{
		config: cfg,
		okapi:  okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestBytes)),
		logger: logger,
	}, nil
}

// Start registers routes and serves until the listener fails or Stop is
// called. Blocks.
func (g *Gateway) Start(ctx context.Context) error {
	g.started = time.Now()

	g.okapi.Get("/status", g.secure(g.handleStatus),
		okapi.DocSummary("Sandbox status and index size"),
		okapi.DocTags("Sandbox"),
		okapi.DocResponse(StatusResponse{}),
	)
	g.okapi.Post("/execute", g.secure(g.handleExecute),
		okapi.DocSummary("Execute code in the persistent session"),
		okapi.DocTags("Sandbox"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(sandbox.ExecutionResult{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.okapi.Post("/get_var", g.secure(g.handleGetVar),
		okapi.DocSummary("Read a session variable"),
		okapi.DocTags("Sandbox"),
		okapi.DocRequestBody(GetVarRequest{}),
		okapi.DocResponse(GetVarResponse{}),
	)
	g.okapi.Get("/list_vars", g.secure(g.handleListVars),
		okapi.DocSummary("List session variables"),
		okapi.DocTags("Sandbox"),
		okapi.DocResponse(ListVarsResponse{}),
	)
	g.okapi.Get("/files", g.secure(g.handleListFiles),
		okapi.DocSummary("List indexed files, optionally filtered by glob pattern"),
		okapi.DocTags("Files"),
		okapi.DocResponse(FilesResponse{}),
	)
	g.okapi.Get("/file/*path", g.secure(g.handleReadFile),
		okapi.DocSummary("Read one indexed file"),
		okapi.DocTags("Files"),
		okapi.DocResponse(FileResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.okapi.Post("/reindex", g.secure(g.handleReindex),
		okapi.DocSummary("Rebuild the file index"),
		okapi.DocTags("Files"),
		okapi.DocResponse(ReindexResponse{}),
	)
	g.okapi.Post("/reset", g.secure(g.handleReset),
		okapi.DocSummary("Reset the session namespace"),
		okapi.DocTags("Sandbox"),
		okapi.DocResponse(ResetResponse{}),
	)

	// Operational endpoints bypass auth so probes and scrapers work without
	// credentials.
	g.okapi.Get("/healthz", g.handleHealth)
	g.okapi.Get("/readyz", g.handleReadiness)
	if g.config.Metrics != nil {
		handler := promhttp.HandlerFor(g.config.Metrics.Registry, promhttp.HandlerOpts{})
		g.okapi.HandleStd("GET", "/metrics", handler.ServeHTTP)
	}

	g.server = &http.Server{
		Addr:              g.config.Addr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2*g.config.ExecTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	g.logger.Info("sandbox server starting", slog.String("addr", g.config.Addr))
	return g.okapi.StartServer(g.server)
}

// Stop shuts the server down gracefully.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("sandbox server stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

func (g *Gateway) handleStatus(c *okapi.Context) error {
	indexed := 0
	if g.config.Index != nil {
		indexed = g.config.Index.Count()
	}
	return c.OK(StatusResponse{
		Status:       "ready",
		FilesIndexed: indexed,
		ContextInfo:  g.config.Session.ContextInfo(),
		UptimeS:      int64(time.Since(g.started).Seconds()),
	})
}

func (g *Gateway) handleExecute(c *okapi.Context) error {
	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Code == "" {
		return c.AbortBadRequest("code is required")
	}

	g.logger.Info("executing code", slog.Int("code_chars", len(req.Code)))
	res := g.config.Session.Exec(c.Context(), req.Code, g.config.ExecTimeout)
	return c.OK(res)
}

func (g *Gateway) handleGetVar(c *okapi.Context) error {
	var req GetVarRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Name == "" {
		return c.AbortBadRequest("name is required")
	}

	value, ok := g.config.Session.GetVariable(req.Name)
	if !ok {
		return c.OK(GetVarResponse{
			Success: false,
			Error:   fmt.Sprintf("Variable '%s' not found", req.Name),
		})
	}
	return c.OK(GetVarResponse{Success: true, Value: value})
}

func (g *Gateway) handleListVars(c *okapi.Context) error {
	return c.OK(ListVarsResponse{
		Success:   true,
		Variables: g.config.Session.ListVariables(),
	})
}

func (g *Gateway) handleListFiles(c *okapi.Context) error {
	if g.config.Index == nil {
		return c.OK(FilesResponse{Files: []string{}})
	}
	pattern := c.Request().URL.Query().Get("pattern")
	files := g.config.Index.List(pattern)
	if files == nil {
		files = []string{}
	}
	return c.OK(FilesResponse{Files: files})
}

func (g *Gateway) handleReadFile(c *okapi.Context) error {
	if g.config.Index == nil {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "no files indexed"})
	}
	// The wildcard param covers nested paths; fall back to trimming the raw
	// URL so escaped segments still resolve.
	path := c.Param("path")
	if path == "" {
		path = strings.TrimPrefix(c.Request().URL.Path, "/file/")
	}
	path = strings.TrimPrefix(path, "/")
	content, err := g.config.Index.Read(path)
	if err != nil {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: fmt.Sprintf("file not found: %s", path)})
	}
	return c.OK(FileResponse{Content: content})
}

func (g *Gateway) handleReindex(c *okapi.Context) error {
	count := g.config.Session.Reindex()
	g.logger.Info("index rebuilt", slog.Int("files", count))
	return c.OK(ReindexResponse{FilesIndexed: count})
}

func (g *Gateway) handleReset(c *okapi.Context) error {
	if err := g.config.Session.Reset(); err != nil {
		g.logger.Error("session reset failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("reset failed")
	}
	g.logger.Info("session reset")
	return c.OK(ResetResponse{Status: "reset"})
}

func (g *Gateway) handleHealth(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(okapi.M{"status": "ok"})
	}
	return c.OK(g.config.HealthChecker.CheckHealth())
}

func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(okapi.M{"status": "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Middleware ---

// secure wraps a handler with the sandbox middleware chain. Body limiting and
// metrics run first so rejected requests are still counted.
func (g *Gateway) secure(h okapi.HandlerFunc) okapi.HandlerFunc {
	h = g.rateLimit(h)
	h = g.authenticate(h)
	if g.config.Metrics != nil || g.config.Tracer != nil {
		h = observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer)(h)
	}
	return g.limitBody(h)
}

// authenticate validates the X-API-Key header. A gateway configured without
// an API key accepts every request.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if g.config.APIKey == "" {
			return next(c)
		}
		key := c.Header("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(g.config.APIKey)) != 1 {
			return c.AbortUnauthorized("invalid API key")
		}
		return next(c)
	}
}

// rateLimit applies the per-client token bucket keyed by remote address.
func (g *Gateway) rateLimit(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if g.config.Limiter == nil {
			return next(c)
		}
		client := clientAddr(c.Request())
		if err := g.config.Limiter.Allow(client); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
		return next(c)
	}
}

// limitBody rejects oversized requests before they are read.
func (g *Gateway) limitBody(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		r := c.Request()
		if r.ContentLength > g.config.MaxRequestBytes {
			return c.JSON(http.StatusRequestEntityTooLarge, ErrorBody{Error: "request body too large"})
		}
		r.Body = http.MaxBytesReader(nil, r.Body, g.config.MaxRequestBytes)
		return next(c)
	}
}

// clientAddr strips the port from the remote address so one host maps to one
// bucket regardless of ephemeral ports.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package repl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/deepread/internal/index"
	"github.com/jkaninda/deepread/internal/llm"
	"github.com/jkaninda/deepread/internal/observability"
)

// DefaultMaxDepth bounds nested sub-queries beneath the root run.
const DefaultMaxDepth = 3

// fileSummaryLimit bounds the index summary appended to sub-query prompts.
const fileSummaryLimit = 20

// Gate is the depth-bounded sub-query entry point exposed to executed code
// as the LlmQuery helper. Each run owns its own Gate, so concurrent runs in
// one process cannot interfere with each other's depth accounting.
//
// A sub-query is exactly one LLM call, never a nested agent loop: this caps
// worst-case latency and prevents recursion amplification. Failures are
// returned as error-shaped strings, not raised, since interpreted code has no
// structured error channel back to the host, so callers must check for the
// "Error:" prefix.
type Gate struct {
	provider llm.Provider
	maxDepth int
	timeout  time.Duration
	idx      *index.Index // Optional prompt enrichment.
	metrics  *observability.Metrics
	logger   *slog.Logger

	mu    sync.Mutex
	depth int
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithIndex enriches sub-query prompts with a bounded file summary.
func WithIndex(idx *index.Index) GateOption {
	return func(g *Gate) { g.idx = idx }
}

// WithTimeout overrides the per-sub-query timeout.
func WithTimeout(d time.Duration) GateOption {
	return func(g *Gate) { g.timeout = d }
}

// WithMetrics records sub-query outcomes on the collector.
func WithMetrics(m *observability.Metrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

// NewGate creates a recursion gate. maxDepth <= 0 uses DefaultMaxDepth.
func NewGate(provider llm.Provider, maxDepth int, logger *slog.Logger, opts ...GateOption) *Gate {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	g := &Gate{
		provider: provider,
		maxDepth: maxDepth,
		timeout:  120 * time.Second,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Query issues one bounded sub-query and returns the response text, or an
// error-shaped string. The depth bracket is restored on every exit path.
func (g *Gate) Query(prompt string) string {
	g.mu.Lock()
	if g.depth >= g.maxDepth {
		g.mu.Unlock()
		g.logger.Warn("sub-query rejected at depth limit", slog.Int("max_depth", g.maxDepth))
		g.metrics.RecordSubQuery(observability.SubQueryDepthLimited)
		return fmt.Sprintf("Error: maximum recursion depth (%d) reached, cannot issue more sub-queries", g.maxDepth)
	}
	g.depth++
	depth := g.depth
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.depth--
		g.mu.Unlock()
	}()

	if g.idx != nil {
		prompt = prompt + "\n\nAvailable files:\n" + g.idx.Summary(fileSummaryLimit)
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	g.logger.Info("sub-query issued",
		slog.Int("depth", depth),
		slog.Int("prompt_chars", len(prompt)),
	)

	resp, err := g.provider.SendMessage(ctx, &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		g.logger.Warn("sub-query failed", slog.Int("depth", depth), slog.String("error", err.Error()))
		g.metrics.RecordSubQuery(observability.SubQueryError)
		return fmt.Sprintf("Error making LLM request: %v", err)
	}
	g.metrics.RecordSubQuery(observability.SubQuerySuccess)
	return resp.Content
}

// Depth reports the current nesting depth.
func (g *Gate) Depth() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.depth
}

// Package agent implements the root control loop: a turn-based conversation
// between the LLM and a code execution backend, terminated by an explicit
// FINAL or FINAL_VAR marker in the model's response.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/deepread/internal/llm"
	"github.com/jkaninda/deepread/internal/observability"
	"github.com/jkaninda/deepread/internal/parser"
	"github.com/jkaninda/deepread/internal/sandbox"
)

// Defaults for run configuration.
const (
	DefaultMaxTurns        = 15
	DefaultTruncationLimit = 2000
)

// nudge is sent when a response contains neither code nor a final marker.
const nudge = "Continue with your analysis. Execute code or provide the final answer using FINAL() or FINAL_VAR()."

// Config configures one agent run.
type Config struct {
	ContextStats ContextStats
	ContextType  string

	MaxTurns        int
	TruncationLimit int
	ExecTimeout     time.Duration
	Temperature     float64
	MaxTokens       int

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Agent drives the turn loop for a single run. Runs are sequential: turns
// never overlap, and the backend sees at most one request at a time.
type Agent struct {
	provider llm.Provider
	backend  sandbox.Backend
	cfg      Config
	logger   *slog.Logger

	history []llm.Message
	turns   int
}

// New creates an agent over a provider and an execution backend.
func New(provider llm.Provider, backend sandbox.Backend, cfg Config) *Agent {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.TruncationLimit <= 0 {
		cfg.TruncationLimit = DefaultTruncationLimit
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = sandbox.DefaultExecTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		provider: provider,
		backend:  backend,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run executes the agent loop for query and returns the final answer.
// Transport failures on the root LLM call are fatal; execution failures are
// fed back to the model as results. The backend is always stopped on return.
func (a *Agent) Run(ctx context.Context, query string) (string, error) {
	stats := a.cfg.ContextStats
	a.logger.Info("agent run starting",
		slog.String("query", query),
		slog.Int("context_chars", stats.Chars),
		slog.Int("context_words", stats.Words),
		slog.Int("context_lines", stats.Lines),
	)

	if !a.backend.Start(ctx) {
		return "", fmt.Errorf("sandbox failed to become ready")
	}
	defer a.backend.Stop()

	system := systemPrompt(stats, a.cfg.ContextType)
	a.history = []llm.Message{
		{Role: llm.RoleUser, Content: "Query: " + query},
	}

	var raw string
	for turn := 1; turn <= a.cfg.MaxTurns; turn++ {
		a.turns = turn
		a.logger.Info("turn starting", slog.Int("turn", turn), slog.Int("max_turns", a.cfg.MaxTurns))

		resp, err := a.sendMessage(ctx, system)
		if err != nil {
			return "", fmt.Errorf("LLM request failed on turn %d: %w", turn, err)
		}
		raw = resp.Content

		// Code runs before FINAL_VAR is evaluated: the marker may name a
		// variable this very response's code assigns.
		code := parser.ExtractCodeBlock(raw)
		final, hasFinal := parser.DetectFinal(raw)

		switch {
		case code != "":
			truncated := a.execute(ctx, code)

			if hasFinal {
				a.logger.Info("final answer detected", slog.String("kind", string(final.Kind)))
				if final.Kind == parser.FinalVar {
					if v := a.backend.GetVariable(ctx, final.Content); v != nil {
						return stringify(v), nil
					}
					return fmt.Sprintf("Variable '%s' not found. Last execution output:\n%s",
						final.Content, truncated), nil
				}
				return final.Content, nil
			}

			a.history = append(a.history,
				llm.Message{Role: llm.RoleAssistant, Content: raw},
				llm.Message{Role: llm.RoleUser, Content: "Execution Result:\n" + truncated},
			)

		case hasFinal:
			a.logger.Info("final answer detected", slog.String("kind", string(final.Kind)))
			if final.Kind == parser.FinalVar {
				if v := a.backend.GetVariable(ctx, final.Content); v != nil {
					return stringify(v), nil
				}
				return fmt.Sprintf("Error: Variable '%s' not found", final.Content), nil
			}
			return final.Content, nil

		default:
			a.logger.Info("no code or final marker, nudging")
			a.history = append(a.history,
				llm.Message{Role: llm.RoleAssistant, Content: raw},
				llm.Message{Role: llm.RoleUser, Content: nudge},
			)
		}
	}

	return "", fmt.Errorf("maximum turns (%d) reached without final answer; last response:\n%s",
		a.cfg.MaxTurns, raw)
}

// sendMessage issues the root LLM call for the current history.
func (a *Agent) sendMessage(ctx context.Context, system string) (*llm.Response, error) {
	start := time.Now()
	resp, err := a.provider.SendMessage(ctx, &llm.Request{
		SystemPrompt: system,
		Messages:     a.history,
		Temperature:  a.cfg.Temperature,
		MaxTokens:    a.cfg.MaxTokens,
	})
	a.cfg.Metrics.RecordLLMRequest(a.provider.Name(), time.Since(start), err)
	if err != nil {
		return nil, err
	}
	a.cfg.Metrics.RecordTokens(a.provider.Name(), resp.Usage.InputTokens, resp.Usage.OutputTokens)
	a.logger.Debug("model responded",
		slog.Int("response_chars", len(resp.Content)),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
	)
	return resp, nil
}

// execute runs one code block and returns its formatted, truncated result.
func (a *Agent) execute(ctx context.Context, code string) string {
	a.logger.Info("executing code", slog.Int("code_chars", len(code)))

	start := time.Now()
	result := a.backend.ExecCode(ctx, code, a.cfg.ExecTimeout)
	a.cfg.Metrics.RecordExecution(result.Success, time.Since(start))

	formatted := parser.FormatResult(result)
	truncated := parser.Truncate(formatted, a.cfg.TruncationLimit)
	a.logger.Debug("execution finished",
		slog.Bool("success", result.Success),
		slog.Int("output_chars", len(formatted)),
	)
	return truncated
}

// stringify renders a retrieved variable value as the final answer text.
func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Turns reports how many turns the last run consumed.
func (a *Agent) Turns() int { return a.turns }

// History returns a copy of the conversation so far, for transcripts.
func (a *Agent) History() []llm.Message {
	out := make([]llm.Message, len(a.history))
	copy(out, a.history)
	return out
}

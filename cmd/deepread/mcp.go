package main

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/jkaninda/deepread/internal/agent"
	"github.com/jkaninda/deepread/internal/config"
)

var (
	mcpConfigPath string
	mcpQuiet      bool
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Expose document analysis as an MCP tool",
	Long: `Serve the Model Context Protocol on stdin/stdout. MCP clients (editors,
assistants) get one tool, analyze_document, which runs a full analysis and
returns the final answer.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	mcpCmd.Flags().BoolVar(&mcpQuiet, "quiet", true, "only log warnings and errors")
}

func runMCP(cmd *cobra.Command, _ []string) error {
	logger := newLogger(mcpQuiet)

	cfg, err := loadConfigFor(cmd, mcpConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	s := server.NewMCPServer("deepread", version,
		server.WithToolCapabilities(false),
	)

	tool := mcp.NewTool("analyze_document",
		mcp.WithDescription("Answer a question about a document or a directory of documents. "+
			"The model explores the content by executing code, so this handles documents "+
			"far larger than a context window."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("The question to answer"),
		),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Path to the document file or directory to analyze"),
		),
		mcp.WithString("context_type",
			mcp.Description("Optional hint about the content, e.g. 'novel' or 'log file'"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		path, err := req.RequireString("path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		contextType := req.GetString("context_type", cfg.Agent.ContextType)

		answer, err := analyzeOnce(ctx, cfg, query, path, contextType)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(answer), nil
	})

	logger.Info("mcp server starting")
	return server.ServeStdio(s)
}

// analyzeOnce runs one full analysis for the MCP tool. Each call gets a fresh
// backend so tool invocations never share interpreter state.
func analyzeOnce(ctx context.Context, cfg *config.Config, query, path, contextType string) (string, error) {
	file, dir, err := splitSource(path)
	if err != nil {
		return "", err
	}

	logger := newLogger(true)
	rc, err := loadContext(file, dir, contextType)
	if err != nil {
		return "", err
	}

	provider, err := newProvider(cfg, "", logger)
	if err != nil {
		return "", err
	}

	backend, err := buildBackend(cfg, rc, provider, nil, logger)
	if err != nil {
		return "", err
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
	})
	return a.Run(ctx, query)
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/deepread/internal/config"
	"github.com/jkaninda/deepread/internal/repl"
)

var (
	replConfigPath string
	replFile       string
	replDir        string
	replQuiet      bool
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Serve the sandbox protocol on stdin/stdout",
	Long: `Run the execution sandbox as a child process: newline-delimited JSON
requests on stdin, responses on stdout, logs on stderr. This is what the
process and docker backends launch; it is rarely invoked by hand.`,
	RunE:   runRepl,
	Hidden: true,
}

func init() {
	replCmd.Flags().StringVar(&replConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	replCmd.Flags().StringVar(&replFile, "file", "", "document to load as the context")
	replCmd.Flags().StringVar(&replDir, "dir", "", "directory of documents to index")
	replCmd.Flags().BoolVar(&replQuiet, "quiet", false, "only log warnings and errors")
}

func runRepl(cmd *cobra.Command, _ []string) error {
	logger := newLogger(replQuiet)

	cfg, err := loadConfigFor(cmd, replConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	rc, err := loadContext(replFile, replDir, cfg.Agent.ContextType)
	if err != nil {
		return err
	}

	// Sub-queries need their own LLM client inside the sandbox process. When
	// no API key is available the session still works; the helper reports
	// sub-queries as unavailable.
	var session *repl.Session
	if cfg.LLM.APIKey != "" {
		provider, perr := newProvider(cfg, "", logger)
		if perr != nil {
			return perr
		}
		session, err = newGatedSession(cfg, rc, provider, nil, logger)
	} else {
		logger.Warn("no API key set, sub-queries disabled in this sandbox")
		session, err = repl.NewSession(repl.Config{
			Context: rc.Content,
			Index:   rc.Index,
			Logger:  logger,
		})
	}
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	server := repl.NewServer(session, os.Stdin, os.Stdout, cfg.Sandbox.ExecTimeout(), logger)
	return server.Run(cmd.Context())
}

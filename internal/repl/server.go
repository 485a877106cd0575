package repl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/deepread/internal/sandbox"
)

// maxLineBytes bounds one NDJSON request line (code payloads included).
const maxLineBytes = 4 << 20 // 4 MB

// Server drives a Session over the NDJSON stdio protocol. JSON responses go
// to out (stdout); all logging must go elsewhere (stderr) to keep the
// response stream clean.
type Server struct {
	session     *Session
	execTimeout time.Duration
	in          io.Reader
	out         io.Writer
	outMu       sync.Mutex
	logger      *slog.Logger
}

// NewServer creates a protocol server around a session.
func NewServer(session *Session, in io.Reader, out io.Writer, execTimeout time.Duration, logger *slog.Logger) *Server {
	if execTimeout <= 0 {
		execTimeout = sandbox.DefaultExecTimeout
	}
	return &Server{
		session:     session,
		execTimeout: execTimeout,
		in:          in,
		out:         out,
		logger:      logger,
	}
}

// Run announces readiness, then serves requests until shutdown, EOF, or
// context cancellation.
func (s *Server) Run(ctx context.Context) error {
	s.send(&sandbox.Response{
		Success:     true,
		Status:      sandbox.StatusReady,
		Message:     "deepread sandbox initialized",
		ContextInfo: s.session.ContextInfo(),
	})

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var cmd sandbox.Command
		if err := json.Unmarshal(line, &cmd); err != nil {
			s.send(&sandbox.Response{Success: false, Error: fmt.Sprintf("invalid JSON: %v", err)})
			continue
		}

		if shutdown := s.handle(ctx, &cmd); shutdown {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading requests: %w", err)
	}
	return nil
}

// handle dispatches one command. Returns true when the server should exit.
func (s *Server) handle(ctx context.Context, cmd *sandbox.Command) bool {
	switch cmd.Action {
	case sandbox.ActionExecute:
		s.logger.Info("executing code", slog.Int("code_chars", len(cmd.Code)))
		res := s.session.Exec(ctx, cmd.Code, s.execTimeout)
		s.send(&sandbox.Response{Success: res.Success, Output: res.Output, Error: res.Error})

	case sandbox.ActionGetVar:
		if value, ok := s.session.GetVariable(cmd.Name); ok {
			s.send(&sandbox.Response{Success: true, Value: value})
		} else {
			s.send(&sandbox.Response{Success: false, Error: fmt.Sprintf("Variable '%s' not found", cmd.Name)})
		}

	case sandbox.ActionListVars:
		s.send(&sandbox.Response{Success: true, Variables: s.session.ListVariables()})

	case sandbox.ActionPing:
		s.send(&sandbox.Response{Success: true, Message: "pong"})

	case sandbox.ActionShutdown:
		s.send(&sandbox.Response{Success: true, Message: "Shutting down"})
		s.logger.Info("shutdown requested")
		return true

	default:
		s.send(&sandbox.Response{Success: false, Error: fmt.Sprintf("Unknown action: %s", cmd.Action)})
	}
	return false
}

func (s *Server) send(resp *sandbox.Response) {
	s.outMu.Lock()
	defer s.outMu.Unlock()

	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshaling response", slog.String("error", err.Error()))
		return
	}
	data = append(data, '\n')
	if _, err := s.out.Write(data); err != nil {
		s.logger.Error("writing response", slog.String("error", err.Error()))
	}
}

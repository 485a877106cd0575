package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// maxResponseBytes bounds one NDJSON response line from the child.
const maxResponseBytes = 4 << 20 // 4 MB

// ProcessBackend runs the execution environment in a long-lived child
// process and speaks the newline-delimited JSON protocol over its standard
// streams. Two goroutines run per session: one drains stdout lines into a
// channel so a full pipe never stalls the child, one drains stderr into the
// logger. At most one request is in flight at a time; the response channel
// is matched FIFO to requests under that discipline.
type ProcessBackend struct {
	argv          []string
	workDir       string
	env           []string
	containerName string
	readyTimeout  time.Duration
	logger        *slog.Logger

	mu     sync.Mutex // single-outstanding-request discipline
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan []byte
	exited chan struct{}
}

// ProcessOption configures a ProcessBackend.
type ProcessOption func(*ProcessBackend)

// WithWorkDir sets the child's working directory.
func WithWorkDir(dir string) ProcessOption {
	return func(b *ProcessBackend) { b.workDir = dir }
}

// WithEnv sets the child's environment (nil inherits the parent's).
func WithEnv(env []string) ProcessOption {
	return func(b *ProcessBackend) { b.env = env }
}

// WithContainerName enables a best-effort `docker rm -f` on Stop, a safety
// net against leaked containers when the child is a docker run wrapper.
func WithContainerName(name string) ProcessOption {
	return func(b *ProcessBackend) { b.containerName = name }
}

// WithReadyTimeout overrides the startup handshake window.
func WithReadyTimeout(d time.Duration) ProcessOption {
	return func(b *ProcessBackend) { b.readyTimeout = d }
}

// NewProcessBackend creates a backend that will spawn argv on Start.
func NewProcessBackend(argv []string, logger *slog.Logger, opts ...ProcessOption) *ProcessBackend {
	b := &ProcessBackend{
		argv:         argv,
		readyTimeout: DefaultReadyTimeout,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// DockerCommand assembles the argv for running the sandbox image in a
// container, with the context path bind-mounted read-only at /workspace.
func DockerCommand(image, containerName, contextPath string, extraArgs ...string) []string {
	argv := []string{"docker", "run", "-i", "--rm", "--name", containerName}
	if contextPath != "" {
		argv = append(argv, "-v", contextPath+":/workspace:ro")
	}
	argv = append(argv, image)
	return append(argv, extraArgs...)
}

// Start spawns the child and blocks until its ready handshake arrives, at
// most the ready timeout. Returns false on any startup failure, with the
// child torn down.
func (b *ProcessBackend) Start(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cmd != nil {
		return true
	}

	cmd := exec.Command(b.argv[0], b.argv[1:]...)
	cmd.Dir = b.workDir
	cmd.Env = b.env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		b.logger.Error("opening stdin pipe", slog.String("error", err.Error()))
		return false
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		b.logger.Error("opening stdout pipe", slog.String("error", err.Error()))
		return false
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		b.logger.Error("opening stderr pipe", slog.String("error", err.Error()))
		return false
	}

	if err := cmd.Start(); err != nil {
		b.logger.Error("starting sandbox process", slog.String("error", err.Error()))
		return false
	}
	b.logger.Info("sandbox process started",
		slog.String("command", b.argv[0]),
		slog.Int("pid", cmd.Process.Pid),
	)

	b.cmd = cmd
	b.stdin = stdin
	b.lines = make(chan []byte, 16)
	b.exited = make(chan struct{})

	go b.readStdout(stdout, b.lines)
	go b.readStderr(stderr)

	exited := b.exited
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	ready, err := b.awaitResponse(ctx, b.readyTimeout)
	if err != nil {
		b.logger.Error("sandbox did not become ready", slog.String("error", err.Error()))
		b.teardown()
		return false
	}
	if ready.Status != StatusReady {
		b.logger.Error("unexpected startup message", slog.String("status", ready.Status))
		b.teardown()
		return false
	}
	b.logger.Info("sandbox ready", slog.String("context_info", ready.ContextInfo))
	return true
}

// readStdout forwards response lines to the channel and closes it on EOF,
// which callers observe as a closed connection.
func (b *ProcessBackend) readStdout(r io.Reader, lines chan<- []byte) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxResponseBytes)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		lines <- line
	}
	if err := scanner.Err(); err != nil {
		b.logger.Warn("sandbox stdout closed", slog.String("error", err.Error()))
	}
}

// readStderr passes the child's log lines through to our logger.
func (b *ProcessBackend) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxResponseBytes)
	for scanner.Scan() {
		b.logger.Info("sandbox stderr", slog.String("line", scanner.Text()))
	}
}

// request writes one command line and waits for its response. Callers must
// hold b.mu.
func (b *ProcessBackend) request(ctx context.Context, cmd *Command, timeout time.Duration) (*Response, error) {
	if b.cmd == nil {
		return nil, fmt.Errorf("sandbox not started")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshaling command: %w", err)
	}
	data = append(data, '\n')
	if _, err := b.stdin.Write(data); err != nil {
		return nil, fmt.Errorf("writing command: %w", err)
	}
	return b.awaitResponse(ctx, timeout)
}

// awaitResponse blocks for the next stdout line, bounded by timeout and ctx.
// Callers must hold b.mu.
func (b *ProcessBackend) awaitResponse(ctx context.Context, timeout time.Duration) (*Response, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case line, ok := <-b.lines:
		if !ok {
			return nil, fmt.Errorf("sandbox closed the connection")
		}
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			return nil, fmt.Errorf("decoding response: %w", err)
		}
		return &resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("no response within %s", timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ExecCode runs code in the child's namespace. A timeout or transport
// failure yields a failed result, never a crash.
func (b *ProcessBackend) ExecCode(ctx context.Context, code string, timeout time.Duration) *ExecutionResult {
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	resp, err := b.request(ctx, &Command{Action: ActionExecute, Code: code}, timeout)
	if err != nil {
		b.logger.Warn("execute failed", slog.String("error", err.Error()))
		return FailedResult(fmt.Sprintf("Execution failed: %v", err))
	}
	return &ExecutionResult{Success: resp.Success, Output: resp.Output, Error: resp.Error}
}

// GetVariable reads a namespace binding, nil when unbound or on failure.
func (b *ProcessBackend) GetVariable(ctx context.Context, name string) any {
	b.mu.Lock()
	defer b.mu.Unlock()

	resp, err := b.request(ctx, &Command{Action: ActionGetVar, Name: name}, DefaultVarTimeout)
	if err != nil || !resp.Success {
		return nil
	}
	return resp.Value
}

// ListVariables lists user-defined namespace bindings.
func (b *ProcessBackend) ListVariables(ctx context.Context) map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()

	resp, err := b.request(ctx, &Command{Action: ActionListVars}, DefaultVarTimeout)
	if err != nil || !resp.Success {
		return map[string]string{}
	}
	return resp.Variables
}

// Ping probes the child with a short timeout so a dead session is detected
// quickly.
func (b *ProcessBackend) Ping(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	resp, err := b.request(ctx, &Command{Action: ActionPing}, DefaultPingTimeout)
	return err == nil && resp.Success
}

// Reindex is not part of the stdio protocol; indexing is owned by the child
// at startup.
func (b *ProcessBackend) Reindex(_ context.Context) int { return 0 }

// Reset is not supported over stdio. Callers restart the session instead.
func (b *ProcessBackend) Reset(_ context.Context) bool { return false }

// Stop shuts the child down: graceful shutdown message first, then
// terminate, then kill, then a best-effort container cleanup.
func (b *ProcessBackend) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.teardown()
}

// teardown escalates from graceful to forceful shutdown. Callers must hold
// b.mu.
func (b *ProcessBackend) teardown() {
	if b.cmd == nil {
		return
	}

	if data, err := json.Marshal(&Command{Action: ActionShutdown}); err == nil {
		data = append(data, '\n')
		if _, err := b.stdin.Write(data); err == nil {
			if b.waitFor(5 * time.Second) {
				b.finishTeardown()
				return
			}
		}
	}

	b.logger.Warn("graceful shutdown failed, terminating sandbox process")
	_ = b.cmd.Process.Signal(syscall.SIGTERM)
	if b.waitFor(5 * time.Second) {
		b.finishTeardown()
		return
	}

	b.logger.Warn("terminate failed, killing sandbox process")
	_ = b.cmd.Process.Kill()
	b.waitFor(5 * time.Second)
	b.finishTeardown()
}

func (b *ProcessBackend) finishTeardown() {
	_ = b.stdin.Close()
	b.cmd = nil
	b.stdin = nil

	if b.containerName != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := exec.CommandContext(ctx, "docker", "rm", "-f", b.containerName).Run(); err != nil {
			b.logger.Debug("container cleanup", slog.String("error", err.Error()))
		}
	}
	b.logger.Info("sandbox process stopped")
}

// waitFor waits for process exit, at most d.
func (b *ProcessBackend) waitFor(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-b.exited:
		return true
	case <-timer.C:
		return false
	}
}

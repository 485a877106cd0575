// Package sandbox provides persistent code-execution backends for the agent.
// A backend owns one interpreter namespace that survives across ExecCode calls,
// so the model can build up state over multiple turns.
//
// Three variants implement the same contract:
//   - ProcessBackend: a long-lived child process driven over NDJSON stdio
//   - RemoteBackend: an HTTP sandbox server (see internal/gateway/httpapi)
//   - repl.InProcessBackend: shares the caller's namespace, for recursive
//     sub-queries only. No isolation, never the default for untrusted code
package sandbox

import (
	"context"
	"time"
)

// Backend is the uniform capability set over a persistent namespace.
// At most one ExecCode/GetVariable call may be in flight per backend;
// calls are not multiplexed over one session.
type Backend interface {
	// Start brings the session up and blocks until it is ready or the
	// readiness window elapses. Returns false on startup failure.
	Start(ctx context.Context) bool

	// Stop tears the session down. Safe to call multiple times and on a
	// session that never started.
	Stop()

	// Ping reports whether the session is responsive.
	Ping(ctx context.Context) bool

	// ExecCode runs a code snippet in the persistent namespace. Failures
	// inside the executed code are captured in the result, not returned as
	// an error; a timeout yields a failed result as well.
	ExecCode(ctx context.Context, code string, timeout time.Duration) *ExecutionResult

	// GetVariable returns the value bound to name, or nil if unbound or the
	// session is unreachable.
	GetVariable(ctx context.Context, name string) any

	// ListVariables returns the user-defined bindings as name -> type name.
	ListVariables(ctx context.Context) map[string]string

	// Reindex rebuilds the file index (directory mode) and returns the
	// number of indexed files.
	Reindex(ctx context.Context) int

	// Reset clears the namespace back to its initial bindings.
	Reset(ctx context.Context) bool
}

// ExecutionResult captures the outcome of one ExecCode call.
// Immutable once returned.
type ExecutionResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
	Error   string `json:"error,omitempty"`
}

// FailedResult builds a failed ExecutionResult with no captured output.
func FailedResult(errMsg string) *ExecutionResult {
	return &ExecutionResult{Success: false, Error: errMsg}
}

// Default operational timeouts. Execution calls are generous because a call
// may itself trigger nested LLM sub-queries; lightweight calls are short so a
// dead session is detected quickly.
const (
	DefaultReadyTimeout = 30 * time.Second
	DefaultExecTimeout  = 120 * time.Second
	DefaultPingTimeout  = 5 * time.Second
	DefaultVarTimeout   = 10 * time.Second
)

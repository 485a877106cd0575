package repl

import (
	"context"
	"time"

	"github.com/jkaninda/deepread/internal/sandbox"
)

// InProcessBackend exposes a Session through the sandbox.Backend contract.
// It is used only for recursive sub-queries issued by code that is already
// executing inside a backend: it shares the caller's namespace directly, with
// no subprocess and no isolation, to avoid recursive sandbox spawning.
//
// Untrusted externally supplied code must never run here. This is the
// trusted fast path and a debugging aid, not a sandbox.
type InProcessBackend struct {
	session *Session
}

// NewInProcessBackend wraps an existing session.
func NewInProcessBackend(session *Session) *InProcessBackend {
	return &InProcessBackend{session: session}
}

// Start always succeeds: the namespace already exists.
func (b *InProcessBackend) Start(_ context.Context) bool { return true }

// Stop is a no-op; the enclosing session owns the namespace lifecycle.
func (b *InProcessBackend) Stop() {}

// Ping always reports ready.
func (b *InProcessBackend) Ping(_ context.Context) bool { return true }

// ExecCode executes directly in the shared namespace.
func (b *InProcessBackend) ExecCode(ctx context.Context, code string, timeout time.Duration) *sandbox.ExecutionResult {
	return b.session.Exec(ctx, code, timeout)
}

// GetVariable reads from the shared namespace.
func (b *InProcessBackend) GetVariable(_ context.Context, name string) any {
	v, ok := b.session.GetVariable(name)
	if !ok {
		return nil
	}
	return v
}

// ListVariables lists the shared namespace bindings.
func (b *InProcessBackend) ListVariables(_ context.Context) map[string]string {
	return b.session.ListVariables()
}

// Reindex is a no-op reporting the current count: the file index is owned by
// the enclosing session.
func (b *InProcessBackend) Reindex(_ context.Context) int {
	return b.session.IndexCount()
}

// Reset clears the shared namespace.
func (b *InProcessBackend) Reset(_ context.Context) bool {
	return b.session.Reset() == nil
}

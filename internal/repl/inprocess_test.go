package repl

import (
	"context"
	"testing"
)

func TestInProcessBackend_SharesNamespace(t *testing.T) {
	session := newTestSession(t, Config{})
	b := NewInProcessBackend(session)

	ctx := context.Background()
	if !b.Start(ctx) || !b.Ping(ctx) {
		t.Fatal("in-process backend must always be ready")
	}

	res := b.ExecCode(ctx, `shared := 99`, 0)
	if !res.Success {
		t.Fatalf("exec failed: %s", res.Error)
	}

	// The session and the backend see the same bindings.
	if v, ok := session.GetVariable("shared"); !ok || v != float64(99) && v != 99 {
		t.Errorf("expected shared binding, got %v (%v)", v, ok)
	}
	if v := b.GetVariable(ctx, "shared"); v == nil {
		t.Error("backend must read the shared namespace")
	}
	if b.GetVariable(ctx, "missing") != nil {
		t.Error("unbound variable must read as nil")
	}

	if !b.Reset(ctx) {
		t.Error("reset must succeed")
	}
	if v := b.GetVariable(ctx, "shared"); v != nil {
		t.Errorf("expected namespace cleared, got %v", v)
	}
	b.Stop()
}

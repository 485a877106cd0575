package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/deepread/internal/llm"
	"github.com/jkaninda/deepread/internal/sandbox"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedProvider replays canned responses in order.
type scriptedProvider struct {
	responses []string
	err       error
	requests  []*llm.Request
}

func (p *scriptedProvider) SendMessage(_ context.Context, req *llm.Request) (*llm.Response, error) {
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	i := len(p.requests) - 1
	if i >= len(p.responses) {
		i = len(p.responses) - 1
	}
	return &llm.Response{Content: p.responses[i]}, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

// fakeBackend records the call order and serves canned values.
type fakeBackend struct {
	startOK bool
	vars    map[string]any
	execs   []string
	result  *sandbox.ExecutionResult
	calls   []string
	stopped bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		startOK: true,
		vars:    map[string]any{},
		result:  &sandbox.ExecutionResult{Success: true, Output: "ok"},
	}
}

func (b *fakeBackend) Start(context.Context) bool {
	b.calls = append(b.calls, "start")
	return b.startOK
}

func (b *fakeBackend) Stop() {
	b.calls = append(b.calls, "stop")
	b.stopped = true
}

func (b *fakeBackend) Ping(context.Context) bool { return true }

func (b *fakeBackend) ExecCode(_ context.Context, code string, _ time.Duration) *sandbox.ExecutionResult {
	b.calls = append(b.calls, "exec")
	b.execs = append(b.execs, code)
	return b.result
}

func (b *fakeBackend) GetVariable(_ context.Context, name string) any {
	b.calls = append(b.calls, "get_var")
	return b.vars[name]
}

func (b *fakeBackend) ListVariables(context.Context) map[string]string { return nil }
func (b *fakeBackend) Reindex(context.Context) int                     { return 0 }
func (b *fakeBackend) Reset(context.Context) bool                      { return true }

func newTestAgent(p llm.Provider, b sandbox.Backend, maxTurns int) *Agent {
	return New(p, b, Config{
		ContextStats: ContextStats{Chars: 100, Words: 20, Lines: 5},
		MaxTurns:     maxTurns,
		Logger:       discardLogger(),
	})
}

func TestRun_ExecuteThenFinal(t *testing.T) {
	p := &scriptedProvider{responses: []string{
		"Let me check the length.\n```go\nfmt.Println(len(Context))\n```",
		"FINAL(The document has 100 characters.)",
	}}
	b := newFakeBackend()
	b.result = &sandbox.ExecutionResult{Success: true, Output: "100"}

	a := newTestAgent(p, b, 5)
	answer, err := a.Run(context.Background(), "how long is it?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if answer != "The document has 100 characters." {
		t.Errorf("answer = %q", answer)
	}
	if len(b.execs) != 1 || !strings.Contains(b.execs[0], "len(Context)") {
		t.Errorf("executed code = %v", b.execs)
	}
	if a.Turns() != 2 {
		t.Errorf("turns = %d, want 2", a.Turns())
	}
	if !b.stopped {
		t.Error("backend not stopped")
	}

	// The execution result must reach the model on the second request.
	second := p.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != llm.RoleUser || !strings.Contains(last.Content, "Execution Result:") {
		t.Errorf("feedback message = %+v", last)
	}
	if !strings.Contains(last.Content, "100") {
		t.Errorf("feedback missing output: %q", last.Content)
	}
}

func TestRun_CodeRunsBeforeFinalVar(t *testing.T) {
	p := &scriptedProvider{responses: []string{
		"```go\nanswer := \"done\"\n```\nFINAL_VAR(answer)",
	}}
	b := newFakeBackend()
	b.vars["answer"] = "done"

	a := newTestAgent(p, b, 5)
	answer, err := a.Run(context.Background(), "q")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if answer != "done" {
		t.Errorf("answer = %q, want %q", answer, "done")
	}

	// The assignment must execute before the variable is read back.
	want := []string{"start", "exec", "get_var", "stop"}
	if len(b.calls) != len(want) {
		t.Fatalf("calls = %v", b.calls)
	}
	for i, c := range want {
		if b.calls[i] != c {
			t.Fatalf("calls = %v, want %v", b.calls, want)
		}
	}
}

func TestRun_FinalVarUnboundWithCode(t *testing.T) {
	p := &scriptedProvider{responses: []string{
		"```go\nfmt.Println(\"partial\")\n```\nFINAL_VAR(missing)",
	}}
	b := newFakeBackend()
	b.result = &sandbox.ExecutionResult{Success: true, Output: "partial"}

	a := newTestAgent(p, b, 5)
	answer, err := a.Run(context.Background(), "q")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.HasPrefix(answer, "Variable 'missing' not found. Last execution output:") {
		t.Errorf("answer = %q", answer)
	}
	if !strings.Contains(answer, "partial") {
		t.Errorf("answer missing execution output: %q", answer)
	}
}

func TestRun_FinalVarUnboundWithoutCode(t *testing.T) {
	p := &scriptedProvider{responses: []string{"FINAL_VAR(ghost)"}}
	b := newFakeBackend()

	a := newTestAgent(p, b, 5)
	answer, err := a.Run(context.Background(), "q")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if answer != "Error: Variable 'ghost' not found" {
		t.Errorf("answer = %q", answer)
	}
	if len(b.execs) != 0 {
		t.Errorf("unexpected executions: %v", b.execs)
	}
}

func TestRun_NudgeOnMarkerlessResponse(t *testing.T) {
	p := &scriptedProvider{responses: []string{
		"I am thinking about the document.",
		"FINAL(ok)",
	}}
	b := newFakeBackend()

	a := newTestAgent(p, b, 5)
	if _, err := a.Run(context.Background(), "q"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	second := p.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if !strings.Contains(last.Content, "Execute code or provide the final answer") {
		t.Errorf("nudge not sent, got %q", last.Content)
	}
}

func TestRun_MaxTurnsExceeded(t *testing.T) {
	p := &scriptedProvider{responses: []string{"still thinking"}}
	b := newFakeBackend()

	a := newTestAgent(p, b, 2)
	_, err := a.Run(context.Background(), "q")
	if err == nil {
		t.Fatal("expected error after max turns")
	}
	if !strings.Contains(err.Error(), "maximum turns (2) reached") {
		t.Errorf("err = %v", err)
	}
	if !strings.Contains(err.Error(), "still thinking") {
		t.Errorf("last response missing from error: %v", err)
	}
	if len(p.requests) != 2 {
		t.Errorf("requests = %d, want 2", len(p.requests))
	}
	if !b.stopped {
		t.Error("backend not stopped")
	}
}

func TestRun_TransportErrorIsFatal(t *testing.T) {
	p := &scriptedProvider{err: errors.New("boom")}
	b := newFakeBackend()

	a := newTestAgent(p, b, 5)
	_, err := a.Run(context.Background(), "q")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "LLM request failed on turn 1") {
		t.Errorf("err = %v", err)
	}
	if !b.stopped {
		t.Error("backend not stopped after transport failure")
	}
}

func TestRun_StartupFailure(t *testing.T) {
	p := &scriptedProvider{responses: []string{"unused"}}
	b := newFakeBackend()
	b.startOK = false

	a := newTestAgent(p, b, 5)
	_, err := a.Run(context.Background(), "q")
	if err == nil || !strings.Contains(err.Error(), "sandbox failed to become ready") {
		t.Errorf("err = %v", err)
	}
	if len(p.requests) != 0 {
		t.Errorf("no LLM call expected, got %d", len(p.requests))
	}
}

func TestRun_FailedExecutionFedBack(t *testing.T) {
	p := &scriptedProvider{responses: []string{
		"```go\nbroken(\n```",
		"FINAL(recovered)",
	}}
	b := newFakeBackend()
	b.result = &sandbox.ExecutionResult{Success: false, Error: "syntax error"}

	a := newTestAgent(p, b, 5)
	answer, err := a.Run(context.Background(), "q")
	if err != nil {
		t.Fatalf("execution failure must not abort the run: %v", err)
	}
	if answer != "recovered" {
		t.Errorf("answer = %q", answer)
	}
	second := p.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if !strings.Contains(last.Content, "syntax error") {
		t.Errorf("error not fed back: %q", last.Content)
	}
}

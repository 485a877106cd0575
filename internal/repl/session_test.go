package repl

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/deepread/internal/index"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	s, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	return s
}

func TestExec_CapturesOutput(t *testing.T) {
	s := newTestSession(t, Config{})

	res := s.Exec(context.Background(), `x := 1 + 1
fmt.Println("Result:", x)`, 0)
	if !res.Success {
		t.Fatalf("execution failed: %s", res.Error)
	}
	if !strings.Contains(res.Output, "Result: 2") {
		t.Errorf("unexpected output %q", res.Output)
	}
}

func TestExec_StatePersistsAcrossCalls(t *testing.T) {
	s := newTestSession(t, Config{})

	if res := s.Exec(context.Background(), `counter := 40`, 0); !res.Success {
		t.Fatalf("first exec failed: %s", res.Error)
	}
	res := s.Exec(context.Background(), `counter = counter + 2
fmt.Println(counter)`, 0)
	if !res.Success {
		t.Fatalf("second exec failed: %s", res.Error)
	}
	if !strings.Contains(res.Output, "42") {
		t.Errorf("expected persisted state, got %q", res.Output)
	}
}

func TestExec_FailureCapturedAsResult(t *testing.T) {
	s := newTestSession(t, Config{})

	res := s.Exec(context.Background(), `noSuchFunction()`, 0)
	if res.Success {
		t.Fatal("expected failure result")
	}
	if res.Error == "" {
		t.Error("expected error text for the model to react to")
	}
}

func TestExec_OutputCeiling(t *testing.T) {
	s := newTestSession(t, Config{})

	res := s.Exec(context.Background(), `fmt.Println(strings.Repeat("a", 60000))`, 0)
	if !res.Success {
		t.Fatalf("execution failed: %s", res.Error)
	}
	if len(res.Output) > MaxOutputSize+100 {
		t.Errorf("output not capped: %d chars", len(res.Output))
	}
	if !strings.Contains(res.Output, "[Output truncated at 50000 chars]") {
		t.Error("expected truncation notice")
	}
}

func TestExec_ContextBindingInjected(t *testing.T) {
	s := newTestSession(t, Config{Context: "the quick brown fox"})

	res := s.Exec(context.Background(), `fmt.Println(len(strings.Fields(Context)))`, 0)
	if !res.Success {
		t.Fatalf("execution failed: %s", res.Error)
	}
	if !strings.Contains(res.Output, "4") {
		t.Errorf("expected word count 4, got %q", res.Output)
	}
}

func TestExec_Timeout(t *testing.T) {
	s := newTestSession(t, Config{})

	res := s.Exec(context.Background(), `for {
}`, 200*time.Millisecond)
	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if !strings.Contains(res.Error, "timed out") {
		t.Errorf("expected timeout error, got %q", res.Error)
	}
}

func TestGetVariable(t *testing.T) {
	s := newTestSession(t, Config{})

	if res := s.Exec(context.Background(), `answer := "done"`, 0); !res.Success {
		t.Fatalf("exec failed: %s", res.Error)
	}

	v, ok := s.GetVariable("answer")
	if !ok {
		t.Fatal("expected variable to be bound")
	}
	if v != "done" {
		t.Errorf("expected %q, got %v", "done", v)
	}

	if _, ok := s.GetVariable("missing"); ok {
		t.Error("expected unbound variable to report not found")
	}
}

func TestListVariables_ExcludesHelpers(t *testing.T) {
	s := newTestSession(t, Config{Context: "doc"})

	if res := s.Exec(context.Background(), `total := 7`, 0); !res.Success {
		t.Fatalf("exec failed: %s", res.Error)
	}

	vars := s.ListVariables()
	if _, ok := vars["total"]; !ok {
		t.Errorf("expected user variable listed, got %v", vars)
	}
	for _, helper := range []string{"Context", "LlmQuery"} {
		if _, ok := vars[helper]; ok {
			t.Errorf("helper %s must not be listed", helper)
		}
	}
}

func TestReset_ClearsNamespace(t *testing.T) {
	s := newTestSession(t, Config{})

	if res := s.Exec(context.Background(), `stale := 1`, 0); !res.Success {
		t.Fatalf("exec failed: %s", res.Error)
	}
	if err := s.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, ok := s.GetVariable("stale"); ok {
		t.Error("expected namespace cleared after reset")
	}
}

func TestFileHelpers_DirectoryMode(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("needle here\n"), 0640); err != nil {
		t.Fatal(err)
	}
	idx, err := index.Build(root)
	if err != nil {
		t.Fatal(err)
	}

	s := newTestSession(t, Config{Index: idx})

	res := s.Exec(context.Background(), `files := ListFiles("*")
fmt.Println(files[0])
fmt.Println(ReadFile("notes.txt"))`, 0)
	if !res.Success {
		t.Fatalf("exec failed: %s", res.Error)
	}
	if !strings.Contains(res.Output, "notes.txt") || !strings.Contains(res.Output, "needle here") {
		t.Errorf("file helpers not working, output %q", res.Output)
	}

	res = s.Exec(context.Background(), `for _, m := range SearchFiles("needle") {
	fmt.Println(m)
}`, 0)
	if !res.Success {
		t.Fatalf("search exec failed: %s", res.Error)
	}
	if !strings.Contains(res.Output, "notes.txt:1") {
		t.Errorf("expected search match, got %q", res.Output)
	}
}

func TestSubQueryHelper_Bound(t *testing.T) {
	called := false
	s := newTestSession(t, Config{
		SubQuery: func(prompt string) string {
			called = true
			return "sub answer to: " + prompt
		},
	})

	res := s.Exec(context.Background(), `fmt.Println(LlmQuery("summarize"))`, 0)
	if !res.Success {
		t.Fatalf("exec failed: %s", res.Error)
	}
	if !called {
		t.Error("expected the sub-query hook to be invoked")
	}
	if !strings.Contains(res.Output, "sub answer to: summarize") {
		t.Errorf("unexpected output %q", res.Output)
	}
}

func TestContextInfo(t *testing.T) {
	s := newTestSession(t, Config{Context: "one two three"})
	info := s.ContextInfo()
	if !strings.Contains(info, "13 characters") || !strings.Contains(info, "3 words") {
		t.Errorf("unexpected context info %q", info)
	}

	empty := newTestSession(t, Config{})
	if empty.ContextInfo() != "no context loaded" {
		t.Errorf("unexpected info for empty context: %q", empty.ContextInfo())
	}
}

package repl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/jkaninda/deepread/internal/sandbox"
)

// runServer feeds NDJSON request lines to a server and returns the decoded
// responses, ready handshake first.
func runServer(t *testing.T, cfg Config, lines ...string) []sandbox.Response {
	t.Helper()

	session := newTestSession(t, cfg)
	in := strings.NewReader(strings.Join(lines, "\n") + "\n")
	var out bytes.Buffer

	srv := NewServer(session, in, &out, 0, discardLogger())
	if err := srv.Run(context.Background()); err != nil {
		t.Fatalf("server run: %v", err)
	}

	var responses []sandbox.Response
	scanner := bufio.NewScanner(&out)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		var resp sandbox.Response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			t.Fatalf("decoding response %q: %v", scanner.Text(), err)
		}
		responses = append(responses, resp)
	}
	return responses
}

func mustMarshal(t *testing.T, cmd sandbox.Command) string {
	t.Helper()
	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestServer_ReadyHandshake(t *testing.T) {
	responses := runServer(t, Config{Context: "hello world"})
	if len(responses) != 1 {
		t.Fatalf("expected only the ready message, got %d responses", len(responses))
	}
	ready := responses[0]
	if !ready.Success || ready.Status != sandbox.StatusReady {
		t.Errorf("unexpected handshake %+v", ready)
	}
	if !strings.Contains(ready.ContextInfo, "2 words") {
		t.Errorf("handshake missing context info: %+v", ready)
	}
}

func TestServer_PingAndExecute(t *testing.T) {
	responses := runServer(t, Config{},
		mustMarshal(t, sandbox.Command{Action: sandbox.ActionPing}),
		mustMarshal(t, sandbox.Command{Action: sandbox.ActionExecute, Code: `fmt.Println("hi")`}),
	)
	if len(responses) != 3 {
		t.Fatalf("expected ready + 2 responses, got %d", len(responses))
	}
	if responses[1].Message != "pong" {
		t.Errorf("unexpected ping response %+v", responses[1])
	}
	exec := responses[2]
	if !exec.Success || !strings.Contains(exec.Output, "hi") {
		t.Errorf("unexpected execute response %+v", exec)
	}
}

func TestServer_GetVarMissing(t *testing.T) {
	responses := runServer(t, Config{},
		mustMarshal(t, sandbox.Command{Action: sandbox.ActionGetVar, Name: "ghost"}),
	)
	got := responses[1]
	if got.Success || !strings.Contains(got.Error, "Variable 'ghost' not found") {
		t.Errorf("unexpected response %+v", got)
	}
}

func TestServer_VariablesAcrossRequests(t *testing.T) {
	responses := runServer(t, Config{},
		mustMarshal(t, sandbox.Command{Action: sandbox.ActionExecute, Code: `answer := "done"`}),
		mustMarshal(t, sandbox.Command{Action: sandbox.ActionGetVar, Name: "answer"}),
		mustMarshal(t, sandbox.Command{Action: sandbox.ActionListVars}),
	)
	if v, ok := responses[2].Value.(string); !ok || v != "done" {
		t.Errorf("unexpected get_var response %+v", responses[2])
	}
	if _, ok := responses[3].Variables["answer"]; !ok {
		t.Errorf("expected answer in listing, got %+v", responses[3].Variables)
	}
}

func TestServer_InvalidJSONAndUnknownAction(t *testing.T) {
	responses := runServer(t, Config{},
		"{not json",
		mustMarshal(t, sandbox.Command{Action: "dance"}),
	)
	if responses[1].Success || !strings.Contains(responses[1].Error, "invalid JSON") {
		t.Errorf("unexpected response %+v", responses[1])
	}
	if responses[2].Success || !strings.Contains(responses[2].Error, "Unknown action: dance") {
		t.Errorf("unexpected response %+v", responses[2])
	}
}

func TestServer_ShutdownStopsLoop(t *testing.T) {
	responses := runServer(t, Config{},
		mustMarshal(t, sandbox.Command{Action: sandbox.ActionShutdown}),
		mustMarshal(t, sandbox.Command{Action: sandbox.ActionPing}),
	)
	// The ping after shutdown must never be served.
	if len(responses) != 2 {
		t.Fatalf("expected ready + shutdown only, got %d responses", len(responses))
	}
	if responses[1].Message != "Shutting down" {
		t.Errorf("unexpected shutdown response %+v", responses[1])
	}
}

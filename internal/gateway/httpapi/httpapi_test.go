package httpapi

import (
	"net/http"
	"testing"

	"github.com/jkaninda/deepread/internal/repl"
)

func TestNewGateway_RequiresSession(t *testing.T) {
	if _, err := NewGateway(Config{}); err == nil {
		t.Fatal("expected error for missing session")
	}
}

func TestNewGateway_Defaults(t *testing.T) {
	session, err := repl.NewSession(repl.Config{Context: "doc"})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	g, err := NewGateway(Config{Session: session})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	if g.config.Addr != ":8080" {
		t.Errorf("Addr = %q, want :8080", g.config.Addr)
	}
	if g.config.MaxRequestBytes != defaultMaxRequestBytes {
		t.Errorf("MaxRequestBytes = %d, want %d", g.config.MaxRequestBytes, defaultMaxRequestBytes)
	}
	if g.config.ExecTimeout <= 0 {
		t.Error("ExecTimeout not defaulted")
	}
}

func TestClientAddr(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{"192.0.2.1:51234", "192.0.2.1"},
		{"[::1]:8080", "::1"},
		{"no-port-here", "no-port-here"},
	}
	for _, tt := range tests {
		r := &http.Request{RemoteAddr: tt.remote}
		if got := clientAddr(r); got != tt.want {
			t.Errorf("clientAddr(%q) = %q, want %q", tt.remote, got, tt.want)
		}
	}
}

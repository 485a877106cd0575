package ratelimit

import (
	"errors"
	"testing"
)

func TestAllow_BurstThenLimited(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("client-a"); err != nil {
			t.Fatalf("request %d should pass: %v", i, err)
		}
	}
	if err := l.Allow("client-a"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}
}

func TestAllow_ClientsAreIndependent(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("client-a"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("client-a"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected client-a limited, got %v", err)
	}
	if err := l.Allow("client-b"); err != nil {
		t.Errorf("client-b must have its own bucket: %v", err)
	}
}

func TestAllow_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Allow("anyone"); err != nil {
			t.Fatalf("unlimited limiter must always allow: %v", err)
		}
	}
}

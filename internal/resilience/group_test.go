package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestBreakerGroupIsolatesKeys(t *testing.T) {
	g := NewBreakerGroup(2, time.Minute)
	fail := errors.New("boom")

	// Trip the breaker for "github" only.
	for range 2 {
		_ = g.Execute("github", func() error { return fail })
	}

	if err := g.Execute("github", func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open circuit for github, got %v", err)
	}

	// Other keys are unaffected.
	if err := g.Execute("slack", func() error { return nil }); err != nil {
		t.Fatalf("slack breaker should be closed: %v", err)
	}
}

func TestBreakerGroupReusesBreaker(t *testing.T) {
	g := NewBreakerGroup(3, time.Minute)

	if g.breaker("a") != g.breaker("a") {
		t.Fatal("expected the same breaker instance per key")
	}
}

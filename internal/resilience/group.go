package resilience

import (
	"sync"
	"time"
)

// BreakerGroup lazily maintains one Breaker per key, all sharing the same
// threshold and timeout. Used to isolate failures per integration source.
type BreakerGroup struct {
	mu          sync.Mutex
	breakers    map[string]*Breaker
	maxFailures int
	timeout     time.Duration
}

// NewBreakerGroup creates a group whose per-key breakers open after
// maxFailures consecutive failures and stay open for the given timeout.
func NewBreakerGroup(maxFailures int, timeout time.Duration) *BreakerGroup {
	return &BreakerGroup{
		breakers:    make(map[string]*Breaker),
		maxFailures: maxFailures,
		timeout:     timeout,
	}
}

// Execute runs fn through the breaker for the given key, creating the
// breaker on first use.
func (g *BreakerGroup) Execute(key string, fn func() error) error {
	return g.breaker(key).Execute(fn)
}

func (g *BreakerGroup) breaker(key string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.breakers[key]
	if !ok {
		b = NewBreaker(g.maxFailures, g.timeout)
		g.breakers[key] = b
	}
	return b
}

// Package flood rate-checks inbound messages per user.
package flood

import (
	"sync"
	"time"
)

const (
	DefaultMaxMessages = 10
	DefaultWindow      = 10 * time.Second
)

type Config struct {
	// MaxMessages within Window before the sender is warned.
	MaxMessages int
	Window      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxMessages <= 0 {
		c.MaxMessages = DefaultMaxMessages
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	return c
}

// Verdict is the outcome of observing one message.
type Verdict int

const (
	// Allowed means the message is within limits.
	Allowed Verdict = iota
	// Warn means the sender just crossed the limit; the caller should
	// warn them exactly once. The counter resets, so a sustained flood
	// produces a warning per burst, not per message.
	Warn
)

// Guard tracks recent message timestamps per user. All state lives in
// the instance; two guards never share counters.
type Guard struct {
	mu     sync.Mutex
	cfg    Config
	recent map[int64][]time.Time

	now func() time.Time // test seam
}

func New(cfg Config) *Guard {
	return &Guard{
		cfg:    cfg.withDefaults(),
		recent: make(map[int64][]time.Time),
		now:    time.Now,
	}
}

// Apply swaps the limits at runtime. Existing counters keep their
// timestamps; the new window applies from the next observation.
func (g *Guard) Apply(cfg Config) {
	g.mu.Lock()
	g.cfg = cfg.withDefaults()
	g.mu.Unlock()
}

// Observe records one message from userID and says whether the sender
// just crossed the flood limit.
func (g *Guard) Observe(userID int64) Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	cut := now.Add(-g.cfg.Window)

	kept := g.recent[userID][:0]
	for _, ts := range g.recent[userID] {
		if ts.After(cut) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)

	if len(kept) > g.cfg.MaxMessages {
		// Reset so the user is not warned again on every message of the
		// same burst.
		delete(g.recent, userID)
		return Warn
	}
	g.recent[userID] = kept
	return Allowed
}

// Forget drops the counter for one user.
func (g *Guard) Forget(userID int64) {
	g.mu.Lock()
	delete(g.recent, userID)
	g.mu.Unlock()
}

// Sweep drops users whose whole history has aged out of the window.
// Call it occasionally; the per-message path only trims the touched user.
func (g *Guard) Sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()
	cut := g.now().Add(-g.cfg.Window)
	for id, stamps := range g.recent {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(cut) {
			delete(g.recent, id)
		}
	}
}

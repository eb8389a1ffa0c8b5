package ratelimit

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrUnknownTier is returned by Decide for a tier missing from the table.
var ErrUnknownTier = errors.New("ratelimit: unknown tier")

var decisionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "devoter_ratelimit_decisions_total",
		Help: "Rate limit decisions by tier and outcome",
	},
	[]string{"tier", "outcome"},
)

// Decision is the outcome of one Decide call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter int // seconds until the window resets; set on deny

	tier        string
	key         string
	windowStart time.Time
}

type window struct {
	start  time.Time
	length time.Duration
	count  int
}

func (w *window) expired(now time.Time) bool {
	return now.Sub(w.start) >= w.length
}

// Governor holds fixed-window counters keyed by (tier, derived key).
type Governor struct {
	tiers  Tiers
	events *EventLog
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	windows map[string]*window

	interval time.Duration
	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option configures a Governor.
type Option func(*Governor)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Governor) { g.logger = logger }
}

// WithEventCapacity sizes the decision log.
func WithEventCapacity(n int) Option {
	return func(g *Governor) { g.events = NewEventLog(n) }
}

// WithCleanupInterval sets how often expired windows are swept.
func WithCleanupInterval(d time.Duration) Option {
	return func(g *Governor) { g.interval = d }
}

// NewGovernor creates a governor over tiers.
func NewGovernor(tiers Tiers, opts ...Option) *Governor {
	g := &Governor{
		tiers:    tiers,
		now:      time.Now,
		windows:  make(map[string]*window),
		interval: time.Minute,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.events == nil {
		g.events = NewEventLog(DefaultEventCapacity)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.interval <= 0 {
		g.interval = time.Minute
	}
	return g
}

// Tier returns the named tier.
func (g *Governor) Tier(name string) (Tier, bool) {
	t, ok := g.tiers[name]
	return t, ok
}

func windowKey(tier, key string) string {
	return tier + "|" + key
}

// Decide counts a request for key under tier and reports whether it may
// proceed. The compare and increment happen under one lock, so concurrent
// callers sharing a key never exceed Max within a window.
func (g *Governor) Decide(tierName, key, endpoint string) (Decision, error) {
	tier, ok := g.tiers[tierName]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownTier, tierName)
	}

	now := g.now()
	wk := windowKey(tierName, key)

	g.mu.Lock()
	w, ok := g.windows[wk]
	if !ok || w.expired(now) {
		w = &window{start: now, length: tier.Window}
		g.windows[wk] = w
	}
	allowed := w.count < tier.Max
	if allowed {
		w.count++
	}
	d := Decision{
		Allowed:     allowed,
		Limit:       tier.Max,
		Remaining:   max(tier.Max-w.count, 0),
		ResetAt:     w.start.Add(tier.Window),
		tier:        tierName,
		key:         key,
		windowStart: w.start,
	}
	g.mu.Unlock()

	if !allowed {
		d.RetryAfter = retryAfter(d.ResetAt.Sub(now), tier.Window)
	}

	g.events.Append(Event{
		Timestamp: now,
		Endpoint:  endpoint,
		Key:       key,
		Tier:      tierName,
		Limited:   !allowed,
	})

	outcome := "allowed"
	if !allowed {
		outcome = "limited"
	}
	decisionsTotal.WithLabelValues(tierName, outcome).Inc()

	return d, nil
}

// retryAfter rounds the remaining window up to whole seconds, clamped to
// [1, window].
func retryAfter(remaining, window time.Duration) int {
	secs := int(math.Ceil(remaining.Seconds()))
	limit := int(math.Ceil(window.Seconds()))
	if secs > limit {
		secs = limit
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Release refunds an allowed request whose outcome the tier exempts. It is a
// no-op once the decision's window has rolled over.
func (g *Governor) Release(d Decision) {
	if !d.Allowed {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	w, ok := g.windows[windowKey(d.tier, d.key)]
	if !ok || !w.start.Equal(d.windowStart) || w.count == 0 {
		return
	}
	w.count--
}

// Events returns the retained decisions, oldest first.
func (g *Governor) Events() []Event {
	return g.events.Snapshot()
}

// Analytics summarizes the retained decisions.
func (g *Governor) Analytics() Analytics {
	return Analyze(g.events.Snapshot())
}

// Sweep drops expired windows and returns how many were removed.
func (g *Governor) Sweep() int {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for k, w := range g.windows {
		if w.expired(now) {
			delete(g.windows, k)
			removed++
		}
	}
	return removed
}

// Start launches the background sweeper. Calling Start twice is a no-op.
func (g *Governor) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return
	}
	g.started = true
	go g.run()
}

func (g *Governor) run() {
	defer close(g.doneCh)

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := g.Sweep(); n > 0 {
				g.logger.Debug("rate limit windows swept", slog.Int("removed", n))
			}
		case <-g.stopCh:
			return
		}
	}
}

// Stop halts the sweeper and waits for it to exit.
func (g *Governor) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopCh)
	})

	g.mu.Lock()
	started := g.started
	g.mu.Unlock()
	if started {
		<-g.doneCh
	}
}

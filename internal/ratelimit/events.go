package ratelimit

import (
	"math"
	"sort"
	"sync"
	"time"
)

// DefaultEventCapacity bounds the decision log.
const DefaultEventCapacity = 1000

const topViolatorsLimit = 10

// Event is one governor decision.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Endpoint  string    `json:"endpoint"`
	Key       string    `json:"key"`
	Tier      string    `json:"tier"`
	Limited   bool      `json:"limited"`
}

// EventLog is a fixed-capacity ring buffer; the oldest event is overwritten
// once it is full.
type EventLog struct {
	mu   sync.Mutex
	buf  []Event
	next int
	full bool
}

// NewEventLog creates a log holding at most capacity events.
func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = DefaultEventCapacity
	}
	return &EventLog{buf: make([]Event, capacity)}
}

// Append records e, evicting the oldest event when full.
func (l *EventLog) Append(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf[l.next] = e
	l.next++
	if l.next == len(l.buf) {
		l.next = 0
		l.full = true
	}
}

// Len returns the number of retained events.
func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.buf)
	}
	return l.next
}

// Snapshot returns the retained events, oldest first.
func (l *EventLog) Snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		return append([]Event(nil), l.buf[:l.next]...)
	}
	out := make([]Event, 0, len(l.buf))
	out = append(out, l.buf[l.next:]...)
	return append(out, l.buf[:l.next]...)
}

// Violator is a derived key ranked by limited decisions.
type Violator struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Analytics summarizes the retained decisions.
type Analytics struct {
	TotalEvents       int            `json:"totalEvents"`
	LimitedEvents     int            `json:"limitedEvents"`
	LimitedPercentage float64        `json:"limitedPercentage"`
	ByEndpoint        map[string]int `json:"byEndpoint"`
	ByTier            map[string]int `json:"byTier"`
	TopViolators      []Violator     `json:"topViolators"`
}

// Analyze aggregates events. Violators are ordered by count descending,
// then key ascending, and truncated to ten.
func Analyze(events []Event) Analytics {
	a := Analytics{
		TotalEvents:  len(events),
		ByEndpoint:   make(map[string]int),
		ByTier:       make(map[string]int),
		TopViolators: []Violator{},
	}

	violations := make(map[string]int)
	for _, e := range events {
		a.ByEndpoint[e.Endpoint]++
		a.ByTier[e.Tier]++
		if e.Limited {
			a.LimitedEvents++
			violations[e.Key]++
		}
	}

	if a.TotalEvents > 0 {
		pct := float64(a.LimitedEvents) / float64(a.TotalEvents) * 100
		a.LimitedPercentage = math.Round(pct*100) / 100
	}

	for key, n := range violations {
		a.TopViolators = append(a.TopViolators, Violator{Key: key, Count: n})
	}
	sort.Slice(a.TopViolators, func(i, j int) bool {
		vi, vj := a.TopViolators[i], a.TopViolators[j]
		if vi.Count != vj.Count {
			return vi.Count > vj.Count
		}
		return vi.Key < vj.Key
	})
	if len(a.TopViolators) > topViolatorsLimit {
		a.TopViolators = a.TopViolators[:topViolatorsLimit]
	}
	return a
}

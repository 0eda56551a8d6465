package progress

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/italolelis/video_relay/internal/logctx"
)

// ErrNotFound is returned for unknown job ids and for jobs that finished and were
// reclaimed after the grace period. Callers should read it as "finished".
var ErrNotFound = errors.New("progress: job not found")

const (
	defaultBufferSize = 16
	defaultGrace      = 5 * time.Minute
)

// Event is the latest progress snapshot for one job.
type Event struct {
	JobID      string    `json:"job_id"`
	Step       string    `json:"step"`
	Percentage float64   `json:"percentage"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Done       bool      `json:"done,omitempty"`
	Success    bool      `json:"success,omitempty"`
}

type entry struct {
	last       Event
	finished   bool
	finishedAt time.Time
}

type subscription struct {
	ch   chan Event
	once sync.Once
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// Tracker is the process-wide registry of job progress. Create one with New and
// release it with Close.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*entry
	subs    map[string][]*subscription
	closed  bool

	grace      time.Duration
	bufferSize int
	now        func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now, used by tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithBufferSize sets the per-subscriber channel capacity.
func WithBufferSize(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.bufferSize = n
		}
	}
}

// New creates a tracker that keeps finished jobs around for grace before eviction.
func New(grace time.Duration, opts ...Option) *Tracker {
	if grace <= 0 {
		grace = defaultGrace
	}

	t := &Tracker{
		entries:    make(map[string]*entry),
		subs:       make(map[string][]*subscription),
		grace:      grace,
		bufferSize: defaultBufferSize,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Begin starts tracking jobID from zero, replacing any previous state for it.
func (t *Tracker) Begin(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	e := &entry{last: Event{JobID: jobID, Step: "init", Timestamp: t.now()}}
	t.entries[jobID] = e
	t.publish(jobID, e.last)
}

// Update records progress for jobID. The percentage never goes backwards and
// updates after Finish are ignored.
func (t *Tracker) Update(jobID, step string, pct float64, details string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	e, ok := t.entries[jobID]
	if !ok {
		e = &entry{}
		t.entries[jobID] = e
	}

	if e.finished {
		return
	}

	pct = clamp(pct)
	if pct < e.last.Percentage {
		pct = e.last.Percentage
	}

	e.last = Event{
		JobID:      jobID,
		Step:       step,
		Percentage: pct,
		Details:    details,
		Timestamp:  t.now(),
	}

	t.publish(jobID, e.last)
}

// Finish marks jobID terminal. Successful jobs land on 100%. Subscribers receive
// the final event and their channels are closed.
func (t *Tracker) Finish(jobID, step, details string, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	e, ok := t.entries[jobID]
	if !ok {
		e = &entry{}
		t.entries[jobID] = e
	}

	if e.finished {
		return
	}

	pct := e.last.Percentage
	if success {
		pct = 100
	}

	now := t.now()
	e.finished = true
	e.finishedAt = now
	e.last = Event{
		JobID:      jobID,
		Step:       step,
		Percentage: pct,
		Details:    details,
		Timestamp:  now,
		Done:       true,
		Success:    success,
	}

	t.publish(jobID, e.last)

	for _, s := range t.subs[jobID] {
		s.close()
	}

	delete(t.subs, jobID)
}

// Get returns the latest event for jobID.
func (t *Tracker) Get(jobID string) (Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[jobID]
	if !ok {
		return Event{}, ErrNotFound
	}

	return e.last, nil
}

// Subscribe returns a channel of events for jobID and a function that stops the
// subscription. The current snapshot is delivered first when one exists. Slow
// consumers lose the oldest buffered events, never the newest.
func (t *Tracker) Subscribe(jobID string) (<-chan Event, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := &subscription{ch: make(chan Event, t.bufferSize)}

	if t.closed {
		s.close()

		return s.ch, func() {}
	}

	if e, ok := t.entries[jobID]; ok {
		s.ch <- e.last

		if e.finished {
			s.close()

			return s.ch, func() {}
		}
	}

	t.subs[jobID] = append(t.subs[jobID], s)

	return s.ch, func() { t.unsubscribe(jobID, s) }
}

func (t *Tracker) unsubscribe(jobID string, s *subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()

	subs := t.subs[jobID]
	for i, candidate := range subs {
		if candidate == s {
			t.subs[jobID] = append(subs[:i], subs[i+1:]...)

			break
		}
	}

	if len(t.subs[jobID]) == 0 {
		delete(t.subs, jobID)
	}

	s.close()
}

// publish must be called with t.mu held.
func (t *Tracker) publish(jobID string, ev Event) {
	for _, s := range t.subs[jobID] {
		select {
		case s.ch <- ev:
			continue
		default:
		}

		// buffer full: drop the oldest and retry once
		select {
		case <-s.ch:
		default:
		}

		select {
		case s.ch <- ev:
		default:
		}
	}
}

// Sweep evicts jobs that finished more than the grace period before now and
// returns how many were removed.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0

	for id, e := range t.entries {
		if e.finished && now.Sub(e.finishedAt) >= t.grace {
			delete(t.entries, id)

			removed++
		}
	}

	return removed
}

// Len returns the number of tracked jobs.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries)
}

// Run sweeps finished jobs every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	if interval <= 0 {
		interval = t.grace / 2
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("progress janitor shutting down")

			return
		case <-ticker.C:
			if n := t.Sweep(t.now()); n > 0 {
				logger.Debug("evicted finished jobs from progress tracker", "count", n)
			}
		}
	}
}

// Close closes every subscription. Later writes are ignored.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	t.closed = true

	for id, subs := range t.subs {
		for _, s := range subs {
			s.close()
		}

		delete(t.subs, id)
	}
}

func clamp(pct float64) float64 {
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	default:
		return pct
	}
}

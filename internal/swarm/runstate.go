package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Staleness thresholds for the backstop sweep. Generous on purpose:
// the sweep only catches leaks from code paths that failed to call
// CleanupRun.
const (
	agentStaleAfter = 2 * time.Hour
	swarmStaleAfter = 24 * time.Hour
)

// Resolution is the terminal outcome delivered through a completion
// signal. It mirrors the agent row's terminal columns so waiters can
// act without an immediate store read.
type Resolution struct {
	Status  string
	Output  string
	Summary string
	Error   string
}

// Signal is a one-shot completion handle for a (swarm, agent) pair.
// It is purely in-memory; after a process restart recovery recreates
// signals for orphaned agents and resolves them immediately.
type Signal struct {
	once sync.Once
	ch   chan struct{}
	res  Resolution
	at   time.Time
}

func newSignal() *Signal {
	return &Signal{ch: make(chan struct{}), at: time.Now()}
}

// Resolve delivers the resolution. Subsequent calls are no-ops.
func (s *Signal) Resolve(res Resolution) {
	s.once.Do(func() {
		s.res = res
		close(s.ch)
	})
}

// Done returns a channel closed once the signal resolves.
func (s *Signal) Done() <-chan struct{} { return s.ch }

// Result returns the resolution; only valid after Done is closed.
func (s *Signal) Result() Resolution { return s.res }

type run struct {
	cancelled  bool
	cancelCh   chan struct{}
	startedAt  time.Time
	signals    map[string]*Signal // agent id -> signal
	registered bool
}

// Tracker is the in-process coordination service for active swarms:
// cancellation flags, start/stop races and per-agent completion
// signals. It is a cache over store state, never the source of truth.
type Tracker struct {
	mu   sync.Mutex
	runs map[string]*run // swarm id -> run
}

func NewTracker() *Tracker {
	return &Tracker{runs: make(map[string]*run)}
}

// MarkStarting claims a swarm for startup. It fails when the swarm is
// already starting or running, which is what rejects a concurrent
// duplicate start while the first one is still mid-setup.
func (t *Tracker) MarkStarting(swarmID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.runs[swarmID]; exists {
		return fmt.Errorf("swarm %s is already starting or running", swarmID)
	}
	t.runs[swarmID] = &run{
		cancelCh:  make(chan struct{}),
		startedAt: time.Now(),
		signals:   make(map[string]*Signal),
	}
	return nil
}

// RegisterRun transitions a swarm from starting to running.
func (t *Tracker) RegisterRun(swarmID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.runs[swarmID]; ok {
		r.registered = true
	}
}

// IsRunning reports whether the swarm is currently starting or
// running in this process.
func (t *Tracker) IsRunning(swarmID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.runs[swarmID]
	return ok
}

// SignalFor returns the completion signal for an agent, creating it
// on first use. Callers on both sides (waiter and resolver) may race;
// both get the same handle.
func (t *Tracker) SignalFor(swarmID, agentID string) *Signal {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.runs[swarmID]
	if !ok {
		// Swarm is not active: hand out a pre-resolved signal so
		// waiters never hang on a dead swarm.
		s := newSignal()
		s.Resolve(Resolution{Status: "cancelled", Error: "swarm is not running"})
		return s
	}
	s, ok := r.signals[agentID]
	if !ok {
		s = newSignal()
		r.signals[agentID] = s
	}
	return s
}

// Resolve delivers an agent's terminal resolution to any waiters.
func (t *Tracker) Resolve(swarmID, agentID string, res Resolution) {
	t.SignalFor(swarmID, agentID).Resolve(res)
}

// CancelRun sets the swarm's cancellation flag and eagerly resolves
// every outstanding signal so dependents unblock immediately instead
// of waiting out their timeouts.
func (t *Tracker) CancelRun(swarmID string) {
	t.mu.Lock()
	r, ok := t.runs[swarmID]
	var pending []*Signal
	if ok {
		if !r.cancelled {
			r.cancelled = true
			close(r.cancelCh)
		}
		for _, s := range r.signals {
			pending = append(pending, s)
		}
	}
	t.mu.Unlock()

	for _, s := range pending {
		s.Resolve(Resolution{Status: "cancelled", Error: "swarm cancelled"})
	}
}

// CancelChan returns a channel closed when the swarm run is
// cancelled. For swarms not tracked here the channel is already
// closed.
func (t *Tracker) CancelChan(swarmID string) <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.runs[swarmID]
	if !ok {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return r.cancelCh
}

// IsCancelled reports the swarm's cancellation flag.
func (t *Tracker) IsCancelled(swarmID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.runs[swarmID]
	return ok && r.cancelled
}

// CleanupRun resolves any still-pending signals and removes the run
// record. Waiters of a crashed or cancelled swarm are never left
// hanging.
func (t *Tracker) CleanupRun(swarmID string) {
	t.mu.Lock()
	r, ok := t.runs[swarmID]
	if ok {
		delete(t.runs, swarmID)
	}
	t.mu.Unlock()

	if !ok {
		return
	}
	for _, s := range r.signals {
		s.Resolve(Resolution{Status: "cancelled", Error: "swarm run cleaned up"})
	}
}

// ActiveSwarms lists the ids of swarms currently tracked.
func (t *Tracker) ActiveSwarms() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.runs))
	for id := range t.runs {
		out = append(out, id)
	}
	return out
}

// StartSweeper runs the periodic staleness sweep until ctx is done.
func (t *Tracker) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep(time.Now())
		}
	}
}

// sweep drops stale agent signals and whole swarm runs that exceeded
// their thresholds, resolving anything still pending.
func (t *Tracker) sweep(now time.Time) {
	t.mu.Lock()
	var resolved []*Signal
	for swarmID, r := range t.runs {
		if now.Sub(r.startedAt) > swarmStaleAfter {
			slog.Warn("sweeping stale swarm run", "swarm", swarmID, "age", now.Sub(r.startedAt))
			for _, s := range r.signals {
				resolved = append(resolved, s)
			}
			delete(t.runs, swarmID)
			continue
		}
		for agentID, s := range r.signals {
			if now.Sub(s.at) > agentStaleAfter {
				select {
				case <-s.ch:
					// already resolved, just drop the record
				default:
					slog.Warn("sweeping stale agent signal", "swarm", swarmID, "agent", agentID)
					resolved = append(resolved, s)
				}
				delete(r.signals, agentID)
			}
		}
	}
	t.mu.Unlock()

	for _, s := range resolved {
		s.Resolve(Resolution{Status: "failed", Error: "stale run swept"})
	}
}

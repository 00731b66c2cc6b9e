package swarm

import (
	"testing"
	"time"
)

func TestMarkStartingRejectsDuplicate(t *testing.T) {
	tr := NewTracker()

	if err := tr.MarkStarting("s1"); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := tr.MarkStarting("s1"); err == nil {
		t.Fatal("expected duplicate start to fail")
	}

	tr.CleanupRun("s1")
	if err := tr.MarkStarting("s1"); err != nil {
		t.Fatalf("start after cleanup: %v", err)
	}
}

func TestSignalResolveOnce(t *testing.T) {
	tr := NewTracker()
	if err := tr.MarkStarting("s1"); err != nil {
		t.Fatal(err)
	}

	sig := tr.SignalFor("s1", "a1")
	tr.Resolve("s1", "a1", Resolution{Status: "completed", Output: "first"})
	tr.Resolve("s1", "a1", Resolution{Status: "failed", Output: "second"})

	<-sig.Done()
	res := sig.Result()
	if res.Status != "completed" || res.Output != "first" {
		t.Errorf("second resolve must be a no-op, got %+v", res)
	}
}

func TestSignalForInactiveSwarmIsPreResolved(t *testing.T) {
	tr := NewTracker()

	sig := tr.SignalFor("ghost", "a1")
	select {
	case <-sig.Done():
	case <-time.After(time.Second):
		t.Fatal("signal for inactive swarm must resolve immediately")
	}
	if sig.Result().Status != "cancelled" {
		t.Errorf("expected cancelled, got %s", sig.Result().Status)
	}
}

func TestCancelRunResolvesWaiters(t *testing.T) {
	tr := NewTracker()
	if err := tr.MarkStarting("s1"); err != nil {
		t.Fatal(err)
	}
	tr.RegisterRun("s1")

	sig := tr.SignalFor("s1", "a1")

	done := make(chan Resolution, 1)
	go func() {
		<-sig.Done()
		done <- sig.Result()
	}()

	tr.CancelRun("s1")

	select {
	case res := <-done:
		if res.Status != "cancelled" {
			t.Errorf("expected cancelled, got %s", res.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not unblocked by cancel")
	}

	if !tr.IsCancelled("s1") {
		t.Error("cancellation flag not set")
	}
}

func TestCleanupResolvesPendingSignals(t *testing.T) {
	tr := NewTracker()
	if err := tr.MarkStarting("s1"); err != nil {
		t.Fatal(err)
	}
	sig := tr.SignalFor("s1", "a1")

	tr.CleanupRun("s1")

	select {
	case <-sig.Done():
	case <-time.After(time.Second):
		t.Fatal("pending signal not resolved on cleanup")
	}
	if tr.IsRunning("s1") {
		t.Error("swarm still tracked after cleanup")
	}
}

func TestSweepDropsStaleRuns(t *testing.T) {
	tr := NewTracker()
	if err := tr.MarkStarting("s1"); err != nil {
		t.Fatal(err)
	}
	sig := tr.SignalFor("s1", "a1")

	// Backdate the run past the swarm staleness threshold.
	tr.mu.Lock()
	tr.runs["s1"].startedAt = time.Now().Add(-swarmStaleAfter - time.Minute)
	tr.mu.Unlock()

	tr.sweep(time.Now())

	select {
	case <-sig.Done():
	case <-time.After(time.Second):
		t.Fatal("stale signal not resolved by sweep")
	}
	if sig.Result().Status != "failed" {
		t.Errorf("expected failed, got %s", sig.Result().Status)
	}
	if tr.IsRunning("s1") {
		t.Error("stale run still tracked")
	}
}

func TestActiveSwarms(t *testing.T) {
	tr := NewTracker()
	_ = tr.MarkStarting("s1")
	_ = tr.MarkStarting("s2")

	active := tr.ActiveSwarms()
	if len(active) != 2 {
		t.Errorf("expected 2 active swarms, got %v", active)
	}
}

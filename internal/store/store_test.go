package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hivebase/hive/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "hive.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedSwarm(t *testing.T, s *Store, agents ...*SwarmAgent) *Swarm {
	t.Helper()
	sw := &Swarm{
		ID:         "sw-1",
		Name:       "test swarm",
		WorkingDir: "/tmp/work",
		Status:     StatusPending,
	}
	for i, a := range agents {
		if a.ID == "" {
			a.ID = fmt.Sprintf("agent-%d", i)
		}
		a.SwarmID = sw.ID
		if a.Mode == "" {
			a.Mode = "assigned"
		}
	}
	if err := s.CreateSwarm(sw, agents); err != nil {
		t.Fatalf("create swarm: %v", err)
	}
	return sw
}

func TestSwarmRoundTrip(t *testing.T) {
	s := newTestStore(t)

	sw := seedSwarm(t, s,
		&SwarmAgent{Name: "a", Prompt: "first"},
		&SwarmAgent{Name: "b", Prompt: "second", Dependencies: []AgentDependency{
			{AgentID: "agent-0", AgentName: "a", Include: "full", Condition: "output.ok == true"},
		}, AllowedTools: []string{"read_file"}},
	)

	got, err := s.GetSwarm(sw.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Name != "test swarm" || got.Status != StatusPending {
		t.Fatalf("unexpected swarm: %+v", got)
	}

	agents, err := s.ListAgents(sw.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(agents))
	}

	b, err := s.GetAgentByName(sw.ID, "b")
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Dependencies) != 1 || b.Dependencies[0].Condition != "output.ok == true" {
		t.Errorf("dependencies not preserved: %+v", b.Dependencies)
	}
	if len(b.AllowedTools) != 1 || b.AllowedTools[0] != "read_file" {
		t.Errorf("allowed tools not preserved: %v", b.AllowedTools)
	}

	missing, err := s.GetSwarm("nope")
	if err != nil || missing != nil {
		t.Errorf("missing swarm should be nil, nil; got %v, %v", missing, err)
	}
}

func TestDuplicateAgentNameRejected(t *testing.T) {
	s := newTestStore(t)

	sw := &Swarm{ID: "sw-dup", Name: "dup", WorkingDir: "/tmp", Status: StatusPending}
	err := s.CreateSwarm(sw, []*SwarmAgent{
		{ID: "x1", Name: "same", Mode: "assigned"},
		{ID: "x2", Name: "same", Mode: "assigned"},
	})
	if err == nil {
		t.Fatal("expected unique constraint violation")
	}
	// The transaction rolled back whole.
	if got, _ := s.GetSwarm("sw-dup"); got != nil {
		t.Error("partial swarm persisted after failed create")
	}
}

func TestMarkAgentRunningRequiresPending(t *testing.T) {
	s := newTestStore(t)
	seedSwarm(t, s, &SwarmAgent{Name: "a", Prompt: "x"})

	if err := s.CreateSession(&Session{ID: "sess-1", SwarmID: "sw-1", AgentID: "agent-0"}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkAgentRunning("agent-0", "sess-1"); err != nil {
		t.Fatalf("first transition: %v", err)
	}

	a, _ := s.GetAgent("agent-0")
	if a.Status != StatusRunning || a.SessionID != "sess-1" {
		t.Fatalf("status and session must flip together: %+v", a)
	}
	if a.StartedAt == nil {
		t.Error("started_at not stamped")
	}

	// Already running: the guarded update matches no row.
	err := s.MarkAgentRunning("agent-0", "sess-2")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimTaskOrderingAndFilters(t *testing.T) {
	s := newTestStore(t)

	tasks := []*Task{
		{ID: "low", Description: "low", Priority: 1},
		{ID: "high", Description: "high", Priority: 9},
		{ID: "typed", Description: "typed", Priority: 5, TaskType: "review"},
		{ID: "tooled", Description: "tooled", Priority: 8, RequiredTools: []string{"deploy"}},
	}
	for _, task := range tasks {
		if err := s.EnqueueTask(task); err != nil {
			t.Fatal(err)
		}
	}

	// Highest priority first; the tooled task is filtered out by the
	// agent's tool set.
	got, err := s.ClaimTask("worker-1", "", []string{"read_file"})
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != "high" {
		t.Fatalf("expected high, got %+v", got)
	}
	if got.Status != TaskClaimed || got.ClaimedBy != "worker-1" {
		t.Errorf("claim not recorded: %+v", got)
	}

	// Type filter matches typed and untyped tasks.
	got, err = s.ClaimTask("worker-1", "review", []string{"read_file"})
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != "typed" {
		t.Fatalf("expected typed, got %+v", got)
	}

	// Empty tool filter means the agent carries all tools.
	got, err = s.ClaimTask("worker-2", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != "tooled" {
		t.Fatalf("expected tooled, got %+v", got)
	}

	got, err = s.ClaimTask("worker-2", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != "low" {
		t.Fatalf("expected low, got %+v", got)
	}

	// Queue drained.
	got, err = s.ClaimTask("worker-2", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected empty claim, got %+v", got)
	}
}

func TestClaimTaskNeverDoubleClaims(t *testing.T) {
	s := newTestStore(t)

	const n = 8
	for i := 0; i < n; i++ {
		if err := s.EnqueueTask(&Task{ID: fmt.Sprintf("t%d", i), Description: "work"}); err != nil {
			t.Fatal(err)
		}
	}

	var mu sync.Mutex
	claimed := make(map[string]string)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				task, err := s.ClaimTask(worker, "", nil)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if task == nil {
					return
				}
				mu.Lock()
				if owner, dup := claimed[task.ID]; dup {
					t.Errorf("task %s claimed by both %s and %s", task.ID, owner, worker)
				}
				claimed[task.ID] = worker
				mu.Unlock()
			}
		}(fmt.Sprintf("worker-%d", w))
	}
	wg.Wait()

	if len(claimed) != n {
		t.Errorf("expected %d claims, got %d", n, len(claimed))
	}
}

// Heavy contention must drain the queue without errors: a claimer that
// loses a race gets nil, never a busy error an agent would die on.
func TestClaimTaskUnderHeavyContention(t *testing.T) {
	s := newTestStore(t)

	const n = 200
	for i := 0; i < n; i++ {
		if err := s.EnqueueTask(&Task{ID: fmt.Sprintf("t%03d", i), Description: "work"}); err != nil {
			t.Fatal(err)
		}
	}

	var mu sync.Mutex
	claimed := make(map[string]string)

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				task, err := s.ClaimTask(worker, "", nil)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if task == nil {
					return
				}
				mu.Lock()
				if owner, dup := claimed[task.ID]; dup {
					t.Errorf("task %s claimed by both %s and %s", task.ID, owner, worker)
				}
				claimed[task.ID] = worker
				mu.Unlock()
			}
		}(fmt.Sprintf("worker-%d", w))
	}
	wg.Wait()

	if len(claimed) != n {
		t.Errorf("expected %d claims, got %d", n, len(claimed))
	}
}

func TestReleaseTaskReturnsToReady(t *testing.T) {
	s := newTestStore(t)

	if err := s.EnqueueTask(&Task{ID: "t1", Description: "work"}); err != nil {
		t.Fatal(err)
	}
	task, err := s.ClaimTask("w1", "", nil)
	if err != nil || task == nil {
		t.Fatalf("claim: %v %v", task, err)
	}

	if err := s.ReleaseTask("t1", "agent produced no output"); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetTask("t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != TaskReady || got.ClaimedBy != "" {
		t.Errorf("task not released: %+v", got)
	}
	if got.Error != "agent produced no output" {
		t.Errorf("release reason not recorded: %q", got.Error)
	}
}

func TestTranscriptSequencing(t *testing.T) {
	s := newTestStore(t)
	seedSwarm(t, s, &SwarmAgent{Name: "a", Prompt: "x"})

	if err := s.CreateSession(&Session{ID: "sess-1", SwarmID: "sw-1", AgentID: "agent-0"}); err != nil {
		t.Fatal(err)
	}

	first := []Block{
		{Type: "text", Content: "thinking out loud", OK: true},
		{Type: "tool_use", Name: "read_file", Content: `{"path":"a.txt"}`, OK: true},
	}
	if err := s.AppendBlocks("sess-1", first); err != nil {
		t.Fatal(err)
	}
	// A later append continues the sequence.
	second := []Block{{Type: "tool_result", Name: "read_file", Content: "contents", OK: true}}
	if err := s.AppendBlocks("sess-1", second); err != nil {
		t.Fatal(err)
	}

	blocks, err := s.GetTranscript("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(blocks))
	}
	for i, b := range blocks {
		if b.Seq != i {
			t.Errorf("block %d has seq %d", i, b.Seq)
		}
	}
	if blocks[2].Type != "tool_result" {
		t.Errorf("order not preserved: %+v", blocks)
	}
}

func TestScratchpad(t *testing.T) {
	s := newTestStore(t)
	seedSwarm(t, s, &SwarmAgent{Name: "a", Prompt: "x"})

	if err := s.SetScratchpad("sw-1", "plan", `{"step":1}`, "a"); err != nil {
		t.Fatal(err)
	}
	// Last writer wins.
	if err := s.SetScratchpad("sw-1", "plan", `{"step":2}`, "b"); err != nil {
		t.Fatal(err)
	}

	e, err := s.GetScratchpad("sw-1", "plan")
	if err != nil {
		t.Fatal(err)
	}
	if e.Value != `{"step":2}` || e.Author != "b" {
		t.Errorf("unexpected entry: %+v", e)
	}

	if _, err := s.GetScratchpad("sw-1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := s.SetScratchpad("sw-1", "alpha", `"x"`, "a"); err != nil {
		t.Fatal(err)
	}
	entries, err := s.ListScratchpad("sw-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Key != "alpha" {
		t.Errorf("expected key-ordered entries, got %+v", entries)
	}

	if err := s.DeleteScratchpad("sw-1", "alpha"); err != nil {
		t.Fatal(err)
	}
	if entries, _ = s.ListScratchpad("sw-1"); len(entries) != 1 {
		t.Errorf("delete did not remove entry: %+v", entries)
	}
}

func TestResetAgentsForResume(t *testing.T) {
	s := newTestStore(t)
	seedSwarm(t, s,
		&SwarmAgent{Name: "ok", Prompt: "x"},
		&SwarmAgent{Name: "bad", Prompt: "y"},
		&SwarmAgent{Name: "late", Prompt: "z"},
		&SwarmAgent{Name: "stopped", Prompt: "w"},
	)

	mustFinish := func(id, status string) {
		t.Helper()
		if err := s.FinishAgent(id, status, "out", "", "boom", 1); err != nil {
			t.Fatal(err)
		}
	}
	mustFinish("agent-0", StatusCompleted)
	mustFinish("agent-1", StatusFailed)
	mustFinish("agent-2", StatusTimedOut)
	mustFinish("agent-3", StatusCancelled)
	if err := s.UpdateSwarmStatus("sw-1", StatusFailed); err != nil {
		t.Fatal(err)
	}

	n, err := s.ResetAgentsForResume("sw-1", false)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 reset agents, got %d", n)
	}

	sw, _ := s.GetSwarm("sw-1")
	if sw.Status != StatusPending {
		t.Errorf("swarm: %s", sw.Status)
	}

	bad, _ := s.GetAgentByName("sw-1", "bad")
	if bad.Status != StatusPending || bad.Output != "" || bad.Error != "" {
		t.Errorf("failed agent not reset: %+v", bad)
	}
	ok, _ := s.GetAgentByName("sw-1", "ok")
	if ok.Status != StatusCompleted || ok.Output != "out" {
		t.Errorf("completed agent must keep its output: %+v", ok)
	}
	stopped, _ := s.GetAgentByName("sw-1", "stopped")
	if stopped.Status != StatusCancelled {
		t.Errorf("cancelled agent reset without includeCancelled: %+v", stopped)
	}

	// Second pass includes cancelled agents.
	n, err = s.ResetAgentsForResume("sw-1", true)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 reset agent, got %d", n)
	}
}

func TestCancelSwarmLeavesTerminalAgentsAlone(t *testing.T) {
	s := newTestStore(t)
	seedSwarm(t, s,
		&SwarmAgent{Name: "done", Prompt: "x"},
		&SwarmAgent{Name: "waiting", Prompt: "y"},
	)
	if err := s.FinishAgent("agent-0", StatusCompleted, "out", "", "", 0); err != nil {
		t.Fatal(err)
	}

	if err := s.CancelSwarm("sw-1"); err != nil {
		t.Fatal(err)
	}

	sw, _ := s.GetSwarm("sw-1")
	if sw.Status != StatusCancelled {
		t.Errorf("swarm: %s", sw.Status)
	}
	done, _ := s.GetAgentByName("sw-1", "done")
	if done.Status != StatusCompleted {
		t.Errorf("completed agent flipped: %s", done.Status)
	}
	waiting, _ := s.GetAgentByName("sw-1", "waiting")
	if waiting.Status != StatusCancelled {
		t.Errorf("pending agent not cancelled: %s", waiting.Status)
	}
}

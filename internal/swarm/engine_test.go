package swarm

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hivebase/hive/internal/config"
	"github.com/hivebase/hive/internal/provider"
	"github.com/hivebase/hive/internal/store"
)

// fakeProvider scripts provider behavior per request so engine paths
// can be exercised without a network.
type fakeProvider struct {
	mu      sync.Mutex
	calls   []provider.Request
	handler func(ctx context.Context, req provider.Request) (*provider.Result, error)
}

func (f *fakeProvider) Invoke(ctx context.Context, req provider.Request) (*provider.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	if f.handler != nil {
		return f.handler(ctx, req)
	}
	return &provider.Result{Output: "done"}, nil
}

func (f *fakeProvider) Summarize(ctx context.Context, text string) (string, error) {
	return "generated summary", nil
}

func (f *fakeProvider) requests() []provider.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]provider.Request, len(f.calls))
	copy(out, f.calls)
	return out
}

func newTestOrchestrator(t *testing.T, fp provider.Provider, engineCfg config.EngineConfig) (*Orchestrator, *store.Store, *Tracker) {
	t.Helper()

	st, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "hive.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if engineCfg.AgentTimeout == 0 {
		engineCfg.AgentTimeout = 30 * time.Second
	}
	if engineCfg.TaskPollInterval == 0 {
		engineCfg.TaskPollInterval = 10 * time.Millisecond
	}
	if engineCfg.TaskIdleTimeout == 0 {
		engineCfg.TaskIdleTimeout = 100 * time.Millisecond
	}

	tracker := NewTracker()
	engine := NewEngine(st, fp, tracker, nil, engineCfg)
	return NewOrchestrator(st, engine, tracker, nil, nil), st, tracker
}

func createAndStart(t *testing.T, o *Orchestrator, req CreateRequest) *store.Swarm {
	t.Helper()
	if req.WorkingDir == "" {
		req.WorkingDir = t.TempDir()
	}
	sw, err := o.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("create swarm: %v", err)
	}
	if err := o.Start(context.Background(), sw.ID); err != nil {
		t.Fatalf("start swarm: %v", err)
	}
	return sw
}

func waitForSwarm(t *testing.T, o *Orchestrator, swarmID string) (*store.Swarm, map[string]store.SwarmAgent) {
	t.Helper()
	sw, agents, err := o.Wait(context.Background(), swarmID, 10*time.Second, nil)
	if err != nil {
		t.Fatalf("wait for swarm: %v", err)
	}
	byName := make(map[string]store.SwarmAgent, len(agents))
	for _, a := range agents {
		byName[a.Name] = a
	}
	return sw, byName
}

func TestSwarmRunsToCompletion(t *testing.T) {
	fp := &fakeProvider{
		handler: func(ctx context.Context, req provider.Request) (*provider.Result, error) {
			if strings.Contains(req.Prompt, "gather") {
				return &provider.Result{Output: "gathered facts", ToolCalls: 3}, nil
			}
			return &provider.Result{Output: "final report"}, nil
		},
	}
	o, st, _ := newTestOrchestrator(t, fp, config.EngineConfig{})

	sw := createAndStart(t, o, CreateRequest{
		Name: "research",
		Agents: []AgentSpec{
			{Name: "collector", Prompt: "gather sources"},
			{Name: "writer", Prompt: "write the report", DependsOn: []DependencySpec{
				{Agent: "collector", Include: IncludeFull},
			}},
		},
	})

	final, agents := waitForSwarm(t, o, sw.ID)
	if final.Status != store.StatusCompleted {
		t.Fatalf("expected completed swarm, got %s", final.Status)
	}
	if agents["collector"].Status != store.StatusCompleted {
		t.Errorf("collector: %s (%s)", agents["collector"].Status, agents["collector"].Error)
	}
	if agents["writer"].Output != "final report" {
		t.Errorf("writer output: %q", agents["writer"].Output)
	}
	if agents["collector"].ToolCalls != 3 {
		t.Errorf("collector tool calls: %d", agents["collector"].ToolCalls)
	}

	// The writer's prompt must carry the collector's full output.
	var writerReq *provider.Request
	for _, req := range fp.requests() {
		if strings.Contains(req.Prompt, "write the report") {
			r := req
			writerReq = &r
		}
	}
	if writerReq == nil {
		t.Fatal("writer never invoked")
	}
	if !strings.Contains(writerReq.Prompt, "gathered facts") {
		t.Errorf("writer prompt missing dependency output: %q", writerReq.Prompt)
	}

	// Both agents got sessions, never running without one.
	for name, a := range agents {
		if a.SessionID == "" {
			t.Errorf("agent %s has no session", name)
		}
		sess, err := st.GetSession(a.SessionID)
		if err != nil || sess == nil {
			t.Errorf("agent %s session missing: %v", name, err)
		} else if sess.Status != "closed" {
			t.Errorf("agent %s session left %s", name, sess.Status)
		}
	}
}

func TestUnconditionedFailedDependencySkips(t *testing.T) {
	fp := &fakeProvider{
		handler: func(ctx context.Context, req provider.Request) (*provider.Result, error) {
			if strings.Contains(req.Prompt, "explode") {
				return nil, fmt.Errorf("provider exploded")
			}
			return &provider.Result{Output: "fine"}, nil
		},
	}
	o, _, _ := newTestOrchestrator(t, fp, config.EngineConfig{})

	sw := createAndStart(t, o, CreateRequest{
		Name: "fragile",
		Agents: []AgentSpec{
			{Name: "bomb", Prompt: "explode"},
			{Name: "dependent", Prompt: "use result", DependsOn: []DependencySpec{{Agent: "bomb"}}},
			{Name: "independent", Prompt: "carry on"},
		},
	})

	final, agents := waitForSwarm(t, o, sw.ID)
	if final.Status != store.StatusFailed {
		t.Fatalf("expected failed swarm, got %s", final.Status)
	}
	if agents["bomb"].Status != store.StatusFailed {
		t.Errorf("bomb: %s", agents["bomb"].Status)
	}
	if agents["bomb"].Error == "" {
		t.Error("failed agent must carry an error message")
	}
	if agents["dependent"].Status != store.StatusSkipped {
		t.Errorf("dependent: %s", agents["dependent"].Status)
	}
	if !strings.Contains(agents["dependent"].Error, "bomb") {
		t.Errorf("skip reason should name the dependency: %q", agents["dependent"].Error)
	}
	// Partial failure isolation: the independent agent still ran.
	if agents["independent"].Status != store.StatusCompleted {
		t.Errorf("independent: %s", agents["independent"].Status)
	}
}

func TestConditionGatesExecution(t *testing.T) {
	fp := &fakeProvider{
		handler: func(ctx context.Context, req provider.Request) (*provider.Result, error) {
			if strings.Contains(req.Prompt, "count things") {
				return &provider.Result{Output: `{"count": 1, "ship": false}`}, nil
			}
			return &provider.Result{Output: "ran"}, nil
		},
	}
	o, _, _ := newTestOrchestrator(t, fp, config.EngineConfig{})

	sw := createAndStart(t, o, CreateRequest{
		Name: "gated",
		Agents: []AgentSpec{
			{Name: "counter", Prompt: "count things"},
			{Name: "shipper", Prompt: "ship it", DependsOn: []DependencySpec{
				{Agent: "counter", Condition: "output.ship == true"},
			}},
			{Name: "auditor", Prompt: "audit", DependsOn: []DependencySpec{
				{Agent: "counter", Condition: "output.count >= 1"},
			}},
			{Name: "broken", Prompt: "never", DependsOn: []DependencySpec{
				{Agent: "counter", Condition: "what is this ((("},
			}},
		},
	})

	final, agents := waitForSwarm(t, o, sw.ID)
	// Skips are not failures.
	if final.Status != store.StatusCompleted {
		t.Fatalf("expected completed swarm, got %s", final.Status)
	}
	if agents["shipper"].Status != store.StatusSkipped {
		t.Errorf("shipper: %s", agents["shipper"].Status)
	}
	if agents["auditor"].Status != store.StatusCompleted {
		t.Errorf("auditor: %s (%s)", agents["auditor"].Status, agents["auditor"].Error)
	}
	// Malformed conditions fail closed with a diagnostic.
	if agents["broken"].Status != store.StatusSkipped {
		t.Errorf("broken: %s", agents["broken"].Status)
	}
	if agents["broken"].Error == "" {
		t.Error("condition error must be recorded as the skip reason")
	}
}

func TestAgentTimeout(t *testing.T) {
	fp := &fakeProvider{
		handler: func(ctx context.Context, req provider.Request) (*provider.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	o, _, _ := newTestOrchestrator(t, fp, config.EngineConfig{AgentTimeout: 100 * time.Millisecond})

	sw := createAndStart(t, o, CreateRequest{
		Name:   "slow",
		Agents: []AgentSpec{{Name: "sleeper", Prompt: "sleep"}},
	})

	final, agents := waitForSwarm(t, o, sw.ID)
	if agents["sleeper"].Status != store.StatusTimedOut {
		t.Fatalf("expected timed_out, got %s (%s)", agents["sleeper"].Status, agents["sleeper"].Error)
	}
	// Timed out agents fold into a failed swarm.
	if final.Status != store.StatusFailed {
		t.Errorf("expected failed swarm, got %s", final.Status)
	}
}

func TestCancelMidRun(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	fp := &fakeProvider{
		handler: func(ctx context.Context, req provider.Request) (*provider.Result, error) {
			once.Do(func() { close(started) })
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	o, _, _ := newTestOrchestrator(t, fp, config.EngineConfig{})

	sw := createAndStart(t, o, CreateRequest{
		Name: "cancelme",
		Agents: []AgentSpec{
			{Name: "runner", Prompt: "run"},
			{Name: "later", Prompt: "after", DependsOn: []DependencySpec{{Agent: "runner"}}},
		},
	})

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("runner never started")
	}

	if err := o.Cancel(sw.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	final, agents := waitForSwarm(t, o, sw.ID)
	if final.Status != store.StatusCancelled {
		t.Fatalf("expected cancelled swarm, got %s", final.Status)
	}
	if agents["runner"].Status != store.StatusCancelled {
		t.Errorf("runner: %s", agents["runner"].Status)
	}
	if agents["later"].Status != store.StatusCancelled {
		t.Errorf("later: %s", agents["later"].Status)
	}
}

func TestAutonomousAgentDrainsQueue(t *testing.T) {
	fp := &fakeProvider{
		handler: func(ctx context.Context, req provider.Request) (*provider.Result, error) {
			return &provider.Result{Output: "task handled", ToolCalls: 1}, nil
		},
	}
	o, st, _ := newTestOrchestrator(t, fp, config.EngineConfig{})

	for i := 0; i < 2; i++ {
		err := st.EnqueueTask(&store.Task{
			ID:          fmt.Sprintf("task-%d", i),
			Description: fmt.Sprintf("work item %d", i),
			Priority:    i,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	sw := createAndStart(t, o, CreateRequest{
		Name: "queue",
		Agents: []AgentSpec{
			{Name: "drone", Prompt: "claim work", Mode: ModeAutonomous, MaxTasks: 2},
		},
	})

	final, agents := waitForSwarm(t, o, sw.ID)
	if final.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	if !strings.Contains(agents["drone"].Output, "completed 2 task(s)") {
		t.Errorf("drone output: %q", agents["drone"].Output)
	}

	tasks, err := st.ListTasks()
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range tasks {
		if task.Status != store.TaskDone {
			t.Errorf("task %s left %s", task.ID, task.Status)
		}
	}
}

func TestSynthesisOutputStoredOnSwarm(t *testing.T) {
	fp := &fakeProvider{
		handler: func(ctx context.Context, req provider.Request) (*provider.Result, error) {
			if strings.Contains(req.Prompt, "Synthesize") {
				return &provider.Result{Output: "unified answer"}, nil
			}
			return &provider.Result{Output: "worker result"}, nil
		},
	}
	o, _, _ := newTestOrchestrator(t, fp, config.EngineConfig{})

	sw := createAndStart(t, o, CreateRequest{
		Name:           "synth",
		AutoSynthesize: true,
		Agents:         []AgentSpec{{Name: "worker", Prompt: "do work"}},
	})

	final, agents := waitForSwarm(t, o, sw.ID)
	if final.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	if agents[SynthesisAgentName].Status != store.StatusCompleted {
		t.Fatalf("synthesis: %s (%s)", agents[SynthesisAgentName].Status, agents[SynthesisAgentName].Error)
	}
	if final.SynthesisOutput != "unified answer" {
		t.Errorf("swarm synthesis output: %q", final.SynthesisOutput)
	}
}

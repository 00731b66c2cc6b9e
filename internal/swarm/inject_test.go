package swarm

import "testing"

func workerSpecs(names ...string) []AgentSpec {
	specs := make([]AgentSpec, 0, len(names))
	for _, n := range names {
		specs = append(specs, AgentSpec{Name: n, Prompt: "work"})
	}
	return specs
}

func findSpec(specs []AgentSpec, name string) *AgentSpec {
	for i := range specs {
		if specs[i].Name == name {
			return &specs[i]
		}
	}
	return nil
}

func TestInjectAgentsBothFlags(t *testing.T) {
	specs := InjectAgents(workerSpecs("a", "b", "c"), true, true)

	// 3 workers + synthesis + supervisor + memory steward.
	if len(specs) != 6 {
		t.Fatalf("expected 6 agents, got %d", len(specs))
	}

	synth := findSpec(specs, SynthesisAgentName)
	if synth == nil {
		t.Fatal("synthesis agent missing")
	}
	if len(synth.DependsOn) != 3 {
		t.Errorf("synthesis must depend on all 3 workers, got %d deps", len(synth.DependsOn))
	}
	for _, d := range synth.DependsOn {
		if d.Include != IncludeFull {
			t.Errorf("synthesis dep on %s should be full, got %s", d.Agent, d.Include)
		}
	}

	sup := findSpec(specs, SupervisorAgentName)
	if sup == nil {
		t.Fatal("supervisor agent missing")
	}
	if len(sup.DependsOn) != 0 {
		t.Errorf("supervisor must have no dependencies, got %v", sup.DependsOn)
	}

	steward := findSpec(specs, MemoryStewardAgentName)
	if steward == nil {
		t.Fatal("memory steward missing")
	}
	// Depends on every other agent: 3 workers + synthesis + supervisor.
	if len(steward.DependsOn) != 5 {
		t.Fatalf("steward must depend on 5 agents, got %d", len(steward.DependsOn))
	}
	for _, d := range steward.DependsOn {
		want := IncludeSummary
		if d.Agent == SynthesisAgentName {
			want = IncludeFull
		}
		if d.Include != want {
			t.Errorf("steward dep on %s: expected %s, got %s", d.Agent, want, d.Include)
		}
	}
}

func TestInjectAgentsSupervisorOnly(t *testing.T) {
	specs := InjectAgents(workerSpecs("a"), false, true)

	if findSpec(specs, SynthesisAgentName) != nil {
		t.Error("synthesis must not be injected without its flag")
	}
	if findSpec(specs, SupervisorAgentName) == nil {
		t.Error("supervisor missing")
	}
	// Steward is appended when either flag is set.
	if findSpec(specs, MemoryStewardAgentName) == nil {
		t.Error("memory steward missing")
	}
	if len(specs) != 3 {
		t.Errorf("expected 3 agents, got %d", len(specs))
	}
}

func TestInjectAgentsNoFlags(t *testing.T) {
	specs := InjectAgents(workerSpecs("a", "b"), false, false)
	if len(specs) != 2 {
		t.Errorf("expected specs unchanged, got %d agents", len(specs))
	}
}

func TestInjectAgentsNeverDuplicates(t *testing.T) {
	base := append(workerSpecs("a"), AgentSpec{Name: SynthesisAgentName, Prompt: "mine"})
	specs := InjectAgents(base, true, false)

	count := 0
	for _, s := range specs {
		if s.Name == SynthesisAgentName {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one synthesis agent, got %d", count)
	}
	// The user's own synthesis agent wins.
	if findSpec(specs, SynthesisAgentName).Prompt != "mine" {
		t.Error("user-provided synthesis agent was replaced")
	}
}

func TestInjectAgentsDoesNotMutateInput(t *testing.T) {
	in := workerSpecs("a")
	_ = InjectAgents(in, true, true)
	if len(in) != 1 {
		t.Errorf("input slice mutated: %d entries", len(in))
	}
}

package swarm

// InjectAgents appends the automatic agents selected by the swarm
// flags to the explicitly requested specs and wires their computed
// dependencies. It is a pure function over (specs, flags) so the
// resulting shape can be tested without persistence.
//
// Synthesis depends on every worker. The supervisor runs alongside
// the workers with no dependencies. The memory steward runs last:
// it depends on every other agent, weighted full on synthesis and
// summary elsewhere. None of the automatic agents is ever duplicated,
// even when a user explicitly names an agent after one of them.
func InjectAgents(specs []AgentSpec, autoSynthesize, autoSupervise bool) []AgentSpec {
	out := make([]AgentSpec, len(specs))
	copy(out, specs)

	present := make(map[string]bool, len(specs))
	for _, a := range specs {
		present[a.Name] = true
	}

	workerNames := make([]string, 0, len(specs))
	for _, a := range specs {
		workerNames = append(workerNames, a.Name)
	}

	if autoSynthesize && !present[SynthesisAgentName] {
		deps := make([]DependencySpec, 0, len(workerNames))
		for _, name := range workerNames {
			deps = append(deps, DependencySpec{Agent: name, Include: IncludeFull})
		}
		out = append(out, AgentSpec{
			Name:      SynthesisAgentName,
			Role:      "synthesis",
			Mode:      ModeAssigned,
			Prompt:    "Synthesize the outputs of all worker agents into one cohesive result. Resolve disagreements explicitly and state what remains uncertain.",
			DependsOn: deps,
		})
		present[SynthesisAgentName] = true
	}

	if autoSupervise && !present[SupervisorAgentName] {
		out = append(out, AgentSpec{
			Name:   SupervisorAgentName,
			Role:   "supervisor",
			Mode:   ModeAssigned,
			Prompt: "Monitor the swarm's progress. Review the scratchpad for coordination problems and record guidance for the other agents.",
		})
		present[SupervisorAgentName] = true
	}

	// The memory steward is appended whenever any automatic agent was
	// requested; it consolidates scratchpad contents after everyone
	// else finishes.
	if (autoSynthesize || autoSupervise) && !present[MemoryStewardAgentName] {
		deps := make([]DependencySpec, 0, len(out))
		for _, a := range out {
			include := IncludeSummary
			if a.Name == SynthesisAgentName {
				include = IncludeFull
			}
			deps = append(deps, DependencySpec{Agent: a.Name, Include: include})
		}
		out = append(out, AgentSpec{
			Name:      MemoryStewardAgentName,
			Role:      "memory-steward",
			Mode:      ModeAssigned,
			Prompt:    "Consolidate the swarm scratchpad and agent outputs into durable memory. Record decisions, open questions and follow-ups.",
			DependsOn: deps,
		})
	}

	return out
}

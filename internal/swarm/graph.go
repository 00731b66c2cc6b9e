package swarm

import "fmt"

// Warning is one structural problem found in an agent set: a
// duplicate agent name or a dependency on an unknown agent.
type Warning struct {
	Agent   string `json:"agent"`
	Message string `json:"message"`
}

// ValidateGraph reports duplicate names and dangling dependency
// references. Creation rejects a swarm with any finding.
func ValidateGraph(agents []AgentSpec) []Warning {
	var warnings []Warning

	seen := make(map[string]bool, len(agents))
	for _, a := range agents {
		if seen[a.Name] {
			warnings = append(warnings, Warning{
				Agent:   a.Name,
				Message: fmt.Sprintf("duplicate agent name %q", a.Name),
			})
		}
		seen[a.Name] = true
	}

	for _, a := range agents {
		for _, dep := range a.DependsOn {
			if !seen[dep.Agent] {
				warnings = append(warnings, Warning{
					Agent:   a.Name,
					Message: fmt.Sprintf("dependency on unknown agent %q", dep.Agent),
				})
			}
		}
	}

	return warnings
}

// DetectCycle looks for a dependency cycle and returns it as an
// ordered name sequence that revisits its first element, or nil when
// the graph is acyclic. A self-dependency is reported as [name, name].
// Dangling references are ignored here; ValidateGraph reports them.
func DetectCycle(agents []AgentSpec) []string {
	known := make(map[string]bool, len(agents))
	for _, a := range agents {
		known[a.Name] = true
	}

	adj := make(map[string][]string, len(agents))
	for _, a := range agents {
		for _, dep := range a.DependsOn {
			if known[dep.Agent] {
				adj[a.Name] = append(adj[a.Name], dep.Agent)
			}
		}
	}

	const (
		unvisited = iota
		inProgress
		done
	)
	state := make(map[string]int, len(agents))

	// Iterative DFS with an explicit path stack so deep graphs cannot
	// blow the call stack.
	type frame struct {
		name string
		next int
	}

	for _, start := range agents {
		if state[start.Name] != unvisited {
			continue
		}

		stack := []frame{{name: start.Name}}
		state[start.Name] = inProgress

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			edges := adj[top.name]

			if top.next >= len(edges) {
				state[top.name] = done
				stack = stack[:len(stack)-1]
				continue
			}

			dep := edges[top.next]
			top.next++

			switch state[dep] {
			case inProgress:
				// Found a node already on the current path: slice the
				// path from its first occurrence and close the loop.
				var cycle []string
				for i := range stack {
					if stack[i].name == dep {
						for _, f := range stack[i:] {
							cycle = append(cycle, f.name)
						}
						break
					}
				}
				cycle = append(cycle, dep)
				return cycle
			case unvisited:
				state[dep] = inProgress
				stack = append(stack, frame{name: dep})
			}
		}
	}

	return nil
}

// CriticalPath computes the longest dependency chain in the DAG.
// A node's level is 1 + max(level of its dependencies), 0 with no
// dependencies; the critical path is the longest path over all nodes,
// reported as an ordered name sequence from root to leaf. Used for
// observability only, never for scheduling.
func CriticalPath(agents []AgentSpec) []string {
	byName := make(map[string]AgentSpec, len(agents))
	for _, a := range agents {
		byName[a.Name] = a
	}

	levels := make(map[string]int, len(agents))
	paths := make(map[string][]string, len(agents))

	var resolve func(name string, guard map[string]bool) int
	resolve = func(name string, guard map[string]bool) int {
		if lvl, ok := levels[name]; ok {
			return lvl
		}
		if guard[name] {
			// Cycle guard: callers are expected to have rejected
			// cyclic graphs already.
			return 0
		}
		guard[name] = true
		defer delete(guard, name)

		a, ok := byName[name]
		if !ok {
			return 0
		}

		best := -1
		var bestDep string
		for _, dep := range a.DependsOn {
			if _, known := byName[dep.Agent]; !known {
				continue
			}
			lvl := resolve(dep.Agent, guard)
			if lvl > best {
				best = lvl
				bestDep = dep.Agent
			}
		}

		if best < 0 {
			levels[name] = 0
			paths[name] = []string{name}
			return 0
		}

		levels[name] = best + 1
		paths[name] = append(append([]string{}, paths[bestDep]...), name)
		return levels[name]
	}

	guard := make(map[string]bool)
	var longest []string
	for _, a := range agents {
		resolve(a.Name, guard)
		if len(paths[a.Name]) > len(longest) {
			longest = paths[a.Name]
		}
	}
	return longest
}

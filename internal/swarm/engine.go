package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hivebase/hive/internal/condition"
	"github.com/hivebase/hive/internal/config"
	"github.com/hivebase/hive/internal/natsbus"
	"github.com/hivebase/hive/internal/provider"
	"github.com/hivebase/hive/internal/store"
)

// ErrTimeout marks an agent execution that exceeded its deadline.
var ErrTimeout = errors.New("agent execution timed out")

// Outputs longer than this get a generated summary when a dependent
// asks for summary include mode.
const summaryThreshold = 2000

const timeoutGrace = 5 * time.Second

// Publisher is the event sink the engine emits progress to. Satisfied
// by natsbus.Client; nil-able for tests.
type Publisher interface {
	PublishJSON(topic string, v any) error
}

// AgentEvent is published on the bus for every agent state change.
type AgentEvent struct {
	SwarmID   string    `json:"swarm_id"`
	AgentID   string    `json:"agent_id"`
	AgentName string    `json:"agent_name"`
	Event     string    `json:"event"`
	Status    string    `json:"status,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Engine drives single-agent lifecycles: dependency waits, skip
// gating, prompt assembly, provider invocation, transcript
// persistence and timeout enforcement.
type Engine struct {
	store    *store.Store
	provider provider.Provider
	tracker  *Tracker
	bus      Publisher
	cfg      config.EngineConfig

	// onTimeout, when set, is invoked after the provider context is
	// cancelled on deadline expiry and before the grace wait.
	onTimeout func(swarmID, agentID string)
}

func NewEngine(st *store.Store, prov provider.Provider, tracker *Tracker, bus Publisher, cfg config.EngineConfig) *Engine {
	return &Engine{
		store:    st,
		provider: prov,
		tracker:  tracker,
		bus:      bus,
		cfg:      cfg,
	}
}

// SetTimeoutCallback installs an observability hook fired when an
// agent hits its deadline.
func (e *Engine) SetTimeoutCallback(fn func(swarmID, agentID string)) {
	e.onTimeout = fn
}

// RunAgent executes one agent to a terminal state and resolves its
// completion signal. It never returns a non-terminal outcome: every
// path writes the agent row before resolving.
func (e *Engine) RunAgent(ctx context.Context, sw *store.Swarm, agent *store.SwarmAgent) Resolution {
	log := slog.With("swarm", sw.ID, "agent", agent.Name)

	deps, skip, reason := e.waitDependencies(ctx, sw, agent)
	if e.tracker.IsCancelled(sw.ID) || ctx.Err() != nil {
		return e.finish(log, sw, agent, Resolution{Status: store.StatusCancelled, Error: "swarm cancelled"}, 0)
	}
	if skip {
		log.Info("skipping agent", "reason", reason)
		return e.finish(log, sw, agent, Resolution{Status: store.StatusSkipped, Error: reason}, 0)
	}

	// Session first. An agent is never running without a session row,
	// even if the process dies between these writes.
	sessionID := uuid.NewString()
	if err := e.store.CreateSession(&store.Session{ID: sessionID, SwarmID: sw.ID, AgentID: agent.ID}); err != nil {
		return e.finish(log, sw, agent, Resolution{Status: store.StatusFailed, Error: err.Error()}, 0)
	}
	if err := e.store.MarkAgentRunning(agent.ID, sessionID); err != nil {
		return e.finish(log, sw, agent, Resolution{Status: store.StatusFailed, Error: err.Error()}, 0)
	}
	defer func() {
		if err := e.store.CloseSession(sessionID); err != nil {
			log.Error("close session", "error", err)
		}
	}()

	e.publish(sw.ID, agent, "started", store.StatusRunning, "")

	var res Resolution
	var toolCalls int
	if agent.Mode == string(ModeAutonomous) {
		res, toolCalls = e.runAutonomous(ctx, sw, agent, sessionID)
	} else {
		res, toolCalls = e.runAssigned(ctx, sw, agent, sessionID, deps)
	}
	return e.finish(log, sw, agent, res, toolCalls)
}

// waitDependencies blocks on every dependency's completion signal,
// then decides whether the agent should be skipped. Returns the
// dependency rows re-read from the store for prompt assembly.
func (e *Engine) waitDependencies(ctx context.Context, sw *store.Swarm, agent *store.SwarmAgent) (deps []*store.SwarmAgent, skip bool, reason string) {
	for _, dep := range agent.Dependencies {
		sig := e.tracker.SignalFor(sw.ID, dep.AgentID)
		select {
		case <-sig.Done():
		case <-ctx.Done():
			return nil, false, ""
		}
	}

	for _, dep := range agent.Dependencies {
		row, err := e.store.GetAgent(dep.AgentID)
		if err != nil {
			return nil, true, fmt.Sprintf("dependency %s unreadable: %v", dep.AgentName, err)
		}
		if row == nil {
			return nil, true, fmt.Sprintf("dependency %s not found", dep.AgentName)
		}

		if dep.Condition == "" {
			if row.Status == store.StatusFailed || row.Status == store.StatusTimedOut {
				return nil, true, fmt.Sprintf("dependency %s ended %s", dep.AgentName, row.Status)
			}
		} else {
			// Gating conditions fail closed: an evaluation error skips
			// the agent with a diagnostic instead of running it.
			ok, err := condition.EvaluateCondition(dep.Condition, row.Output)
			if err != nil {
				return nil, true, fmt.Sprintf("condition on %s: %v", dep.AgentName, err)
			}
			if !ok {
				return nil, true, fmt.Sprintf("condition on %s not met: %s", dep.AgentName, dep.Condition)
			}
		}

		deps = append(deps, row)
	}
	return deps, false, ""
}

func (e *Engine) runAssigned(ctx context.Context, sw *store.Swarm, agent *store.SwarmAgent, sessionID string, deps []*store.SwarmAgent) (Resolution, int) {
	prompt, err := e.assemblePrompt(ctx, agent, deps)
	if err != nil {
		return Resolution{Status: store.StatusFailed, Error: err.Error()}, 0
	}

	result, err := e.invoke(ctx, sw, agent, sessionID, provider.Request{
		System:       systemPrompt(sw, agent),
		Prompt:       prompt,
		WorkingDir:   sw.WorkingDir,
		Model:        agent.Model,
		AllowedTools: agent.AllowedTools,
		Sandbox:      agent.Sandbox,
	})

	toolCalls := 0
	if result != nil {
		toolCalls = result.ToolCalls
	}
	if errors.Is(err, ErrTimeout) {
		return Resolution{Status: store.StatusTimedOut, Error: err.Error()}, toolCalls
	}
	if err != nil {
		if e.tracker.IsCancelled(sw.ID) {
			return Resolution{Status: store.StatusCancelled, Error: "swarm cancelled"}, toolCalls
		}
		return Resolution{Status: store.StatusFailed, Error: err.Error()}, toolCalls
	}

	return Resolution{Status: store.StatusCompleted, Output: result.Output}, toolCalls
}

// runAutonomous loops claiming queued tasks until cancelled, out of
// budget or idle too long.
func (e *Engine) runAutonomous(ctx context.Context, sw *store.Swarm, agent *store.SwarmAgent, sessionID string) (Resolution, int) {
	pollInterval := e.cfg.TaskPollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	idleTimeout := e.cfg.TaskIdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 2 * time.Minute
	}

	var maxDuration time.Duration
	if agent.MaxDurationSeconds > 0 {
		maxDuration = time.Duration(agent.MaxDurationSeconds) * time.Second
	}

	typeFilter := ""
	if len(agent.TaskTypes) > 0 {
		typeFilter = agent.TaskTypes[0]
	}

	started := time.Now()
	idleSince := time.Now()
	var done int
	var toolCalls int
	var notes []string

	for {
		if e.tracker.IsCancelled(sw.ID) || ctx.Err() != nil {
			return Resolution{Status: store.StatusCancelled, Error: "swarm cancelled"}, toolCalls
		}
		if agent.MaxTasks > 0 && done >= agent.MaxTasks {
			break
		}
		if maxDuration > 0 && time.Since(started) >= maxDuration {
			break
		}

		task, err := e.store.ClaimTask(agent.ID, typeFilter, agent.AllowedTools)
		if err != nil {
			return Resolution{Status: store.StatusFailed, Error: err.Error()}, toolCalls
		}
		if task == nil {
			if time.Since(idleSince) >= idleTimeout {
				break
			}
			select {
			case <-ctx.Done():
			case <-time.After(pollInterval):
			}
			continue
		}
		idleSince = time.Now()

		result, err := e.invoke(ctx, sw, agent, sessionID, provider.Request{
			System:       systemPrompt(sw, agent),
			Prompt:       taskPrompt(agent, task),
			WorkingDir:   sw.WorkingDir,
			Model:        agent.Model,
			AllowedTools: agent.AllowedTools,
			Sandbox:      agent.Sandbox,
		})
		if result != nil {
			toolCalls += result.ToolCalls
		}

		if err != nil || result == nil || result.Output == "" {
			msg := "no output produced"
			if err != nil {
				msg = err.Error()
			}
			if rerr := e.store.ReleaseTask(task.ID, msg); rerr != nil {
				slog.Error("release task", "task", task.ID, "error", rerr)
			}
			if errors.Is(err, ErrTimeout) {
				return Resolution{Status: store.StatusTimedOut, Error: err.Error()}, toolCalls
			}
			if ctx.Err() != nil || e.tracker.IsCancelled(sw.ID) {
				return Resolution{Status: store.StatusCancelled, Error: "swarm cancelled"}, toolCalls
			}
			notes = append(notes, fmt.Sprintf("task %s released: %s", task.ID, msg))
			continue
		}

		if err := e.store.MarkTaskDone(task.ID); err != nil {
			slog.Error("mark task done", "task", task.ID, "error", err)
		}
		done++
		notes = append(notes, fmt.Sprintf("task %s: %s", task.ID, firstLine(result.Output)))
	}

	output := fmt.Sprintf("completed %d task(s)", done)
	if len(notes) > 0 {
		output += "\n" + strings.Join(notes, "\n")
	}
	return Resolution{Status: store.StatusCompleted, Output: output}, toolCalls
}

// invoke runs one provider call under the agent's deadline, streaming
// transcript blocks to the session and the bus as they arrive.
func (e *Engine) invoke(ctx context.Context, sw *store.Swarm, agent *store.SwarmAgent, sessionID string, req provider.Request) (*provider.Result, error) {
	timeout := e.cfg.AgentTimeout
	if timeout <= 0 {
		timeout = time.Hour
	}
	if agent.TimeoutSeconds > 0 {
		timeout = time.Duration(agent.TimeoutSeconds) * time.Second
	}

	req.OnBlock = func(b provider.Block) {
		blk := store.Block{Type: b.Type, Name: b.Name, Content: b.Content, OK: b.OK}
		if err := e.store.AppendBlocks(sessionID, []store.Block{blk}); err != nil {
			slog.Error("append transcript block", "session", sessionID, "error", err)
		}
		if e.bus != nil {
			_ = e.bus.PublishJSON(natsbus.TopicAgentStream(sessionID), blk)
		}
	}

	invokeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		res *provider.Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := e.provider.Invoke(invokeCtx, req)
		ch <- outcome{res, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		return out.res, out.err
	case <-e.tracker.CancelChan(sw.ID):
		cancel()
		select {
		case out := <-ch:
			return out.res, fmt.Errorf("swarm cancelled: %w", context.Canceled)
		case <-time.After(timeoutGrace):
			return nil, fmt.Errorf("swarm cancelled: %w", context.Canceled)
		}
	case <-timer.C:
	}

	cancel()
	if e.onTimeout != nil {
		e.onTimeout(sw.ID, agent.ID)
	}

	// Grace period for the provider call to unwind and hand back any
	// partial result.
	select {
	case out := <-ch:
		return out.res, fmt.Errorf("deadline %v exceeded: %w", timeout, ErrTimeout)
	case <-time.After(timeoutGrace):
		return nil, fmt.Errorf("deadline %v exceeded, no response within grace period: %w", timeout, ErrTimeout)
	}
}

// assemblePrompt folds dependency outputs into the agent's prompt per
// edge include mode. Summaries missing for large outputs are generated
// once and stored back on the dependency row.
func (e *Engine) assemblePrompt(ctx context.Context, agent *store.SwarmAgent, deps []*store.SwarmAgent) (string, error) {
	var b strings.Builder
	b.WriteString(agent.Prompt)

	byID := make(map[string]*store.SwarmAgent, len(deps))
	for _, d := range deps {
		byID[d.ID] = d
	}

	for _, edge := range agent.Dependencies {
		dep, ok := byID[edge.AgentID]
		if !ok || dep.Output == "" {
			continue
		}

		switch IncludeMode(edge.Include) {
		case IncludeNone:
			continue
		case IncludeFull:
			fmt.Fprintf(&b, "\n\n## Output of %s\n%s", dep.Name, dep.Output)
		default:
			summary := dep.Summary
			if summary == "" && len(dep.Output) > summaryThreshold {
				generated, err := e.provider.Summarize(ctx, dep.Output)
				if err != nil {
					return "", fmt.Errorf("summarize output of %s: %w", dep.Name, err)
				}
				summary = generated
				if err := e.store.SetAgentSummary(dep.ID, summary); err != nil {
					slog.Error("store generated summary", "agent", dep.ID, "error", err)
				}
			}
			if summary == "" {
				summary = dep.Output
			}
			fmt.Fprintf(&b, "\n\n## Summary of %s\n%s", dep.Name, summary)
		}
	}

	return b.String(), nil
}

// finish writes the terminal row, then resolves the signal, then
// emits the event. The store write always happens first so a crash in
// emission never leaves the row stuck in running.
func (e *Engine) finish(log *slog.Logger, sw *store.Swarm, agent *store.SwarmAgent, res Resolution, toolCalls int) Resolution {
	if err := e.store.FinishAgent(agent.ID, res.Status, res.Output, res.Summary, res.Error, toolCalls); err != nil {
		log.Error("write terminal agent status", "status", res.Status, "error", err)
	}

	if res.Status == store.StatusCompleted && agent.Name == SynthesisAgentName {
		if err := e.store.SetSwarmSynthesis(sw.ID, res.Output, res.Summary); err != nil {
			log.Error("store synthesis output", "error", err)
		}
	}

	e.tracker.Resolve(sw.ID, agent.ID, res)
	e.publish(sw.ID, agent, "finished", res.Status, res.Error)
	log.Info("agent finished", "status", res.Status)
	return res
}

func (e *Engine) publish(swarmID string, agent *store.SwarmAgent, event, status, errMsg string) {
	if e.bus == nil {
		return
	}
	err := e.bus.PublishJSON(natsbus.TopicAgentEvents(swarmID, agent.Name), AgentEvent{
		SwarmID:   swarmID,
		AgentID:   agent.ID,
		AgentName: agent.Name,
		Event:     event,
		Status:    status,
		Error:     errMsg,
		At:        time.Now(),
	})
	if err != nil {
		slog.Error("publish agent event", "agent", agent.Name, "error", err)
	}
}

func systemPrompt(sw *store.Swarm, agent *store.SwarmAgent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are agent %q", agent.Name)
	if agent.Role != "" {
		fmt.Fprintf(&b, " acting as %s", agent.Role)
	}
	fmt.Fprintf(&b, " in swarm %q.", sw.Name)
	if sw.Description != "" {
		fmt.Fprintf(&b, " Swarm goal: %s", sw.Description)
	}
	if agent.Branch != "" {
		fmt.Fprintf(&b, " Your work is isolated on git branch %s.", agent.Branch)
	}
	return b.String()
}

func taskPrompt(agent *store.SwarmAgent, task *store.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Work on the following task.\n\nGoal: %s\n", task.Description)
	if task.TaskType != "" {
		fmt.Fprintf(&b, "Type: %s\n", task.TaskType)
	}
	if len(task.RequiredTools) > 0 {
		fmt.Fprintf(&b, "Required tools: %s\n", strings.Join(task.RequiredTools, ", "))
	}
	b.WriteString("\nStay within the scope of this task. ")
	b.WriteString("Check the swarm scratchpad for relevant context recorded by other agents before starting.")
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}

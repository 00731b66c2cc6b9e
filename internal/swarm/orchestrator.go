package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hivebase/hive/internal/gitops"
	"github.com/hivebase/hive/internal/natsbus"
	"github.com/hivebase/hive/internal/store"
)

// SwarmEvent is published on the bus at swarm start and end.
type SwarmEvent struct {
	SwarmID string            `json:"swarm_id"`
	Event   string            `json:"event"`
	Status  string            `json:"status,omitempty"`
	Agents  map[string]string `json:"agents,omitempty"` // name -> terminal status
	At      time.Time         `json:"at"`
}

// Orchestrator fans a swarm's agents out to the engine, aggregates
// their terminal statuses, repairs orphans at startup and fields all
// outside requests (create, start, resume, cancel, merge, wait).
type Orchestrator struct {
	store   *store.Store
	engine  *Engine
	tracker *Tracker
	git     *gitops.Git
	bus     Publisher

	mergeMu sync.Mutex
	merging map[string]*sync.Mutex // swarm id -> merge lock
}

func NewOrchestrator(st *store.Store, engine *Engine, tracker *Tracker, git *gitops.Git, bus Publisher) *Orchestrator {
	return &Orchestrator{
		store:   st,
		engine:  engine,
		tracker: tracker,
		git:     git,
		bus:     bus,
		merging: make(map[string]*sync.Mutex),
	}
}

// Create validates the request, appends the automatic agents, resolves
// dependency names to ids and persists everything in one transaction.
// With AutoStart set the swarm is started before returning.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (*store.Swarm, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("swarm name is required")
	}
	if req.WorkingDir == "" {
		return nil, fmt.Errorf("working dir is required")
	}
	if len(req.Agents) == 0 {
		return nil, fmt.Errorf("at least one agent is required")
	}

	specs := InjectAgents(req.Agents, req.AutoSynthesize, req.AutoSupervise)

	if warnings := ValidateGraph(specs); len(warnings) > 0 {
		msgs := make([]string, 0, len(warnings))
		for _, w := range warnings {
			msgs = append(msgs, w.Message)
		}
		return nil, fmt.Errorf("invalid agent graph: %s", strings.Join(msgs, "; "))
	}
	if cycle := DetectCycle(specs); cycle != nil {
		return nil, fmt.Errorf("dependency cycle: %s", strings.Join(cycle, " -> "))
	}

	sw := &store.Swarm{
		ID:             uuid.NewString(),
		Name:           req.Name,
		Description:    req.Description,
		WorkingDir:     req.WorkingDir,
		BranchPrefix:   req.BranchPrefix,
		BaseBranch:     req.BaseBranch,
		Status:         store.StatusPending,
		AutoSynthesize: req.AutoSynthesize,
		AutoSupervise:  req.AutoSupervise,
	}

	// Resolve dependency names to ids. This is the only point where
	// the DAG shape is fixed.
	idByName := make(map[string]string, len(specs))
	for _, spec := range specs {
		idByName[spec.Name] = uuid.NewString()
	}

	agents := make([]*store.SwarmAgent, 0, len(specs))
	for _, spec := range specs {
		mode := spec.Mode
		if mode == "" {
			mode = ModeAssigned
		}

		deps := make([]store.AgentDependency, 0, len(spec.DependsOn))
		for _, d := range spec.DependsOn {
			include := d.Include
			if include == "" {
				include = IncludeSummary
			}
			deps = append(deps, store.AgentDependency{
				AgentID:   idByName[d.Agent],
				AgentName: d.Agent,
				Include:   string(include),
				Condition: d.Condition,
			})
		}

		agents = append(agents, &store.SwarmAgent{
			ID:                 idByName[spec.Name],
			SwarmID:            sw.ID,
			Name:               spec.Name,
			Role:               spec.Role,
			Mode:               string(mode),
			Prompt:             spec.Prompt,
			Dependencies:       deps,
			Model:              spec.Model,
			AllowedTools:       spec.AllowedTools,
			Sandbox:            spec.Sandbox,
			TimeoutSeconds:     spec.TimeoutSeconds,
			MaxTasks:           spec.MaxTasks,
			MaxDurationSeconds: spec.MaxDurationSeconds,
			TaskTypes:          spec.TaskTypes,
			Status:             store.StatusPending,
		})
	}

	if err := o.store.CreateSwarm(sw, agents); err != nil {
		return nil, fmt.Errorf("persist swarm: %w", err)
	}

	slog.Info("swarm created", "swarm", sw.ID, "name", sw.Name, "agents", len(agents))

	if req.AutoStart {
		if err := o.Start(ctx, sw.ID); err != nil {
			return sw, fmt.Errorf("auto-start: %w", err)
		}
	}
	return sw, nil
}

// Start launches a pending swarm. A swarm already starting or running
// in this process is rejected.
func (o *Orchestrator) Start(ctx context.Context, swarmID string) error {
	sw, err := o.store.GetSwarm(swarmID)
	if err != nil {
		return err
	}
	if sw == nil {
		return fmt.Errorf("swarm %s: %w", swarmID, store.ErrNotFound)
	}
	if sw.Status != store.StatusPending {
		return fmt.Errorf("swarm %s is %s, not pending", swarmID, sw.Status)
	}

	if err := o.tracker.MarkStarting(swarmID); err != nil {
		return err
	}

	if err := o.store.UpdateSwarmStatus(swarmID, store.StatusRunning); err != nil {
		o.tracker.CleanupRun(swarmID)
		return err
	}

	if err := o.createBranches(ctx, sw); err != nil {
		// Branch setup failure is fatal for the whole swarm.
		if serr := o.store.UpdateSwarmStatus(swarmID, store.StatusFailed); serr != nil {
			slog.Error("mark swarm failed", "swarm", swarmID, "error", serr)
		}
		o.tracker.CleanupRun(swarmID)
		return err
	}

	o.tracker.RegisterRun(swarmID)
	o.publishSwarmEvent(swarmID, "started", store.StatusRunning, nil)

	go o.run(context.WithoutCancel(ctx), sw)
	return nil
}

// Resume returns a failed or cancelled swarm to pending and starts it
// again. Completed and skipped agents keep their outputs; failed and
// timed out (optionally cancelled) agents run anew.
func (o *Orchestrator) Resume(ctx context.Context, swarmID string, includeCancelled bool) error {
	if o.tracker.IsRunning(swarmID) {
		return fmt.Errorf("swarm %s is already running", swarmID)
	}

	sw, err := o.store.GetSwarm(swarmID)
	if err != nil {
		return err
	}
	if sw == nil {
		return fmt.Errorf("swarm %s: %w", swarmID, store.ErrNotFound)
	}
	switch sw.Status {
	case store.StatusFailed, store.StatusCancelled:
	default:
		return fmt.Errorf("swarm %s is %s, only failed or cancelled swarms resume", swarmID, sw.Status)
	}

	n, err := o.store.ResetAgentsForResume(swarmID, includeCancelled)
	if err != nil {
		return err
	}
	slog.Info("swarm resumed", "swarm", swarmID, "reset_agents", n)

	return o.Start(ctx, swarmID)
}

// run executes every pending agent concurrently, waits for all of
// them and aggregates the swarm's terminal status.
func (o *Orchestrator) run(ctx context.Context, sw *store.Swarm) {
	defer o.tracker.CleanupRun(sw.ID)

	agents, err := o.store.ListAgents(sw.ID)
	if err != nil {
		slog.Error("list agents", "swarm", sw.ID, "error", err)
		if serr := o.store.UpdateSwarmStatus(sw.ID, store.StatusFailed); serr != nil {
			slog.Error("mark swarm failed", "swarm", sw.ID, "error", serr)
		}
		return
	}

	// Agents already terminal (resume path) resolve immediately so
	// dependents do not wait on them.
	var wg sync.WaitGroup
	for i := range agents {
		agent := agents[i]
		if store.IsTerminalAgentStatus(agent.Status) {
			o.tracker.Resolve(sw.ID, agent.ID, Resolution{
				Status:  agent.Status,
				Output:  agent.Output,
				Summary: agent.Summary,
				Error:   agent.Error,
			})
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			o.engine.RunAgent(ctx, sw, &agent)
		}()
	}
	wg.Wait()

	status, perAgent := o.aggregate(sw.ID)
	if err := o.store.UpdateSwarmStatus(sw.ID, status); err != nil {
		slog.Error("write swarm terminal status", "swarm", sw.ID, "error", err)
	}
	slog.Info("swarm finished", "swarm", sw.ID, "status", status)

	o.publishSwarmEvent(sw.ID, "finished", status, perAgent)

	if o.bus != nil {
		// Hand the scratchpad off to memory consolidation.
		err := o.bus.PublishJSON(natsbus.TopicMemoryConsolidate(sw.ID), SwarmEvent{
			SwarmID: sw.ID,
			Event:   "consolidate",
			Status:  status,
			At:      time.Now(),
		})
		if err != nil {
			slog.Error("enqueue memory consolidation", "swarm", sw.ID, "error", err)
		}
	}
}

// aggregate re-reads the agent rows and derives the swarm's terminal
// status: cancelled when anything was cancelled, else failed when
// anything failed or timed out, else completed.
func (o *Orchestrator) aggregate(swarmID string) (string, map[string]string) {
	agents, err := o.store.ListAgents(swarmID)
	if err != nil {
		slog.Error("aggregate swarm status", "swarm", swarmID, "error", err)
		return store.StatusFailed, nil
	}

	perAgent := make(map[string]string, len(agents))
	status := store.StatusCompleted
	for _, a := range agents {
		perAgent[a.Name] = a.Status
		switch a.Status {
		case store.StatusCancelled:
			status = store.StatusCancelled
		case store.StatusFailed, store.StatusTimedOut:
			if status != store.StatusCancelled {
				status = store.StatusFailed
			}
		}
	}
	return status, perAgent
}

// Cancel marks the swarm and its live agents cancelled. The store
// write comes first; signal resolution follows so no dependent can
// observe a cancelled swarm with pending rows.
func (o *Orchestrator) Cancel(swarmID string) error {
	sw, err := o.store.GetSwarm(swarmID)
	if err != nil {
		return err
	}
	if sw == nil {
		return fmt.Errorf("swarm %s: %w", swarmID, store.ErrNotFound)
	}

	if err := o.store.CancelSwarm(swarmID); err != nil {
		return err
	}
	o.tracker.CancelRun(swarmID)
	o.publishSwarmEvent(swarmID, "cancelled", store.StatusCancelled, nil)
	return nil
}

// RecoverOrphans repairs swarms left running by a previous process.
// Each swarm recovers in isolation: one failure does not stop the
// others.
func (o *Orchestrator) RecoverOrphans() []store.RecoveryReport {
	orphans, err := o.store.ListRunningSwarms()
	if err != nil {
		slog.Error("list orphaned swarms", "error", err)
		return nil
	}

	var reports []store.RecoveryReport
	for _, sw := range orphans {
		report, err := o.store.RecoverSwarm(sw.ID)
		if err != nil {
			slog.Error("recover swarm", "swarm", sw.ID, "error", err)
			continue
		}
		slog.Warn("recovered orphaned swarm", "swarm", sw.ID,
			"failed_agents", report.FailedAgents,
			"closed_sessions", report.ClosedSessions,
			"released_tasks", report.ReleasedTasks)
		reports = append(reports, *report)
	}
	return reports
}

// Wait blocks until the swarm (or, with a filter, the named agents)
// reaches a terminal state, polling the store so it also observes
// progress made by other processes.
func (o *Orchestrator) Wait(ctx context.Context, swarmID string, timeout time.Duration, agentFilter []string) (*store.Swarm, []store.SwarmAgent, error) {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	filter := make(map[string]bool, len(agentFilter))
	for _, name := range agentFilter {
		filter[name] = true
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		sw, err := o.store.GetSwarm(swarmID)
		if err != nil {
			return nil, nil, err
		}
		if sw == nil {
			return nil, nil, fmt.Errorf("swarm %s: %w", swarmID, store.ErrNotFound)
		}

		agents, err := o.store.ListAgents(swarmID)
		if err != nil {
			return nil, nil, err
		}

		if waitSatisfied(sw, agents, filter) {
			return sw, agents, nil
		}

		select {
		case <-ctx.Done():
			return sw, agents, fmt.Errorf("wait for swarm %s: %w", swarmID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func waitSatisfied(sw *store.Swarm, agents []store.SwarmAgent, filter map[string]bool) bool {
	if len(filter) == 0 {
		switch sw.Status {
		case store.StatusCompleted, store.StatusFailed, store.StatusCancelled:
			return true
		}
		return false
	}
	for _, a := range agents {
		if filter[a.Name] && !store.IsTerminalAgentStatus(a.Status) {
			return false
		}
	}
	return true
}

// Merge folds every completed agent's branch back into the base
// branch. Concurrent merges of the same swarm serialize on a per-swarm
// lock; conflicts stop the sequence and are reported, not raised.
func (o *Orchestrator) Merge(ctx context.Context, swarmID, ffPolicy string) (map[string]*gitops.MergeResult, error) {
	sw, err := o.store.GetSwarm(swarmID)
	if err != nil {
		return nil, err
	}
	if sw == nil {
		return nil, fmt.Errorf("swarm %s: %w", swarmID, store.ErrNotFound)
	}
	if sw.BaseBranch == "" {
		return nil, fmt.Errorf("swarm %s has no base branch configured", swarmID)
	}

	mu := o.mergeLock(swarmID)
	mu.Lock()
	defer mu.Unlock()

	agents, err := o.store.ListAgents(swarmID)
	if err != nil {
		return nil, err
	}

	results := make(map[string]*gitops.MergeResult)
	for _, a := range agents {
		if a.Status != store.StatusCompleted || a.Branch == "" {
			continue
		}

		message := fmt.Sprintf("Merge agent %s of swarm %s", a.Name, sw.Name)
		res, err := o.git.MergeBranch(ctx, sw.WorkingDir, a.Branch, sw.BaseBranch, ffPolicy, message)
		if err != nil {
			return results, fmt.Errorf("merge branch %s: %w", a.Branch, err)
		}
		results[a.Name] = res
		if !res.Success {
			slog.Warn("merge conflict", "swarm", swarmID, "agent", a.Name, "files", res.ConflictFiles)
			break
		}
	}
	return results, nil
}

func (o *Orchestrator) mergeLock(swarmID string) *sync.Mutex {
	o.mergeMu.Lock()
	defer o.mergeMu.Unlock()
	mu, ok := o.merging[swarmID]
	if !ok {
		mu = &sync.Mutex{}
		o.merging[swarmID] = mu
	}
	return mu
}

// createBranches makes one branch per agent when the swarm asks for
// branch isolation.
func (o *Orchestrator) createBranches(ctx context.Context, sw *store.Swarm) error {
	if sw.BranchPrefix == "" || o.git == nil {
		return nil
	}

	agents, err := o.store.ListAgents(sw.ID)
	if err != nil {
		return err
	}

	for _, a := range agents {
		if a.Status != store.StatusPending || a.Branch != "" {
			continue
		}
		branch := fmt.Sprintf("%s%s", sw.BranchPrefix, a.Name)
		if err := o.git.CreateBranch(ctx, sw.WorkingDir, sw.BaseBranch, branch); err != nil {
			return fmt.Errorf("branch for agent %s: %w", a.Name, err)
		}
		if err := o.store.SetAgentBranch(a.ID, branch); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) publishSwarmEvent(swarmID, event, status string, agents map[string]string) {
	if o.bus == nil {
		return
	}
	err := o.bus.PublishJSON(natsbus.TopicSwarmEvents(swarmID), SwarmEvent{
		SwarmID: swarmID,
		Event:   event,
		Status:  status,
		Agents:  agents,
		At:      time.Now(),
	})
	if err != nil {
		slog.Error("publish swarm event", "swarm", swarmID, "error", err)
	}
}

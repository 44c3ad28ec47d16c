package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-forge/internal/agent"
	"github.com/nidhogg/nuka-forge/internal/scheduler"
	"github.com/nidhogg/nuka-forge/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrStrategyBound rejects manual triggers on strategy-driven agents.
	ErrStrategyBound = errors.New("agent is driven by a strategy")
	// ErrStrategyNotFound is returned when binding to an unknown strategy.
	ErrStrategyNotFound = errors.New("strategy not found")
	// ErrAgentBusy is returned when an agent already has a scheduled task.
	ErrAgentBusy = errors.New("agent already has a running task")
)

// Options configures a Driver.
type Options struct {
	OrchestratorID string
	Units          agent.DurationUnits
}

// Driver reacts to state changes by deciding what each agent should be
// running. Every scheduling decision, whether from a reconcile pass, a
// manual trigger or a task completion, happens under one mutex.
type Driver struct {
	store  *store.Store
	sched  *scheduler.Scheduler
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	seq       uint64
	runs      map[string]uint64 // agent id -> token of the task it should be running
	endpoints map[string]string
	oneShots  map[string]string
}

// NewDriver creates a driver over st that schedules work on sched.
func NewDriver(st *store.Store, sched *scheduler.Scheduler, opts Options, logger *zap.Logger) *Driver {
	if opts.Units.Default <= 0 {
		opts.Units.Default = 10 * time.Second
	}
	return &Driver{
		store:     st,
		sched:     sched,
		opts:      opts,
		logger:    logger,
		runs:      make(map[string]uint64),
		endpoints: make(map[string]string),
		oneShots:  make(map[string]string),
	}
}

// Run reconciles once, then again after every store change, until ctx
// is done.
func (d *Driver) Run(ctx context.Context) error {
	changes, unsubscribe := d.store.Subscribe()
	defer unsubscribe()

	d.Reconcile()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			d.Reconcile()
		}
	}
}

// decision is one queued unit of reconcile work for a single agent.
type decision struct {
	agentID string
	resume  bool // a restart was just consumed
}

// Reconcile brings every agent's scheduled work in line with its state.
func (d *Driver) Reconcile() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reconcileLocked()
}

func (d *Driver) reconcileLocked() {
	snap := d.store.Snapshot()
	queue := make([]decision, 0, len(snap.Agents))
	for _, a := range snap.Agents {
		if a.ID != snap.DiagnosticsID {
			queue = append(queue, decision{agentID: a.ID})
		}
	}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if follow, ok := d.decide(next); ok {
			queue = append(queue, follow)
		}
	}
}

// decide applies one decision and may return a follow-up for the same
// agent. Consuming a restart flag always enqueues the re-derivation.
func (d *Driver) decide(dec decision) (decision, bool) {
	a, ok := d.store.Agent(dec.agentID)
	if !ok {
		return decision{}, false
	}

	if a.RestartRequested {
		d.cancelLocked(a.ID)
		if err := d.store.Dispatch(agent.ConsumeRestartFlag{AgentID: a.ID}); err != nil {
			d.logger.Warn("consume restart flag", zap.String("agent", a.ID), zap.Error(err))
			return decision{}, false
		}
		d.logger.Info("restart consumed", zap.String("agent", a.ID), zap.String("status", string(a.Status)))
		return decision{agentID: a.ID, resume: true}, true
	}

	if !a.Status.IsActive() && d.sched.Running(a.ID) {
		d.cancelLocked(a.ID)
	}

	if a.StrategyBound() {
		d.driveStrategy(a)
		return decision{}, false
	}
	d.driveManual(a, dec.resume)
	return decision{}, false
}

func (d *Driver) driveStrategy(a agent.Agent) {
	st, ok := d.store.Strategy(a.StrategyID)
	if !ok {
		d.logger.Warn("agent bound to unknown strategy",
			zap.String("agent", a.ID), zap.String("strategy", a.StrategyID))
		return
	}
	if a.CurrentStrategyStep >= len(st.Steps) {
		if a.Status.IsActive() || a.Status == agent.StatusConception {
			d.finalizeLocked(a, st)
		}
		return
	}
	if a.Status == agent.StatusFailed || d.sched.Running(a.ID) {
		return
	}
	expected, err := agent.ExpectedStatus(st.Steps[a.CurrentStrategyStep].Type)
	if err != nil {
		d.logger.Warn("strategy step", zap.String("agent", a.ID), zap.Error(err))
		return
	}
	if a.Status == expected && a.Progress >= 100 {
		// Handle released, completion callback still waiting on d.mu.
		return
	}
	d.startStepLocked(a, st, a.CurrentStrategyStep)
}

// driveManual keeps a manual agent's status and its task consistent. An
// active phase with no task behind it is either settled, when it already
// reached 100%, or resumed. Certifying@0 waits for StartCertification
// unless a restart was just consumed.
func (d *Driver) driveManual(a agent.Agent, resume bool) {
	if d.sched.Running(a.ID) || !a.Status.IsActive() {
		return
	}
	if a.Progress >= 100 {
		d.completePhaseLocked(a)
		return
	}
	if a.Status == agent.StatusCertifying && a.Progress == 0 && !resume {
		return
	}
	d.logger.Info("resuming stalled phase",
		zap.String("agent", a.ID),
		zap.String("status", string(a.Status)),
		zap.Float64("progress", a.Progress))
	d.startPhaseLocked(a, a.Status, d.opts.Units.Default, false)
}

// startStepLocked moves a into the status step k expects and schedules
// the step's task.
func (d *Driver) startStepLocked(a agent.Agent, st agent.Strategy, k int) {
	step := st.Steps[k]
	expected, err := agent.ExpectedStatus(step.Type)
	if err != nil {
		d.logger.Warn("strategy step", zap.String("agent", a.ID), zap.Error(err))
		return
	}
	now := d.store.Now()
	cycle := a.CycleStartedAt
	if !a.Status.IsActive() || cycle.IsZero() {
		cycle = now
	}
	subs := agent.StepSubTasks(step.Type)
	duration := agent.StepDuration(step, d.opts.Units)

	d.dispatch(agent.UpdateAgent{ID: a.ID, Patch: agent.AgentPatch{
		Status:         agent.Ptr(expected),
		Progress:       agent.Ptr(0.0),
		SubTasks:       zeroSubTasks(subs),
		CycleStartedAt: agent.Ptr(cycle),
	}})
	msg := fmt.Sprintf("Step %d/%d started: %s", k+1, len(st.Steps), step.Type)
	if step.Config.Task != "" {
		msg += " (" + step.Config.Task + ")"
	}
	d.dispatch(agent.Log(a.ID, agent.StageStrategy, now, "%s", msg))

	token := d.nextToken(a.ID)
	d.sched.Schedule(scheduler.Request{
		AgentID:    a.ID,
		Phases:     []scheduler.Phase{{Name: string(step.Type), Duration: duration, SubTasks: subs}},
		Governance: a.Governance,
		CycleStart: cycle,
		OnComplete: func() { d.completeStep(a.ID, st.ID, k, token) },
	})
}

// completeStep runs once per scheduled step. The token and step index
// guard against completions that were overtaken by a restart.
func (d *Driver) completeStep(agentID, strategyID string, k int, token uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.runs[agentID] != token {
		return
	}
	delete(d.runs, agentID)

	a, ok := d.store.Agent(agentID)
	if !ok || a.StrategyID != strategyID || a.CurrentStrategyStep != k || a.RestartRequested {
		return
	}
	st, ok := d.store.Strategy(strategyID)
	if !ok || k >= len(st.Steps) {
		return
	}
	if expected, err := agent.ExpectedStatus(st.Steps[k].Type); err != nil || a.Status != expected {
		return
	}
	now := d.store.Now()
	d.dispatch(agent.Log(agentID, agent.StageStrategy, now,
		"Step %d/%d complete: %s", k+1, len(st.Steps), st.Steps[k].Type))

	if k+1 >= len(st.Steps) {
		d.finalizeLocked(a, st)
		return
	}
	d.dispatch(agent.UpdateAgent{ID: agentID, Patch: agent.AgentPatch{CurrentStrategyStep: agent.Ptr(k + 1)}})
	if a, ok = d.store.Agent(agentID); ok {
		d.startStepLocked(a, st, k+1)
	}
}

func (d *Driver) finalizeLocked(a agent.Agent, st agent.Strategy) {
	delete(d.runs, a.ID)
	d.dispatch(agent.UpdateAgent{ID: a.ID, Patch: agent.AgentPatch{
		Status:              agent.Ptr(agent.StatusLive),
		Progress:            agent.Ptr(100.0),
		ClearSubTasks:       true,
		CurrentStrategyStep: agent.Ptr(len(st.Steps)),
	}})
	d.dispatch(agent.Log(a.ID, agent.StageStrategy, d.store.Now(),
		"Strategy completed: %s (%d steps)", st.Name, len(st.Steps)))
}

// startPhaseLocked schedules a manual lifecycle phase. A fresh cycle
// restarts the continuous-execution clock.
func (d *Driver) startPhaseLocked(a agent.Agent, phase agent.Status, duration time.Duration, fresh bool) {
	now := d.store.Now()
	cycle := a.CycleStartedAt
	if fresh || cycle.IsZero() {
		cycle = now
	}
	subs := agent.PhaseSubTasks(phase)
	d.dispatch(agent.UpdateAgent{ID: a.ID, Patch: agent.AgentPatch{
		Status:         agent.Ptr(phase),
		Progress:       agent.Ptr(0.0),
		SubTasks:       zeroSubTasks(subs),
		CycleStartedAt: agent.Ptr(cycle),
	}})

	token := d.nextToken(a.ID)
	d.sched.Schedule(scheduler.Request{
		AgentID:    a.ID,
		Phases:     []scheduler.Phase{{Name: string(phase), Duration: duration, SubTasks: subs}},
		Governance: a.Governance,
		CycleStart: cycle,
		OnComplete: func() { d.completeManual(a.ID, phase, token) },
	})
}

func (d *Driver) completeManual(agentID string, phase agent.Status, token uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.runs[agentID] != token {
		return
	}
	a, ok := d.store.Agent(agentID)
	if !ok || a.Status != phase || a.RestartRequested {
		delete(d.runs, agentID)
		return
	}
	d.completePhaseLocked(a)
}

// completePhaseLocked settles a finished manual phase into its
// completion status.
func (d *Driver) completePhaseLocked(a agent.Agent) {
	delete(d.runs, a.ID)
	next, err := agent.PhaseCompletion(a.Status)
	if err != nil {
		d.logger.Warn("phase completion", zap.String("agent", a.ID), zap.Error(err))
		return
	}
	now := d.store.Now()
	progress := 100.0
	if next == agent.StatusCertifying {
		progress = 0
	}

	switch a.Status {
	case agent.StatusDeploying:
		endpoint := d.endpoints[a.ID]
		delete(d.endpoints, a.ID)
		if endpoint == "" {
			endpoint = fmt.Sprintf("https://%s.agents.local/v1", a.ID)
		}
		d.dispatch(agent.AddDeployment{Deployment: agent.Deployment{
			ID:          uuid.NewString(),
			AgentID:     a.ID,
			EndpointURL: endpoint,
			CreatedAt:   now,
		}})
	case agent.StatusExecutingStrategy:
		if task, ok := d.oneShots[a.ID]; ok {
			delete(d.oneShots, a.ID)
			d.dispatch(agent.Log(a.ID, agent.StageOrchestration, now, "One-shot task completed: %s", task))
		}
	}

	d.dispatch(agent.UpdateAgent{ID: a.ID, Patch: agent.AgentPatch{
		Status:        agent.Ptr(next),
		Progress:      agent.Ptr(progress),
		ClearSubTasks: true,
	}})
	d.dispatch(agent.Log(a.ID, agent.StageInfo, now, "%s complete, now %s", a.Status, next))
}

func (d *Driver) cancelLocked(agentID string) {
	delete(d.runs, agentID)
	if d.sched.Cancel(agentID) {
		d.logger.Debug("cancelled task", zap.String("agent", agentID))
	}
}

func (d *Driver) nextToken(agentID string) uint64 {
	d.seq++
	d.runs[agentID] = d.seq
	return d.seq
}

func (d *Driver) dispatch(a agent.Action) {
	if err := d.store.Dispatch(a); err != nil {
		d.logger.Warn("driver dispatch failed", zap.String("action", string(a.Type())), zap.Error(err))
	}
}

func zeroSubTasks(names []string) []agent.SubTask {
	subs := make([]agent.SubTask, len(names))
	for i, n := range names {
		subs[i] = agent.SubTask{Name: n}
	}
	return subs
}

package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-forge/internal/agent"
	"go.uber.org/zap"
)

// StartEvolution moves a manual agent from Conception into Evolving for
// duration. A non-positive duration uses the default step duration.
func (d *Driver) StartEvolution(agentID string, duration time.Duration) error {
	if duration <= 0 {
		duration = d.opts.Units.Default
	}
	return d.startManual(agentID, agent.StatusEvolving, duration,
		fmt.Sprintf("Evolution started (%s)", duration), nil)
}

// StartCertification runs the certification task of an agent that
// finished evolving.
func (d *Driver) StartCertification(agentID string) error {
	return d.startManual(agentID, agent.StatusCertifying, d.opts.Units.Default, "Certification started",
		func(a agent.Agent) error {
			if a.Status != agent.StatusCertifying {
				return fmt.Errorf("%w: certification needs %s, agent is %s",
					agent.ErrInvalidTransition, agent.StatusCertifying, a.Status)
			}
			return nil
		})
}

// StartDeployment deploys a certified agent to endpoint. The deployment
// record is added when the task completes.
func (d *Driver) StartDeployment(agentID, endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	return d.startManual(agentID, agent.StatusDeploying, d.opts.Units.Default, "Deployment started: "+endpoint,
		func(a agent.Agent) error {
			if !agent.CanTransition(a.Status, agent.StatusDeploying) {
				return fmt.Errorf("%w: %s -> %s", agent.ErrInvalidTransition, a.Status, agent.StatusDeploying)
			}
			d.endpoints[a.ID] = endpoint
			return nil
		})
}

// StartOptimization optimizes a Live agent.
func (d *Driver) StartOptimization(agentID string) error {
	return d.startManual(agentID, agent.StatusOptimizing, d.opts.Units.Default, "Optimization started", nil)
}

// StartReEvolution re-evolves an agent awaiting re-evolution.
func (d *Driver) StartReEvolution(agentID string) error {
	return d.startManual(agentID, agent.StatusReEvolving, d.opts.Units.Default, "Re-evolution started", nil)
}

// StartAutoEvolution runs an unattended improvement cycle on a Live or
// Optimized agent.
func (d *Driver) StartAutoEvolution(agentID string) error {
	return d.startManual(agentID, agent.StatusAutoEvolving, d.opts.Units.Default, "Auto-evolution started", nil)
}

func (d *Driver) startManual(agentID string, to agent.Status, duration time.Duration, note string, check func(agent.Agent) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, ok := d.store.Agent(agentID)
	if !ok {
		return fmt.Errorf("%w: %s", agent.ErrAgentNotFound, agentID)
	}
	if a.StrategyBound() {
		return fmt.Errorf("%w: %s follows %s", ErrStrategyBound, agentID, a.StrategyID)
	}
	if d.sched.Running(agentID) {
		return fmt.Errorf("%w: %s", ErrAgentBusy, agentID)
	}
	if check != nil {
		if err := check(a); err != nil {
			return err
		}
	} else if !agent.CanTransition(a.Status, to) {
		return fmt.Errorf("%w: %s -> %s", agent.ErrInvalidTransition, a.Status, to)
	}

	d.dispatch(agent.Log(agentID, agent.StageInfo, d.store.Now(), "%s", note))
	d.startPhaseLocked(a, to, duration, true)
	d.logger.Info("phase started",
		zap.String("agent", agentID),
		zap.String("status", string(to)),
		zap.Duration("duration", duration))
	return nil
}

// IngestData records count new data points for an agent. With
// triggerReEvolution a Live or Optimized agent becomes eligible for
// re-evolution.
func (d *Driver) IngestData(agentID string, count int, triggerReEvolution bool) error {
	if count <= 0 {
		return fmt.Errorf("ingest data: count must be positive, got %d", count)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.store.Dispatch(agent.UpdateDataCount{
		AgentID:            agentID,
		Delta:              count,
		TriggerReEvolution: triggerReEvolution,
	}); err != nil {
		return err
	}
	d.reconcileLocked()
	return nil
}

// BindStrategy attaches an agent to a strategy at step 0, or detaches it
// when strategyID is empty. Any running task is dropped.
func (d *Driver) BindStrategy(agentID, strategyID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, ok := d.store.Agent(agentID)
	if !ok {
		return fmt.Errorf("%w: %s", agent.ErrAgentNotFound, agentID)
	}
	if strategyID != "" {
		if _, ok := d.store.Strategy(strategyID); !ok {
			return fmt.Errorf("%w: %s", ErrStrategyNotFound, strategyID)
		}
	}
	d.cancelLocked(agentID)

	patch := agent.AgentPatch{
		StrategyID:          agent.Ptr(strategyID),
		CurrentStrategyStep: agent.Ptr(0),
	}
	if a.Status.IsActive() {
		patch.Status = agent.Ptr(agent.StatusConception)
		patch.Progress = agent.Ptr(0.0)
		patch.ClearSubTasks = true
	}
	if err := d.store.Dispatch(agent.UpdateAgent{ID: agentID, Patch: patch}); err != nil {
		return err
	}
	if strategyID == "" {
		d.dispatch(agent.Log(agentID, agent.StageStrategy, d.store.Now(), "Strategy unbound"))
	} else {
		d.dispatch(agent.Log(agentID, agent.StageStrategy, d.store.Now(), "Bound to strategy %s", strategyID))
	}
	d.reconcileLocked()
	return nil
}

// RequestRestart asks the driver to drop the agent's task and derive its
// next action from scratch.
func (d *Driver) RequestRestart(agentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.store.Dispatch(agent.UpdateAgent{ID: agentID, Patch: agent.AgentPatch{
		RestartRequested: agent.Ptr(true),
	}}); err != nil {
		return err
	}
	d.reconcileLocked()
	return nil
}

// RegenerateAPIKey issues a new credential for an agent and returns it.
func (d *Driver) RegenerateAPIKey(agentID string) (string, error) {
	key := "nf_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := d.store.Dispatch(agent.RegenerateAPIKey{AgentID: agentID, Key: key}); err != nil {
		return "", err
	}
	return key, nil
}

// RunOneShot runs a single orchestration task on the orchestrator agent.
// The agent executes for duration and returns to Live.
func (d *Driver) RunOneShot(task string, duration time.Duration) error {
	if d.opts.OrchestratorID == "" {
		return fmt.Errorf("one-shot task: no orchestrator agent configured")
	}
	if duration <= 0 {
		duration = d.opts.Units.Default
	}
	id := d.opts.OrchestratorID

	d.mu.Lock()
	defer d.mu.Unlock()

	a, ok := d.store.Agent(id)
	if !ok {
		return fmt.Errorf("%w: %s", agent.ErrAgentNotFound, id)
	}
	if d.sched.Running(id) {
		return fmt.Errorf("%w: %s", ErrAgentBusy, id)
	}
	if a.Status == agent.StatusFailed {
		return fmt.Errorf("%w: orchestrator %s is Failed", agent.ErrInvalidTransition, id)
	}

	d.oneShots[id] = task
	d.dispatch(agent.Log(id, agent.StageOrchestration, d.store.Now(), "One-shot task started: %s", task))
	d.startPhaseLocked(a, agent.StatusExecutingStrategy, duration, true)
	return nil
}

// Running lists agents with a live scheduled task.
func (d *Driver) Running() []string {
	return d.sched.Active()
}

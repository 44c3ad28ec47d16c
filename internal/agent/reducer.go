package agent

import (
	"fmt"
	"slices"
	"time"
)

// Reduce is the transition function of the lifecycle core. It maps
// (state, action) to the next snapshot without side effects; at is the
// timestamp applied to anything the transition records. On error the
// input state is returned unchanged.
func Reduce(s State, a Action, at time.Time) (State, error) {
	switch v := a.(type) {
	case CreateAgent:
		return createAgent(s, v, at)
	case UpdateAgent:
		return updateAgent(s, v)
	case AddDeployment:
		if _, ok := s.FindAgent(v.Deployment.AgentID); !ok {
			return s, fmt.Errorf("add deployment: %w: %s", ErrAgentNotFound, v.Deployment.AgentID)
		}
		d := v.Deployment
		if d.CreatedAt.IsZero() {
			d.CreatedAt = at
		}
		next := s
		next.Deployments = append(slices.Clone(s.Deployments), d)
		return next.withLog(d.AgentID, LogEntry{Timestamp: at, Stage: StageDeployment,
			Message: "Deployed to " + d.EndpointURL}), nil
	case AddWebhook:
		if v.Webhook.ID == "" {
			return s, fmt.Errorf("add webhook: missing id")
		}
		if _, ok := s.FindWebhook(v.Webhook.ID); ok {
			return s, fmt.Errorf("add webhook: duplicate id %s", v.Webhook.ID)
		}
		next := s
		next.Webhooks = append(slices.Clone(s.Webhooks), v.Webhook)
		return next, nil
	case RegenerateAPIKey:
		i := s.agentIndex(v.AgentID)
		if i < 0 {
			return s, fmt.Errorf("regenerate api key: %w: %s", ErrAgentNotFound, v.AgentID)
		}
		ag := s.Agents[i]
		ag.APIKey = v.Key
		return s.withAgent(i, ag).withLog(ag.ID, LogEntry{Timestamp: at, Stage: StageInfo,
			Message: "API key regenerated"}), nil
	case AddLog:
		if v.AgentID != s.DiagnosticsID {
			if _, ok := s.FindAgent(v.AgentID); !ok {
				return s, fmt.Errorf("add log: %w: %s", ErrAgentNotFound, v.AgentID)
			}
		}
		entry := v.Entry
		if entry.Timestamp.IsZero() {
			entry.Timestamp = at
		}
		return s.withLog(v.AgentID, entry), nil
	case UpdateDataCount:
		return updateDataCount(s, v, at)
	case ConsumeRestartFlag:
		i := s.agentIndex(v.AgentID)
		if i < 0 {
			return s, fmt.Errorf("consume restart flag: %w: %s", ErrAgentNotFound, v.AgentID)
		}
		if !s.Agents[i].RestartRequested {
			return s, nil
		}
		ag := s.Agents[i]
		ag.RestartRequested = false
		return s.withAgent(i, ag), nil
	case ApplyGovernanceAction:
		return applyGovernanceAction(s, v, at)
	default:
		return s, fmt.Errorf("%w: %T", ErrUnknownAction, a)
	}
}

func createAgent(s State, v CreateAgent, at time.Time) (State, error) {
	ag := v.Agent
	if ag.ID == "" {
		return s, fmt.Errorf("create agent: missing id")
	}
	if _, ok := s.FindAgent(ag.ID); ok {
		return s, fmt.Errorf("create agent: duplicate id %s", ag.ID)
	}
	if ag.Status == "" {
		ag.Status = StatusConception
	}
	if !ag.Status.IsValid() {
		return s, fmt.Errorf("create agent: invalid status %q", ag.Status)
	}
	if ag.Category == "" {
		ag.Category = CategoryStandard
	}
	if ag.CreatedAt.IsZero() {
		ag.CreatedAt = at
	}
	ag.Progress = clampProgress(ag.Progress)
	if ag.StrategyBound() {
		st, ok := s.FindStrategy(ag.StrategyID)
		if !ok {
			return s, fmt.Errorf("create agent: unknown strategy %s", ag.StrategyID)
		}
		ag.CurrentStrategyStep = min(max(ag.CurrentStrategyStep, 0), len(st.Steps))
	}

	next := s
	next.Agents = append(slices.Clone(s.Agents), ag)
	return next.withLog(ag.ID, LogEntry{Timestamp: at, Stage: StageConception,
		Message: fmt.Sprintf("Agent %q conceived with objective: %s", ag.Name, ag.Objective)}), nil
}

func updateAgent(s State, v UpdateAgent) (State, error) {
	i := s.agentIndex(v.ID)
	if i < 0 {
		return s, fmt.Errorf("update agent: %w: %s", ErrAgentNotFound, v.ID)
	}
	ag := s.Agents[i]
	p := v.Patch

	if p.Status != nil {
		if !p.Status.IsValid() {
			return s, fmt.Errorf("update agent %s: invalid status %q", v.ID, *p.Status)
		}
		if *p.Status == StatusFailed && ag.Status != StatusFailed {
			ag.FailedAttempts++
		}
		ag.Status = *p.Status
	}
	if p.Progress != nil {
		ag.Progress = clampProgress(*p.Progress)
	}
	if p.ClearSubTasks {
		ag.SubTasks = nil
	}
	if p.SubTasks != nil {
		ag.SubTasks = slices.Clone(p.SubTasks)
		for j := range ag.SubTasks {
			ag.SubTasks[j].Progress = clampProgress(ag.SubTasks[j].Progress)
		}
	}
	if p.StrategyID != nil {
		if *p.StrategyID != "" {
			if _, ok := s.FindStrategy(*p.StrategyID); !ok {
				return s, fmt.Errorf("update agent %s: unknown strategy %s", v.ID, *p.StrategyID)
			}
		}
		ag.StrategyID = *p.StrategyID
	}
	if p.CurrentStrategyStep != nil {
		ag.CurrentStrategyStep = *p.CurrentStrategyStep
	}
	if ag.StrategyBound() {
		st, _ := s.FindStrategy(ag.StrategyID)
		if ag.CurrentStrategyStep < 0 || ag.CurrentStrategyStep > len(st.Steps) {
			return s, fmt.Errorf("update agent %s: strategy step %d out of range [0,%d]",
				v.ID, ag.CurrentStrategyStep, len(st.Steps))
		}
	}
	if p.Objective != nil {
		ag.Objective = *p.Objective
	}
	if p.RestartRequested != nil {
		ag.RestartRequested = *p.RestartRequested
	}
	if p.CycleStartedAt != nil {
		ag.CycleStartedAt = *p.CycleStartedAt
	}
	return s.withAgent(i, ag), nil
}

func updateDataCount(s State, v UpdateDataCount, at time.Time) (State, error) {
	i := s.agentIndex(v.AgentID)
	if i < 0 {
		return s, fmt.Errorf("update data count: %w: %s", ErrAgentNotFound, v.AgentID)
	}
	ag := s.Agents[i]
	ag.DataCount = max(ag.DataCount+v.Delta, 0)
	msg := fmt.Sprintf("Ingested %d data points (total %d)", v.Delta, ag.DataCount)
	if v.TriggerReEvolution {
		ag.ReEvolutionEligible = true
		if ag.Status == StatusLive || ag.Status == StatusOptimized {
			ag.Status = StatusAwaitingReEvolution
			ag.Progress = 0
			ag.SubTasks = nil
			msg += "; awaiting re-evolution"
		}
	}
	return s.withAgent(i, ag).withLog(ag.ID, LogEntry{Timestamp: at, Stage: StageDataIngestion, Message: msg}), nil
}

func applyGovernanceAction(s State, v ApplyGovernanceAction, at time.Time) (State, error) {
	if v.Action == nil {
		return s, fmt.Errorf("%w: empty governance action", ErrUnknownAction)
	}
	i := s.agentIndex(v.Action.Target())
	if i < 0 {
		return s, fmt.Errorf("governance %s: %w: %s", v.Action.Kind(), ErrAgentNotFound, v.Action.Target())
	}
	steps := 0
	if st, ok := s.FindStrategy(s.Agents[i].StrategyID); ok {
		steps = len(st.Steps)
	}
	ag, msg := applyGovernance(s.Agents[i], steps, v.Action, at)
	if msg == "" {
		return s, fmt.Errorf("%w: governance %T", ErrUnknownAction, v.Action)
	}
	return s.withAgent(i, ag).withLog(ag.ID, LogEntry{Timestamp: at, Stage: StageGovernance,
		Message: fmt.Sprintf("%s: %s", v.Action.Kind(), msg)}), nil
}

func clampProgress(p float64) float64 {
	return min(max(p, 0), 100)
}

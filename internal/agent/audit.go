package agent

import (
	"fmt"
	"time"
)

// Audit derives the diagnostics trail for one applied action. It compares
// the snapshots before and after the reducer ran, appends the derived
// entries to the diagnostics agent's stream and returns them in the order
// they were written.
func Audit(prev State, a Action, next State, at time.Time) (State, []LogEntry) {
	var msgs []string

	switch v := a.(type) {
	case AddLog:
		if v.AgentID != next.DiagnosticsID && mirrored(v.Entry.Stage) {
			msgs = append(msgs, fmt.Sprintf("AUDIT agent=%s stage=%s %s", v.AgentID, v.Entry.Stage, v.Entry.Message))
		}
	case CreateAgent:
		msgs = append(msgs, fmt.Sprintf("AGENT_CREATED agent=%s name=%q category=%s",
			v.Agent.ID, v.Agent.Name, v.Agent.Category))
	case UpdateAgent:
		before, _ := prev.FindAgent(v.ID)
		after, _ := next.FindAgent(v.ID)
		if before.StrategyID != after.StrategyID {
			msgs = append(msgs, fmt.Sprintf("STRATEGY_BOUND agent=%s strategy=%s step=%d",
				after.ID, after.StrategyID, after.CurrentStrategyStep))
		} else if after.StrategyBound() && before.CurrentStrategyStep != after.CurrentStrategyStep {
			msgs = append(msgs, fmt.Sprintf("STRATEGY_STEP agent=%s strategy=%s step=%d->%d",
				after.ID, after.StrategyID, before.CurrentStrategyStep, after.CurrentStrategyStep))
		}
		if !before.RestartRequested && after.RestartRequested {
			msgs = append(msgs, fmt.Sprintf("RESTART_REQUESTED agent=%s status=%s", after.ID, after.Status))
		}
		if before.Objective != after.Objective {
			msgs = append(msgs, fmt.Sprintf("OBJECTIVE_CHANGED agent=%s", after.ID))
		}
	case AddDeployment:
		msgs = append(msgs, fmt.Sprintf("DEPLOYMENT_ADDED agent=%s endpoint=%s",
			v.Deployment.AgentID, v.Deployment.EndpointURL))
	case AddWebhook:
		msgs = append(msgs, fmt.Sprintf("WEBHOOK_ADDED id=%s purpose=%s url=%s",
			v.Webhook.ID, v.Webhook.Purpose, v.Webhook.URL))
	case RegenerateAPIKey:
		msgs = append(msgs, fmt.Sprintf("API_KEY_REGENERATED agent=%s", v.AgentID))
	case UpdateDataCount:
		after, _ := next.FindAgent(v.AgentID)
		msgs = append(msgs, fmt.Sprintf("DATA_INGESTED agent=%s delta=%d total=%d reevolution=%t",
			v.AgentID, v.Delta, after.DataCount, v.TriggerReEvolution))
	case ApplyGovernanceAction:
		msgs = append(msgs, fmt.Sprintf("GOVERNANCE_ACTION type=%s agent=%s",
			v.Action.Kind(), v.Action.Target()))
	case ConsumeRestartFlag:
		// bookkeeping only
		return next, nil
	}

	msgs = append(msgs, statusChanges(prev, next)...)
	if len(msgs) == 0 {
		return next, nil
	}

	entries := make([]LogEntry, 0, len(msgs))
	for _, m := range msgs {
		e := LogEntry{Timestamp: at, Stage: StageDiagnostics, Message: m}
		next = next.withLog(next.DiagnosticsID, e)
		entries = append(entries, e)
	}
	return next, entries
}

// mirrored reports whether entries of this stage belong in the audit
// trail. Narration stages are too chatty.
func mirrored(stage Stage) bool {
	switch stage {
	case StageThinkingProcess, StageDevelopmentStrategy:
		return false
	default:
		return true
	}
}

// statusChanges reports every agent whose status moved, plus anomaly and
// failure-budget notes.
func statusChanges(prev, next State) []string {
	var msgs []string
	for _, after := range next.Agents {
		before, ok := prev.FindAgent(after.ID)
		if !ok || before.Status == after.Status {
			continue
		}
		msgs = append(msgs, fmt.Sprintf("STATUS_CHANGE agent=%s from=%s to=%s", after.ID, before.Status, after.Status))
		if after.Status != StatusFailed {
			continue
		}
		if before.Status.IsActive() {
			msgs = append(msgs, fmt.Sprintf("ANOMALY agent=%s status %s -> Failed during active processing; possible repeated-failure loop",
				after.ID, before.Status))
		}
		limit := after.Governance.MaxFailedAttemptsPerCycle
		if limit > 0 && after.FailedAttempts > limit && before.FailedAttempts <= limit {
			msgs = append(msgs, fmt.Sprintf("FAILED_ATTEMPTS_EXCEEDED agent=%s attempts=%d max=%d",
				after.ID, after.FailedAttempts, limit))
		}
	}
	return msgs
}

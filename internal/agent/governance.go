package agent

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"
)

// GovernanceKind tags a governance action variant.
type GovernanceKind string

const (
	GovSetGovernanceConfig      GovernanceKind = "SetGovernanceConfig"
	GovToggleRealtimeFeedback   GovernanceKind = "ToggleRealtimeFeedback"
	GovResetLifecycle           GovernanceKind = "ResetLifecycle"
	GovSuspendAgent             GovernanceKind = "SuspendAgent"
	GovAdjustStrategyParameters GovernanceKind = "AdjustStrategyParameters"
	GovRetrainModel             GovernanceKind = "RetrainModel"
	GovAdjustModelParameters    GovernanceKind = "AdjustModelParameters"
	GovImplementOutputMasking   GovernanceKind = "ImplementOutputMasking"
	GovResetObjective           GovernanceKind = "ResetObjective"
	GovFlagForManualReview      GovernanceKind = "FlagForManualReview"
)

// GovernanceAction is an administrative command against one agent. The
// set of implementations is closed.
type GovernanceAction interface {
	Kind() GovernanceKind
	Target() string
	isGovernance()
}

// SetGovernanceConfig replaces an agent's governance limits.
type SetGovernanceConfig struct {
	AgentID string           `json:"-"`
	Config  GovernanceConfig `json:"config"`
}

// ToggleRealtimeFeedback switches logging of chat think steps.
type ToggleRealtimeFeedback struct {
	AgentID string `json:"-"`
	Enabled bool   `json:"enabled"`
}

// ResetLifecycle sends an agent back to Conception and restarts it.
type ResetLifecycle struct {
	AgentID string `json:"-"`
}

// SuspendAgent fails an agent and tags its objective with the reason.
type SuspendAgent struct {
	AgentID string `json:"-"`
	Reason  string `json:"reason"`
}

// AdjustStrategyParameters merges parameters into the agent's strategy
// parameters and optionally repositions it inside its strategy.
type AdjustStrategyParameters struct {
	AgentID    string            `json:"-"`
	Parameters map[string]string `json:"parameters"`
	Step       *int              `json:"step,omitempty"`
}

// RetrainModel moves an agent to AwaitingReEvolution.
type RetrainModel struct {
	AgentID string `json:"-"`
	Reason  string `json:"reason"`
}

// AdjustModelParameters merges model parameters into the agent's.
type AdjustModelParameters struct {
	AgentID    string             `json:"-"`
	Parameters map[string]float64 `json:"parameters"`
}

// ImplementOutputMasking adds terms to mask in chat responses.
type ImplementOutputMasking struct {
	AgentID string   `json:"-"`
	Filters []string `json:"filters"`
}

// ResetObjective replaces an agent's objective and sends it back to
// Conception.
type ResetObjective struct {
	AgentID   string `json:"-"`
	Objective string `json:"objective"`
}

// FlagForManualReview fails an agent and tags its objective for review.
type FlagForManualReview struct {
	AgentID string `json:"-"`
	Reason  string `json:"reason"`
}

func (g SetGovernanceConfig) Kind() GovernanceKind      { return GovSetGovernanceConfig }
func (g ToggleRealtimeFeedback) Kind() GovernanceKind   { return GovToggleRealtimeFeedback }
func (g ResetLifecycle) Kind() GovernanceKind           { return GovResetLifecycle }
func (g SuspendAgent) Kind() GovernanceKind             { return GovSuspendAgent }
func (g AdjustStrategyParameters) Kind() GovernanceKind { return GovAdjustStrategyParameters }
func (g RetrainModel) Kind() GovernanceKind             { return GovRetrainModel }
func (g AdjustModelParameters) Kind() GovernanceKind    { return GovAdjustModelParameters }
func (g ImplementOutputMasking) Kind() GovernanceKind   { return GovImplementOutputMasking }
func (g ResetObjective) Kind() GovernanceKind           { return GovResetObjective }
func (g FlagForManualReview) Kind() GovernanceKind      { return GovFlagForManualReview }

func (g SetGovernanceConfig) Target() string      { return g.AgentID }
func (g ToggleRealtimeFeedback) Target() string   { return g.AgentID }
func (g ResetLifecycle) Target() string           { return g.AgentID }
func (g SuspendAgent) Target() string             { return g.AgentID }
func (g AdjustStrategyParameters) Target() string { return g.AgentID }
func (g RetrainModel) Target() string             { return g.AgentID }
func (g AdjustModelParameters) Target() string    { return g.AgentID }
func (g ImplementOutputMasking) Target() string   { return g.AgentID }
func (g ResetObjective) Target() string           { return g.AgentID }
func (g FlagForManualReview) Target() string      { return g.AgentID }

func (SetGovernanceConfig) isGovernance()      {}
func (ToggleRealtimeFeedback) isGovernance()   {}
func (ResetLifecycle) isGovernance()           {}
func (SuspendAgent) isGovernance()             {}
func (AdjustStrategyParameters) isGovernance() {}
func (RetrainModel) isGovernance()             {}
func (AdjustModelParameters) isGovernance()    {}
func (ImplementOutputMasking) isGovernance()   {}
func (ResetObjective) isGovernance()           {}
func (FlagForManualReview) isGovernance()      {}

// governanceEnvelope is the wire form of a governance action.
type governanceEnvelope struct {
	Type    GovernanceKind  `json:"type"`
	AgentID string          `json:"agent_id"`
	Details json.RawMessage `json:"details,omitempty"`
}

// EncodeGovernance renders g in its wire form.
func EncodeGovernance(g GovernanceAction) ([]byte, error) {
	details, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("marshal %s details: %w", g.Kind(), err)
	}
	return json.Marshal(governanceEnvelope{Type: g.Kind(), AgentID: g.Target(), Details: details})
}

// DecodeGovernance parses the wire form produced by EncodeGovernance.
func DecodeGovernance(data []byte) (GovernanceAction, error) {
	var env governanceEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode governance action: %w", err)
	}
	details := env.Details
	if len(details) == 0 {
		details = json.RawMessage("{}")
	}

	var g GovernanceAction
	var err error
	switch env.Type {
	case GovSetGovernanceConfig:
		v := SetGovernanceConfig{AgentID: env.AgentID}
		err = json.Unmarshal(details, &v)
		g = v
	case GovToggleRealtimeFeedback:
		v := ToggleRealtimeFeedback{AgentID: env.AgentID}
		err = json.Unmarshal(details, &v)
		g = v
	case GovResetLifecycle:
		g = ResetLifecycle{AgentID: env.AgentID}
	case GovSuspendAgent:
		v := SuspendAgent{AgentID: env.AgentID}
		err = json.Unmarshal(details, &v)
		g = v
	case GovAdjustStrategyParameters:
		v := AdjustStrategyParameters{AgentID: env.AgentID}
		err = json.Unmarshal(details, &v)
		g = v
	case GovRetrainModel:
		v := RetrainModel{AgentID: env.AgentID}
		err = json.Unmarshal(details, &v)
		g = v
	case GovAdjustModelParameters:
		v := AdjustModelParameters{AgentID: env.AgentID}
		err = json.Unmarshal(details, &v)
		g = v
	case GovImplementOutputMasking:
		v := ImplementOutputMasking{AgentID: env.AgentID}
		err = json.Unmarshal(details, &v)
		g = v
	case GovResetObjective:
		v := ResetObjective{AgentID: env.AgentID}
		err = json.Unmarshal(details, &v)
		g = v
	case GovFlagForManualReview:
		v := FlagForManualReview{AgentID: env.AgentID}
		err = json.Unmarshal(details, &v)
		g = v
	default:
		return nil, fmt.Errorf("%w: governance type %q", ErrUnknownAction, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s details: %w", env.Type, err)
	}
	return g, nil
}

// applyGovernance mutates the target agent according to the variant and
// returns the agent plus the governance log line describing it.
func applyGovernance(a Agent, steps int, g GovernanceAction, at time.Time) (Agent, string) {
	switch v := g.(type) {
	case SetGovernanceConfig:
		a.Governance = v.Config
		a.Governance.OutputContentFilters = slices.Clone(v.Config.OutputContentFilters)
		return a, fmt.Sprintf("Governance config updated: max_minutes=%g rate_limit=%d max_failed=%d",
			v.Config.MaxContinuousExecutionMinutes, v.Config.RateLimitPerMinute, v.Config.MaxFailedAttemptsPerCycle)

	case ToggleRealtimeFeedback:
		a.Governance.RealtimeFeedback = v.Enabled
		return a, fmt.Sprintf("Realtime feedback set to %t", v.Enabled)

	case ResetLifecycle:
		a = resetPhase(a, StatusConception)
		a.CurrentStrategyStep = 0
		a.FailedAttempts = 0
		a.CycleStartedAt = time.Time{}
		return a, "Lifecycle reset to Conception"

	case SuspendAgent:
		a = resetPhase(a, StatusFailed)
		a.Objective = fmt.Sprintf("[SUSPENDED %s Reason: %s] %s", at.UTC().Format(time.RFC3339), v.Reason, a.Objective)
		return a, "Agent suspended: " + v.Reason

	case AdjustStrategyParameters:
		a.StrategyParameters = mergeMap(a.StrategyParameters, v.Parameters)
		msg := fmt.Sprintf("Strategy parameters adjusted (%d keys)", len(v.Parameters))
		if v.Step != nil && a.StrategyBound() {
			a.CurrentStrategyStep = min(max(*v.Step, 0), steps)
			a.Progress = 0
			a.SubTasks = nil
			a.RestartRequested = true
			msg += fmt.Sprintf(", repositioned to step %d", a.CurrentStrategyStep)
		}
		return a, msg

	case RetrainModel:
		a = resetPhase(a, StatusAwaitingReEvolution)
		a.ReEvolutionEligible = true
		return a, "Model retraining requested: " + v.Reason

	case AdjustModelParameters:
		a.ModelParameters = mergeMap(a.ModelParameters, v.Parameters)
		return a, fmt.Sprintf("Model parameters adjusted (%d keys)", len(v.Parameters))

	case ImplementOutputMasking:
		filters := slices.Clone(a.Governance.OutputContentFilters)
		for _, f := range v.Filters {
			if f != "" && !slices.Contains(filters, f) {
				filters = append(filters, f)
			}
		}
		a.Governance.OutputContentFilters = filters
		return a, fmt.Sprintf("Output masking now covers %d filters", len(filters))

	case ResetObjective:
		a = resetPhase(a, StatusConception)
		a.Objective = v.Objective
		a.CycleStartedAt = time.Time{}
		return a, "Objective reset: " + v.Objective

	case FlagForManualReview:
		a = resetPhase(a, StatusFailed)
		a.Objective = fmt.Sprintf("[FLAGGED FOR REVIEW Reason: %s] %s", v.Reason, a.Objective)
		return a, "Agent flagged for manual review: " + v.Reason
	}
	return a, ""
}

// resetPhase moves a to status with cleared progress and asks the driver
// to drop whatever task was running.
func resetPhase(a Agent, status Status) Agent {
	if status == StatusFailed && a.Status != StatusFailed {
		a.FailedAttempts++
	}
	a.Status = status
	a.Progress = 0
	a.SubTasks = nil
	a.RestartRequested = true
	return a
}

func mergeMap[V any](dst, src map[string]V) map[string]V {
	out := make(map[string]V, len(dst)+len(src))
	maps.Copy(out, dst)
	maps.Copy(out, src)
	return out
}

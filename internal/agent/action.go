package agent

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActionType is the wire tag of an action.
type ActionType string

const (
	ActionCreateAgent           ActionType = "CreateAgent"
	ActionUpdateAgent           ActionType = "UpdateAgent"
	ActionAddDeployment         ActionType = "AddDeployment"
	ActionAddWebhook            ActionType = "AddWebhook"
	ActionRegenerateAPIKey      ActionType = "RegenerateApiKey"
	ActionAddLog                ActionType = "AddLog"
	ActionUpdateDataCount       ActionType = "UpdateDataCount"
	ActionConsumeRestartFlag    ActionType = "ConsumeRestartFlag"
	ActionApplyGovernanceAction ActionType = "ApplyGovernanceAction"
)

// Action is a discrete state transition request. The set of
// implementations is closed; Reduce switches over all of them.
type Action interface {
	Type() ActionType
	isAction()
}

// CreateAgent adds a new agent in Conception.
type CreateAgent struct {
	Agent Agent `json:"agent"`
}

// AgentPatch lists the agent fields an UpdateAgent may change. Nil
// fields are left untouched.
type AgentPatch struct {
	Status              *Status    `json:"status,omitempty"`
	Progress            *float64   `json:"progress,omitempty"`
	SubTasks            []SubTask  `json:"sub_tasks,omitempty"`
	ClearSubTasks       bool       `json:"clear_sub_tasks,omitempty"`
	StrategyID          *string    `json:"strategy_id,omitempty"`
	CurrentStrategyStep *int       `json:"current_strategy_step,omitempty"`
	Objective           *string    `json:"objective,omitempty"`
	RestartRequested    *bool      `json:"restart_requested,omitempty"`
	CycleStartedAt      *time.Time `json:"cycle_started_at,omitempty"`
}

// UpdateAgent applies a partial update to one agent.
type UpdateAgent struct {
	ID    string     `json:"id"`
	Patch AgentPatch `json:"patch"`
}

// AddDeployment records a finished deployment for an existing agent.
type AddDeployment struct {
	Deployment Deployment `json:"deployment"`
}

// AddWebhook registers a webhook. Ids must be unique.
type AddWebhook struct {
	Webhook Webhook `json:"webhook"`
}

// RegenerateAPIKey replaces an agent's credential token. The caller
// generates the key so the reducer stays deterministic.
type RegenerateAPIKey struct {
	AgentID string `json:"agent_id"`
	Key     string `json:"key"`
}

// AddLog prepends an entry to an agent's log stream.
type AddLog struct {
	AgentID string   `json:"agent_id"`
	Entry   LogEntry `json:"entry"`
}

// UpdateDataCount adds Delta ingested data points. With
// TriggerReEvolution a Live or Optimized agent becomes eligible for
// re-evolution.
type UpdateDataCount struct {
	AgentID            string `json:"agent_id"`
	Delta              int    `json:"delta"`
	TriggerReEvolution bool   `json:"trigger_re_evolution"`
}

// ConsumeRestartFlag clears a pending restart. Clearing an unset flag
// is a no-op.
type ConsumeRestartFlag struct {
	AgentID string `json:"agent_id"`
}

// ApplyGovernanceAction applies an operator intervention to its target.
type ApplyGovernanceAction struct {
	Action GovernanceAction `json:"-"`
}

func (CreateAgent) Type() ActionType           { return ActionCreateAgent }
func (UpdateAgent) Type() ActionType           { return ActionUpdateAgent }
func (AddDeployment) Type() ActionType         { return ActionAddDeployment }
func (AddWebhook) Type() ActionType            { return ActionAddWebhook }
func (RegenerateAPIKey) Type() ActionType      { return ActionRegenerateAPIKey }
func (AddLog) Type() ActionType                { return ActionAddLog }
func (UpdateDataCount) Type() ActionType       { return ActionUpdateDataCount }
func (ConsumeRestartFlag) Type() ActionType    { return ActionConsumeRestartFlag }
func (ApplyGovernanceAction) Type() ActionType { return ActionApplyGovernanceAction }

func (CreateAgent) isAction()           {}
func (UpdateAgent) isAction()           {}
func (AddDeployment) isAction()         {}
func (AddWebhook) isAction()            {}
func (RegenerateAPIKey) isAction()      {}
func (AddLog) isAction()                {}
func (UpdateDataCount) isAction()       {}
func (ConsumeRestartFlag) isAction()    {}
func (ApplyGovernanceAction) isAction() {}

// Log builds an AddLog action.
func Log(agentID string, stage Stage, at time.Time, format string, args ...any) AddLog {
	return AddLog{AgentID: agentID, Entry: LogEntry{
		Timestamp: at,
		Stage:     stage,
		Message:   fmt.Sprintf(format, args...),
	}}
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T { return &v }

// envelope is the wire form of an action.
type envelope struct {
	Type    ActionType      `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeAction renders a in its wire form.
func EncodeAction(a Action) ([]byte, error) {
	var payload []byte
	var err error
	if g, ok := a.(ApplyGovernanceAction); ok {
		payload, err = EncodeGovernance(g.Action)
	} else {
		payload, err = json.Marshal(a)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", a.Type(), err)
	}
	return json.Marshal(envelope{Type: a.Type(), Payload: payload})
}

// DecodeAction parses the wire form of an action. Unrecognised tags
// yield ErrUnknownAction.
func DecodeAction(data []byte) (Action, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage("{}")
	}

	var a Action
	var err error
	switch env.Type {
	case ActionCreateAgent:
		var v CreateAgent
		err = json.Unmarshal(env.Payload, &v)
		a = v
	case ActionUpdateAgent:
		var v UpdateAgent
		err = json.Unmarshal(env.Payload, &v)
		a = v
	case ActionAddDeployment:
		var v AddDeployment
		err = json.Unmarshal(env.Payload, &v)
		a = v
	case ActionAddWebhook:
		var v AddWebhook
		err = json.Unmarshal(env.Payload, &v)
		a = v
	case ActionRegenerateAPIKey:
		var v RegenerateAPIKey
		err = json.Unmarshal(env.Payload, &v)
		a = v
	case ActionAddLog:
		var v AddLog
		err = json.Unmarshal(env.Payload, &v)
		a = v
	case ActionUpdateDataCount:
		var v UpdateDataCount
		err = json.Unmarshal(env.Payload, &v)
		a = v
	case ActionConsumeRestartFlag:
		var v ConsumeRestartFlag
		err = json.Unmarshal(env.Payload, &v)
		a = v
	case ActionApplyGovernanceAction:
		var g GovernanceAction
		g, err = DecodeGovernance(env.Payload)
		a = ApplyGovernanceAction{Action: g}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return a, nil
}

package agent

import (
	"errors"
	"maps"
	"slices"
	"time"
)

// Category classifies what kind of work an agent is built for.
type Category string

const (
	CategoryAnalytical   Category = "Analytical"
	CategoryCreative     Category = "Creative"
	CategoryStrategist   Category = "Strategist"
	CategoryClientSide   Category = "ClientSide"
	CategoryStandard     Category = "Standard"
	CategoryOrchestrator Category = "Orchestrator"
	CategoryDiagnostics  Category = "Diagnostics"
)

// SubTask is a named unit of simulated parallel work inside one phase.
type SubTask struct {
	Name     string  `json:"name" yaml:"name"`
	Progress float64 `json:"progress" yaml:"progress"`
}

// GovernanceConfig holds the per-agent limits enforced by the scheduler
// and the chat boundary. Zero values mean "no limit".
type GovernanceConfig struct {
	MaxFailedAttemptsPerCycle     int      `json:"max_failed_attempts_per_cycle" yaml:"max_failed_attempts_per_cycle"`
	MaxContinuousExecutionMinutes float64  `json:"max_continuous_execution_minutes" yaml:"max_continuous_execution_minutes"`
	OutputContentFilters          []string `json:"output_content_filters,omitempty" yaml:"output_content_filters"`
	RateLimitPerMinute            int      `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	RealtimeFeedback              bool     `json:"realtime_feedback" yaml:"realtime_feedback"`
}

// MaxContinuousExecution returns the execution bound as a duration, or
// zero when unset.
func (g GovernanceConfig) MaxContinuousExecution() time.Duration {
	if g.MaxContinuousExecutionMinutes <= 0 {
		return 0
	}
	return time.Duration(g.MaxContinuousExecutionMinutes * float64(time.Minute))
}

// Agent is a long-running entity that moves through lifecycle phases.
type Agent struct {
	ID                  string             `json:"id" yaml:"id"`
	Name                string             `json:"name" yaml:"name"`
	Objective           string             `json:"objective" yaml:"objective"`
	Category            Category           `json:"category" yaml:"category"`
	Status              Status             `json:"status" yaml:"status"`
	Progress            float64            `json:"progress" yaml:"progress"`
	SubTasks            []SubTask          `json:"sub_tasks,omitempty" yaml:"sub_tasks"`
	StrategyID          string             `json:"strategy_id,omitempty" yaml:"strategy_id"`
	CurrentStrategyStep int                `json:"current_strategy_step" yaml:"current_strategy_step"`
	Governance          GovernanceConfig   `json:"governance" yaml:"governance"`
	RestartRequested    bool               `json:"restart_requested" yaml:"-"`
	CreatedAt           time.Time          `json:"created_at" yaml:"-"`
	DataCount           int                `json:"data_count" yaml:"data_count"`
	ReEvolutionEligible bool               `json:"re_evolution_eligible" yaml:"-"`
	Capabilities        []string           `json:"capabilities,omitempty" yaml:"capabilities"`
	EngineIDs           []string           `json:"engine_ids,omitempty" yaml:"engine_ids"`
	APIKey              string             `json:"api_key,omitempty" yaml:"-"`
	CycleStartedAt      time.Time          `json:"cycle_started_at,omitempty" yaml:"-"`
	FailedAttempts      int                `json:"failed_attempts" yaml:"-"`
	ModelParameters     map[string]float64 `json:"model_parameters,omitempty" yaml:"model_parameters"`
	StrategyParameters  map[string]string  `json:"strategy_parameters,omitempty" yaml:"strategy_parameters"`
}

// Clone returns a deep copy of a.
func (a Agent) Clone() Agent {
	a.SubTasks = slices.Clone(a.SubTasks)
	a.Capabilities = slices.Clone(a.Capabilities)
	a.EngineIDs = slices.Clone(a.EngineIDs)
	a.ModelParameters = maps.Clone(a.ModelParameters)
	a.StrategyParameters = maps.Clone(a.StrategyParameters)
	return a
}

// StrategyBound reports whether the agent is driven by a strategy.
func (a Agent) StrategyBound() bool { return a.StrategyID != "" }

// Deployment records an endpoint an agent was deployed to.
type Deployment struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	EndpointURL string    `json:"endpoint_url"`
	CreatedAt   time.Time `json:"created_at"`
}

// WebhookPurpose decides what an inbound delivery does.
type WebhookPurpose string

const (
	WebhookDataIngestion WebhookPurpose = "data_ingestion"
	WebhookOrchestration WebhookPurpose = "orchestration"
	WebhookNotification  WebhookPurpose = "notification"
)

// Webhook is a registered delivery target.
type Webhook struct {
	ID      string         `json:"id" yaml:"id"`
	URL     string         `json:"url" yaml:"url"`
	Purpose WebhookPurpose `json:"purpose" yaml:"purpose"`
	Events  []string       `json:"events,omitempty" yaml:"events"`
	AgentID string         `json:"agent_id,omitempty" yaml:"agent_id"`
}

// Engine is a model/capability backend an agent can be bound to.
// Provider names the configured LLM provider that serves it, if any.
type Engine struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	ModelType string `json:"model_type" yaml:"model_type"`
	Provider  string `json:"provider,omitempty" yaml:"provider"`
}

var (
	// ErrAgentNotFound is returned when an action targets an unknown agent.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrUnknownAction is returned for unrecognised action tags.
	ErrUnknownAction = errors.New("unknown action")
	// ErrInvalidTransition is returned when a lifecycle trigger does not
	// apply to the agent's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
)

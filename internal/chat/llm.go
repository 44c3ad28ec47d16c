package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nidhogg/nuka-forge/internal/agent"
	"github.com/nidhogg/nuka-forge/internal/provider"
	"go.uber.org/zap"
)

const systemPrompt = `You are the operator console of an agent lifecycle platform.
Answer the user's question about the agent described below.
Reply with a JSON object:
{"reply":"...","engine_id":"...","sources":["..."],"governance_actions":[{"type":"...","agent_id":"...","details":{...}}]}
Only propose governance_actions when the user asks for a change. Valid types:
SetGovernanceConfig, ToggleRealtimeFeedback, ResetLifecycle, SuspendAgent, AdjustStrategyParameters,
RetrainModel, AdjustModelParameters, ImplementOutputMasking, ResetObjective, FlagForManualReview.`

const maxAttachmentText = 2000

// LLMResponder answers through the provider router.
type LLMResponder struct {
	router *provider.Router
	model  string
	logger *zap.Logger
}

// NewLLMResponder creates a responder. An empty model uses each
// provider's configured default.
func NewLLMResponder(router *provider.Router, model string, logger *zap.Logger) *LLMResponder {
	if model == "" {
		model = "default"
	}
	return &LLMResponder{router: router, model: model, logger: logger}
}

type llmReply struct {
	Reply             string            `json:"reply"`
	EngineID          string            `json:"engine_id"`
	Sources           []string          `json:"sources"`
	GovernanceActions []json.RawMessage `json:"governance_actions"`
}

func (r *LLMResponder) Respond(ctx context.Context, in Input, steps chan<- ThinkStep) (*Response, error) {
	steps <- ThinkStep{Message: "Reviewing agent state"}
	prompt, err := buildPrompt(in)
	if err != nil {
		return nil, err
	}

	steps <- ThinkStep{Message: "Consulting language model"}
	r.router.Bind(in.AgentID, engineProvider(in))
	resp, err := r.router.Route(ctx, in.AgentID, &provider.ChatRequest{
		Model: r.model,
		Messages: []provider.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		MaxTokens:      1024,
		ResponseFormat: &provider.ResponseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, err
	}

	var parsed llmReply
	if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil || parsed.Reply == "" {
		// Not JSON; treat the completion as a plain answer.
		return &Response{Text: resp.Content, UsedModelType: resp.Model}, nil
	}

	steps <- ThinkStep{Message: "Preparing answer"}
	out := &Response{
		Text:          parsed.Reply,
		UsedModelType: resp.Model,
		GroundingURLs: parsed.Sources,
	}
	for _, e := range in.Engines {
		if e.ID == parsed.EngineID {
			out.ActivatedEngineID = e.ID
			out.UsedModelType = e.ModelType
		}
	}
	for _, raw := range parsed.GovernanceActions {
		g, err := decodeProposal(raw, in.AgentID)
		if err != nil {
			r.logger.Warn("ignoring proposed governance action", zap.Error(err))
			continue
		}
		out.ProposedGovernanceActions = append(out.ProposedGovernanceActions, g)
	}
	return out, nil
}

// engineProvider returns the provider behind the first of the agent's
// engines that names one.
func engineProvider(in Input) string {
	var ids []string
	for _, a := range in.Agents {
		if a.ID == in.AgentID {
			ids = a.EngineIDs
		}
	}
	for _, id := range ids {
		for _, e := range in.Engines {
			if e.ID == id && e.Provider != "" {
				return e.Provider
			}
		}
	}
	return ""
}

// decodeProposal decodes a governance envelope, defaulting its target to
// the agent being chatted with.
func decodeProposal(raw json.RawMessage, agentID string) (agent.GovernanceAction, error) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if _, ok := env["agent_id"]; !ok {
		id, _ := json.Marshal(agentID)
		env["agent_id"] = id
		patched, err := json.Marshal(env)
		if err != nil {
			return nil, err
		}
		raw = patched
	}
	return agent.DecodeGovernance(raw)
}

func buildPrompt(in Input) (string, error) {
	var self *agent.Agent
	for i := range in.Agents {
		if in.Agents[i].ID == in.AgentID {
			self = &in.Agents[i]
		}
	}
	if self == nil {
		return "", fmt.Errorf("%w: %s", agent.ErrAgentNotFound, in.AgentID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Agent %s (%s), category %s\n", self.Name, self.ID, self.Category)
	fmt.Fprintf(&b, "Objective: %s\n", self.Objective)
	fmt.Fprintf(&b, "Status: %s at %.0f%%\n", self.Status, self.Progress)
	if self.StrategyBound() {
		fmt.Fprintf(&b, "Strategy: %s, step %d\n", self.StrategyID, self.CurrentStrategyStep)
	}
	fmt.Fprintf(&b, "Governance: max %g min continuous, %d msg/min, %d failed attempts max\n",
		self.Governance.MaxContinuousExecutionMinutes, self.Governance.RateLimitPerMinute,
		self.Governance.MaxFailedAttemptsPerCycle)

	if len(in.Engines) > 0 {
		b.WriteString("Engines:")
		for _, e := range in.Engines {
			fmt.Fprintf(&b, " %s=%s(%s)", e.ID, e.Name, e.ModelType)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Other agents: %d\n", len(in.Agents)-1)

	for _, att := range in.Attachments {
		fmt.Fprintf(&b, "\nAttachment %s (%s, %d bytes)", att.Name, att.MIMEType, len(att.Data))
		if strings.HasPrefix(att.MIMEType, "text/") || att.MIMEType == "application/json" {
			text := string(att.Data)
			if len(text) > maxAttachmentText {
				text = text[:maxAttachmentText] + "..."
			}
			b.WriteString(":\n" + text)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "\nUser: %s", in.Text)
	return b.String(), nil
}

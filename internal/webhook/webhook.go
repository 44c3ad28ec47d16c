package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-forge/internal/agent"
	"github.com/nidhogg/nuka-forge/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrWebhookNotFound is returned for deliveries to unknown ids.
	ErrWebhookNotFound = errors.New("webhook not found")
	// ErrInvalidWebhook rejects registrations and payloads that fail
	// validation.
	ErrInvalidWebhook = errors.New("invalid webhook")
)

// Lifecycle is the part of the orchestrator deliveries drive.
type Lifecycle interface {
	IngestData(agentID string, count int, triggerReEvolution bool) error
	RunOneShot(task string, duration time.Duration) error
}

// Payload is the body of an inbound delivery. Fields apply depending on
// the webhook's purpose.
type Payload struct {
	Count              int    `json:"count,omitempty"`
	TriggerReEvolution bool   `json:"trigger_re_evolution,omitempty"`
	Task               string `json:"task,omitempty"`
	DurationMS         int    `json:"duration_ms,omitempty"`
	Message            string `json:"message,omitempty"`
}

// Result says what a delivery did.
type Result struct {
	WebhookID string `json:"webhook_id"`
	Purpose   string `json:"purpose"`
	AgentID   string `json:"agent_id,omitempty"`
	Detail    string `json:"detail"`
}

// Service routes deliveries to the lifecycle by webhook purpose.
type Service struct {
	store     *store.Store
	lifecycle Lifecycle
	logger    *zap.Logger
}

// NewService creates a webhook service.
func NewService(st *store.Store, lc Lifecycle, logger *zap.Logger) *Service {
	return &Service{store: st, lifecycle: lc, logger: logger}
}

// Register validates and stores a new webhook.
func (s *Service) Register(rawURL string, purpose agent.WebhookPurpose, events []string, agentID string) (agent.Webhook, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return agent.Webhook{}, fmt.Errorf("%w: url %q", ErrInvalidWebhook, rawURL)
	}
	switch purpose {
	case agent.WebhookDataIngestion:
		if agentID == "" {
			return agent.Webhook{}, fmt.Errorf("%w: data ingestion webhooks need an agent", ErrInvalidWebhook)
		}
	case agent.WebhookOrchestration, agent.WebhookNotification:
	default:
		return agent.Webhook{}, fmt.Errorf("%w: purpose %q", ErrInvalidWebhook, purpose)
	}
	if agentID != "" {
		if _, ok := s.store.Agent(agentID); !ok {
			return agent.Webhook{}, fmt.Errorf("%w: %s", agent.ErrAgentNotFound, agentID)
		}
	}

	wh := agent.Webhook{
		ID:      uuid.NewString(),
		URL:     u.String(),
		Purpose: purpose,
		Events:  events,
		AgentID: agentID,
	}
	if err := s.store.Dispatch(agent.AddWebhook{Webhook: wh}); err != nil {
		return agent.Webhook{}, err
	}
	s.logger.Info("webhook registered", zap.String("id", wh.ID), zap.String("purpose", string(purpose)))
	return wh, nil
}

// Deliver handles one inbound delivery. An empty payload is allowed.
func (s *Service) Deliver(ctx context.Context, webhookID string, payload []byte) (*Result, error) {
	wh, ok := s.store.Webhook(webhookID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWebhookNotFound, webhookID)
	}
	var p Payload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("decode payload for %s: %w", webhookID, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{WebhookID: wh.ID, Purpose: string(wh.Purpose), AgentID: wh.AgentID}
	switch wh.Purpose {
	case agent.WebhookDataIngestion:
		count := p.Count
		if count <= 0 {
			count = 1
		}
		if err := s.lifecycle.IngestData(wh.AgentID, count, p.TriggerReEvolution); err != nil {
			return nil, err
		}
		res.Detail = fmt.Sprintf("ingested %d data points", count)

	case agent.WebhookOrchestration:
		task := p.Task
		if task == "" {
			task = "webhook " + wh.ID
		}
		if err := s.lifecycle.RunOneShot(task, time.Duration(p.DurationMS)*time.Millisecond); err != nil {
			return nil, err
		}
		res.Detail = "started one-shot task: " + task

	case agent.WebhookNotification:
		target := wh.AgentID
		if target == "" {
			target = s.store.Snapshot().DiagnosticsID
		}
		msg := p.Message
		if msg == "" {
			msg = "(empty)"
		}
		if err := s.store.Dispatch(agent.Log(target, agent.StageInfo, s.store.Now(),
			"Notification for %s: %s", wh.URL, msg)); err != nil {
			return nil, err
		}
		res.AgentID = target
		res.Detail = "notification recorded"

	default:
		return nil, fmt.Errorf("%w: purpose %q", ErrInvalidWebhook, wh.Purpose)
	}

	s.logger.Debug("webhook delivered",
		zap.String("id", wh.ID),
		zap.String("purpose", string(wh.Purpose)),
		zap.String("detail", res.Detail))
	return res, nil
}

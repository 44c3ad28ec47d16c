package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrNoProvider is returned when nothing is registered to serve an agent.
var ErrNoProvider = errors.New("no provider available")

// Router picks a provider per agent and falls back along a shared chain
// when the primary fails.
type Router struct {
	providers map[string]Provider
	order     []string          // registration order, used as the fallback chain
	bindings  map[string]string // agentID -> providerID
	defaults  string
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		bindings:  make(map[string]string),
		logger:    logger,
	}
}

// Register adds a provider. The first one registered becomes the default.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[p.ID()]; !ok {
		r.order = append(r.order, p.ID())
	}
	r.providers[p.ID()] = p
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()))
}

// Bind routes an agent's requests to a specific provider first.
func (r *Router) Bind(agentID, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[agentID] = providerID
}

// Len returns the number of registered providers.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// Route sends req for agentID, trying the bound provider, then the
// default, then every other provider in registration order.
func (r *Router) Route(ctx context.Context, agentID string, req *ChatRequest) (*ChatResponse, error) {
	chain := r.chain(agentID)
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w for agent %s", ErrNoProvider, agentID)
	}

	var lastErr error
	for i, p := range chain {
		resp, err := p.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if i+1 < len(chain) {
			r.logger.Warn("provider failed, trying next",
				zap.String("agent", agentID), zap.String("provider", p.ID()), zap.Error(err))
		}
	}
	return nil, fmt.Errorf("all providers failed for agent %s: %w", agentID, lastErr)
}

func (r *Router) chain(agentID string) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool, len(r.providers))
	var out []Provider
	add := func(id string) {
		if p, ok := r.providers[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, p)
		}
	}
	add(r.bindings[agentID])
	add(r.defaults)
	for _, id := range r.order {
		add(id)
	}
	return out
}

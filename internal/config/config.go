package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/nidhogg/nuka-forge/internal/agent"
	"github.com/nidhogg/nuka-forge/internal/provider"
)

// Config is the top-level configuration structure.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Simulation SimulationConfig `json:"simulation"`
	Providers  []ProviderConfig `json:"providers"`
	Chat       ChatConfig       `json:"chat"`
	Redis      RedisConfig      `json:"redis"`
	Notify     NotifyConfig     `json:"notify"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

// SimulationConfig holds the timing of simulated lifecycle work. All
// durations are in milliseconds.
type SimulationConfig struct {
	TickIntervalMS        int    `json:"tick_interval_ms"`
	DefaultStepDurationMS int    `json:"default_step_duration_ms"`
	GenerationUnitMS      int    `json:"generation_unit_ms"`
	DataPointUnitMS       int    `json:"data_point_unit_ms"`
	MaxSubTaskIncrement   int    `json:"max_subtask_increment"`
	DiagnosticsAgentID    string `json:"diagnostics_agent_id"`
	OrchestratorAgentID   string `json:"orchestrator_agent_id"`
	SeedPath              string `json:"seed_path"`
	MaxLogEntries         int    `json:"max_log_entries"`
}

type ProviderConfig struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Endpoint  string `json:"endpoint"`
	APIKey    string `json:"api_key"`
	Model     string `json:"model"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
}

type ChatConfig struct {
	Model string `json:"model"`
}

type RedisConfig struct {
	URL    string `json:"url"`
	Stream string `json:"stream"`
}

type NotifyConfig struct {
	Slack   SlackNotifyConfig   `json:"slack"`
	Discord DiscordNotifyConfig `json:"discord"`
}

type SlackNotifyConfig struct {
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

// Enabled reports whether both a token and a channel are set.
func (c SlackNotifyConfig) Enabled() bool { return c.BotToken != "" && c.Channel != "" }

type DiscordNotifyConfig struct {
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

func (c DiscordNotifyConfig) Enabled() bool { return c.BotToken != "" && c.Channel != "" }

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes config data with ${VAR} substitution applied.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate fills defaults and rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	s := &c.Simulation
	setDefault(&s.TickIntervalMS, 100)
	setDefault(&s.DefaultStepDurationMS, 10_000)
	setDefault(&s.GenerationUnitMS, 2_000)
	setDefault(&s.DataPointUnitMS, 50)
	setDefault(&s.MaxSubTaskIncrement, 8)
	setDefault(&s.MaxLogEntries, agent.DefaultMaxLogEntries)
	if s.DiagnosticsAgentID == "" {
		s.DiagnosticsAgentID = "diagnostics"
	}
	if s.OrchestratorAgentID == "" {
		s.OrchestratorAgentID = "orchestrator"
	}
	if s.DiagnosticsAgentID == s.OrchestratorAgentID {
		return errors.New("diagnostics and orchestrator agents must differ")
	}
	if s.TickIntervalMS < 0 || s.DefaultStepDurationMS < 0 || s.GenerationUnitMS < 0 || s.DataPointUnitMS < 0 {
		return errors.New("simulation durations must not be negative")
	}

	if c.Redis.Stream == "" {
		c.Redis.Stream = "forge:audit"
	}

	seen := make(map[string]bool, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.ID == "" || p.Endpoint == "" {
			return fmt.Errorf("provider %d: id and endpoint are required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("provider %s: duplicate id", p.ID)
		}
		seen[p.ID] = true
		if p.Type == "" {
			p.Type = "openai"
		}
		if p.Type != "openai" {
			return fmt.Errorf("provider %s: unsupported type %q", p.ID, p.Type)
		}
		p.Endpoint = strings.TrimRight(p.Endpoint, "/")
	}
	return nil
}

func setDefault(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

// TickInterval returns the scheduler tick.
func (s SimulationConfig) TickInterval() time.Duration {
	return time.Duration(s.TickIntervalMS) * time.Millisecond
}

// Units returns the duration units strategy steps are sized with.
func (s SimulationConfig) Units() agent.DurationUnits {
	return agent.DurationUnits{
		Default:       time.Duration(s.DefaultStepDurationMS) * time.Millisecond,
		PerGeneration: time.Duration(s.GenerationUnitMS) * time.Millisecond,
		PerDataPoint:  time.Duration(s.DataPointUnitMS) * time.Millisecond,
	}
}

// ProviderConfigs converts the provider section for the provider package.
func (c *Config) ProviderConfigs() []provider.Config {
	out := make([]provider.Config, 0, len(c.Providers))
	for _, p := range c.Providers {
		out = append(out, provider.Config{
			ID:       p.ID,
			Type:     p.Type,
			Endpoint: p.Endpoint,
			APIKey:   p.APIKey,
			Model:    p.Model,
			Timeout:  time.Duration(p.TimeoutMS) * time.Millisecond,
		})
	}
	return out
}

// Package config defines the Farmhand daemon configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/acurioustractor/farmhand/agent"
	"github.com/acurioustractor/farmhand/classify"
	"github.com/acurioustractor/farmhand/comms"
	"github.com/acurioustractor/farmhand/priority"
)

// Config is the top-level Farmhand configuration.
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Auth       AuthConfig       `json:"auth" yaml:"auth"`
	Store      StoreConfig      `json:"store" yaml:"store"`
	Heartbeat  HeartbeatConfig  `json:"heartbeat" yaml:"heartbeat"`
	Priority   priority.Config  `json:"priority" yaml:"priority"`
	Classifier ClassifierConfig `json:"classifier" yaml:"classifier"`
	Notify     NotifyConfig     `json:"notify" yaml:"notify"`
	Agents     []agent.Spec     `json:"agents" yaml:"agents"`
	AgentsFile string           `json:"agents_file,omitempty" yaml:"agents_file"` // watched registry file, optional
	AgentToken string           `json:"-" yaml:"agent_token"`                     // bearer token for endpoint agents
	LogLevel   string           `json:"log_level" yaml:"log_level"`
	LogFormat  string           `json:"log_format" yaml:"log_format"` // "text" or "json"
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr        string   `json:"addr" yaml:"addr"` // listen address, e.g., ":8080"
	CORSOrigins []string `json:"cors_origins,omitempty" yaml:"cors_origins"`
}

// AuthConfig controls API authentication.
type AuthConfig struct {
	JWTSecret string        `json:"-" yaml:"jwt_secret"`
	TokenTTL  time.Duration `json:"token_ttl" yaml:"token_ttl"`
	AdminUser string        `json:"admin_user" yaml:"admin_user"`
	AdminPass string        `json:"-" yaml:"admin_pass"` // bcrypt hash
	APIKeys   []string      `json:"-" yaml:"api_keys"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `json:"path" yaml:"path"`
}

// HeartbeatConfig tunes the scheduling loop and the review gate.
type HeartbeatConfig struct {
	Interval                 time.Duration `json:"interval" yaml:"interval"`
	EscalationAfter          time.Duration `json:"escalation_after" yaml:"escalation_after"`
	TaskTimeout              time.Duration `json:"task_timeout" yaml:"task_timeout"`
	TickBudget               time.Duration `json:"tick_budget,omitempty" yaml:"tick_budget"`
	MaxParallel              int           `json:"max_parallel,omitempty" yaml:"max_parallel"`
	MaxModifyRounds          int           `json:"max_modify_rounds" yaml:"max_modify_rounds"`
	AllowSelfReportBelowFull bool          `json:"allow_self_report_below_full" yaml:"allow_self_report_below_full"`
	ProbeEndpoints           bool          `json:"probe_endpoints" yaml:"probe_endpoints"`
}

// ClassifierConfig selects how requests are classified. A URL takes
// precedence over local rules.
type ClassifierConfig struct {
	URL      string          `json:"url,omitempty" yaml:"url"`
	Token    string          `json:"-" yaml:"token"`
	Timeout  time.Duration   `json:"timeout" yaml:"timeout"`
	Rules    []classify.Rule `json:"rules" yaml:"rules"`
	Fallback string          `json:"fallback,omitempty" yaml:"fallback"`
}

// NotifyConfig lists outbound event webhooks.
type NotifyConfig struct {
	Webhooks []comms.WebhookConfig `json:"webhooks,omitempty" yaml:"webhooks"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Auth: AuthConfig{
			AdminUser: "admin",
			TokenTTL:  24 * time.Hour,
		},
		Store: StoreConfig{
			Path: "./data/farmhand.db",
		},
		Heartbeat: HeartbeatConfig{
			Interval:        5 * time.Minute,
			EscalationAfter: 48 * time.Hour,
			TaskTimeout:     10 * time.Minute,
			MaxModifyRounds: 1,
		},
		Priority: priority.DefaultConfig(),
		Classifier: ClassifierConfig{
			Timeout: 30 * time.Second,
			Rules: []classify.Rule{
				{TaskType: "grant", Patterns: []string{"*grant*", "*funding*", "*funder*"}},
				{TaskType: "story", Patterns: []string{"*story*", "*storytell*", "*narrative*"}},
				{TaskType: "impact", Patterns: []string{"*impact*", "*outcome*", "*report*"}},
				{TaskType: "cleanup", Patterns: []string{"*clean*", "*dedup*", "*tidy*"}},
				{TaskType: "research", Patterns: []string{"*research*", "*find*", "*search*", "*look up*"}},
			},
			Fallback: "research",
		},
		LogLevel:  "info",
		LogFormat: "text",
		Agents: []agent.Spec{
			{ID: "research", Name: "Research", CapabilityTags: []string{"research", "search"}, AutonomyLevel: agent.AutonomySupervised},
			{ID: "grant", Name: "Grant Scout", CapabilityTags: []string{"grant"}, AutonomyLevel: agent.AutonomySupervised},
			{ID: "story", Name: "Story Writer", CapabilityTags: []string{"story"}, AutonomyLevel: agent.AutonomySuggest},
			{ID: "impact", Name: "Impact Analyst", CapabilityTags: []string{"impact"}, AutonomyLevel: agent.AutonomySupervised},
			{ID: "cleanup", Name: "Cleanup", CapabilityTags: []string{"cleanup"}, AutonomyLevel: agent.AutonomyFull},
		},
	}
}

// Load reads a YAML config file and returns the parsed configuration.
// ${VAR} references are expanded from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	if c.Heartbeat.Interval < time.Second {
		return fmt.Errorf("heartbeat.interval must be at least 1s, got %s", c.Heartbeat.Interval)
	}
	if c.Heartbeat.MaxModifyRounds < 0 {
		return fmt.Errorf("heartbeat.max_modify_rounds must not be negative")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	for _, s := range c.Agents {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

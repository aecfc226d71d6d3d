package config

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/cliproxy/relay"
	"github.com/cliproxy/relay/routing"
	"github.com/cliproxy/relay/state"
)

// Config is the full application configuration as it appears on disk.
// Build turns it into the validated, immutable snapshot the router runs on.
type Config struct {
	// Port to listen for incoming requests.
	Port int `yaml:"port"`

	// API key to access the relay. The user should provide this key in the
	// Authorization header with the Bearer scheme. Empty disables auth.
	RelayApiKey string `yaml:"relay_api_key"`

	// Valkey (open-source version of Redis) endpoint to share cooldown
	// state across processes. E.g., localhost:6379. Empty keeps state in
	// process memory.
	ValkeyEndpoint string `yaml:"valkey_endpoint"`

	// Upstream instances requests can be dispatched to.
	Instances []*relay.Instance `yaml:"instances"`

	// Logical model -> weighted targets.
	Routing map[string][]*relay.RoutingTarget `yaml:"routing"`

	// Semantic model routing policy.
	ModelRouter ModelRouterConfig `yaml:"model_router"`

	// Escalation of long or struggling conversations.
	AutoUpgrade routing.UpgradeConfig `yaml:"auto_upgrade"`

	// Per-failure-class cooldown lengths. E.g., auth: 5m
	Cooldowns CooldownConfig `yaml:"cooldowns"`

	// Cross-target retry cap. The per-instance request_retry can only
	// lower the resulting budget.
	LbMaxTargetRetries int `yaml:"lb_max_target_retries"`

	// Whether auth-class failures with 5xx statuses may retry on another
	// target.
	LbRetryAuthOn5xx *bool `yaml:"lb_retry_auth_on_5xx"`

	// Sticky session settings.
	Sticky StickyConfig `yaml:"sticky"`
}

// ModelRouterConfig is the on-disk form of the routing policy. Signals and
// conditions are compiled during Build.
type ModelRouterConfig struct {
	Enabled          bool        `yaml:"enabled"`
	ActivationModels []string    `yaml:"activation_models"`
	DefaultModel     string      `yaml:"default_model"`
	ShadowOnly       bool        `yaml:"shadow_only"`
	Categories       []*Category `yaml:"categories"`
	Rules            []*Rule     `yaml:"rules"`
}

type Category struct {
	Name     string   `yaml:"name"`
	Priority int      `yaml:"priority"`
	Model    string   `yaml:"model"`
	Signals  []string `yaml:"signals"`
}

type Rule struct {
	Name       string       `yaml:"name"`
	Priority   int          `yaml:"priority"`
	Model      string       `yaml:"model"`
	Match      string       `yaml:"match"`
	Conditions []*Condition `yaml:"conditions"`
}

type Condition struct {
	Field string `yaml:"field"`
	Op    string `yaml:"op"`
	Value any    `yaml:"value"`
}

// CooldownConfig holds cooldown lengths as duration strings. E.g., "12h".
// Empty fields keep their defaults.
type CooldownConfig struct {
	Auth           string `yaml:"auth"`
	Validation     string `yaml:"validation"`
	Quota          string `yaml:"quota"`
	Transient      string `yaml:"transient"`
	TransientHeavy string `yaml:"transient_heavy"`
	Signature      string `yaml:"signature"`
}

// StickyConfig pins sessions to their previous target.
type StickyConfig struct {
	Enabled bool `yaml:"enabled"`

	// How long a session keeps its pinned target. E.g., "168h"
	Ttl string `yaml:"ttl"`

	// Upper bound on tracked sessions.
	MaxSessions int `yaml:"max_sessions"`
}

const (
	defaultPort             = 8317
	defaultMaxTargetRetries = 1
	defaultStickyTtl        = 7 * 24 * time.Hour
	defaultStickySessions   = 500
)

// Load reads and parses the config file. CONFIG_SOURCE may point at a
// local path or an HTTP(S) URL, with CONFIG_TOKEN used as a bearer token
// for the latter.
func Load(path string, logger *zap.SugaredLogger) (*Config, error) {
	config := Config{
		Port:               defaultPort,
		LbMaxTargetRetries: defaultMaxTargetRetries,
	}

	configData, err := readConfigData(path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to get config data: %v", err)
	}

	if err := yaml.Unmarshal(configData, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %v", err)
	}

	return &config, nil
}

func readConfigData(path string, logger *zap.SugaredLogger) ([]byte, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		logger.Infow("Fetching remote config", "url", path)
		return fetchRemoteConfig(path, os.Getenv("CONFIG_TOKEN"))
	}
	logger.Infow("Loading local config", "path", path)
	return os.ReadFile(path)
}

func fetchRemoteConfig(url string, token string) ([]byte, error) {
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch config: HTTP %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// Snapshot is the validated, immutable view of one config generation.
type Snapshot struct {
	Table            *relay.Table
	Router           *routing.RouterConfig
	Upgrade          routing.UpgradeConfig
	Durations        state.Durations
	MaxTargetRetries int
	RetryAuthOn5xx   bool
	StickyEnabled    bool
	StickyTtl        time.Duration
	StickySessions   int
}

// Build validates the config and compiles it into a Snapshot. Any
// inconsistency between routing targets and instances is fatal here so it
// can never surface as a runtime dispatch failure.
func (c *Config) Build() (*Snapshot, error) {
	instances := make(map[string]*relay.Instance, len(c.Instances))
	for _, instance := range c.Instances {
		if instance.Name == "" {
			return nil, fmt.Errorf("instance with address %q has no name", instance.Address)
		}
		if _, duplicate := instances[instance.Name]; duplicate {
			return nil, fmt.Errorf("instance %q is declared twice", instance.Name)
		}
		instances[instance.Name] = instance
	}

	targets := make(map[string][]*relay.RoutingTarget, len(c.Routing))
	for model, modelTargets := range c.Routing {
		if len(modelTargets) == 0 {
			return nil, fmt.Errorf("model %q has no targets", model)
		}
		for _, target := range modelTargets {
			instance, exists := instances[target.InstanceName]
			if !exists {
				return nil, fmt.Errorf("model %q target references unknown instance %q",
					model, target.InstanceName)
			}
			if _, declared := instance.Provider(target.Provider); !declared {
				return nil, fmt.Errorf(
					"model %q target uses provider %q which instance %q does not declare",
					model, target.Provider, target.InstanceName)
			}
			if target.Weight <= 0 {
				return nil, fmt.Errorf("model %q target %s has non-positive weight %d",
					model, target.Key(), target.Weight)
			}
		}
		targets[model] = modelTargets
	}

	router, err := c.ModelRouter.compile()
	if err != nil {
		return nil, err
	}

	durations, err := c.Cooldowns.compile()
	if err != nil {
		return nil, err
	}

	upgrade := c.AutoUpgrade
	defaults := routing.DefaultUpgradeConfig()
	if upgrade.MessagesThreshold == 0 {
		upgrade.MessagesThreshold = defaults.MessagesThreshold
	}
	if upgrade.ToolsThreshold == 0 {
		upgrade.ToolsThreshold = defaults.ToolsThreshold
	}
	if upgrade.FailureStreakThreshold == 0 {
		upgrade.FailureStreakThreshold = defaults.FailureStreakThreshold
	}

	retryAuthOn5xx := true
	if c.LbRetryAuthOn5xx != nil {
		retryAuthOn5xx = *c.LbRetryAuthOn5xx
	}

	maxTargetRetries := c.LbMaxTargetRetries
	if maxTargetRetries < 0 {
		maxTargetRetries = 0
	}

	stickyTtl := defaultStickyTtl
	if c.Sticky.Ttl != "" {
		stickyTtl, err = time.ParseDuration(c.Sticky.Ttl)
		if err != nil {
			return nil, fmt.Errorf("invalid sticky ttl %q: %v", c.Sticky.Ttl, err)
		}
	}
	stickySessions := c.Sticky.MaxSessions
	if stickySessions <= 0 {
		stickySessions = defaultStickySessions
	}

	return &Snapshot{
		Table:            relay.NewTable(targets, instances),
		Router:           router,
		Upgrade:          upgrade,
		Durations:        durations,
		MaxTargetRetries: maxTargetRetries,
		RetryAuthOn5xx:   retryAuthOn5xx,
		StickyEnabled:    c.Sticky.Enabled,
		StickyTtl:        stickyTtl,
		StickySessions:   stickySessions,
	}, nil
}

func (m *ModelRouterConfig) compile() (*routing.RouterConfig, error) {
	router := &routing.RouterConfig{
		Enabled:          m.Enabled,
		ActivationModels: m.ActivationModels,
		DefaultModel:     m.DefaultModel,
		ShadowOnly:       m.ShadowOnly,
	}
	if router.Enabled && len(router.ActivationModels) == 0 {
		router.ActivationModels = []string{"auto"}
	}

	for _, category := range m.Categories {
		if category.Name == "" {
			return nil, fmt.Errorf("category without a name")
		}
		if category.Model == "" {
			return nil, fmt.Errorf("category %q has no model", category.Name)
		}
		compiled := &routing.Category{
			Name:     category.Name,
			Priority: category.Priority,
			Target:   category.Model,
		}
		for _, raw := range category.Signals {
			signal, err := routing.ParseSignal(raw)
			if err != nil {
				return nil, fmt.Errorf("category %q: %v", category.Name, err)
			}
			compiled.Signals = append(compiled.Signals, signal)
		}
		router.Categories = append(router.Categories, compiled)
	}

	for _, rule := range m.Rules {
		if rule.Name == "" {
			return nil, fmt.Errorf("rule without a name")
		}
		if rule.Model == "" {
			return nil, fmt.Errorf("rule %q has no model", rule.Name)
		}
		if rule.Match != "" && rule.Match != "all" && rule.Match != "any" {
			return nil, fmt.Errorf("rule %q has unknown match mode %q", rule.Name, rule.Match)
		}
		compiled := &routing.Rule{
			Name:      rule.Name,
			Priority:  rule.Priority,
			Target:    rule.Model,
			MatchMode: rule.Match,
		}
		for _, raw := range rule.Conditions {
			condition, err := routing.ParseCondition(raw.Field, raw.Op, raw.Value)
			if err != nil {
				return nil, fmt.Errorf("rule %q: %v", rule.Name, err)
			}
			compiled.Conditions = append(compiled.Conditions, condition)
		}
		router.Rules = append(router.Rules, compiled)
	}

	return router, nil
}

func (c *CooldownConfig) compile() (state.Durations, error) {
	durations := state.DefaultDurations()

	fields := []struct {
		raw  string
		into *time.Duration
	}{
		{c.Auth, &durations.Auth},
		{c.Validation, &durations.Validation},
		{c.Quota, &durations.Quota},
		{c.Transient, &durations.Transient},
		{c.TransientHeavy, &durations.TransientHeavy},
		{c.Signature, &durations.Signature},
	}
	for _, field := range fields {
		if field.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(field.raw)
		if err != nil {
			return durations, fmt.Errorf("invalid cooldown duration %q: %v", field.raw, err)
		}
		*field.into = parsed
	}
	return durations, nil
}

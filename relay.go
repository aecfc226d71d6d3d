package relay

import (
	"fmt"
	"time"
)

// ProviderType identifies the upstream API dialect an instance speaks.
type ProviderType string

const (
	ProviderAnthropic ProviderType = "anthropic"
	ProviderOpenAi    ProviderType = "openai"
	ProviderGemini    ProviderType = "gemini"
)

// Provider declares one credential pool an instance can serve requests with.
type Provider struct {
	// API dialect of this pool. E.g., "anthropic"
	Type ProviderType `yaml:"type" json:"type"`

	// How credentials inside the pool are cycled. "round_robin" or "none".
	Rotation string `yaml:"rotation,omitempty" json:"rotation,omitempty"`

	// Environment variable names holding the API keys for this pool.
	ApiKeyEnvs []string `yaml:"api_key_envs,omitempty" json:"api_key_envs,omitempty"`

	// Base URL override for this pool. Empty uses the instance address.
	BaseUrl string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
}

// Instance is one upstream gateway process requests can be dispatched to.
type Instance struct {
	// Instance name, referenced by routing targets. E.g., "gemini-main"
	Name string `yaml:"name" json:"name"`

	// Address of the instance. E.g., "http://127.0.0.1:8317"
	Address string `yaml:"address" json:"address"`

	// Provider pools declared on this instance, in rotation order.
	Providers []*Provider `yaml:"providers" json:"providers"`

	// Maximum in-place retries this instance tolerates per request.
	RequestRetry int `yaml:"request_retry,omitempty" json:"request_retry,omitempty"`

	// Upper bound on the wait between retry attempts, in seconds.
	MaxRetryInterval int `yaml:"max_retry_interval,omitempty" json:"max_retry_interval,omitempty"`

	// Skips cooldown bookkeeping for this instance entirely.
	DisableCooling bool `yaml:"disable_cooling,omitempty" json:"disable_cooling,omitempty"`
}

// Provider returns the declared pool of the given type, if any.
func (i *Instance) Provider(providerType ProviderType) (*Provider, bool) {
	for _, provider := range i.Providers {
		if provider.Type == providerType {
			return provider, true
		}
	}
	return nil, false
}

// TargetParams carries optional per-target request shaping hints. The zero
// value means no shaping.
type TargetParams struct {
	// Reasoning effort hint forwarded upstream. E.g., "high"
	ReasoningEffort string `yaml:"reasoning_effort,omitempty" json:"reasoning_effort,omitempty"`

	// Thinking level hint forwarded upstream. E.g., "low"
	ThinkingLevel string `yaml:"thinking_level,omitempty" json:"thinking_level,omitempty"`

	// Clamp for the request thinking budget. Zero means unclamped.
	ThinkingBudgetMax int `yaml:"thinking_budget_max,omitempty" json:"thinking_budget_max,omitempty"`

	// Clamp for max_tokens. Zero means unclamped.
	MaxTokensMax int `yaml:"max_tokens_max,omitempty" json:"max_tokens_max,omitempty"`

	// Default max_tokens applied when the request leaves it unset.
	MaxTokensDefault int `yaml:"max_tokens_default,omitempty" json:"max_tokens_default,omitempty"`

	// Value for the anthropic-beta header. Empty leaves the header alone.
	AnthropicBeta string `yaml:"anthropic_beta,omitempty" json:"anthropic_beta,omitempty"`

	// Extra headers set on the upstream request.
	ExtraHeaders map[string]string `yaml:"extra_headers,omitempty" json:"extra_headers,omitempty"`
}

// RoutingTarget is one weighted dispatch option for a logical model.
type RoutingTarget struct {
	// Name of the instance handling this target.
	InstanceName string `yaml:"instance" json:"instance"`

	// Provider pool on the instance to dispatch through.
	Provider ProviderType `yaml:"provider" json:"provider"`

	// Upstream model the logical model is rewritten to.
	Model string `yaml:"model" json:"model"`

	// Relative selection weight. Must be positive.
	Weight int `yaml:"weight" json:"weight"`

	// Optional request shaping for this target.
	Params *TargetParams `yaml:"params,omitempty" json:"params,omitempty"`
}

// Key returns the stable identity used for cooldown and exclusion tracking.
// Two targets with the same instance, provider, and rewrite model share
// cooldown state.
func (t *RoutingTarget) Key() string {
	return fmt.Sprintf("%s::%s::%s", t.InstanceName, t.Provider, t.Model)
}

// Table is an immutable routing snapshot. Built once by the config loader
// and shared across goroutines without locking; reloads build a new Table.
type Table struct {
	targets   map[string][]*RoutingTarget
	instances map[string]*Instance
	builtAt   time.Time
}

// NewTable builds a snapshot over the given routes and instances. The maps
// are owned by the Table afterwards and must not be mutated by the caller.
func NewTable(targets map[string][]*RoutingTarget, instances map[string]*Instance) *Table {
	return &Table{
		targets:   targets,
		instances: instances,
		builtAt:   time.Now(),
	}
}

// Targets returns the configured targets for a logical model, or nil when
// the model is unknown. The returned slice must not be modified.
func (t *Table) Targets(model string) []*RoutingTarget {
	return t.targets[model]
}

// HasModel reports whether the logical model has at least one target.
func (t *Table) HasModel(model string) bool {
	return len(t.targets[model]) > 0
}

// Instance looks up an instance by name.
func (t *Table) Instance(name string) (*Instance, bool) {
	instance, ok := t.instances[name]
	return instance, ok
}

// Models returns all logical model names in the snapshot.
func (t *Table) Models() []string {
	models := make([]string, 0, len(t.targets))
	for model := range t.targets {
		models = append(models, model)
	}
	return models
}

// BuiltAt returns when this snapshot was constructed.
func (t *Table) BuiltAt() time.Time {
	return t.builtAt
}

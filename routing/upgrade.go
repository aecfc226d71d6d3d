package routing

import (
	"fmt"

	"github.com/cliproxy/relay"
)

// UpgradeConfig escalates long or struggling conversations to a stronger
// model. Only models listed in the map are ever upgraded.
type UpgradeConfig struct {
	Enabled bool `yaml:"enabled"`

	// Source model -> upgrade model. E.g., "gemini-2.5-flash": "gemini-2.5-pro"
	Models map[string]string `yaml:"models"`

	// Conversation length that triggers an upgrade.
	MessagesThreshold int `yaml:"messages_threshold"`

	// Tool count that triggers an upgrade.
	ToolsThreshold int `yaml:"tools_threshold"`

	// Consecutive failures on the session that trigger an upgrade.
	FailureStreakThreshold int `yaml:"failure_streak_threshold"`

	// Upgrades requests resuming a thinking signature, so the stronger
	// model keeps handling the rest of the conversation.
	SignatureEnabled bool `yaml:"signature_enabled"`
}

func DefaultUpgradeConfig() UpgradeConfig {
	return UpgradeConfig{
		Enabled:                false,
		MessagesThreshold:      80,
		ToolsThreshold:         10,
		FailureStreakThreshold: 2,
		SignatureEnabled:       true,
	}
}

// UpgradePolicy applies an UpgradeConfig to resolved models.
type UpgradePolicy struct {
	config UpgradeConfig
}

func NewUpgradePolicy(config UpgradeConfig) *UpgradePolicy {
	return &UpgradePolicy{config: config}
}

// MaybeUpgrade returns the upgrade model for the given source model when a
// trigger fires and the upgrade model is routable. The failure-streak
// trigger fires regardless of the other thresholds.
func (p *UpgradePolicy) MaybeUpgrade(
	table *relay.Table, model string, factors *Factors,
) (string, string, bool) {
	if !p.config.Enabled {
		return "", "", false
	}

	upgraded, mapped := p.config.Models[model]
	if !mapped || !table.HasModel(upgraded) {
		return "", "", false
	}

	reason := ""
	switch {
	case p.config.FailureStreakThreshold > 0 && factors.FailureStreak >= p.config.FailureStreakThreshold:
		reason = "failure_streak"
	case p.config.SignatureEnabled && factors.HasThinkingSignature:
		reason = "thinking_signature"
	case p.config.MessagesThreshold > 0 && factors.MessagesCount >= p.config.MessagesThreshold:
		reason = "messages"
	case p.config.ToolsThreshold > 0 && factors.ToolsCount >= p.config.ToolsThreshold:
		reason = "tools"
	default:
		return "", "", false
	}

	return upgraded, fmt.Sprintf("auto_upgrade_%s_%s_to_%s", reason, model, upgraded), true
}

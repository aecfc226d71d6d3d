package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/cliproxy/relay"
	"github.com/cliproxy/relay/utils"
)

func testTable(models ...string) *relay.Table {
	targets := make(map[string][]*relay.RoutingTarget)
	for _, model := range models {
		targets[model] = []*relay.RoutingTarget{{
			InstanceName: "main",
			Provider:     relay.ProviderGemini,
			Model:        model,
			Weight:       1,
		}}
	}
	return relay.NewTable(targets, map[string]*relay.Instance{
		"main": {Name: "main", Address: "http://127.0.0.1:8317"},
	})
}

func testResolver(config *RouterConfig, upgrade UpgradeConfig) *Resolver {
	logger := utils.Must(zap.NewDevelopment()).Sugar()
	return NewResolver(config, NewUpgradePolicy(upgrade), logger)
}

func mustSignal(t *testing.T, raw string) *Signal {
	t.Helper()
	signal, err := ParseSignal(raw)
	assert.NoError(t, err)
	return signal
}

func mustCondition(t *testing.T, field string, op string, value any) *Condition {
	t.Helper()
	condition, err := ParseCondition(field, op, value)
	assert.NoError(t, err)
	return condition
}

func TestResolver(t *testing.T) {
	t.Run("disabled router passes through", func(t *testing.T) {
		resolver := testResolver(&RouterConfig{Enabled: false}, DefaultUpgradeConfig())

		decision := resolver.Resolve(testTable("auto"), &Factors{RequestedModel: "auto"})

		assert.Equal(t, ReasonDisabled, decision.Reason)
		assert.Equal(t, "auto", decision.ResolvedModel)
		assert.False(t, decision.Applied)
	})

	t.Run("activation gate", func(t *testing.T) {
		config := &RouterConfig{
			Enabled:          true,
			ActivationModels: []string{"auto"},
			DefaultModel:     "gemini-2.5-flash",
		}
		resolver := testResolver(config, DefaultUpgradeConfig())
		table := testTable("auto", "gemini-2.5-flash")

		decision := resolver.Resolve(table, &Factors{RequestedModel: "claude-sonnet-4"})
		assert.Equal(t, ReasonNotActivated, decision.Reason)
		assert.Equal(t, "claude-sonnet-4", decision.ResolvedModel)
		assert.False(t, decision.Applied)

		decision = resolver.Resolve(table, &Factors{RequestedModel: "auto"})
		assert.Equal(t, ReasonDefaultModel, decision.Reason)
		assert.Equal(t, "gemini-2.5-flash", decision.ResolvedModel)
		assert.True(t, decision.Applied)
	})

	t.Run("wildcard activation", func(t *testing.T) {
		config := &RouterConfig{
			Enabled:          true,
			ActivationModels: []string{"*"},
			DefaultModel:     "gemini-2.5-flash",
		}
		resolver := testResolver(config, DefaultUpgradeConfig())

		decision := resolver.Resolve(testTable("gemini-2.5-flash"), &Factors{RequestedModel: "anything"})
		assert.Equal(t, "gemini-2.5-flash", decision.ResolvedModel)
	})

	t.Run("categories run before rules", func(t *testing.T) {
		config := &RouterConfig{
			Enabled: true,
			Categories: []*Category{{
				Name:     "coding",
				Priority: 10,
				Target:   "gemini-2.5-pro",
				Signals:  []*Signal{mustSignal(t, "task_category:coding")},
			}},
			Rules: []*Rule{{
				Name:       "always",
				Priority:   100,
				Target:     "gemini-2.5-flash",
				Conditions: []*Condition{mustCondition(t, "messages_count", ">=", 0)},
			}},
		}
		resolver := testResolver(config, DefaultUpgradeConfig())
		table := testTable("gemini-2.5-pro", "gemini-2.5-flash")

		// Category fires despite the rule's higher priority
		decision := resolver.Resolve(table, &Factors{RequestedModel: "auto", TaskCategory: "coding"})
		assert.Equal(t, "gemini-2.5-pro", decision.ResolvedModel)
		assert.Equal(t, "category_hit_coding", decision.Reason)
		assert.Equal(t, "task_category:coding", decision.MatchedSignal)

		// With no category match the rule takes over
		decision = resolver.Resolve(table, &Factors{RequestedModel: "auto", TaskCategory: "ops"})
		assert.Equal(t, "gemini-2.5-flash", decision.ResolvedModel)
		assert.Equal(t, "rule_hit_always", decision.Reason)
	})

	t.Run("category fires on any of its signals", func(t *testing.T) {
		config := &RouterConfig{
			Enabled: true,
			Categories: []*Category{{
				Name:     "deep",
				Priority: 10,
				Target:   "gemini-2.5-pro",
				Signals: []*Signal{
					mustSignal(t, "task_category:architecture"),
					mustSignal(t, "messages_count:>=40"),
				},
			}},
		}
		resolver := testResolver(config, DefaultUpgradeConfig())
		table := testTable("auto", "gemini-2.5-pro")

		// Only the first signal matches
		decision := resolver.Resolve(table, &Factors{
			RequestedModel: "auto", TaskCategory: "architecture", MessagesCount: 3})
		assert.Equal(t, "gemini-2.5-pro", decision.ResolvedModel)
		assert.Equal(t, "category_hit_deep", decision.Reason)
		assert.Equal(t, "task_category:architecture", decision.MatchedSignal)

		// Only the second signal matches
		decision = resolver.Resolve(table, &Factors{
			RequestedModel: "auto", TaskCategory: "chat", MessagesCount: 40})
		assert.Equal(t, "gemini-2.5-pro", decision.ResolvedModel)
		assert.Equal(t, "category_hit_deep", decision.Reason)
		assert.Equal(t, "messages_count:>=40", decision.MatchedSignal)

		// Neither matches
		decision = resolver.Resolve(table, &Factors{
			RequestedModel: "auto", TaskCategory: "chat", MessagesCount: 39})
		assert.Equal(t, ReasonNoRule, decision.Reason)
		assert.Equal(t, "auto", decision.ResolvedModel)
		assert.Empty(t, decision.MatchedSignal)
	})

	t.Run("one satisfied predicate fires a category but not an all-of rule", func(t *testing.T) {
		categoryConfig := &RouterConfig{
			Enabled: true,
			Categories: []*Category{{
				Name:     "broad",
				Priority: 1,
				Target:   "gemini-2.5-pro",
				Signals: []*Signal{
					mustSignal(t, "task_category:coding"),
					mustSignal(t, "prompt_chars:>=10000"),
				},
			}},
		}
		ruleConfig := &RouterConfig{
			Enabled: true,
			Rules: []*Rule{{
				Name:     "strict",
				Priority: 1,
				Target:   "gemini-2.5-pro",
				Conditions: []*Condition{
					mustCondition(t, "task_category", "==", "coding"),
					mustCondition(t, "prompt_chars", ">=", 10000),
				},
			}},
		}
		table := testTable("auto", "gemini-2.5-pro")
		partial := &Factors{RequestedModel: "auto", TaskCategory: "coding", PromptChars: 500}

		decision := testResolver(categoryConfig, DefaultUpgradeConfig()).Resolve(table, partial)
		assert.Equal(t, "category_hit_broad", decision.Reason)
		assert.Equal(t, "task_category:coding", decision.MatchedSignal)

		decision = testResolver(ruleConfig, DefaultUpgradeConfig()).Resolve(table, partial)
		assert.Equal(t, ReasonNoRule, decision.Reason)
		assert.Equal(t, "auto", decision.ResolvedModel)

		full := &Factors{RequestedModel: "auto", TaskCategory: "coding", PromptChars: 12000}
		decision = testResolver(ruleConfig, DefaultUpgradeConfig()).Resolve(table, full)
		assert.Equal(t, "rule_hit_strict", decision.Reason)
	})

	t.Run("priority desc with declaration order tiebreak", func(t *testing.T) {
		config := &RouterConfig{
			Enabled: true,
			Categories: []*Category{
				{Name: "low", Priority: 1, Target: "model-low",
					Signals: []*Signal{mustSignal(t, "task_category:coding")}},
				{Name: "first", Priority: 5, Target: "model-first",
					Signals: []*Signal{mustSignal(t, "task_category:coding")}},
				{Name: "second", Priority: 5, Target: "model-second",
					Signals: []*Signal{mustSignal(t, "task_category:coding")}},
			},
		}
		resolver := testResolver(config, DefaultUpgradeConfig())
		table := testTable("model-low", "model-first", "model-second")

		decision := resolver.Resolve(table, &Factors{RequestedModel: "auto", TaskCategory: "coding"})
		assert.Equal(t, "model-first", decision.ResolvedModel)
	})

	t.Run("unroutable targets are skipped", func(t *testing.T) {
		config := &RouterConfig{
			Enabled: true,
			Categories: []*Category{
				{Name: "ghost", Priority: 10, Target: "model-not-configured",
					Signals: []*Signal{mustSignal(t, "task_category:coding")}},
				{Name: "real", Priority: 1, Target: "gemini-2.5-pro",
					Signals: []*Signal{mustSignal(t, "task_category:coding")}},
			},
		}
		resolver := testResolver(config, DefaultUpgradeConfig())

		decision := resolver.Resolve(testTable("gemini-2.5-pro"), &Factors{RequestedModel: "auto", TaskCategory: "coding"})
		assert.Equal(t, "gemini-2.5-pro", decision.ResolvedModel)
		assert.Equal(t, "category_hit_real", decision.Reason)
	})

	t.Run("rule match modes", func(t *testing.T) {
		allRule := &Rule{
			Name:     "all",
			Target:   "gemini-2.5-pro",
			Priority: 1,
			Conditions: []*Condition{
				mustCondition(t, "task_category", "==", "coding"),
				mustCondition(t, "tools_count", ">=", 5),
			},
		}
		anyRule := &Rule{
			Name:      "any",
			Target:    "gemini-2.5-pro",
			Priority:  1,
			MatchMode: "any",
			Conditions: []*Condition{
				mustCondition(t, "task_category", "==", "coding"),
				mustCondition(t, "tools_count", ">=", 5),
			},
		}

		partial := &Factors{RequestedModel: "auto", TaskCategory: "coding", ToolsCount: 1}
		assert.False(t, allRule.matches(partial))
		assert.True(t, anyRule.matches(partial))

		full := &Factors{RequestedModel: "auto", TaskCategory: "coding", ToolsCount: 5}
		assert.True(t, allRule.matches(full))

		// A rule with no conditions never fires
		empty := &Rule{Name: "empty", Target: "gemini-2.5-pro"}
		assert.False(t, empty.matches(full))
	})

	t.Run("no rule keeps requested model", func(t *testing.T) {
		resolver := testResolver(&RouterConfig{Enabled: true}, DefaultUpgradeConfig())

		decision := resolver.Resolve(testTable("auto"), &Factors{RequestedModel: "auto"})
		assert.Equal(t, ReasonNoRule, decision.Reason)
		assert.Equal(t, "auto", decision.ResolvedModel)
		assert.False(t, decision.Applied)
	})

	t.Run("shadow mode records without applying", func(t *testing.T) {
		config := &RouterConfig{
			Enabled:      true,
			ShadowOnly:   true,
			DefaultModel: "gemini-2.5-flash",
		}
		resolver := testResolver(config, DefaultUpgradeConfig())

		decision := resolver.Resolve(testTable("gemini-2.5-flash"), &Factors{RequestedModel: "auto"})

		assert.Equal(t, "gemini-2.5-flash", decision.SuggestedModel)
		assert.Equal(t, "auto", decision.ResolvedModel)
		assert.False(t, decision.Applied)
		assert.True(t, decision.ShadowOnly)
	})

	t.Run("upgrade applies after base resolution", func(t *testing.T) {
		upgradeConfig := DefaultUpgradeConfig()
		upgradeConfig.Enabled = true
		upgradeConfig.Models = map[string]string{"gemini-2.5-flash": "gemini-2.5-pro"}

		config := &RouterConfig{Enabled: true, DefaultModel: "gemini-2.5-flash"}
		resolver := testResolver(config, upgradeConfig)
		table := testTable("gemini-2.5-flash", "gemini-2.5-pro")

		decision := resolver.Resolve(table, &Factors{RequestedModel: "auto", MessagesCount: 80})
		assert.Equal(t, "gemini-2.5-pro", decision.ResolvedModel)
		assert.Equal(t, ReasonDefaultModel, decision.Reason)
		assert.Equal(t, "auto_upgrade_messages_gemini-2.5-flash_to_gemini-2.5-pro", decision.UpgradeReason)

		decision = resolver.Resolve(table, &Factors{RequestedModel: "auto", MessagesCount: 79})
		assert.Equal(t, "gemini-2.5-flash", decision.ResolvedModel)
		assert.Empty(t, decision.UpgradeReason)
	})

	t.Run("decisions carry unique ids", func(t *testing.T) {
		resolver := testResolver(&RouterConfig{Enabled: true}, DefaultUpgradeConfig())
		table := testTable("auto")

		first := resolver.Resolve(table, &Factors{RequestedModel: "auto"})
		second := resolver.Resolve(table, &Factors{RequestedModel: "auto"})

		assert.NotEmpty(t, first.Id)
		assert.NotEqual(t, first.Id, second.Id)
	})
}

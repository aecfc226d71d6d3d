package routing

import (
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cliproxy/relay"
	"github.com/cliproxy/relay/utils/array"
)

// Decision reasons surfaced in logs and response headers.
const (
	ReasonDisabled     = "disabled"
	ReasonNotActivated = "not_activated"
	ReasonNoRule       = "no_rule"
	ReasonDefaultModel = "default_model"
	reasonCategoryHit  = "category_hit_"
	reasonRuleHit      = "rule_hit_"
)

// Category routes by intent: it fires when any of its signals matches.
type Category struct {
	Name     string
	Priority int
	Target   string
	Signals  []*Signal

	// Position in the config file. Breaks priority ties.
	order int
}

// Rule routes by precise predicates. Match mode "all" (default) requires
// every condition to hold; "any" requires at least one.
type Rule struct {
	Name       string
	Priority   int
	Target     string
	MatchMode  string
	Conditions []*Condition

	order int
}

// RouterConfig is the compiled model-routing policy.
type RouterConfig struct {
	Enabled bool

	// Requested models the router acts on. A "*" entry activates every
	// model; an empty list is treated as ["*"].
	ActivationModels []string

	Categories []*Category
	Rules      []*Rule

	// Model used when no category or rule fires. Empty keeps the
	// requested model.
	DefaultModel string

	// Records what the router would have done without changing the
	// outcome.
	ShadowOnly bool
}

// Decision is the audit record of one resolution. Emitted to logs as-is.
type Decision struct {
	Id             string   `json:"id"`
	RequestedModel string   `json:"requested_model"`
	SuggestedModel string   `json:"suggested_model"`
	ResolvedModel  string   `json:"resolved_model"`
	Applied        bool     `json:"applied"`
	Reason         string   `json:"reason"`
	MatchedSignal  string   `json:"matched_signal,omitempty"`
	ShadowOnly     bool     `json:"shadow_only,omitempty"`
	UpgradeReason  string   `json:"upgrade_reason,omitempty"`
	Factors        *Factors `json:"factors"`
}

// Resolver maps a requested model to an effective model. It is immutable
// after construction; category and rule order is fixed up front so every
// Resolve call walks them in (priority desc, declaration asc) order.
type Resolver struct {
	config  *RouterConfig
	upgrade *UpgradePolicy
	logger  *zap.SugaredLogger
}

func NewResolver(config *RouterConfig, upgrade *UpgradePolicy, logger *zap.SugaredLogger) *Resolver {
	for i, category := range config.Categories {
		category.order = i
	}
	for i, rule := range config.Rules {
		rule.order = i
	}

	sort.SliceStable(config.Categories, func(i, j int) bool {
		a, b := config.Categories[i], config.Categories[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.order < b.order
	})
	sort.SliceStable(config.Rules, func(i, j int) bool {
		a, b := config.Rules[i], config.Rules[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.order < b.order
	})

	return &Resolver{config: config, upgrade: upgrade, logger: logger}
}

// Resolve picks the effective model for a request. The table bounds the
// choice: suggested models without a routing entry are skipped so a policy
// typo can never produce an unroutable request.
func (r *Resolver) Resolve(table *relay.Table, factors *Factors) *Decision {
	decision := &Decision{
		Id:             uuid.NewString(),
		RequestedModel: factors.RequestedModel,
		SuggestedModel: factors.RequestedModel,
		ResolvedModel:  factors.RequestedModel,
		ShadowOnly:     r.config.ShadowOnly,
		Factors:        factors,
	}

	if !r.config.Enabled {
		decision.Reason = ReasonDisabled
		return r.logged(decision)
	}
	if !r.activated(factors.RequestedModel) {
		decision.Reason = ReasonNotActivated
		return r.logged(decision)
	}

	suggested, reason, signal := r.suggest(table, factors)
	decision.SuggestedModel = suggested
	decision.Reason = reason
	decision.MatchedSignal = signal

	if upgraded, upgradeReason, ok := r.upgrade.MaybeUpgrade(table, suggested, factors); ok {
		decision.SuggestedModel = upgraded
		decision.UpgradeReason = upgradeReason
	}

	// Shadow mode records the suggestion without acting on it.
	decision.Applied = !r.config.ShadowOnly && decision.SuggestedModel != factors.RequestedModel
	if decision.Applied {
		decision.ResolvedModel = decision.SuggestedModel
	}

	return r.logged(decision)
}

func (r *Resolver) suggest(table *relay.Table, factors *Factors) (string, string, string) {
	for _, category := range r.config.Categories {
		if !table.HasModel(category.Target) {
			continue
		}
		for _, signal := range category.Signals {
			if signal.Matches(factors) {
				return category.Target, reasonCategoryHit + category.Name, signal.Raw
			}
		}
	}

	for _, rule := range r.config.Rules {
		if !table.HasModel(rule.Target) {
			continue
		}
		if rule.matches(factors) {
			return rule.Target, reasonRuleHit + rule.Name, ""
		}
	}

	if r.config.DefaultModel != "" && table.HasModel(r.config.DefaultModel) {
		return r.config.DefaultModel, ReasonDefaultModel, ""
	}

	return factors.RequestedModel, ReasonNoRule, ""
}

func (rule *Rule) matches(factors *Factors) bool {
	if len(rule.Conditions) == 0 {
		return false
	}

	if rule.MatchMode == "any" {
		for _, condition := range rule.Conditions {
			if condition.Evaluate(factors) {
				return true
			}
		}
		return false
	}

	for _, condition := range rule.Conditions {
		if !condition.Evaluate(factors) {
			return false
		}
	}
	return true
}

func (r *Resolver) activated(model string) bool {
	if len(r.config.ActivationModels) == 0 {
		return true
	}
	return array.Contains(r.config.ActivationModels, "*") ||
		array.Contains(r.config.ActivationModels, model)
}

func (r *Resolver) logged(decision *Decision) *Decision {
	r.logger.Infow("Resolved model",
		"decision_id", decision.Id,
		"requested", decision.RequestedModel,
		"suggested", decision.SuggestedModel,
		"resolved", decision.ResolvedModel,
		"applied", decision.Applied,
		"reason", decision.Reason,
		"matched_signal", decision.MatchedSignal,
		"upgrade_reason", decision.UpgradeReason,
		"shadow_only", decision.ShadowOnly,
		"task_category", decision.Factors.TaskCategory,
		"tool_profile", decision.Factors.ToolProfile,
	)
	return decision
}

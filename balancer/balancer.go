package balancer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/cliproxy/relay"
	"github.com/cliproxy/relay/state"
)

var (
	// ErrUnknownModel means the model has no routing entry at all.
	ErrUnknownModel = errors.New("model has no routing targets")

	// ErrNoViableTarget means targets exist but none can be used.
	ErrNoViableTarget = errors.New("no viable routing target")
)

// How the selector arrived at a target. Logged with each pick.
const (
	PickWeightedRandom = "weighted_random"
	PickCooldownExpiry = "all_targets_in_cooldown"
	PickHighestWeight  = "highest_weight"
	PickSticky         = "sticky"
)

// Selector picks a dispatch target for a model, honoring cooldown state and
// per-request exclusions.
type Selector struct {
	cooldowns state.Manager
	logger    *zap.SugaredLogger

	// Uniform draw in [0, 1). Injected by tests for determinism.
	randFloat func() float64
}

func NewSelector(cooldowns state.Manager, logger *zap.SugaredLogger) *Selector {
	return newSelectorWithRand(cooldowns, logger, rand.Float64)
}

func newSelectorWithRand(
	cooldowns state.Manager, logger *zap.SugaredLogger, randFloat func() float64,
) *Selector {
	return &Selector{cooldowns: cooldowns, logger: logger, randFloat: randFloat}
}

// Select picks a target for the model. Targets whose key is in exclude are
// never returned. When every remaining target is cooling and allowFallback
// is set, the target whose cooldown expires soonest is returned instead of
// an error; callers grant that escape hatch at most once per request.
func (s *Selector) Select(
	ctx context.Context,
	table *relay.Table,
	model string,
	exclude map[string]bool,
	allowFallback bool,
) (*relay.RoutingTarget, string, error) {
	targets := table.Targets(model)
	if len(targets) == 0 {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}

	available := make([]*relay.RoutingTarget, 0, len(targets))
	type coolingTarget struct {
		target    *relay.RoutingTarget
		remaining time.Duration
	}
	var cooling []coolingTarget

	for _, target := range targets {
		if exclude[target.Key()] {
			continue
		}

		if s.coolingDisabled(table, target) {
			available = append(available, target)
			continue
		}

		onCooldown, remaining, err := s.cooldowns.Status(ctx, target.Key())
		if err != nil {
			// State backend trouble should degrade routing, not break it.
			s.logger.Warnw("Cooldown lookup failed, treating target as available",
				"target", target.Key(), "error", err)
			available = append(available, target)
			continue
		}

		if onCooldown {
			cooling = append(cooling, coolingTarget{target: target, remaining: remaining})
			continue
		}
		available = append(available, target)
	}

	if len(available) > 0 {
		return s.weightedRandom(available), PickWeightedRandom, nil
	}

	if allowFallback && len(cooling) > 0 {
		soonest := cooling[0]
		for _, candidate := range cooling[1:] {
			if candidate.remaining < soonest.remaining {
				soonest = candidate
			}
		}
		s.logger.Warnw("All targets cooling, using soonest-expiry fallback",
			"model", model, "target", soonest.target.Key(), "remaining", soonest.remaining)
		return soonest.target, PickCooldownExpiry, nil
	}

	return nil, "", fmt.Errorf("%w: %s", ErrNoViableTarget, model)
}

// PickPrimary returns the highest-weight target for the model, ignoring
// cooldown state. Used for sessions locked to a target by a thinking
// signature. Declaration order breaks weight ties.
func (s *Selector) PickPrimary(table *relay.Table, model string) (*relay.RoutingTarget, error) {
	targets := table.Targets(model)
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}

	primary := targets[0]
	for _, target := range targets[1:] {
		if target.Weight > primary.Weight {
			primary = target
		}
	}
	return primary, nil
}

func (s *Selector) weightedRandom(targets []*relay.RoutingTarget) *relay.RoutingTarget {
	total := 0
	for _, target := range targets {
		total += target.Weight
	}
	if total <= 0 {
		return targets[0]
	}

	draw := s.randFloat() * float64(total)
	for _, target := range targets {
		draw -= float64(target.Weight)
		if draw < 0 {
			return target
		}
	}
	return targets[len(targets)-1]
}

func (s *Selector) coolingDisabled(table *relay.Table, target *relay.RoutingTarget) bool {
	instance, ok := table.Instance(target.InstanceName)
	return ok && instance.DisableCooling
}

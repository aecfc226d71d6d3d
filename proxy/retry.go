package proxy

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/cliproxy/relay"
	"github.com/cliproxy/relay/balancer"
	"github.com/cliproxy/relay/monitoring"
	"github.com/cliproxy/relay/routing"
	"github.com/cliproxy/relay/state"
	"github.com/cliproxy/relay/utils"
	"github.com/cliproxy/relay/utils/array"
)

const (
	defaultRequestRetry       = 3
	defaultMaxRetryIntervalMs = 30_000
)

// Request is one upstream-bound call, already resolved to a model.
type Request struct {
	// Raw request body forwarded upstream, model already rewritten by the
	// transport per target.
	Body []byte

	// Headers forwarded upstream.
	Header http.Header

	// Whether the conversation resumes a thinking signature.
	HasSignature bool

	// Target key the session is pinned to. Tried first when it is neither
	// excluded nor cooling.
	PreferredTarget string

	Stream bool
}

// Result is the upstream response handed back to the caller.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Key of the target that produced this result.
	Target string
}

// Transport performs one upstream attempt against a concrete target.
type Transport interface {
	Do(ctx context.Context, instance *relay.Instance, target *relay.RoutingTarget, request *Request) (*Result, error)
}

// AttemptError records one failed upstream attempt.
type AttemptError struct {
	Target     string             `json:"target"`
	StatusCode int                `json:"status_code,omitempty"`
	Class      state.FailureClass `json:"class,omitempty"`
	Message    string             `json:"message"`
}

// ExhaustedError aggregates every failed attempt of a request whose retry
// budget ran out.
type ExhaustedError struct {
	Model    string
	Attempts []*AttemptError
}

func (e *ExhaustedError) Error() string {
	parts := array.Map(e.Attempts, func(attempt *AttemptError) string {
		return fmt.Sprintf("%s (%d %s): %s",
			attempt.Target, attempt.StatusCode, attempt.Class, attempt.Message)
	})
	return fmt.Sprintf("upstream exhausted for model %q after %d attempts: %s",
		e.Model, len(e.Attempts), strings.Join(parts, "; "))
}

// Coordinator drives a request through target selection, dispatch, and
// retry until it succeeds, becomes non-retryable, or the budget runs out.
type Coordinator struct {
	cooldowns state.Manager
	durations state.Durations
	selector  *balancer.Selector
	transport Transport
	health    *routing.HealthTracker
	metrics   *monitoring.Metrics
	logger    *zap.SugaredLogger
	clock     clock.Clock

	// Global cap on cross-target retries; the per-instance request_retry
	// can only lower it.
	maxTargetRetries int
	retryAuthOn5xx   bool
}

type CoordinatorOptions struct {
	Cooldowns        state.Manager
	Durations        state.Durations
	Selector         *balancer.Selector
	Transport        Transport
	Health           *routing.HealthTracker
	Metrics          *monitoring.Metrics
	Logger           *zap.SugaredLogger
	MaxTargetRetries int
	RetryAuthOn5xx   bool
}

func NewCoordinator(options CoordinatorOptions) *Coordinator {
	return newCoordinatorWithClock(options, clock.New())
}

func newCoordinatorWithClock(options CoordinatorOptions, clk clock.Clock) *Coordinator {
	return &Coordinator{
		cooldowns:        options.Cooldowns,
		durations:        options.Durations,
		selector:         options.Selector,
		transport:        options.Transport,
		health:           options.Health,
		metrics:          options.Metrics,
		logger:           options.Logger,
		clock:            clk,
		maxTargetRetries: options.MaxTargetRetries,
		retryAuthOn5xx:   options.RetryAuthOn5xx,
	}
}

// Dispatch runs the request against the routing table until it succeeds or
// gives up. The returned Result is non-nil for success and for client
// errors, which are passed through untouched.
func (c *Coordinator) Dispatch(
	ctx context.Context,
	table *relay.Table,
	decision *routing.Decision,
	request *Request,
) (*Result, error) {
	model := decision.ResolvedModel
	exclude := make(map[string]bool)
	fallbackUsed := false
	var attempts []*AttemptError

	// Filled in after the first selection, once the instance is known.
	budget := c.maxTargetRetries + 1

	for attempt := 0; attempt < budget; attempt++ {
		if err := ctx.Err(); err != nil {
			// Caller is gone. Abandon without touching cooldown state for
			// an attempt that never dispatched.
			return nil, err
		}

		if attempt > 0 {
			if err := c.backoff(ctx, attempt, table, model); err != nil {
				return nil, err
			}
		}

		target, pick := c.preferredTarget(ctx, table, model, request.PreferredTarget, exclude)
		if target == nil {
			var err error
			target, pick, err = c.selector.Select(ctx, table, model, exclude, !fallbackUsed)
			if err != nil {
				if len(attempts) > 0 {
					return nil, &ExhaustedError{Model: model, Attempts: attempts}
				}
				return nil, err
			}
		}
		if pick == balancer.PickCooldownExpiry {
			fallbackUsed = true
		}
		c.metrics.RecordSelection(pick)

		instance, ok := table.Instance(target.InstanceName)
		if !ok {
			// Load-time validation makes this unreachable; guard anyway.
			return nil, fmt.Errorf("target %s references unknown instance", target.Key())
		}
		if attempt == 0 {
			budget = c.attemptBudget(instance)
		}

		result, attemptErr := c.attempt(ctx, instance, target, request, decision)
		if attemptErr == nil {
			result.Target = target.Key()
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		attempts = append(attempts, attemptErr)
		exclude[target.Key()] = true

		if !Retryable(attemptErr.Class, attemptErr.StatusCode, c.retryAuthOn5xx) {
			c.logger.Warnw("Upstream failure is not retryable",
				"target", target.Key(), "status", attemptErr.StatusCode, "class", attemptErr.Class)
			break
		}

		c.logger.Infow("Retrying on another target",
			"model", model, "failed_target", target.Key(),
			"class", attemptErr.Class, "attempt", attempt+1, "budget", budget)
	}

	return nil, &ExhaustedError{Model: model, Attempts: attempts}
}

// preferredTarget resolves the request's pinned target when it is still
// usable. A cooling or excluded pin falls back to normal selection.
func (c *Coordinator) preferredTarget(
	ctx context.Context, table *relay.Table, model string, preferred string, exclude map[string]bool,
) (*relay.RoutingTarget, string) {
	if preferred == "" || exclude[preferred] {
		return nil, ""
	}
	for _, target := range table.Targets(model) {
		if target.Key() != preferred {
			continue
		}
		instance, ok := table.Instance(target.InstanceName)
		if ok && !instance.DisableCooling {
			cooling, _, err := c.cooldowns.Status(ctx, target.Key())
			if err == nil && cooling {
				return nil, ""
			}
		}
		return target, balancer.PickSticky
	}
	return nil, ""
}

// attempt dispatches once and settles all bookkeeping for the outcome. A
// nil *AttemptError means the result should be returned to the caller.
func (c *Coordinator) attempt(
	ctx context.Context,
	instance *relay.Instance,
	target *relay.RoutingTarget,
	request *Request,
	decision *routing.Decision,
) (*Result, *AttemptError) {
	start := c.clock.Now()
	result, err := c.transport.Do(ctx, instance, target, request)
	elapsed := c.clock.Now().Sub(start)

	if err != nil {
		if ctx.Err() != nil {
			// Cancellation mid-flight is not the target's fault.
			return nil, &AttemptError{Target: target.Key(), Message: err.Error(), Class: state.FailureTransient}
		}
		c.metrics.RecordAttempt(instance.Name, "network_error", elapsed)
		c.coolTarget(ctx, instance, target, state.FailureTransient)
		c.recordFailure(decision)
		return nil, &AttemptError{
			Target:  target.Key(),
			Class:   state.FailureTransient,
			Message: err.Error(),
		}
	}

	kind, class := Classify(result.StatusCode, result.Body, request.HasSignature)
	switch kind {
	case KindSuccess:
		c.metrics.RecordAttempt(instance.Name, "success", elapsed)
		if err := c.cooldowns.Clear(ctx, target.Key()); err != nil {
			c.logger.Warnw("Failed to clear cooldown", "target", target.Key(), "error", err)
		}
		if c.health != nil {
			c.health.RecordSuccess(decision.Factors.SessionHash, decision.RequestedModel)
		}
		return result, nil

	case KindClient:
		c.metrics.RecordAttempt(instance.Name, "client_error", elapsed)
		return result, nil

	default:
		c.metrics.RecordAttempt(instance.Name, string(class), elapsed)
		c.coolTarget(ctx, instance, target, class)
		c.recordFailure(decision)
		return nil, &AttemptError{
			Target:     target.Key(),
			StatusCode: result.StatusCode,
			Class:      class,
			Message:    utils.Truncate(string(result.Body), 500),
		}
	}
}

func (c *Coordinator) coolTarget(
	ctx context.Context, instance *relay.Instance, target *relay.RoutingTarget, class state.FailureClass,
) {
	if instance.DisableCooling {
		return
	}
	duration := c.durations.For(class)
	if err := c.cooldowns.Record(ctx, target.Key(), duration); err != nil {
		c.logger.Warnw("Failed to record cooldown",
			"target", target.Key(), "class", class, "error", err)
		return
	}
	c.metrics.RecordCooldown(string(class))
	c.logger.Infow("Target cooling",
		"target", target.Key(), "class", class, "duration", duration)
}

func (c *Coordinator) recordFailure(decision *routing.Decision) {
	if c.health != nil {
		c.health.RecordFailure(decision.Factors.SessionHash, decision.RequestedModel)
	}
}

// attemptBudget is the total number of attempts allowed for a request
// landing on the given instance.
func (c *Coordinator) attemptBudget(instance *relay.Instance) int {
	requestRetry := instance.RequestRetry
	if requestRetry <= 0 {
		requestRetry = defaultRequestRetry
	}
	return utils.Min(c.maxTargetRetries, requestRetry) + 1
}

// backoff waits before a retry, doubling per attempt up to the instance's
// max_retry_interval.
func (c *Coordinator) backoff(ctx context.Context, attempt int, table *relay.Table, model string) error {
	wait := time.Duration(1<<(attempt-1)) * time.Second
	max := c.maxRetryInterval(table, model)
	if wait > max {
		wait = max
	}

	timer := c.clock.Timer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) maxRetryInterval(table *relay.Table, model string) time.Duration {
	max := time.Duration(defaultMaxRetryIntervalMs) * time.Millisecond
	for _, target := range table.Targets(model) {
		instance, ok := table.Instance(target.InstanceName)
		if ok && instance.MaxRetryInterval > 0 {
			interval := time.Duration(instance.MaxRetryInterval) * time.Second
			if interval < max {
				max = interval
			}
		}
	}
	return max
}

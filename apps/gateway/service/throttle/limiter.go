package throttle

import (
	"context"

	"github.com/antinvestor/service-stream/internal/telemetry"
	"github.com/pitabwire/util"
)

// SkipFunc decides whether a call bypasses throttling entirely. Evaluated
// before any counter increment.
type SkipFunc func(probe Probe) bool

// Option configures a Limiter.
type Option func(*Limiter)

// WithSkipFunc installs a bypass predicate for trusted callers.
func WithSkipFunc(skip SkipFunc) Option {
	return func(l *Limiter) {
		l.skip = skip
	}
}

// Limiter evaluates every configured tier for each call; all tiers must
// pass. Store failures fail open: availability wins over strictness, with a
// warning log so the condition is visible.
type Limiter struct {
	store CounterStore
	tiers []Tier
	skip  SkipFunc
}

// NewLimiter creates a limiter over the given global tiers.
func NewLimiter(store CounterStore, tiers []Tier, opts ...Option) *Limiter {
	l := &Limiter{
		store: store,
		tiers: tiers,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow evaluates the probe against the global tiers plus any per-route
// extra tiers. Extra tiers are additional constraints, never replacements.
// Every tier is incremented on every non-skipped call so windows keep
// sliding regardless of the outcome.
func (l *Limiter) Allow(ctx context.Context, probe Probe, extraTiers ...Tier) Decision {
	if l.skip != nil && l.skip(probe) {
		return Decision{Allowed: true}
	}

	decision := Decision{
		Allowed: true,
		Results: make([]TierResult, 0, len(l.tiers)+len(extraTiers)),
	}

	tiers := make([]Tier, 0, len(l.tiers)+len(extraTiers))
	tiers = append(tiers, l.tiers...)
	tiers = append(tiers, extraTiers...)

	for _, tier := range tiers {
		result := l.evaluateTier(ctx, probe, tier, &decision)
		decision.Results = append(decision.Results, result)

		if !result.Allowed {
			decision.Allowed = false
			if result.ResetIn > decision.RetryAfter {
				decision.RetryAfter = result.ResetIn
			}
		}
	}

	if !decision.Allowed {
		telemetry.ThrottleRejectedCounter.Add(ctx, 1)
	}
	return decision
}

func (l *Limiter) evaluateTier(ctx context.Context, probe Probe, tier Tier, decision *Decision) TierResult {
	key := probe.Key(tier.Name)

	blocked, remaining, err := l.store.Blocked(ctx, key)
	if err != nil {
		util.Log(ctx).WithError(err).WithField("key", key).
			Warn("throttle block check failed, allowing call")
		return TierResult{Tier: tier, Remaining: tier.Limit, ResetIn: tier.Window, Allowed: true}
	}
	if blocked {
		decision.Blocked = true
		telemetry.ThrottleBlockedCounter.Add(ctx, 1)
		return TierResult{Tier: tier, Hits: tier.Limit, Remaining: 0, ResetIn: remaining, Allowed: false}
	}

	hits, expiresIn, err := l.store.Increment(ctx, key, tier.Window)
	if err != nil {
		util.Log(ctx).WithError(err).WithField("key", key).
			Warn("throttle increment failed, allowing call")
		return TierResult{Tier: tier, Remaining: tier.Limit, ResetIn: tier.Window, Allowed: true}
	}

	left := tier.Limit - hits
	if left < 0 {
		left = 0
	}

	result := TierResult{
		Tier:      tier,
		Hits:      hits,
		Remaining: left,
		ResetIn:   expiresIn,
		Allowed:   hits <= tier.Limit,
	}

	if !result.Allowed {
		// The block outlives the counter window, so isBlocked persists
		// independent of window resets.
		if blockErr := l.store.Block(ctx, key, tier.Window); blockErr != nil {
			util.Log(ctx).WithError(blockErr).WithField("key", key).
				Warn("failed to record throttle block")
		}

		util.Log(ctx).WithFields(map[string]any{
			"key":       key,
			"tier":      tier.Name,
			"limit":     tier.Limit,
			"window":    tier.Window.String(),
			"hits":      hits,
			"resets_in": expiresIn.String(),
		}).Warn("admission rejected")
	}

	return result
}

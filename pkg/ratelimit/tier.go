// Package ratelimit gates every incoming command: a pure tier→capability
// resolver, a multi-dimensional request limiter over KV counters and a token
// bucket, and a per-tenant sliding-window limiter. Admission fails closed
// when the shared KV store is unreachable.
package ratelimit

import (
	"errors"
	"fmt"
)

// AccessClass is the tier-derived admission bucket
type AccessClass string

const (
	ClassFree       AccessClass = "free"
	ClassPro        AccessClass = "pro"
	ClassEnterprise AccessClass = "enterprise"
)

// Capability aliases name downstream capability pools
const (
	AliasCheap     = "cheap"
	AliasFastCode  = "fast-code"
	AliasReviewer  = "reviewer"
	AliasReasoning = "reasoning"
	AliasNative    = "native"
)

// ErrInvalidTier is returned for tiers outside [1..9]
var ErrInvalidTier = errors.New("ratelimit: invalid tier")

// TierDescriptor maps a reputation tier to its admission class and the
// capability aliases it may use
type TierDescriptor struct {
	Tier           int
	Class          AccessClass
	AllowedAliases []string
}

// ResolveTier maps tier ∈ [1..9] to its descriptor. The mapping is total
// and constant: 1-3 free, 4-6 pro, 7-9 enterprise.
func ResolveTier(tier int) (TierDescriptor, error) {
	switch {
	case tier >= 1 && tier <= 3:
		return TierDescriptor{
			Tier:           tier,
			Class:          ClassFree,
			AllowedAliases: []string{AliasCheap},
		}, nil
	case tier >= 4 && tier <= 6:
		return TierDescriptor{
			Tier:           tier,
			Class:          ClassPro,
			AllowedAliases: []string{AliasCheap, AliasFastCode, AliasReviewer},
		}, nil
	case tier >= 7 && tier <= 9:
		return TierDescriptor{
			Tier:           tier,
			Class:          ClassEnterprise,
			AllowedAliases: []string{AliasCheap, AliasFastCode, AliasReviewer, AliasReasoning, AliasNative},
		}, nil
	default:
		return TierDescriptor{}, fmt.Errorf("%w: %d", ErrInvalidTier, tier)
	}
}

// ValidateAlias reports whether alias is in the allowed set
func ValidateAlias(alias string, allowed []string) bool {
	for _, a := range allowed {
		if a == alias {
			return true
		}
	}
	return false
}

// ResolveAlias returns the requested alias when permitted, otherwise the
// tenant's default alias. The fallback is silent: requesting an alias above
// your class must not be an escalation signal, so no error is raised.
func ResolveAlias(requested, defaultAlias string, allowed []string) string {
	if ValidateAlias(requested, allowed) {
		return requested
	}
	return defaultAlias
}

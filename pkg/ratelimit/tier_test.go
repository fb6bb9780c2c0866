package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveTierBoundaries(t *testing.T) {
	tests := []struct {
		tier    int
		class   AccessClass
		aliases []string
	}{
		{1, ClassFree, []string{"cheap"}},
		{3, ClassFree, []string{"cheap"}},
		{4, ClassPro, []string{"cheap", "fast-code", "reviewer"}},
		{6, ClassPro, []string{"cheap", "fast-code", "reviewer"}},
		{7, ClassEnterprise, []string{"cheap", "fast-code", "reviewer", "reasoning", "native"}},
		{9, ClassEnterprise, []string{"cheap", "fast-code", "reviewer", "reasoning", "native"}},
	}
	for _, tt := range tests {
		desc, err := ResolveTier(tt.tier)
		require.NoError(t, err, "tier %d", tt.tier)
		assert.Equal(t, tt.class, desc.Class, "tier %d", tt.tier)
		assert.Equal(t, tt.aliases, desc.AllowedAliases, "tier %d", tt.tier)
	}
}

func TestResolveTierTotalOverRange(t *testing.T) {
	for tier := 1; tier <= 9; tier++ {
		first, err := ResolveTier(tier)
		require.NoError(t, err)
		second, err := ResolveTier(tier)
		require.NoError(t, err)
		assert.Equal(t, first, second, "mapping must be constant per tier")
	}
}

func TestResolveTierInvalid(t *testing.T) {
	for _, tier := range []int{0, -1, 10, 100} {
		_, err := ResolveTier(tier)
		assert.ErrorIs(t, err, ErrInvalidTier, "tier %d", tier)
	}
}

func TestValidateAlias(t *testing.T) {
	allowed := []string{"cheap", "fast-code"}
	assert.True(t, ValidateAlias("cheap", allowed))
	assert.False(t, ValidateAlias("reasoning", allowed))
}

func TestResolveAliasSilentFallback(t *testing.T) {
	allowed := []string{"cheap"}
	assert.Equal(t, "cheap", ResolveAlias("cheap", "cheap", allowed))
	// Non-permitted request falls back to the default without error.
	assert.Equal(t, "cheap", ResolveAlias("reasoning", "cheap", allowed))
}

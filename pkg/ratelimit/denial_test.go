package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDenialErrorSanitized(t *testing.T) {
	err := NewDenialError(CheckResult{
		Dimension:  DimensionUser,
		RetryAfter: 2 * time.Second,
	})
	assert.Contains(t, err.Error(), "user")
	assert.Contains(t, err.Error(), "2s")
	assert.Empty(t, err.Stack, "stack traces are for development only")
}

func TestDenialErrorStackInDevelopment(t *testing.T) {
	t.Setenv("NODE_ENV", "development")

	err := NewDenialError(CheckResult{Dimension: DimensionBurst, RetryAfter: time.Second})
	assert.NotEmpty(t, err.Stack)

	terr := NewTenantDenialError(ActionCommand, TenantCheckResult{RetryAfter: time.Second})
	assert.NotEmpty(t, terr.Stack)
	assert.Equal(t, Dimension("tenant:command"), terr.Dimension)
}

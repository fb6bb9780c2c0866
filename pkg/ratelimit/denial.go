package ratelimit

import (
	"fmt"
	"os"
	"runtime"
	"time"
)

// DenialError is the user-visible shape of a rate-limit rejection: a
// sanitized message, the dimension that fired, and a retry hint. Stack
// traces are attached only in development.
type DenialError struct {
	Dimension  Dimension     `json:"dimension"`
	RetryAfter time.Duration `json:"retry_after_ms"`
	Message    string        `json:"message"`
	Stack      string        `json:"stack,omitempty"`
}

func (e *DenialError) Error() string {
	return fmt.Sprintf("rate limited on %s dimension, retry after %s", e.Dimension, e.RetryAfter)
}

// NewDenialError builds the structured denial from a check result
func NewDenialError(res CheckResult) *DenialError {
	err := &DenialError{
		Dimension:  res.Dimension,
		RetryAfter: res.RetryAfter,
		Message:    "too many requests, please slow down",
	}
	if developmentMode() {
		buf := make([]byte, 4096)
		err.Stack = string(buf[:runtime.Stack(buf, false)])
	}
	return err
}

// NewTenantDenialError builds the structured denial from a tenant-quota result
func NewTenantDenialError(action Action, res TenantCheckResult) *DenialError {
	err := &DenialError{
		Dimension:  Dimension("tenant:" + string(action)),
		RetryAfter: res.RetryAfter,
		Message:    "tenant quota exhausted for this action",
	}
	if developmentMode() {
		buf := make([]byte, 4096)
		err.Stack = string(buf[:runtime.Stack(buf, false)])
	}
	return err
}

func developmentMode() bool {
	return os.Getenv("NODE_ENV") == "development"
}

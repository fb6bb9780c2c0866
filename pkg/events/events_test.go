package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvalidationEventRoundTrip(t *testing.T) {
	t.Setenv("POD_NAME", "gatekeeper-7f9b")

	event := NewInvalidationEvent("vault:user:u1", "vault_update")
	payload, err := event.Encode()
	require.NoError(t, err)

	decoded, err := DecodeInvalidationEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, "vault:user:u1", decoded.Pattern)
	assert.Equal(t, "gatekeeper-7f9b", decoded.OriginNode)
	assert.Equal(t, "vault_update", decoded.Reason)
	assert.False(t, decoded.Timestamp.IsZero())
}

func TestDecodeInvalidationEventMalformed(t *testing.T) {
	_, err := DecodeInvalidationEvent("{not json")
	assert.Error(t, err)
}

func TestSourceNodeFallback(t *testing.T) {
	t.Setenv("POD_NAME", "")
	t.Setenv("HOSTNAME", "")
	assert.Equal(t, "unknown", SourceNode())

	t.Setenv("HOSTNAME", "worker-2")
	assert.Equal(t, "worker-2", SourceNode())

	// Kubernetes pod identity wins over the generic hostname.
	t.Setenv("POD_NAME", "gatekeeper-0")
	assert.Equal(t, "gatekeeper-0", SourceNode())
}

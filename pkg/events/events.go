// Package events defines the cross-replica event payloads carried over the
// shared pub/sub channels: cache invalidations and configuration reloads.
package events

import (
	"encoding/json"
	"os"
	"time"
)

// Pub/sub channel names. Every replica subscribes to both at startup.
const (
	ChannelCacheInvalidation = "gatekeeper:cache:invalidation"
	ChannelConfigReload      = "gatekeeper:config:reload"
)

// ConfigReloadType identifies what kind of configuration changed
type ConfigReloadType string

const (
	ConfigReloadTenant      ConfigReloadType = "tenant_config"
	ConfigReloadGlobal      ConfigReloadType = "global_config"
	ConfigReloadFeatureFlag ConfigReloadType = "feature_flag"
)

// InvalidationEvent is broadcast after any cache write that may affect
// remote replicas. Pattern is a key prefix; receivers drop matching L1
// entries and let L2 entries expire by TTL.
type InvalidationEvent struct {
	Pattern    string    `json:"pattern"`
	OriginNode string    `json:"origin_node"`
	Timestamp  time.Time `json:"timestamp"`
	Reason     string    `json:"reason,omitempty"`
}

// ConfigReloadEvent announces a configuration change to all replicas
type ConfigReloadEvent struct {
	Type      ConfigReloadType `json:"type"`
	TargetID  string           `json:"target_id,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Source    string           `json:"source"`
}

// NewInvalidationEvent builds an event stamped with this replica's identity
func NewInvalidationEvent(pattern, reason string) InvalidationEvent {
	return InvalidationEvent{
		Pattern:    pattern,
		OriginNode: SourceNode(),
		Timestamp:  time.Now().UTC(),
		Reason:     reason,
	}
}

// Encode serializes the event for publishing
func (e InvalidationEvent) Encode() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeInvalidationEvent parses an event received from the channel
func DecodeInvalidationEvent(payload string) (InvalidationEvent, error) {
	var e InvalidationEvent
	err := json.Unmarshal([]byte(payload), &e)
	return e, err
}

// Encode serializes the event for publishing
func (e ConfigReloadEvent) Encode() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeConfigReloadEvent parses an event received from the channel
func DecodeConfigReloadEvent(payload string) (ConfigReloadEvent, error) {
	var e ConfigReloadEvent
	err := json.Unmarshal([]byte(payload), &e)
	return e, err
}

// SourceNode reports this replica's identity for event origin labeling.
// POD_NAME wins over HOSTNAME; both unset falls back to "unknown".
func SourceNode() string {
	if name := os.Getenv("POD_NAME"); name != "" {
		return name
	}
	if name := os.Getenv("HOSTNAME"); name != "" {
		return name
	}
	return "unknown"
}

// Package cache implements the layered cache for the gatekeeper core: an
// in-process L1 with LRU replacement, a shared Redis-backed L2, a combined
// multi-layer facade with pub/sub invalidation, and the domain invalidator.
package cache

import (
	"strings"
)

// Cache key namespaces. Keys follow namespace:entityType:identifier[:version]
// and the exact strings are part of the external contract.
const (
	NamespaceVault       = "vault"
	NamespaceLeaderboard = "lb"
	NamespaceConfig      = "cfg"
	NamespaceRPC         = "rpc"
	NamespaceSession     = "session"
	NamespaceToken       = "token"
	NamespaceGuild       = "guild"
	NamespaceGeneric     = "gen"
)

// ParsedKey is the structured form of a cache key
type ParsedKey struct {
	Namespace  string
	EntityType string
	Identifier string
	Version    string
}

// BuildCacheKey assembles namespace:entityType:identifier[:version]
func BuildCacheKey(namespace, entityType, identifier string, version ...string) string {
	parts := []string{namespace, entityType, identifier}
	parts = append(parts, version...)
	return strings.Join(parts, ":")
}

// ParseCacheKey is the inverse of BuildCacheKey. Keys with fewer than three
// colon-separated parts are rejected. With more than three parts the last
// segment is the version and the identifier keeps any interior colons.
func ParseCacheKey(key string) (ParsedKey, bool) {
	parts := strings.Split(key, ":")
	if len(parts) < 3 {
		return ParsedKey{}, false
	}
	parsed := ParsedKey{
		Namespace:  parts[0],
		EntityType: parts[1],
	}
	if len(parts) == 3 {
		parsed.Identifier = parts[2]
		return parsed, true
	}
	parsed.Identifier = strings.Join(parts[2:len(parts)-1], ":")
	parsed.Version = parts[len(parts)-1]
	return parsed, true
}

// UserVaultKey caches a user's vault snapshot
func UserVaultKey(userID string) string {
	return "vault:user:" + userID
}

// UserPositionKey caches a user's leaderboard position within a guild
func UserPositionKey(userID, guildID string) string {
	return "lb:user:" + userID + ":guild:" + guildID
}

// GuildLeaderboardKey caches a guild's leaderboard page
func GuildLeaderboardKey(guildID string) string {
	return "lb:guild:" + guildID
}

// TenantConfigKey caches a guild's tenant configuration
func TenantConfigKey(guildID string) string {
	return "cfg:guild:" + guildID
}

// RPCBalanceKey caches a wallet balance; addresses are canonically lowercase
func RPCBalanceKey(walletAddr string) string {
	return "rpc:wallet:" + strings.ToLower(walletAddr)
}

// TokenMetadataKey caches token metadata; addresses are canonically lowercase
func TokenMetadataKey(tokenAddr string) string {
	return "token:token:" + strings.ToLower(tokenAddr)
}

// GuildStatsKey caches aggregated guild statistics
func GuildStatsKey(guildID string) string {
	return "guild:agg:" + guildID
}

// GenericKey builds a key in the generic namespace
func GenericKey(entityType, identifier string) string {
	return "gen:" + entityType + ":" + identifier
}

// Invalidation patterns. A pattern is a strict key prefix; invalidation
// removes every entry whose key starts with it.

// PatternAllForUser matches everything cached for a user's vault
func PatternAllForUser(userID string) string {
	return "vault:user:" + userID
}

// PatternGuildLeaderboard matches a guild's leaderboard entries
func PatternGuildLeaderboard(guildID string) string {
	return "lb:guild:" + guildID
}

// PatternAllUserPositions matches every cached user position across guilds
func PatternAllUserPositions() string {
	return "lb:user:"
}

// PatternTenantConfig matches a guild's tenant configuration
func PatternTenantConfig(guildID string) string {
	return "cfg:guild:" + guildID
}

// PatternAllRPC matches every cached RPC result
func PatternAllRPC() string {
	return "rpc:"
}

// PatternNamespace matches an entire namespace
func PatternNamespace(namespace string) string {
	return namespace + ":"
}

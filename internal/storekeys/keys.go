// Package storekeys is the single naming authority for every key and
// pub/sub channel the router puts into the shared store. Nothing else in
// the codebase spells out a key by hand.
package storekeys

import "strings"

const (
	presenceUserPrefix = "presence:user:"
	presenceMetaPrefix = "presence:meta:"
	groupMembersPrefix = "group:members:"
	groupCurrentPrefix = "group:current:"
	userGroupsPrefix   = "user:groups:"
)

// Pub/sub channels.
const (
	ChannelPresenceOnline  = "presence:online"
	ChannelPresenceOffline = "presence:offline"
	ChannelPresenceUpdates = "presence:updates"

	// ChannelKeyExpired is the store's keyspace-event channel for expired
	// keys in DB 0. Requires notify-keyspace-events to include Ex.
	ChannelKeyExpired = "__keyevent@0__:expired"
)

// Scan patterns.
const (
	PresenceUserPattern = presenceUserPrefix + "*"
	GroupMembersPattern = groupMembersPrefix + "*"
	GroupCurrentPattern = groupCurrentPrefix + "*"
)

func PresenceUser(userID string) string {
	return presenceUserPrefix + userID
}

func PresenceMeta(userID string) string {
	return presenceMetaPrefix + userID
}

func GroupMembers(groupID string) string {
	return groupMembersPrefix + groupID
}

func GroupCurrent(groupID string) string {
	return groupCurrentPrefix + groupID
}

func UserGroups(userID string) string {
	return userGroupsPrefix + userID
}

// UserFromPresenceKey extracts the user id from a presence:user:{id} key.
// Returns false when the key belongs to some other namespace.
func UserFromPresenceKey(key string) (string, bool) {
	if !strings.HasPrefix(key, presenceUserPrefix) {
		return "", false
	}
	id := key[len(presenceUserPrefix):]
	if id == "" {
		return "", false
	}
	return id, true
}

// GroupFromMembersKey extracts the group id from a group:members:{g} key.
func GroupFromMembersKey(key string) (string, bool) {
	if !strings.HasPrefix(key, groupMembersPrefix) {
		return "", false
	}
	g := key[len(groupMembersPrefix):]
	if g == "" {
		return "", false
	}
	return g, true
}

// GroupFromCurrentKey extracts the group id from a group:current:{g} key.
func GroupFromCurrentKey(key string) (string, bool) {
	if !strings.HasPrefix(key, groupCurrentPrefix) {
		return "", false
	}
	g := key[len(groupCurrentPrefix):]
	if g == "" {
		return "", false
	}
	return g, true
}

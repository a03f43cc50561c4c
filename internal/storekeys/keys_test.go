package storekeys

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyShapes(t *testing.T) {
	require.Equal(t, "presence:user:alice", PresenceUser("alice"))
	require.Equal(t, "presence:meta:alice", PresenceMeta("alice"))
	require.Equal(t, "group:members:dispatch", GroupMembers("dispatch"))
	require.Equal(t, "group:current:dispatch", GroupCurrent("dispatch"))
	require.Equal(t, "user:groups:alice", UserGroups("alice"))
}

func TestUserFromPresenceKey(t *testing.T) {
	id, ok := UserFromPresenceKey("presence:user:TELENET_81*14946*0011")
	require.True(t, ok)
	require.Equal(t, "TELENET_81*14946*0011", id)

	_, ok = UserFromPresenceKey("presence:meta:alice")
	require.False(t, ok)

	_, ok = UserFromPresenceKey("presence:user:")
	require.False(t, ok)

	_, ok = UserFromPresenceKey("session:alice")
	require.False(t, ok)
}

func TestGroupFromCurrentKey(t *testing.T) {
	g, ok := GroupFromCurrentKey("group:current:dispatch")
	require.True(t, ok)
	require.Equal(t, "dispatch", g)

	_, ok = GroupFromCurrentKey("group:members:dispatch")
	require.False(t, ok)
}

package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	vperrors "github.com/voiceping/router/pkg/errors"
	"github.com/voiceping/router/pkg/logger"
)

func newGroupStore(t *testing.T) (*GroupStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewGroupStore(client, logger.NewNop()), mr
}

func TestGroupMembershipBidirectional(t *testing.T) {
	g, _ := newGroupStore(t)
	ctx := context.Background()

	require.NoError(t, g.AddUserToGroup(ctx, "alice", "dispatch"))
	require.NoError(t, g.AddUserToGroup(ctx, "bob", "dispatch"))
	require.NoError(t, g.AddUserToGroup(ctx, "alice", "ops"))

	members, err := g.UsersInsideGroup(ctx, "dispatch")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alice", "bob"}, members)

	groups, err := g.GroupsOfUser(ctx, "alice")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"dispatch", "ops"}, groups)

	require.NoError(t, g.RemoveUserFromGroup(ctx, "alice", "dispatch"))

	members, err = g.UsersInsideGroup(ctx, "dispatch")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"bob"}, members)

	groups, err = g.GroupsOfUser(ctx, "alice")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"ops"}, groups)
}

func TestSpeakerLockFirstWriterWins(t *testing.T) {
	g, _ := newGroupStore(t)
	ctx := context.Background()
	ttl := 95 * time.Second

	require.NoError(t, g.SetCurrentSpeaker(ctx, "dispatch", "alice", ttl))

	err := g.SetCurrentSpeaker(ctx, "dispatch", "bob", ttl)
	require.ErrorIs(t, err, vperrors.ErrBusy)

	// The holder may re-take the lock; the turn start is preserved.
	before, err := g.CurrentSpeaker(ctx, "dispatch")
	require.NoError(t, err)
	require.NoError(t, g.SetCurrentSpeaker(ctx, "dispatch", "alice", ttl))
	after, err := g.CurrentSpeaker(ctx, "dispatch")
	require.NoError(t, err)
	require.Equal(t, "alice", after.FromID)
	require.Equal(t, before.StartedAt, after.StartedAt)

	require.NoError(t, g.ClearCurrentSpeaker(ctx, "dispatch"))
	require.NoError(t, g.SetCurrentSpeaker(ctx, "dispatch", "bob", ttl))
}

func TestSpeakerLockExpires(t *testing.T) {
	g, mr := newGroupStore(t)
	ctx := context.Background()

	require.NoError(t, g.SetCurrentSpeaker(ctx, "dispatch", "alice", 95*time.Second))
	mr.FastForward(96 * time.Second)

	lock, err := g.CurrentSpeaker(ctx, "dispatch")
	require.NoError(t, err)
	require.Nil(t, lock)

	require.NoError(t, g.SetCurrentSpeaker(ctx, "dispatch", "bob", 95*time.Second))
}

func TestClearCurrentSpeakerOf(t *testing.T) {
	g, _ := newGroupStore(t)
	ctx := context.Background()
	ttl := 95 * time.Second

	require.NoError(t, g.AddUserToGroup(ctx, "alice", "dispatch"))
	require.NoError(t, g.AddUserToGroup(ctx, "alice", "ops"))
	require.NoError(t, g.AddUserToGroup(ctx, "bob", "ops"))

	require.NoError(t, g.SetCurrentSpeaker(ctx, "dispatch", "alice", ttl))
	require.NoError(t, g.SetCurrentSpeaker(ctx, "ops", "bob", ttl))

	require.NoError(t, g.ClearCurrentSpeakerOf(ctx, "alice"))

	lock, err := g.CurrentSpeaker(ctx, "dispatch")
	require.NoError(t, err)
	require.Nil(t, lock)

	// Bob's lock in the shared group is untouched.
	lock, err = g.CurrentSpeaker(ctx, "ops")
	require.NoError(t, err)
	require.NotNil(t, lock)
	require.Equal(t, "bob", lock.FromID)
}

func TestJanitorRemovesOrphanLocks(t *testing.T) {
	g, _ := newGroupStore(t)
	ctx := context.Background()

	// Lock with members survives; locks without members are orphans.
	require.NoError(t, g.AddUserToGroup(ctx, "alice", "staffed"))
	require.NoError(t, g.SetCurrentSpeaker(ctx, "staffed", "alice", time.Hour))
	for i := 0; i < 3; i++ {
		group := fmt.Sprintf("ghost-%d", i)
		require.NoError(t, g.SetCurrentSpeaker(ctx, group, "alice", time.Hour))
	}

	removed, err := g.CleanOrphanGroups(ctx, 10000)
	require.NoError(t, err)
	require.Equal(t, 3, removed)

	lock, err := g.CurrentSpeaker(ctx, "staffed")
	require.NoError(t, err)
	require.NotNil(t, lock)
}

func TestJanitorScanBound(t *testing.T) {
	g, _ := newGroupStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		group := fmt.Sprintf("ghost-%d", i)
		require.NoError(t, g.SetCurrentSpeaker(ctx, group, "alice", time.Hour))
	}

	// One cycle touches at most maxGroups keys.
	removed, err := g.CleanOrphanGroups(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, 3, removed)

	removed, err = g.CleanOrphanGroups(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 2, removed)
}

package redis

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/voiceping/router/internal/storekeys"
	vperrors "github.com/voiceping/router/pkg/errors"
	"github.com/voiceping/router/pkg/logger"
)

// SpeakerLock is the per-group "currently talking" marker. It lives in the
// store under group:current:{g} with a TTL and names exactly one speaker.
type SpeakerLock struct {
	FromID    string `json:"fromId"`
	StartedAt int64  `json:"startedAt"`
	ExpiresAt int64  `json:"expiresAt"`
}

// GroupStore holds group membership and the speaker lock. Membership is kept
// bidirectionally: group:members:{g} and user:groups:{u} stay in sync so
// disconnect handling can walk a user's groups without a full scan.
type GroupStore struct {
	client *goredis.Client
	log    *logger.Logger
}

func NewGroupStore(client *goredis.Client, log *logger.Logger) *GroupStore {
	return &GroupStore{client: client, log: log}
}

func (g *GroupStore) AddUserToGroup(ctx context.Context, userID, groupID string) error {
	pipe := g.client.TxPipeline()
	pipe.SAdd(ctx, storekeys.GroupMembers(groupID), userID)
	pipe.SAdd(ctx, storekeys.UserGroups(userID), groupID)
	_, err := pipe.Exec(ctx)
	return err
}

func (g *GroupStore) RemoveUserFromGroup(ctx context.Context, userID, groupID string) error {
	pipe := g.client.TxPipeline()
	pipe.SRem(ctx, storekeys.GroupMembers(groupID), userID)
	pipe.SRem(ctx, storekeys.UserGroups(userID), groupID)
	_, err := pipe.Exec(ctx)
	return err
}

func (g *GroupStore) UsersInsideGroup(ctx context.Context, groupID string) ([]string, error) {
	return g.client.SMembers(ctx, storekeys.GroupMembers(groupID)).Result()
}

func (g *GroupStore) GroupsOfUser(ctx context.Context, userID string) ([]string, error) {
	return g.client.SMembers(ctx, storekeys.UserGroups(userID)).Result()
}

// SetCurrentSpeaker takes the speaker lock for a group. The first successful
// write wins; a different holder means the caller lost the turn race and
// gets ErrBusy. The holder itself may re-take the lock, which extends it.
func (g *GroupStore) SetCurrentSpeaker(ctx context.Context, groupID, fromID string, ttl time.Duration) error {
	now := time.Now()
	lock := SpeakerLock{
		FromID:    fromID,
		StartedAt: now.UnixMilli(),
		ExpiresAt: now.Add(ttl).UnixMilli(),
	}
	data, err := json.Marshal(lock)
	if err != nil {
		return err
	}

	key := storekeys.GroupCurrent(groupID)
	ok, err := g.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	current, err := g.CurrentSpeaker(ctx, groupID)
	if err != nil {
		return err
	}
	if current != nil && current.FromID == fromID {
		// Same speaker keeps talking: extend, preserve the original start.
		lock.StartedAt = current.StartedAt
		data, _ = json.Marshal(lock)
		return g.client.Set(ctx, key, data, ttl).Err()
	}
	return vperrors.ErrBusy
}

// CurrentSpeaker returns the lock state, or nil when nobody holds the turn.
func (g *GroupStore) CurrentSpeaker(ctx context.Context, groupID string) (*SpeakerLock, error) {
	data, err := g.client.Get(ctx, storekeys.GroupCurrent(groupID)).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var lock SpeakerLock
	if err := json.Unmarshal([]byte(data), &lock); err != nil {
		return nil, err
	}
	return &lock, nil
}

// ClearCurrentSpeaker drops the lock unconditionally.
func (g *GroupStore) ClearCurrentSpeaker(ctx context.Context, groupID string) error {
	return g.client.Del(ctx, storekeys.GroupCurrent(groupID)).Err()
}

// ClearCurrentSpeakerOf drops any lock held by this user in any of the
// user's groups. Locks held by other speakers are left alone.
func (g *GroupStore) ClearCurrentSpeakerOf(ctx context.Context, userID string) error {
	groups, err := g.GroupsOfUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, groupID := range groups {
		lock, err := g.CurrentSpeaker(ctx, groupID)
		if err != nil {
			g.log.Warnf("speaker lock read failed for group %s: %v", groupID, err)
			continue
		}
		if lock != nil && lock.FromID == userID {
			if err := g.ClearCurrentSpeaker(ctx, groupID); err != nil {
				g.log.Warnf("speaker lock clear failed for group %s: %v", groupID, err)
			}
		}
	}
	return nil
}

// RunJanitor periodically removes orphan group state. Only the leader
// instance runs this loop.
func (g *GroupStore) RunJanitor(ctx context.Context, interval time.Duration, maxGroups int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := g.CleanOrphanGroups(ctx, maxGroups)
			if err != nil {
				g.log.Warnf("group janitor cycle failed: %v", err)
				continue
			}
			if removed > 0 {
				g.log.Infof("group janitor removed %d orphan locks", removed)
			}
		}
	}
}

// CleanOrphanGroups scans at most maxGroups speaker locks and deletes those
// whose group has no members left. Returns the number removed.
func (g *GroupStore) CleanOrphanGroups(ctx context.Context, maxGroups int) (int, error) {
	var (
		cursor  uint64
		scanned int
		removed int
	)
	for scanned < maxGroups {
		keys, next, err := g.client.Scan(ctx, cursor, storekeys.GroupCurrentPattern, 100).Result()
		if err != nil {
			return removed, err
		}
		for _, key := range keys {
			if scanned >= maxGroups {
				break
			}
			scanned++
			groupID, ok := storekeys.GroupFromCurrentKey(key)
			if !ok {
				continue
			}
			members, err := g.client.SCard(ctx, storekeys.GroupMembers(groupID)).Result()
			if err != nil {
				continue
			}
			if members == 0 {
				if err := g.client.Del(ctx, key).Err(); err == nil {
					removed++
				}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return removed, nil
}

package redis

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/voiceping/router/internal/storekeys"
	"github.com/voiceping/router/pkg/logger"
)

// PresenceEvent is the JSON message published on every online/offline
// transition. Subscribers across instances must treat it as idempotent:
// duplicate offline publications for the same user are allowed.
type PresenceEvent struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	LastSeen  int64  `json:"lastSeen,omitempty"`
	DeviceID  string `json:"deviceId,omitempty"`
}

// UserStatus is one row of a bulk presence query.
type UserStatus struct {
	UserID   string `json:"userId"`
	Status   string `json:"status"`
	LastSeen int64  `json:"lastSeen"`
	DeviceID string `json:"deviceId,omitempty"`
}

// Snapshot is the initial dump sent to a freshly connected dashboard.
type Snapshot struct {
	Users       []UserStatus `json:"users"`
	TotalOnline int          `json:"totalOnline"`
	Timestamp   int64        `json:"timestamp"`
}

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// StatusMirror forwards transitions to an external user record store. It
// must never block or fail the presence operation that triggered it.
type StatusMirror interface {
	MirrorStatus(userID, status string, lastSeen int64)
}

// PresenceListener is invoked once per inbound pub/sub message on the
// presence channels.
type PresenceListener func(channel string, event PresenceEvent)

// PresenceManager keeps the online/offline directory in the store. A user is
// online iff presence:user:{id} exists; presence:meta:{id} persists across
// offline transitions so lastSeen stays queryable.
type PresenceManager struct {
	cmd     *goredis.Client
	pub     *Publisher
	sub     *Subscriber
	mirror  StatusMirror
	ttl     time.Duration
	enabled bool
	log     *logger.Logger

	mu        sync.RWMutex
	listeners []PresenceListener
}

func NewPresenceManager(store *Store, mirror StatusMirror, ttl time.Duration, enabled bool, log *logger.Logger) *PresenceManager {
	return &PresenceManager{
		cmd:     store.Cmd(),
		pub:     NewPublisher(store.Cmd()),
		sub:     NewSubscriber(store.Sub(), log),
		mirror:  mirror,
		ttl:     ttl,
		enabled: enabled,
		log:     log,
	}
}

// TTL returns the configured presence expiry.
func (p *PresenceManager) TTL() time.Duration {
	return p.ttl
}

// SetUserOnline writes the presence indicator with a TTL, updates the meta
// mapping and publishes the transition. The publish happens after the store
// write is acknowledged, never before.
func (p *PresenceManager) SetUserOnline(ctx context.Context, userID, deviceID, role string) error {
	if !p.enabled {
		return nil
	}
	now := time.Now().UnixMilli()

	pipe := p.cmd.TxPipeline()
	pipe.Set(ctx, storekeys.PresenceUser(userID), StatusOnline, p.ttl)
	pipe.HSet(ctx, storekeys.PresenceMeta(userID),
		"status", StatusOnline,
		"lastSeen", now,
		"deviceId", deviceID,
		"role", role,
	)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	event := PresenceEvent{
		Type:      "presence_update",
		UserID:    userID,
		Status:    StatusOnline,
		Timestamp: now,
		LastSeen:  now,
		DeviceID:  deviceID,
	}
	p.publish(ctx, storekeys.ChannelPresenceOnline, event)
	if p.mirror != nil {
		p.mirror.MirrorStatus(userID, StatusOnline, now)
	}
	return nil
}

// RefreshHeartbeat extends the TTL on an existing presence indicator. When
// the key has already expired this degrades to a no-op: a silent user is
// not resurrected, the expiry path owns that transition. No event is
// published since the observable state did not change.
func (p *PresenceManager) RefreshHeartbeat(ctx context.Context, userID string) error {
	if !p.enabled {
		return nil
	}
	extended, err := p.cmd.Expire(ctx, storekeys.PresenceUser(userID), p.ttl).Result()
	if err != nil {
		return err
	}
	if !extended {
		return nil
	}
	now := time.Now().UnixMilli()
	return p.cmd.HSet(ctx, storekeys.PresenceMeta(userID), "lastSeen", now).Err()
}

// SetUserOffline removes the presence indicator and flips the meta status.
// Safe to call repeatedly for the same user.
func (p *PresenceManager) SetUserOffline(ctx context.Context, userID string) error {
	if !p.enabled {
		return nil
	}
	now := time.Now().UnixMilli()

	pipe := p.cmd.TxPipeline()
	pipe.Del(ctx, storekeys.PresenceUser(userID))
	pipe.HSet(ctx, storekeys.PresenceMeta(userID),
		"status", StatusOffline,
		"lastSeen", now,
	)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	event := PresenceEvent{
		Type:      "presence_update",
		UserID:    userID,
		Status:    StatusOffline,
		Timestamp: now,
		LastSeen:  now,
	}
	p.publish(ctx, storekeys.ChannelPresenceOffline, event)
	if p.mirror != nil {
		p.mirror.MirrorStatus(userID, StatusOffline, now)
	}
	return nil
}

// BulkStatus resolves the status of many users in one pipeline round trip.
// Status derives from indicator existence; lastSeen comes from the meta
// mapping, 0 for users never seen.
func (p *PresenceManager) BulkStatus(ctx context.Context, userIDs []string) ([]UserStatus, error) {
	result := make([]UserStatus, 0, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}

	pipe := p.cmd.TxPipeline()
	existsCmds := make([]*goredis.IntCmd, len(userIDs))
	metaCmds := make([]*goredis.MapStringStringCmd, len(userIDs))
	for i, id := range userIDs {
		existsCmds[i] = pipe.Exists(ctx, storekeys.PresenceUser(id))
		metaCmds[i] = pipe.HGetAll(ctx, storekeys.PresenceMeta(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != goredis.Nil {
		return nil, err
	}

	for i, id := range userIDs {
		status := UserStatus{UserID: id, Status: StatusOffline}
		if existsCmds[i].Val() > 0 {
			status.Status = StatusOnline
		}
		meta := metaCmds[i].Val()
		if lastSeen, err := strconv.ParseInt(meta["lastSeen"], 10, 64); err == nil {
			status.LastSeen = lastSeen
		}
		if status.Status == StatusOnline {
			status.DeviceID = meta["deviceId"]
		}
		result = append(result, status)
	}
	return result, nil
}

// CurrentSnapshot enumerates every live presence indicator and bulks the
// meta for those users.
func (p *PresenceManager) CurrentSnapshot(ctx context.Context) (*Snapshot, error) {
	var (
		cursor uint64
		ids    []string
	)
	for {
		keys, next, err := p.cmd.Scan(ctx, cursor, storekeys.PresenceUserPattern, 500).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			if id, ok := storekeys.UserFromPresenceKey(key); ok {
				ids = append(ids, id)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	users, err := p.BulkStatus(ctx, ids)
	if err != nil {
		return nil, err
	}
	online := 0
	for _, u := range users {
		if u.Status == StatusOnline {
			online++
		}
	}
	return &Snapshot{
		Users:       users,
		TotalOnline: online,
		Timestamp:   time.Now().UnixMilli(),
	}, nil
}

// OnPresenceChange registers a listener for inbound presence pub/sub
// messages. Listeners run on the subscriber goroutine and must not block.
func (p *PresenceManager) OnPresenceChange(fn PresenceListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Run consumes the presence channels and the store's expired-key channel
// until ctx is cancelled. An expired presence:user:{id} key is the sole
// mechanism turning a silent mobile into an offline user.
func (p *PresenceManager) Run(ctx context.Context) {
	if !p.enabled {
		return
	}
	p.sub.Subscribe(ctx, []string{
		storekeys.ChannelPresenceOnline,
		storekeys.ChannelPresenceOffline,
		storekeys.ChannelPresenceUpdates,
		storekeys.ChannelKeyExpired,
	}, p.handleMessage)
}

func (p *PresenceManager) handleMessage(channel string, payload []byte) {
	if channel == storekeys.ChannelKeyExpired {
		p.HandleExpiredKey(string(payload))
		return
	}

	var event PresenceEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		p.log.Warnf("malformed presence event on %s: %v", channel, err)
		return
	}

	p.mu.RLock()
	listeners := p.listeners
	p.mu.RUnlock()
	for _, fn := range listeners {
		fn(channel, event)
	}
}

// HandleExpiredKey maps an expired presence indicator to an offline
// transition. Keys from other namespaces are ignored.
func (p *PresenceManager) HandleExpiredKey(key string) {
	userID, ok := storekeys.UserFromPresenceKey(key)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.SetUserOffline(ctx, userID); err != nil {
		p.log.Warnf("expiry-driven offline failed for %s: %v", userID, err)
	}
}

// publish sends the transition to its dedicated channel and to the shared
// updates channel. Publish failures degrade locally, they never cascade
// into the PTT path.
func (p *PresenceManager) publish(ctx context.Context, channel string, event PresenceEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := p.pub.Publish(ctx, channel, data); err != nil {
		p.log.Warnf("presence publish on %s failed: %v", channel, err)
	}
	if err := p.pub.Publish(ctx, storekeys.ChannelPresenceUpdates, data); err != nil {
		p.log.Warnf("presence publish on %s failed: %v", storekeys.ChannelPresenceUpdates, err)
	}
}

package server

import (
	"context"
	"sync"
	"time"

	"github.com/voiceping/router/internal/protocol"
	"github.com/voiceping/router/internal/redis"
	vperrors "github.com/voiceping/router/pkg/errors"
)

type fakeSocket struct {
	key      string
	userID   string
	deviceID string
	role     string

	mu     sync.Mutex
	frames []*protocol.Frame
	closed bool
}

func newFakeSocket(key, userID, role string) *fakeSocket {
	return &fakeSocket{key: key, userID: userID, deviceID: "device-" + key, role: role}
}

func (s *fakeSocket) Key() string      { return s.key }
func (s *fakeSocket) ClientID() string { return "token-" + s.userID }
func (s *fakeSocket) DeviceID() string { return s.deviceID }
func (s *fakeSocket) UserID() string   { return s.userID }
func (s *fakeSocket) Role() string     { return s.role }

func (s *fakeSocket) SendFrame(f *protocol.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vperrors.ErrSocketClosed
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeSocket) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSocket) framesOfType(t protocol.MessageType) []*protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*protocol.Frame
	for _, f := range s.frames {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

type fakePresence struct {
	mu         sync.Mutex
	online     []string
	offline    []string
	heartbeats []string
	listeners  []redis.PresenceListener
	statuses   []redis.UserStatus
	statusErr  error
}

func (p *fakePresence) SetUserOnline(ctx context.Context, userID, deviceID, role string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = append(p.online, userID)
	return nil
}

func (p *fakePresence) SetUserOffline(ctx context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offline = append(p.offline, userID)
	return nil
}

func (p *fakePresence) RefreshHeartbeat(ctx context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.heartbeats = append(p.heartbeats, userID)
	return nil
}

func (p *fakePresence) BulkStatus(ctx context.Context, userIDs []string) ([]redis.UserStatus, error) {
	if p.statusErr != nil {
		return nil, p.statusErr
	}
	return p.statuses, nil
}

func (p *fakePresence) CurrentSnapshot(ctx context.Context) (*redis.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &redis.Snapshot{
		Users:       p.statuses,
		TotalOnline: len(p.statuses),
		Timestamp:   time.Now().UnixMilli(),
	}, nil
}

func (p *fakePresence) OnPresenceChange(fn redis.PresenceListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

func (p *fakePresence) fire(channel string, event redis.PresenceEvent) {
	p.mu.Lock()
	listeners := append([]redis.PresenceListener(nil), p.listeners...)
	p.mu.Unlock()
	for _, fn := range listeners {
		fn(channel, event)
	}
}

func (p *fakePresence) onlineUsers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.online...)
}

func (p *fakePresence) offlineUsers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.offline...)
}

func (p *fakePresence) heartbeatUsers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.heartbeats...)
}

type fakeGroups struct {
	mu      sync.Mutex
	members map[string][]string
	holders map[string]string
	cleared []string
}

func newFakeGroups() *fakeGroups {
	return &fakeGroups{
		members: make(map[string][]string),
		holders: make(map[string]string),
	}
}

func (g *fakeGroups) UsersInsideGroup(ctx context.Context, groupID string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.members[groupID]...), nil
}

func (g *fakeGroups) SetCurrentSpeaker(ctx context.Context, groupID, fromID string, ttl time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if holder, ok := g.holders[groupID]; ok && holder != fromID {
		return vperrors.ErrBusy
	}
	g.holders[groupID] = fromID
	return nil
}

func (g *fakeGroups) ClearCurrentSpeaker(ctx context.Context, groupID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.holders, groupID)
	return nil
}

func (g *fakeGroups) ClearCurrentSpeakerOf(ctx context.Context, userID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cleared = append(g.cleared, userID)
	for groupID, holder := range g.holders {
		if holder == userID {
			delete(g.holders, groupID)
		}
	}
	return nil
}

func (g *fakeGroups) clearedUsers() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.cleared...)
}

package server

import (
	"context"
	"sync"
	"time"

	"github.com/voiceping/router/internal/auth"
	"github.com/voiceping/router/internal/protocol"
	"github.com/voiceping/router/internal/redis"
	"github.com/voiceping/router/internal/storekeys"
	vperrors "github.com/voiceping/router/pkg/errors"
	"github.com/voiceping/router/pkg/logger"
)

const storeOpTimeout = 5 * time.Second

// Presence is the slice of the presence manager the router depends on.
type Presence interface {
	SetUserOnline(ctx context.Context, userID, deviceID, role string) error
	SetUserOffline(ctx context.Context, userID string) error
	RefreshHeartbeat(ctx context.Context, userID string) error
	BulkStatus(ctx context.Context, userIDs []string) ([]redis.UserStatus, error)
	CurrentSnapshot(ctx context.Context) (*redis.Snapshot, error)
	OnPresenceChange(fn redis.PresenceListener)
}

// Groups is the slice of the group store the router depends on.
type Groups interface {
	UsersInsideGroup(ctx context.Context, groupID string) ([]string, error)
	SetCurrentSpeaker(ctx context.Context, groupID, fromID string, ttl time.Duration) error
	ClearCurrentSpeaker(ctx context.Context, groupID string) error
	ClearCurrentSpeakerOf(ctx context.Context, userID string) error
}

// RouterConfig carries the PTT turn parameters.
type RouterConfig struct {
	GroupBusyTimeout time.Duration
	MaxTurnDuration  time.Duration
	MaxIdleDuration  time.Duration
	Echo             bool
}

// turn tracks one user's active audio turn on this instance.
type turn struct {
	group      string
	started    time.Time
	lastAudio  time.Time
	lastExtend time.Time
}

// Router owns the connection tables and all frame dispatch: unicast, group
// fan-out and the presence bridge to dashboard sockets. The tables are
// private to this instance; cross-instance state lives in the store.
type Router struct {
	cfg      RouterConfig
	log      *logger.Logger
	presence Presence
	groups   Groups

	mu         sync.RWMutex
	clients    map[string]*Client
	sockets    map[string]Socket
	dashboards map[string]Socket
	turns      map[string]*turn
}

func NewRouter(cfg RouterConfig, presence Presence, groups Groups, log *logger.Logger) *Router {
	return &Router{
		cfg:        cfg,
		log:        log,
		presence:   presence,
		groups:     groups,
		clients:    make(map[string]*Client),
		sockets:    make(map[string]Socket),
		dashboards: make(map[string]Socket),
		turns:      make(map[string]*turn),
	}
}

// BindPresence bridges presence transitions to the dashboard broadcast set.
// Only the shared updates channel is bridged so each transition reaches a
// dashboard exactly once.
func (r *Router) BindPresence() {
	r.presence.OnPresenceChange(func(channel string, event redis.PresenceEvent) {
		if channel != storekeys.ChannelPresenceUpdates {
			return
		}
		payload, err := protocol.NewPayload(event)
		if err != nil {
			return
		}
		frame := &protocol.Frame{
			Channel: protocol.ChannelPrivate,
			Type:    protocol.MessagePresenceUpdate,
			To:      "broadcast",
			Payload: payload,
		}
		r.broadcastDashboards(frame)
	})
}

// Attach registers an accepted socket and returns the sink its connection
// must use. Dashboard sockets join the broadcast set and get an immediate
// snapshot; mobile sockets go online in the presence directory.
func (r *Router) Attach(s Socket) ConnectionSink {
	userID := s.UserID()

	r.mu.Lock()
	client, ok := r.clients[userID]
	if !ok {
		client = NewClient(userID, r, r.log)
		r.clients[userID] = client
	}
	r.sockets[s.Key()] = s
	dashboard := isDashboard(s.Role())
	if dashboard {
		r.dashboards[s.Key()] = s
	}
	r.mu.Unlock()

	sink := client.RegisterSocket(s)

	s.SendFrame(&protocol.Frame{
		Channel: protocol.ChannelPrivate,
		Type:    protocol.MessageConnectionAck,
		To:      userID,
	})

	if dashboard {
		go r.sendSnapshot(s)
	} else {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
			defer cancel()
			if err := r.presence.SetUserOnline(ctx, userID, s.DeviceID(), s.Role()); err != nil {
				r.log.Warnf("set online failed for %s: %v", userID, err)
			}
		}()
	}
	return sink
}

// OnFrame dispatches one inbound frame from a client.
func (r *Router) OnFrame(f *protocol.Frame, c *Client) {
	switch {
	case f.Type == protocol.MessageHeartbeat:
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
			defer cancel()
			if err := r.presence.RefreshHeartbeat(ctx, c.UserID()); err != nil {
				r.log.Warnf("heartbeat refresh failed for %s: %v", c.UserID(), err)
			}
		}()

	case f.Type == protocol.MessageRegister,
		f.Channel == protocol.ChannelGroup && f.Type == protocol.MessageConnection:
		// Device-token registration rides the message stream but is not
		// routed anywhere; push delivery is someone else's job.
		r.log.Infof("device token update from %s", c.UserID())

	case f.Channel == protocol.ChannelPrivate:
		r.routePrivate(f, c)

	case f.Channel == protocol.ChannelGroup:
		r.routeGroup(f, c)
	}
}

// OnLiveness runs on every transport-level ping or pong from a client's
// socket. A mobile's presence TTL is refreshed so a quiet but responsive
// connection is never expired offline.
func (r *Router) OnLiveness(c *Client) {
	if isDashboard(c.Role()) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
		defer cancel()
		if err := r.presence.RefreshHeartbeat(ctx, c.UserID()); err != nil {
			r.log.Warnf("liveness refresh failed for %s: %v", c.UserID(), err)
		}
	}()
}

func (r *Router) routePrivate(f *protocol.Frame, sender *Client) {
	r.mu.RLock()
	target := r.clients[f.To]
	r.mu.RUnlock()

	if target == nil || !target.Deliver(f) {
		// Cross-instance unicast is out of scope: not resident, not routed.
		r.log.Debugf("dropping private %s frame for absent user %s", f.Type, f.To)
		return
	}

	if f.Type == protocol.MessageText || f.Type == protocol.MessageAudio {
		payload, _ := protocol.NewPayload(map[string]int{"messageType": int(f.Type)})
		sender.Deliver(&protocol.Frame{
			Channel: protocol.ChannelPrivate,
			Type:    protocol.MessageAck,
			From:    f.To,
			To:      f.From,
			Payload: payload,
		})
	}
}

func (r *Router) routeGroup(f *protocol.Frame, sender *Client) {
	groupID := f.To

	if f.Type == protocol.MessageAudio {
		if err := r.takeTurn(groupID, sender.UserID()); err != nil {
			// Losers of the turn race do not retry; the frame is dropped.
			r.log.Debugf("audio from %s dropped, group %s busy", sender.UserID(), groupID)
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	members, err := r.groups.UsersInsideGroup(ctx, groupID)
	cancel()
	if err != nil {
		// A failed member lookup degrades to an empty recipient set.
		r.log.Warnf("member lookup failed for group %s: %v", groupID, err)
		return
	}

	r.SendMessageToGroup(f, members, r.cfg.Echo)
}

// SendMessageToGroup fans a frame out to the resident members of a group.
// The sender is excluded unless echo is on.
func (r *Router) SendMessageToGroup(f *protocol.Frame, members []string, echo bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, member := range members {
		if member == f.From && !echo {
			continue
		}
		if client, ok := r.clients[member]; ok {
			client.Deliver(f)
		}
	}
}

// takeTurn enforces one speaker per group. The first audio frame of a turn
// takes the store lock; later frames of the same turn extend it lazily. A
// turn ends on idle, on the duration cap, or on disconnect.
func (r *Router) takeTurn(groupID, userID string) error {
	now := time.Now()

	r.mu.Lock()
	t := r.turns[userID]
	active := t != nil && t.group == groupID &&
		now.Sub(t.lastAudio) <= r.cfg.MaxIdleDuration &&
		now.Sub(t.started) <= r.cfg.MaxTurnDuration
	if active {
		t.lastAudio = now
		needExtend := now.Sub(t.lastExtend) > r.cfg.GroupBusyTimeout/4
		if needExtend {
			t.lastExtend = now
		}
		r.mu.Unlock()
		if needExtend {
			ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
			defer cancel()
			return r.groups.SetCurrentSpeaker(ctx, groupID, userID, r.cfg.GroupBusyTimeout)
		}
		return nil
	}

	capped := t != nil && t.group == groupID && now.Sub(t.started) > r.cfg.MaxTurnDuration
	var switched string
	if t != nil && t.group != groupID {
		switched = t.group
	}
	delete(r.turns, userID)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()

	// Starting audio in another group ends the previous turn, lock included.
	if switched != "" {
		if err := r.groups.ClearCurrentSpeaker(ctx, switched); err != nil {
			r.log.Warnf("speaker lock clear failed for group %s: %v", switched, err)
		}
	}

	if capped {
		r.groups.ClearCurrentSpeaker(ctx, groupID)
		return vperrors.ErrBusy
	}

	if err := r.groups.SetCurrentSpeaker(ctx, groupID, userID, r.cfg.GroupBusyTimeout); err != nil {
		return err
	}

	r.mu.Lock()
	r.turns[userID] = &turn{group: groupID, started: now, lastAudio: now, lastExtend: now}
	r.mu.Unlock()
	return nil
}

// RunTurnInspector clears speaker locks of turns that went silent for
// longer than the idle bound. The socket itself stays up; only the lock is
// released.
func (r *Router) RunTurnInspector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.inspectTurns()
		}
	}
}

func (r *Router) inspectTurns() {
	now := time.Now()
	stale := make(map[string]string)

	r.mu.Lock()
	for userID, t := range r.turns {
		if now.Sub(t.lastAudio) > r.cfg.MaxIdleDuration {
			stale[userID] = t.group
			delete(r.turns, userID)
		}
	}
	r.mu.Unlock()

	for userID, groupID := range stale {
		ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
		if err := r.groups.ClearCurrentSpeaker(ctx, groupID); err != nil {
			r.log.Warnf("idle speaker lock clear failed for %s: %v", userID, err)
		}
		cancel()
	}
}

// OnSocketClosed drops a closed socket from the tables. Runs for displaced
// sockets too, not just the current one.
func (r *Router) OnSocketClosed(s Socket) {
	r.mu.Lock()
	delete(r.sockets, s.Key())
	delete(r.dashboards, s.Key())
	r.mu.Unlock()
}

// OnUnregister runs when a client's last socket closed: speaker locks are
// released and a mobile goes offline immediately rather than waiting for
// TTL expiry.
func (r *Router) OnUnregister(c *Client) {
	userID := c.UserID()

	r.mu.Lock()
	delete(r.turns, userID)
	delete(r.clients, userID)
	r.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
		defer cancel()
		if err := r.groups.ClearCurrentSpeakerOf(ctx, userID); err != nil {
			r.log.Warnf("speaker lock cleanup failed for %s: %v", userID, err)
		}
	}()

	if !isDashboard(c.Role()) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
			defer cancel()
			if err := r.presence.SetUserOffline(ctx, userID); err != nil {
				r.log.Warnf("set offline failed for %s: %v", userID, err)
			}
		}()
	}
}

func (r *Router) sendSnapshot(s Socket) {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()

	snapshot, err := r.presence.CurrentSnapshot(ctx)
	if err != nil {
		r.log.Warnf("presence snapshot failed: %v", err)
		return
	}
	payload, err := protocol.NewPayload(snapshot)
	if err != nil {
		return
	}
	s.SendFrame(&protocol.Frame{
		Channel: protocol.ChannelPrivate,
		Type:    protocol.MessagePresenceSnapshot,
		To:      s.UserID(),
		Payload: payload,
	})
}

func (r *Router) broadcastDashboards(f *protocol.Frame) {
	r.mu.RLock()
	targets := make([]Socket, 0, len(r.dashboards))
	for _, s := range r.dashboards {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		s.SendFrame(f)
	}
}

// CloseAll tears down every active connection. Used during shutdown.
func (r *Router) CloseAll() {
	r.mu.Lock()
	sockets := make([]Socket, 0, len(r.sockets))
	for _, s := range r.sockets {
		sockets = append(sockets, s)
	}
	r.mu.Unlock()

	for _, s := range sockets {
		s.Close()
	}
}

// ClientCount reports the number of resident clients.
func (r *Router) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func isDashboard(role string) bool {
	return role == auth.RoleWeb || role == auth.RoleDashboard
}

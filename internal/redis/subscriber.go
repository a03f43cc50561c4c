package redis

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/voiceping/router/pkg/logger"
)

// Subscriber receives pub/sub traffic on the subscribe connection. go-redis
// re-establishes the subscription transparently after a connection loss; the
// receive loop backs off and re-enters on transient errors.
type Subscriber struct {
	client *goredis.Client
	log    *logger.Logger
}

func NewSubscriber(client *goredis.Client, log *logger.Logger) *Subscriber {
	return &Subscriber{client: client, log: log}
}

// Subscribe listens on the given channels until ctx is cancelled, invoking
// handler once per inbound message.
func (s *Subscriber) Subscribe(ctx context.Context, channels []string, handler func(channel string, payload []byte)) {
	sub := s.client.Subscribe(ctx, channels...)
	defer sub.Close()
	s.receive(ctx, sub, handler)
}

// PSubscribe is the pattern-matching variant of Subscribe.
func (s *Subscriber) PSubscribe(ctx context.Context, patterns []string, handler func(channel string, payload []byte)) {
	sub := s.client.PSubscribe(ctx, patterns...)
	defer sub.Close()
	s.receive(ctx, sub, handler)
}

func (s *Subscriber) receive(ctx context.Context, sub *goredis.PubSub, handler func(channel string, payload []byte)) {
	backoff := time.Second
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warnf("pubsub receive failed, retrying in %s: %v", backoff, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		handler(msg.Channel, []byte(msg.Payload))
	}
}

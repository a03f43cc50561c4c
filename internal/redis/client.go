package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/voiceping/router/pkg/logger"
)

type Config struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Store owns the two connections to the shared key/value store. The command
// connection issues reads, writes and publishes; the subscribe connection
// only ever receives pub/sub. The protocol forbids mixing the two, so they
// are never swapped.
type Store struct {
	cmd *goredis.Client
	sub *goredis.Client
	log *logger.Logger

	expiryEvents bool
}

func NewStore(cfg Config, log *logger.Logger) *Store {
	return &Store{
		cmd: newClient(cfg),
		sub: newClient(cfg),
		log: log,
	}
}

// NewStoreFromClients wires a Store over pre-built connections. Used in tests.
func NewStoreFromClients(cmd, sub *goredis.Client, log *logger.Logger) *Store {
	return &Store{cmd: cmd, sub: sub, log: log}
}

func newClient(cfg Config) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Cmd returns the command connection.
func (s *Store) Cmd() *goredis.Client {
	return s.cmd
}

// Sub returns the subscribe connection.
func (s *Store) Sub() *goredis.Client {
	return s.sub
}

func (s *Store) Ping(ctx context.Context) error {
	return s.cmd.Ping(ctx).Err()
}

// EnableKeyspaceEvents turns on expired-key notifications for DB 0. Only the
// leader instance issues this. Failure is not fatal: expiry-driven offline
// transitions stay disabled and the condition is logged.
func (s *Store) EnableKeyspaceEvents(ctx context.Context) error {
	if err := s.cmd.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		s.log.Warnf("could not enable keyspace events, expiry-driven offline disabled: %v", err)
		s.expiryEvents = false
		return err
	}
	s.expiryEvents = true
	return nil
}

// ExpiryEventsEnabled reports whether the store emits expired-key events.
func (s *Store) ExpiryEventsEnabled() bool {
	return s.expiryEvents
}

// Close tears down the subscribe connection before the command connection.
func (s *Store) Close() error {
	subErr := s.sub.Close()
	cmdErr := s.cmd.Close()
	if subErr != nil {
		return subErr
	}
	return cmdErr
}

package main

import (
	"context"
	"os"
	"time"

	"github.com/voiceping/router/config"
	"github.com/voiceping/router/internal/auth"
	"github.com/voiceping/router/internal/mirror"
	"github.com/voiceping/router/internal/redis"
	"github.com/voiceping/router/internal/server"
	"github.com/voiceping/router/pkg/logger"
)

func main() {
	cfg := config.LoadConfig()

	mode := logger.DevelopmentMode
	if cfg.AppMode == server.ReleaseMode {
		mode = logger.ProductionMode
	}
	log := logger.New(mode)
	defer log.Sync()

	store := redis.NewStore(redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
	}, log)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := store.Ping(ctx); err != nil {
		cancel()
		log.Errorf("store unavailable at %s: %v", cfg.RedisAddr(), err)
		os.Exit(1)
	}
	cancel()

	var statusMirror redis.StatusMirror
	if cfg.DynamoDBEnabled {
		m, err := mirror.New(context.Background(), mirror.Config{
			Table:     cfg.DynamoDBTable,
			Region:    cfg.AWSRegion,
			AccessKey: cfg.MirrorAccessKey,
			SecretKey: cfg.MirrorSecretKey,
		}, log)
		if err != nil {
			log.Warnf("status mirror disabled: %v", err)
		} else {
			statusMirror = m
			defer m.Close()
		}
	}

	presence := redis.NewPresenceManager(store, statusMirror, cfg.PresenceTTL, cfg.PresenceEnabled, log)
	groups := redis.NewGroupStore(store.Cmd(), log)
	resolver := auth.NewResolver(cfg.SecretKey, cfg.UseAuthentication)

	srv := server.New(cfg, log, store, presence, groups, resolver)
	if err := srv.Start(); err != nil {
		os.Exit(1)
	}
}

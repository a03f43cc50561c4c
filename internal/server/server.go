package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/voiceping/router/config"
	"github.com/voiceping/router/internal/redis"
	"github.com/voiceping/router/pkg/logger"
)

var (
	ReleaseMode = "release"
	DebugMode   = "debug"
	TestMode    = "test"
)

// Server wires the store, presence, groups and router together and owns the
// process lifecycle.
type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	config     *config.Config
	logger     *logger.Logger

	store    *redis.Store
	presence *redis.PresenceManager
	groups   *redis.GroupStore
	router   *Router
}

func New(cfg *config.Config, l *logger.Logger, store *redis.Store, presence *redis.PresenceManager, groups *redis.GroupStore, resolver UserResolver) *Server {
	if cfg.AppMode == ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	} else if cfg.AppMode == TestMode {
		gin.SetMode(gin.TestMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	router := NewRouter(RouterConfig{
		GroupBusyTimeout: cfg.GroupBusyTimeout,
		MaxTurnDuration:  cfg.MaxTurnDuration,
		MaxIdleDuration:  cfg.MaxIdleDuration,
	}, presence, groups, l)

	ws := NewWebSocketHandler(router, resolver, cfg.PingInterval, l)
	RegisterRoutes(engine, presence, ws)

	return &Server{
		httpServer: &http.Server{
			Addr:    fmt.Sprintf(":%s", cfg.AppPort),
			Handler: engine,
		},
		engine:   engine,
		config:   cfg,
		logger:   l,
		store:    store,
		presence: presence,
		groups:   groups,
		router:   router,
	}
}

// Router exposes the frame router, mainly for tests.
func (s *Server) Router() *Router {
	return s.router
}

// Start runs until SIGINT/SIGTERM, then shuts down in a deterministic
// order: HTTP and accept loop, active connections, store subscriptions,
// store commands.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The leader owns the store-side periodic work; followers only consume.
	if s.config.Leader {
		s.store.EnableKeyspaceEvents(ctx)
		go s.groups.RunJanitor(ctx, s.config.CleanInterval, s.config.CleanGroupsAmount)
	}

	s.router.BindPresence()
	go s.presence.Run(ctx)
	go s.router.RunTurnInspector(ctx, s.config.GroupInspectInterval)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("router listening on :%s", s.config.AppPort)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	select {
	case err := <-errCh:
		s.logger.Errorf("listen failed: %v", err)
		return err
	case <-quit:
		s.logger.Infof("shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warnf("http shutdown: %v", err)
	}

	s.router.CloseAll()
	cancel()

	if err := s.store.Close(); err != nil {
		s.logger.Warnf("store close: %v", err)
	}

	s.logger.Infof("router stopped")
	return nil
}

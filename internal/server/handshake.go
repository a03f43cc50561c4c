package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voiceping/router/internal/auth"
	"github.com/voiceping/router/pkg/logger"
)

const resolveTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// UserResolver turns a bearer token into an identity. Pluggable so the
// router never owns credential issuance.
type UserResolver interface {
	Resolve(ctx context.Context, token string) (auth.Identity, error)
}

// WebSocketHandler accepts socket handshakes: credential extraction, token
// resolution under a deadline, upgrade, then hand-off to the router.
type WebSocketHandler struct {
	router       *Router
	resolver     UserResolver
	pingInterval time.Duration
	log          *logger.Logger
}

func NewWebSocketHandler(router *Router, resolver UserResolver, pingInterval time.Duration, log *logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		router:       router,
		resolver:     resolver,
		pingInterval: pingInterval,
		log:          log,
	}
}

// Handle upgrades HTTP to WebSocket.
func (h *WebSocketHandler) Handle(c *gin.Context) {
	token, deviceID := extractCredentials(c.Request)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), resolveTimeout)
	defer cancel()

	identity, err := h.resolver.Resolve(ctx, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	// Echo the first subprotocol back so clients that carried credentials
	// there complete their handshake.
	var responseHeader http.Header
	if protocols := websocket.Subprotocols(c.Request); len(protocols) > 0 {
		responseHeader = http.Header{"Sec-WebSocket-Protocol": {protocols[0]}}
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, responseHeader)
	if err != nil {
		h.log.Warnf("websocket upgrade failed for %s: %v", identity.UserID, err)
		return
	}

	conn := NewConnection(ws, uuid.New().String(), token, deviceID, identity.UserID, identity.Role, h.pingInterval, h.log)
	sink := h.router.Attach(conn)
	conn.SetSink(sink)
	conn.Start()
}

// extractCredentials pulls the token and device id from the handshake
// headers, falling back to the websocket subprotocol list [token, deviceId].
func extractCredentials(r *http.Request) (token, deviceID string) {
	for _, header := range []string{"token", "voicepingtoken"} {
		if value := r.Header.Get(header); value != "" {
			token = value
			break
		}
	}
	for _, header := range []string{"device_id", "deviceid"} {
		if value := r.Header.Get(header); value != "" {
			deviceID = value
			break
		}
	}

	if token == "" || deviceID == "" {
		protocols := websocket.Subprotocols(r)
		if token == "" && len(protocols) > 0 {
			token = strings.TrimSpace(protocols[0])
		}
		if deviceID == "" && len(protocols) > 1 {
			deviceID = strings.TrimSpace(protocols[1])
		}
	}
	return token, deviceID
}

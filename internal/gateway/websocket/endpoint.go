package websocket

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/common/logger"
)

// upgrader for /kernel connections. Origin checking is relaxed for dev, in
// line with the HTTP plane's permissive CORS.
var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Endpoint upgrades /kernel requests into hub clients.
type Endpoint struct {
	hub    *Hub
	logger *logger.Logger
}

// NewEndpoint creates the endpoint handler.
func NewEndpoint(hub *Hub, log *logger.Logger) *Endpoint {
	return &Endpoint{hub: hub, logger: log.WithComponent("ws_endpoint")}
}

// Handle upgrades one connection. A ?token= query param authenticates the
// client up front; otherwise the first auth command does.
func (e *Endpoint) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		e.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, e.hub, nil, e.logger)

	if token := c.Query("token"); token != "" {
		if u, err := e.hub.dispatcher.deps.Auth.ValidateToken(c.Request.Context(), token); err == nil && u != nil {
			client.setUser(u)
		}
	}

	e.hub.Register(client)
	go client.WritePump()
	// The request context dies with the upgrade handler; the connection
	// lives on its own.
	go client.ReadPump(context.Background())
}

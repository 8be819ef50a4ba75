// Package websocket serves the /kernel control plane: one endpoint carrying
// command frames from clients and event broadcasts from the kernel.
package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/events"
	v1 "github.com/aether-os/aether/pkg/kernel/v1"
)

// forwardedEvents is the curated set of bus events every connected client
// receives.
var forwardedEvents = map[string]bool{
	v1.EventKernelReady:   true,
	v1.EventKernelMetrics: true,

	v1.EventProcessSpawned:     true,
	v1.EventProcessStateChange: true,
	v1.EventProcessExit:        true,
	v1.EventProcessReaped:      true,

	v1.EventAgentThought:     true,
	v1.EventAgentAction:      true,
	v1.EventAgentObservation: true,
	v1.EventAgentPhaseChange: true,
	v1.EventAgentProgress:    true,
	v1.EventAgentFileCreated: true,
	v1.EventAgentBrowsing:    true,

	v1.EventIPCDelivered: true,
	v1.EventIPCMessage:   true,

	v1.EventContainerCreated: true,
	v1.EventContainerStarted: true,
	v1.EventContainerStopped: true,
	v1.EventContainerRemoved: true,

	v1.EventFSChanged: true,

	v1.EventTTYOutput: true,
	v1.EventTTYOpened: true,
	v1.EventTTYClosed: true,

	v1.EventPluginLoaded: true,
	v1.EventPluginError:  true,

	v1.EventMCPToolsDiscovered:    true,
	v1.EventMCPServerConnected:    true,
	v1.EventMCPServerDisconnected: true,

	v1.EventOpenClawSkillImported: true,
	v1.EventOpenClawBatchImported: true,
}

// Hub manages all connected control-plane clients.
type Hub struct {
	dispatcher *Dispatcher
	logger     *logger.Logger

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	mu      sync.RWMutex
	clients map[*Client]bool
}

// NewHub creates the hub and wires the curated bus forwarding.
func NewHub(dispatcher *Dispatcher, bus *events.Bus, log *logger.Logger) *Hub {
	h := &Hub{
		dispatcher: dispatcher,
		logger:     log.WithComponent("ws_hub"),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		clients:    make(map[*Client]bool),
	}

	bus.OnAny(func(e *events.Event) {
		if !forwardedEvents[e.Type] {
			return
		}
		frame, err := v1.EventFrame(e.Type, e.Payload)
		if err != nil {
			h.logger.Error("failed to encode event frame", zap.String("type", e.Type), zap.Error(err))
			return
		}
		select {
		case h.broadcast <- frame:
		default:
			h.logger.Warn("broadcast queue full, dropping event", zap.String("type", e.Type))
		}
	})
	return h
}

// Run processes registrations and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case frame := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				client.sendBytes(frame)
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.closeSend()
		delete(h.clients, client)
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.closeSend()
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

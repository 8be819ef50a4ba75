package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/common/config"
	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/kernel/errs"
	"github.com/aether-os/aether/internal/process"
	"github.com/aether-os/aether/internal/store"
)

const (
	healthSubject      = "aether.cluster.health"
	spawnSubjectPrefix = "aether.cluster.spawn."

	healthInterval = 5 * time.Second
	offlineAfter   = 3 * healthInterval
	spawnTimeout   = 15 * time.Second
)

// nodeHealth is one node's periodic heartbeat.
type nodeHealth struct {
	NodeID   string `json:"node_id"`
	Load     int    `json:"load"`
	Capacity int    `json:"capacity"`
}

// spawnRequest travels hub -> node.
type spawnRequest struct {
	Config   process.SpawnConfig `json:"config"`
	UID      string              `json:"uid"`
	OwnerUID string              `json:"owner_uid"`
}

// spawnReply travels node -> hub.
type spawnReply struct {
	PID   int64  `json:"pid"`
	Error string `json:"error,omitempty"`
}

type clusterNode struct {
	health   nodeHealth
	lastSeen time.Time
}

// ClusterRouter routes spawns across nodes. Standalone mode executes
// locally and never touches NATS; hub mode picks the least-loaded online
// node; node mode serves forwarded spawns and reports health.
type ClusterRouter struct {
	cfg    config.ClusterConfig
	local  Spawner
	conn   *nats.Conn
	logger *logger.Logger

	mu    sync.Mutex
	nodes map[string]*clusterNode
}

// NewClusterRouter creates the router. In standalone mode natsConn is nil.
func NewClusterRouter(cfg config.ClusterConfig, local Spawner, log *logger.Logger) *ClusterRouter {
	return &ClusterRouter{
		cfg:    cfg,
		local:  local,
		logger: log.WithComponent("cluster"),
		nodes:  make(map[string]*clusterNode),
	}
}

// Start connects to NATS for hub/node roles. Standalone is a no-op.
func (r *ClusterRouter) Start(ctx context.Context) error {
	if r.cfg.Role == "standalone" {
		return nil
	}

	conn, err := nats.Connect(r.cfg.NATSURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	r.conn = conn

	switch r.cfg.Role {
	case "hub":
		if _, err := conn.Subscribe(healthSubject, r.onHealth); err != nil {
			return fmt.Errorf("subscribe health: %w", err)
		}
	case "node":
		subject := spawnSubjectPrefix + r.cfg.NodeID
		if _, err := conn.Subscribe(subject, r.onSpawnRequest); err != nil {
			return fmt.Errorf("subscribe spawn: %w", err)
		}
		go r.reportHealth(ctx)
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	r.logger.Info("cluster router started",
		zap.String("role", r.cfg.Role),
		zap.String("node_id", r.cfg.NodeID))
	return nil
}

// Spawn routes one spawn. Hubs forward to the best node and fall back to
// local execution when no node is online.
func (r *ClusterRouter) Spawn(ctx context.Context, cfg process.SpawnConfig, parentPID int64, uid, ownerUID string) (*store.ProcessRecord, error) {
	if r.cfg.Role != "hub" {
		return r.local.Spawn(ctx, cfg, parentPID, uid, ownerUID)
	}

	nodeID, ok := r.pickNode()
	if !ok {
		return r.local.Spawn(ctx, cfg, parentPID, uid, ownerUID)
	}

	payload, err := json.Marshal(spawnRequest{Config: cfg, UID: uid, OwnerUID: ownerUID})
	if err != nil {
		return nil, fmt.Errorf("encode spawn request: %w", err)
	}
	msg, err := r.conn.RequestWithContext(ctx, spawnSubjectPrefix+nodeID, payload)
	if err != nil {
		r.markOffline(nodeID)
		r.logger.Warn("spawn forward failed, falling back to local",
			zap.String("node", nodeID), zap.Error(err))
		return r.local.Spawn(ctx, cfg, parentPID, uid, ownerUID)
	}

	var reply spawnReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode spawn reply: %w", err)
	}
	if reply.Error != "" {
		return nil, errs.New("internal", "remote spawn failed: %s", reply.Error)
	}
	return &store.ProcessRecord{PID: reply.PID, UID: uid, OwnerUID: ownerUID, State: store.StateRunning}, nil
}

// Alive reports local liveness; remote processes are the remote node's.
func (r *ClusterRouter) Alive(pid int64) bool {
	return r.local.Alive(pid)
}

// pickNode returns the online node with the lowest load/capacity ratio.
func (r *ClusterRouter) pickNode() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	bestID := ""
	bestRatio := 2.0
	for id, node := range r.nodes {
		if now.Sub(node.lastSeen) > offlineAfter {
			continue
		}
		capacity := node.health.Capacity
		if capacity <= 0 {
			continue
		}
		ratio := float64(node.health.Load) / float64(capacity)
		if ratio >= 1.0 {
			continue
		}
		if ratio < bestRatio {
			bestRatio = ratio
			bestID = id
		}
	}
	return bestID, bestID != ""
}

func (r *ClusterRouter) markOffline(nodeID string) {
	r.mu.Lock()
	delete(r.nodes, nodeID)
	r.mu.Unlock()
}

func (r *ClusterRouter) onHealth(msg *nats.Msg) {
	var health nodeHealth
	if err := json.Unmarshal(msg.Data, &health); err != nil {
		r.logger.Debug("corrupt health report", zap.Error(err))
		return
	}
	r.mu.Lock()
	r.nodes[health.NodeID] = &clusterNode{health: health, lastSeen: time.Now()}
	r.mu.Unlock()
}

func (r *ClusterRouter) onSpawnRequest(msg *nats.Msg) {
	var req spawnRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		r.respond(msg, spawnReply{Error: "corrupt spawn request"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), spawnTimeout)
	defer cancel()

	rec, err := r.local.Spawn(ctx, req.Config, 0, req.UID, req.OwnerUID)
	if err != nil {
		r.respond(msg, spawnReply{Error: err.Error()})
		return
	}
	r.respond(msg, spawnReply{PID: rec.PID})
}

func (r *ClusterRouter) respond(msg *nats.Msg, reply spawnReply) {
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		r.logger.Debug("failed to respond to spawn request", zap.Error(err))
	}
}

// reportHealth publishes this node's load until ctx is done.
func (r *ClusterRouter) reportHealth(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			load := 0
			if counter, ok := r.local.(interface{ LiveCount() int }); ok {
				load = counter.LiveCount()
			}
			data, err := json.Marshal(nodeHealth{
				NodeID:   r.cfg.NodeID,
				Load:     load,
				Capacity: r.cfg.Capacity,
			})
			if err != nil {
				continue
			}
			if err := r.conn.Publish(healthSubject, data); err != nil {
				r.logger.Debug("health publish failed", zap.Error(err))
			}
		}
	}
}

// Nodes returns a snapshot of known nodes for the cluster API.
func (r *ClusterRouter) Nodes() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	out := make([]map[string]any, 0, len(r.nodes))
	for id, node := range r.nodes {
		status := "online"
		if now.Sub(node.lastSeen) > offlineAfter {
			status = "offline"
		}
		out = append(out, map[string]any{
			"nodeId":   id,
			"load":     node.health.Load,
			"capacity": node.health.Capacity,
			"status":   status,
			"lastSeen": node.lastSeen.UTC(),
		})
	}
	return out
}

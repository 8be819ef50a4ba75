package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/events"
	"github.com/aether-os/aether/internal/kernel/errs"
	"github.com/aether-os/aether/internal/process"
	"github.com/aether-os/aether/internal/store"
)

// TriggerEngine spawns agents when bus events match registered triggers.
type TriggerEngine struct {
	store   *store.Store
	bus     *events.Bus
	spawner Spawner
	logger  *logger.Logger

	mu       sync.Mutex
	triggers map[string]*store.EventTrigger
	unsub    func()
}

// NewTriggerEngine creates the trigger engine.
func NewTriggerEngine(s *store.Store, bus *events.Bus, spawner Spawner, log *logger.Logger) *TriggerEngine {
	return &TriggerEngine{
		store:    s,
		bus:      bus,
		spawner:  spawner,
		logger:   log.WithComponent("triggers"),
		triggers: make(map[string]*store.EventTrigger),
	}
}

// Restore loads persisted triggers.
func (t *TriggerEngine) Restore(ctx context.Context) error {
	records, err := t.store.ListEventTriggers(ctx)
	if err != nil {
		return fmt.Errorf("list triggers: %w", err)
	}
	t.mu.Lock()
	for _, rec := range records {
		t.triggers[rec.ID] = rec
	}
	t.mu.Unlock()
	t.logger.Info("event triggers restored", zap.Int("count", len(records)))
	return nil
}

// Start subscribes the engine to the bus until ctx is done.
func (t *TriggerEngine) Start(ctx context.Context) {
	t.unsub = t.bus.OnAny(func(e *events.Event) {
		t.handle(ctx, e)
	})
	go func() {
		<-ctx.Done()
		if t.unsub != nil {
			t.unsub()
		}
	}()
}

// Create validates and persists a trigger.
func (t *TriggerEngine) Create(ctx context.Context, name, eventType string, filter map[string]any, cooldownMS int64, agentConfig process.SpawnConfig, ownerUID string) (*store.EventTrigger, error) {
	if eventType == "" {
		return nil, errs.InvalidArgument("event type must not be empty")
	}
	filterJSON, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("encode filter: %w", err)
	}
	cfgJSON, err := json.Marshal(agentConfig)
	if err != nil {
		return nil, fmt.Errorf("encode agent config: %w", err)
	}

	rec := &store.EventTrigger{
		ID:          uuid.New().String(),
		Name:        name,
		EventType:   eventType,
		EventFilter: string(filterJSON),
		CooldownMS:  cooldownMS,
		AgentConfig: string(cfgJSON),
		OwnerUID:    ownerUID,
	}
	if err := t.store.UpsertEventTrigger(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist trigger: %w", err)
	}

	t.mu.Lock()
	t.triggers[rec.ID] = rec
	t.mu.Unlock()
	return rec, nil
}

// Delete removes a trigger.
func (t *TriggerEngine) Delete(ctx context.Context, id string) error {
	t.mu.Lock()
	delete(t.triggers, id)
	t.mu.Unlock()
	if err := t.store.DeleteEventTrigger(ctx, id); err != nil {
		return errs.NotFound("trigger not found: %s", id)
	}
	return nil
}

// List returns all triggers.
func (t *TriggerEngine) List(ctx context.Context) ([]*store.EventTrigger, error) {
	return t.store.ListEventTriggers(ctx)
}

// handle checks an event against all triggers and fires the matching ones
// outside their cooldown window.
func (t *TriggerEngine) handle(ctx context.Context, e *events.Event) {
	now := time.Now().UTC()

	t.mu.Lock()
	var due []*store.EventTrigger
	for _, rec := range t.triggers {
		if rec.EventType != e.Type {
			continue
		}
		if !filterMatches(rec.EventFilter, e.Payload) {
			continue
		}
		if rec.LastFiredAt != nil && now.Sub(*rec.LastFiredAt) < time.Duration(rec.CooldownMS)*time.Millisecond {
			continue
		}
		fired := now
		rec.LastFiredAt = &fired
		due = append(due, rec)
	}
	t.mu.Unlock()

	for _, rec := range due {
		// Spawning emits further events synchronously; fire on a fresh
		// goroutine so trigger handling never recurses into itself.
		go t.fire(ctx, rec)
	}
}

func (t *TriggerEngine) fire(ctx context.Context, rec *store.EventTrigger) {
	var cfg process.SpawnConfig
	if err := json.Unmarshal([]byte(rec.AgentConfig), &cfg); err != nil {
		t.logger.Error("trigger has corrupt agent config", zap.String("id", rec.ID), zap.Error(err))
		return
	}
	cfg.Agentized = true

	spawned, err := t.spawner.Spawn(ctx, cfg, 0, rec.OwnerUID, rec.OwnerUID)
	if err != nil {
		t.logger.Error("trigger spawn failed", zap.String("id", rec.ID), zap.Error(err))
		return
	}
	t.logger.Info("trigger fired", zap.String("id", rec.ID), zap.Int64("pid", spawned.PID))

	t.mu.Lock()
	snap := *rec
	t.mu.Unlock()
	if err := t.store.UpsertEventTrigger(ctx, &snap); err != nil {
		t.logger.Warn("failed to persist trigger state", zap.String("id", rec.ID), zap.Error(err))
	}
}

// filterMatches does a shallow key/value subset match of the JSON filter
// against the event payload. An empty filter matches everything.
func filterMatches(filterJSON string, payload map[string]any) bool {
	if filterJSON == "" || filterJSON == "{}" {
		return true
	}
	var filter map[string]any
	if err := json.Unmarshal([]byte(filterJSON), &filter); err != nil {
		return false
	}
	for k, want := range filter {
		got, ok := payload[k]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

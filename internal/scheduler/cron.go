// Package scheduler runs cron jobs and event triggers, and routes spawns
// across cluster nodes when the kernel is a hub.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/events"
	"github.com/aether-os/aether/internal/kernel/errs"
	"github.com/aether-os/aether/internal/process"
	"github.com/aether-os/aether/internal/store"
)

// Spawner launches agent processes for schedules and triggers. The cluster
// router wraps the process manager here when routing is active.
type Spawner interface {
	Spawn(ctx context.Context, cfg process.SpawnConfig, parentPID int64, uid, ownerUID string) (*store.ProcessRecord, error)
	Alive(pid int64) bool
}

// cronParser accepts standard 5-field expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

type cronJob struct {
	record   *store.CronJob
	schedule cron.Schedule
	lastPID  int64
}

// CronScheduler advances all cron jobs on a single one-second ticker.
type CronScheduler struct {
	store   *store.Store
	bus     *events.Bus
	spawner Spawner
	logger  *logger.Logger

	mu   sync.Mutex
	jobs map[string]*cronJob
}

// NewCronScheduler creates the cron scheduler.
func NewCronScheduler(s *store.Store, bus *events.Bus, spawner Spawner, log *logger.Logger) *CronScheduler {
	return &CronScheduler{
		store:   s,
		bus:     bus,
		spawner: spawner,
		logger:  log.WithComponent("cron"),
		jobs:    make(map[string]*cronJob),
	}
}

// Restore loads persisted jobs and recomputes next_run for enabled ones.
// Jobs whose expression no longer parses are skipped with a log line: they
// are not scheduled, and their stored record is left unchanged.
func (c *CronScheduler) Restore(ctx context.Context) error {
	records, err := c.store.ListCronJobs(ctx)
	if err != nil {
		return fmt.Errorf("list cron jobs: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range records {
		schedule, err := cronParser.Parse(rec.CronExpression)
		if err != nil {
			c.logger.Warn("skipping cron job with invalid expression",
				zap.String("id", rec.ID), zap.Error(err))
			continue
		}
		job := &cronJob{record: rec, schedule: schedule}
		if rec.Enabled {
			next := schedule.Next(time.Now())
			rec.NextRun = &next
			if err := c.store.UpsertCronJob(ctx, rec); err != nil {
				c.logger.Warn("failed to persist next run", zap.String("id", rec.ID), zap.Error(err))
			}
		}
		c.jobs[rec.ID] = job
	}
	c.logger.Info("cron jobs restored", zap.Int("count", len(c.jobs)))
	return nil
}

// Create validates the expression and persists a new job.
func (c *CronScheduler) Create(ctx context.Context, name, expression string, agentConfig process.SpawnConfig, ownerUID string, enabled bool) (*store.CronJob, error) {
	schedule, err := cronParser.Parse(expression)
	if err != nil {
		return nil, errs.InvalidArgument("invalid cron expression %q: %v", expression, err)
	}
	cfgJSON, err := json.Marshal(agentConfig)
	if err != nil {
		return nil, fmt.Errorf("encode agent config: %w", err)
	}

	rec := &store.CronJob{
		ID:             uuid.New().String(),
		Name:           name,
		CronExpression: expression,
		AgentConfig:    string(cfgJSON),
		Enabled:        enabled,
		OwnerUID:       ownerUID,
	}
	if enabled {
		next := schedule.Next(time.Now())
		rec.NextRun = &next
	}
	if err := c.store.UpsertCronJob(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist cron job: %w", err)
	}

	c.mu.Lock()
	c.jobs[rec.ID] = &cronJob{record: rec, schedule: schedule}
	c.mu.Unlock()

	c.logger.Info("cron job created", zap.String("id", rec.ID), zap.String("expr", expression))
	return rec, nil
}

// Delete removes a job from the scheduler and the store.
func (c *CronScheduler) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	delete(c.jobs, id)
	c.mu.Unlock()
	if err := c.store.DeleteCronJob(ctx, id); err != nil {
		return errs.NotFound("cron job not found: %s", id)
	}
	return nil
}

// SetEnabled flips a job. Enabling recomputes next_run.
func (c *CronScheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	c.mu.Lock()
	job, ok := c.jobs[id]
	if ok {
		job.record.Enabled = enabled
		if enabled {
			next := job.schedule.Next(time.Now())
			job.record.NextRun = &next
		} else {
			job.record.NextRun = nil
		}
	}
	c.mu.Unlock()
	if !ok {
		return errs.NotFound("cron job not found: %s", id)
	}
	return c.store.UpsertCronJob(ctx, c.snapshot(id))
}

// List returns all jobs.
func (c *CronScheduler) List(ctx context.Context) ([]*store.CronJob, error) {
	return c.store.ListCronJobs(ctx)
}

// JobCount returns the number of loaded jobs.
func (c *CronScheduler) JobCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

func (c *CronScheduler) snapshot(id string) *store.CronJob {
	job, ok := c.jobs[id]
	if !ok {
		return nil
	}
	rec := *job.record
	return &rec
}

// Start drives all jobs on a one-second ticker until ctx is done.
func (c *CronScheduler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				c.tick(ctx, now)
			}
		}
	}()
}

// tick fires every enabled job whose next_run has passed. Concurrency is one
// outstanding run per job: a fire while the previous spawn is still live is
// skipped and logged.
func (c *CronScheduler) tick(ctx context.Context, now time.Time) {
	c.mu.Lock()
	var due []*cronJob
	for _, job := range c.jobs {
		if !job.record.Enabled || job.record.NextRun == nil {
			continue
		}
		if !now.Before(*job.record.NextRun) {
			due = append(due, job)
		}
	}
	c.mu.Unlock()

	for _, job := range due {
		c.fire(ctx, job, now)
	}
}

func (c *CronScheduler) fire(ctx context.Context, job *cronJob, now time.Time) {
	c.mu.Lock()
	id := job.record.ID
	next := job.schedule.Next(now)
	job.record.NextRun = &next

	if job.lastPID != 0 && c.spawner.Alive(job.lastPID) {
		c.mu.Unlock()
		c.logger.Warn("cron fire skipped, previous run still live",
			zap.String("id", id), zap.Int64("pid", job.lastPID))
		if err := c.store.UpsertCronJob(ctx, c.snapshot(id)); err != nil {
			c.logger.Warn("failed to persist cron state", zap.String("id", id), zap.Error(err))
		}
		return
	}

	var cfg process.SpawnConfig
	if err := json.Unmarshal([]byte(job.record.AgentConfig), &cfg); err != nil {
		c.mu.Unlock()
		c.logger.Error("cron job has corrupt agent config", zap.String("id", id), zap.Error(err))
		return
	}
	ownerUID := job.record.OwnerUID
	c.mu.Unlock()

	cfg.Agentized = true
	rec, err := c.spawner.Spawn(ctx, cfg, 0, ownerUID, ownerUID)

	c.mu.Lock()
	fired := now.UTC()
	job.record.LastRun = &fired
	if err == nil {
		job.lastPID = rec.PID
	}
	snap := c.snapshot(id)
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("cron spawn failed", zap.String("id", id), zap.Error(err))
	} else {
		c.logger.Info("cron job fired", zap.String("id", id), zap.Int64("pid", rec.PID))
	}
	if err := c.store.UpsertCronJob(ctx, snap); err != nil {
		c.logger.Warn("failed to persist cron state", zap.String("id", id), zap.Error(err))
	}
}

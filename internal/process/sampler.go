package process

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/store"
	v1 "github.com/aether-os/aether/pkg/kernel/v1"
)

// ContainerCounter reports live sandbox containers for metric samples.
type ContainerCounter func(ctx context.Context) int

// StartSampler records a KernelMetric at the configured cadence and emits
// kernel.metrics until ctx is done. Sampling is best-effort; a failed probe
// records zeros rather than skipping the sample.
func (m *Manager) StartSampler(ctx context.Context, countContainers ContainerCounter) {
	interval := m.cfg.MetricsIntervalDuration()
	if interval <= 0 {
		interval = 5 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sampleOnce(ctx, countContainers)
			}
		}
	}()
}

func (m *Manager) sampleOnce(ctx context.Context, countContainers ContainerCounter) {
	var cpuPercent float64
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		cpuPercent = percents[0]
	}

	var memoryMB float64
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		memoryMB = float64(vm.Used) / (1024 * 1024)
	}

	containers := 0
	if countContainers != nil {
		containers = countContainers(ctx)
	}

	metric := &store.KernelMetric{
		Timestamp:      time.Now().UTC(),
		ProcessCount:   m.LiveCount(),
		CPUPercent:     cpuPercent,
		MemoryMB:       memoryMB,
		ContainerCount: containers,
	}
	if err := m.store.RecordMetric(ctx, metric); err != nil {
		m.logger.Warn("failed to record metric", zap.Error(err))
		return
	}
	m.bus.Emit(v1.EventKernelMetrics, map[string]any{
		"processCount":   metric.ProcessCount,
		"cpuPercent":     metric.CPUPercent,
		"memoryMb":       metric.MemoryMB,
		"containerCount": metric.ContainerCount,
	})
}

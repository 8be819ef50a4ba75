package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aether-os/aether/internal/events"
	v1 "github.com/aether-os/aether/pkg/kernel/v1"
)

// Prometheus gauges mirror the kernel.metrics samples for scraping.
var (
	processGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aether_processes_live",
		Help: "Number of live agent processes",
	})
	containerGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aether_containers_live",
		Help: "Number of live sandbox containers",
	})
	cpuGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aether_cpu_percent",
		Help: "Host CPU utilization percent",
	})
	memoryGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aether_memory_used_mb",
		Help: "Host memory used in MB",
	})
)

// WireMetrics keeps the Prometheus gauges in sync with kernel.metrics
// emissions.
func WireMetrics(bus *events.Bus) {
	bus.On(v1.EventKernelMetrics, func(e *events.Event) {
		if v, ok := e.Payload["processCount"].(int); ok {
			processGauge.Set(float64(v))
		}
		if v, ok := e.Payload["containerCount"].(int); ok {
			containerGauge.Set(float64(v))
		}
		if v, ok := e.Payload["cpuPercent"].(float64); ok {
			cpuGauge.Set(v)
		}
		if v, ok := e.Payload["memoryMb"].(float64); ok {
			memoryGauge.Set(v)
		}
	})
}

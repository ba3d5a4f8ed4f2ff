// Package resourcemon periodically samples host CPU and memory
// utilization via gopsutil and exports them as gauges, the "host
// resource sampling" component SPEC_FULL.md adds.
//
// Grounded on the teacher's pkg/monitoring/resource_monitor.go ticker
// shape and its gopsutil+promauto pairing: a ticker-driven sample loop,
// here a single Run that samples until its context is cancelled. Sampled
// values go only to the gauges; only sampling failures are logged.
package resourcemon

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

// Gauges is the narrow surface resourcemon needs from internal/metrics,
// kept as an interface so tests can supply a fake.
type Gauges interface {
	SetHostCPUPercent(v float64)
	SetHostMemoryPercent(v float64)
}

// Monitor periodically samples host resource utilization.
type Monitor struct {
	interval time.Duration
	gauges   Gauges
	logger   *logrus.Logger
}

// New builds a Monitor sampling every interval (default 30s if zero).
func New(interval time.Duration, gauges Gauges, logger *logrus.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{interval: interval, gauges: gauges, logger: logger}
}

// Run samples on a ticker until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sampleOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce(ctx)
		}
	}
}

func (m *Monitor) sampleOnce(ctx context.Context) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		if m.logger != nil {
			m.logger.WithError(err).Warn("could not sample host cpu")
		}
	} else if len(percents) > 0 {
		m.gauges.SetHostCPUPercent(percents[0])
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		if m.logger != nil {
			m.logger.WithError(err).Warn("could not sample host memory")
		}
		return
	}
	m.gauges.SetHostMemoryPercent(vm.UsedPercent)
}

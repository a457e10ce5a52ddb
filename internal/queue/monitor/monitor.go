// Package monitor periodically publishes queue depth as metrics.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/aridsondez/leaseq/internal/metrics"
	"github.com/aridsondez/leaseq/internal/queue/store"
)

type Monitor struct {
	stores   []store.Store
	interval time.Duration
	logger   hclog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

func New(interval time.Duration, logger hclog.Logger, stores ...store.Store) *Monitor {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	live := make([]store.Store, 0, len(stores))
	for _, s := range stores {
		if s != nil {
			live = append(live, s)
		}
	}
	return &Monitor{
		stores:   live,
		interval: interval,
		logger:   logger.Named("monitor"),
		stopCh:   make(chan struct{}),
	}
}

// Start collects once, then on every tick until ctx is done or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("monitor started", "interval", m.interval)
	m.Collect(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopped", "reason", "context cancelled")
			return
		case <-m.stopCh:
			m.logger.Info("monitor stopped", "reason", "stop signal")
			return
		case <-ticker.C:
			m.Collect(ctx)
		}
	}
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Collect refreshes the depth gauges of every store.
func (m *Monitor) Collect(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.MonitorDuration.Observe(time.Since(start).Seconds()) }()

	for _, s := range m.stores {
		st, err := s.Stats(ctx)
		if err != nil {
			if ctx.Err() == nil {
				metrics.MonitorErrors.Inc()
				m.logger.Error("collect stats", "queue", s.Name(), "error", err)
			}
			continue
		}
		metrics.QueueDepth.WithLabelValues(s.Name(), "visible").Set(float64(st.Visible))
		metrics.QueueDepth.WithLabelValues(s.Name(), "in_flight").Set(float64(st.InFlight))
		m.logger.Trace("queue depth", "queue", s.Name(), "visible", st.Visible, "in_flight", st.InFlight)
	}
}

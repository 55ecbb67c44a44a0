// Package metrics exposes a prometheus.Collector over the proxy's
// in-process state: active forks and branches, per-wheel timer depth, and
// CDR counts by kind. Every value is gathered at scrape time rather than
// incremented inline, the same pull-based shape the rest of the pack uses
// for its own process metrics.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ForkStatsProvider exposes the controller's current forking load.
type ForkStatsProvider interface {
	Snapshot() Stats
}

// Stats mirrors controller.Stats; duplicated here so this package doesn't
// need to import internal/controller just for a value type.
type Stats struct {
	ActiveForks    int
	ActiveBranches int
}

// TimerWheelProvider exposes a named wheel's pending-entry count.
type TimerWheelProvider interface {
	Len() int
}

// CDRCounter returns CDR record counts grouped by kind.
type CDRCounter interface {
	CountByKind(ctx context.Context) (map[string]int64, error)
}

// Collector is a prometheus.Collector that gathers sipproxyd metrics at
// scrape time. Any provider may be nil if unavailable.
type Collector struct {
	forks     ForkStatsProvider
	wheels    map[string]TimerWheelProvider
	cdrs      CDRCounter
	startTime time.Time

	activeForksDesc    *prometheus.Desc
	activeBranchesDesc *prometheus.Desc
	timerWheelDesc     *prometheus.Desc
	cdrTotalDesc       *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

// NewCollector creates a new metrics collector. wheels maps a wheel's label
// (e.g. "timerB", "timerC", "timerD", "default") to its queue.
func NewCollector(forks ForkStatsProvider, wheels map[string]TimerWheelProvider, cdrs CDRCounter, startTime time.Time) *Collector {
	return &Collector{
		forks:     forks,
		wheels:    wheels,
		cdrs:      cdrs,
		startTime: startTime,

		activeForksDesc: prometheus.NewDesc(
			"sipproxy_active_forks",
			"Number of in-flight ProxyCores (one per server transaction currently being proxied)",
			nil, nil,
		),
		activeBranchesDesc: prometheus.NewDesc(
			"sipproxy_active_branches",
			"Number of in-flight client transactions across all active forks",
			nil, nil,
		),
		timerWheelDesc: prometheus.NewDesc(
			"sipproxy_timer_wheel_depth",
			"Number of pending deadlines in a timer wheel",
			[]string{"wheel"}, nil,
		),
		cdrTotalDesc: prometheus.NewDesc(
			"sipproxy_cdr_records_total",
			"Total CDR records posted, grouped by kind",
			[]string{"kind"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"sipproxy_uptime_seconds",
			"Seconds since the sipproxyd process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeForksDesc
	ch <- c.activeBranchesDesc
	ch <- c.timerWheelDesc
	ch <- c.cdrTotalDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.forks != nil {
		snap := c.forks.Snapshot()
		ch <- prometheus.MustNewConstMetric(c.activeForksDesc, prometheus.GaugeValue, float64(snap.ActiveForks))
		ch <- prometheus.MustNewConstMetric(c.activeBranchesDesc, prometheus.GaugeValue, float64(snap.ActiveBranches))
	}

	for label, wheel := range c.wheels {
		if wheel == nil {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.timerWheelDesc, prometheus.GaugeValue, float64(wheel.Len()), label)
	}

	if c.cdrs != nil {
		counts, err := c.cdrs.CountByKind(ctx)
		if err != nil {
			slog.Error("metrics: failed to count cdr records by kind", "error", err)
		} else {
			for kind, n := range counts {
				ch <- prometheus.MustNewConstMetric(c.cdrTotalDesc, prometheus.CounterValue, float64(n), kind)
			}
		}
	}

	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}

// Package metrics 提供定时器的 Prometheus metrics 支持.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/godyy/gtimer"
)

// Collector 实现 prometheus.Collector 接口, 收集定时器的监控指标.
type Collector struct {
	src gtimer.StatsSource

	// Gauge metrics（当前状态）
	pendingTimeouts     *prometheus.Desc
	unprocessedTimeouts *prometheus.Desc

	// Counter metrics（累计值）
	expiredTotal   *prometheus.Desc
	cancelledTotal *prometheus.Desc
	ticksTotal     *prometheus.Desc
}

// NewCollector 创建 Collector. src 为任一可导出计数快照的定时器实现.
func NewCollector(src gtimer.StatsSource) *Collector {
	return &Collector{
		src: src,

		pendingTimeouts: prometheus.NewDesc(
			"gtimer_pending_timeouts",
			"Number of submitted timeouts not yet expired, cancelled or collected",
			nil,
			nil,
		),
		unprocessedTimeouts: prometheus.NewDesc(
			"gtimer_unprocessed_timeouts",
			"Number of timeouts collected as unprocessed by the last stop",
			nil,
			nil,
		),

		expiredTotal: prometheus.NewDesc(
			"gtimer_expired_timeouts_total",
			"Total number of expired timeouts",
			nil,
			nil,
		),
		cancelledTotal: prometheus.NewDesc(
			"gtimer_cancelled_timeouts_total",
			"Total number of successfully cancelled timeouts",
			nil,
			nil,
		),
		ticksTotal: prometheus.NewDesc(
			"gtimer_ticks_total",
			"Total number of worker ticks",
			nil,
			nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pendingTimeouts
	ch <- c.unprocessedTimeouts
	ch <- c.expiredTotal
	ch <- c.cancelledTotal
	ch <- c.ticksTotal
}

// Collect 实现 prometheus.Collector 接口.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.src.Stats()

	ch <- prometheus.MustNewConstMetric(c.pendingTimeouts, prometheus.GaugeValue, float64(stats.PendingTimeouts))
	ch <- prometheus.MustNewConstMetric(c.unprocessedTimeouts, prometheus.GaugeValue, float64(stats.UnprocessedTimeouts))
	ch <- prometheus.MustNewConstMetric(c.expiredTotal, prometheus.CounterValue, float64(stats.ExpiredTimeouts))
	ch <- prometheus.MustNewConstMetric(c.cancelledTotal, prometheus.CounterValue, float64(stats.CancelledTimeouts))
	ch <- prometheus.MustNewConstMetric(c.ticksTotal, prometheus.CounterValue, float64(stats.Ticks))
}

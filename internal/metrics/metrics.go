// Package metrics 将缓存事件导出为 prometheus 指标。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/any-hub/bundle-hub/internal/manager"
)

const namespace = "bundle_hub"

// StatsFunc 返回缓存当前规模，通常是 (*manager.Manager).Stats。
type StatsFunc func() manager.Stats

// Collector 实现 bundle.Observer，并以 GaugeFunc 暴露队列长度。
type Collector struct {
	registry *prometheus.Registry

	readsIssued *prometheus.CounterVec
	loaded      *prometheus.CounterVec
	loadFailed  *prometheus.CounterVec
	unloaded    *prometheus.CounterVec
	loading     prometheus.Gauge
	resident    prometheus.Gauge
}

// New 在独立的 Registry 上注册全部事件指标。
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		readsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reads_issued_total",
			Help:      "Bundle file reads issued by the cache.",
		}, []string{"bundle"}),
		loaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loads_completed_total",
			Help:      "Bundles that reached the LOADED state.",
		}, []string{"bundle"}),
		loadFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loads_failed_total",
			Help:      "Bundle loads that failed or were cancelled.",
		}, []string{"bundle"}),
		unloaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unloads_total",
			Help:      "Bundles unloaded after their last reference was released.",
		}, []string{"bundle"}),
		loading: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "handles_loading",
			Help:      "Handles currently in the LOADING state.",
		}),
		resident: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "handles_loaded",
			Help:      "Handles currently in the LOADED state.",
		}),
	}

	c.registry.MustRegister(c.readsIssued, c.loaded, c.loadFailed, c.unloaded, c.loading, c.resident)
	return c
}

// WatchStats 以 GaugeFunc 导出队列与租约规模，每次采集时调用 stats。只能调用一次。
func (c *Collector) WatchStats(stats StatsFunc) {
	c.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending",
			Help:      "Tasks waiting to be serviced by the next update.",
		}, func() float64 { return float64(stats().Pending) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_in_flight",
			Help:      "Loads started but not yet settled.",
		}, func() float64 { return float64(stats().InFlight) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rentals_outstanding",
			Help:      "Rentals handed out and not yet returned.",
		}, func() float64 { return float64(stats().Rentals) }),
	)
}

// Registry 返回承载全部指标的 Registry，供 /-/metrics 暴露。
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) ReadIssued(name string) {
	c.readsIssued.WithLabelValues(name).Inc()
	c.loading.Inc()
}

func (c *Collector) HandleLoaded(name string) {
	c.loaded.WithLabelValues(name).Inc()
	c.loading.Dec()
	c.resident.Inc()
}

func (c *Collector) LoadFailed(name string) {
	c.loadFailed.WithLabelValues(name).Inc()
	c.loading.Dec()
}

func (c *Collector) HandleUnloaded(name string) {
	c.unloaded.WithLabelValues(name).Inc()
	c.resident.Dec()
}

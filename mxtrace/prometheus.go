package mxtrace

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusProvider is the concrete Provider backed by
// github.com/prometheus/client_golang. It exports tasks executed (one per
// closed zone), zones entered, markers, zone durations, plot samples and
// the live allocation count; it has no steal-attempt or park/wake metric of
// its own (park/wake events can be counted as markers).
type PrometheusProvider struct {
	tasksExecuted prometheus.Counter
	zonesEntered  *prometheus.CounterVec
	markers       *prometheus.CounterVec
	zoneDuration  *prometheus.HistogramVec
	plots         *prometheus.GaugeVec
	allocatedLive prometheus.Gauge

	// started tracks open zone start times per worker; ZoneBegin/ZoneEnd
	// can be called from different workers concurrently, so the map needs
	// its own lock rather than relying on per-key independence.
	mu      sync.Mutex
	started map[int]zoneStart
}

type zoneStart struct {
	name string
	at   time.Time
}

// NewPrometheusProvider registers its metrics with reg (pass
// prometheus.DefaultRegisterer for the global registry) and returns a ready
// Provider.
func NewPrometheusProvider(reg prometheus.Registerer) *PrometheusProvider {
	factory := promauto.With(reg)
	return &PrometheusProvider{
		tasksExecuted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mxsched",
			Name:      "tasks_executed_total",
			Help:      "Total number of task executions (including recycled re-executions).",
		}),
		zonesEntered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mxsched",
			Name:      "zones_entered_total",
			Help:      "Total number of ZoneBegin calls, by zone name.",
		}, []string{"zone"}),
		markers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mxsched",
			Name:      "markers_total",
			Help:      "Total number of Marker events, by name.",
		}, []string{"marker"}),
		zoneDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mxsched",
			Name:      "zone_duration_seconds",
			Help:      "Duration of ZoneBegin/ZoneEnd brackets, by zone name.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"zone"}),
		plots: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mxsched",
			Name:      "plot",
			Help:      "Most recent Plot sample, by series name.",
		}, []string{"series"}),
		allocatedLive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mxsched",
			Name:      "tasks_live",
			Help:      "Number of tasks allocated but not yet freed.",
		}),
		started: make(map[int]zoneStart),
	}
}

func (p *PrometheusProvider) ZoneBegin(workerIndex int, name string) {
	p.zonesEntered.WithLabelValues(name).Inc()
	p.mu.Lock()
	p.started[workerIndex] = zoneStart{name: name, at: time.Now()}
	p.mu.Unlock()
}

func (p *PrometheusProvider) ZoneEnd(workerIndex int) {
	p.mu.Lock()
	start, ok := p.started[workerIndex]
	if ok {
		delete(p.started, workerIndex)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	p.zoneDuration.WithLabelValues(start.name).Observe(time.Since(start.at).Seconds())
	p.tasksExecuted.Inc()
}

func (p *PrometheusProvider) Marker(workerIndex int, name string) {
	p.markers.WithLabelValues(name).Inc()
}

func (p *PrometheusProvider) Plot(name string, value float64) {
	p.plots.WithLabelValues(name).Set(value)
}

func (p *PrometheusProvider) Alloc(size int) {
	p.allocatedLive.Inc()
}

func (p *PrometheusProvider) Free() {
	p.allocatedLive.Dec()
}

var _ Provider = (*PrometheusProvider)(nil)

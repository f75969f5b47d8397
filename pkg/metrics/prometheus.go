package metrics

import (
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus is a Collector that registers metric vectors lazily, the first
// time a name is seen. The label set of a name is fixed by that first call;
// later calls with a different label set are dropped with a warning.
type Prometheus struct {
	namespace string
	reg       *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*vec[*prometheus.CounterVec]
	gauges     map[string]*vec[*prometheus.GaugeVec]
	histograms map[string]*vec[*prometheus.HistogramVec]
}

type vec[V any] struct {
	labels []string
	v      V
}

func NewPrometheus(namespace string) *Prometheus {
	return &Prometheus{
		namespace:  namespace,
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*vec[*prometheus.CounterVec]),
		gauges:     make(map[string]*vec[*prometheus.GaugeVec]),
		histograms: make(map[string]*vec[*prometheus.HistogramVec]),
	}
}

// Registry exposes the underlying registry for promhttp and tests.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.reg
}

// Handler serves the registry in the exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{Registry: p.reg})
}

func (p *Prometheus) IncCounter(name string, labels map[string]string, delta float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.counters[name]
	if !ok {
		names := labelNames(labels)
		cv := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      name,
			Help:      name,
		}, names)
		if !p.register(name, cv) {
			return
		}
		c = &vec[*prometheus.CounterVec]{labels: names, v: cv}
		p.counters[name] = c
	}
	if !sameLabels(c.labels, labels) {
		slog.Warn("metric label set mismatch", "metric", name)
		return
	}
	c.v.With(labels).Add(delta)
}

func (p *Prometheus) SetGauge(name string, labels map[string]string, value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	g, ok := p.gauges[name]
	if !ok {
		names := labelNames(labels)
		gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Name:      name,
			Help:      name,
		}, names)
		if !p.register(name, gv) {
			return
		}
		g = &vec[*prometheus.GaugeVec]{labels: names, v: gv}
		p.gauges[name] = g
	}
	if !sameLabels(g.labels, labels) {
		slog.Warn("metric label set mismatch", "metric", name)
		return
	}
	g.v.With(labels).Set(value)
}

func (p *Prometheus) ObserveHistogram(name string, labels map[string]string, value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.histograms[name]
	if !ok {
		names := labelNames(labels)
		hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Name:      name,
			Help:      name,
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, names)
		if !p.register(name, hv) {
			return
		}
		h = &vec[*prometheus.HistogramVec]{labels: names, v: hv}
		p.histograms[name] = h
	}
	if !sameLabels(h.labels, labels) {
		slog.Warn("metric label set mismatch", "metric", name)
		return
	}
	h.v.With(labels).Observe(value)
}

func (p *Prometheus) register(name string, c prometheus.Collector) bool {
	if err := p.reg.Register(c); err != nil {
		slog.Warn("failed to register metric", "metric", name, "error", err)
		return false
	}
	return true
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

func sameLabels(names []string, labels map[string]string) bool {
	if len(names) != len(labels) {
		return false
	}
	for _, n := range names {
		if _, ok := labels[n]; !ok {
			return false
		}
	}
	return true
}

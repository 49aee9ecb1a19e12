// Package metrics is a thin facade over prometheus. Meters are identified by
// (name, sorted tag keys) and registered once; later calls with the same
// identity return the already-registered meter. Tags are fixed-cardinality
// only; per-request values (path, ip, user) must never become tags.
package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Tags is a fixed set of label key/values for one meter observation.
type Tags map[string]string

type Metrics struct {
	reg *prometheus.Registry

	mu       sync.Mutex
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	hists    map[string]*prometheus.HistogramVec
}

func New() *Metrics {
	return &Metrics{
		reg:      prometheus.NewRegistry(),
		counters: make(map[string]*prometheus.CounterVec),
		gauges:   make(map[string]*prometheus.GaugeVec),
		hists:    make(map[string]*prometheus.HistogramVec),
	}
}

// Handler serves the text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func meterKey(name string, keys []string) string {
	return name + "{" + strings.Join(keys, ",") + "}"
}

func sortedKeys(tags Tags) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Inc increments a counter by one.
func (m *Metrics) Inc(name string, tags Tags) {
	m.Add(name, tags, 1)
}

// Add increments a counter by v.
func (m *Metrics) Add(name string, tags Tags, v float64) {
	keys := sortedKeys(tags)
	id := meterKey(name, keys)

	m.mu.Lock()
	vec, ok := m.counters[id]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, keys)
		m.reg.MustRegister(vec)
		m.counters[id] = vec
	}
	m.mu.Unlock()

	vec.With(prometheus.Labels(tags)).Add(v)
}

// SetGauge sets a gauge to v.
func (m *Metrics) SetGauge(name string, tags Tags, v float64) {
	keys := sortedKeys(tags)
	id := meterKey(name, keys)

	m.mu.Lock()
	vec, ok := m.gauges[id]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, keys)
		m.reg.MustRegister(vec)
		m.gauges[id] = vec
	}
	m.mu.Unlock()

	vec.With(prometheus.Labels(tags)).Set(v)
}

// Observe records a duration (in seconds) into a histogram.
func (m *Metrics) Observe(name string, tags Tags, seconds float64) {
	keys := sortedKeys(tags)
	id := meterKey(name, keys)

	m.mu.Lock()
	vec, ok := m.hists[id]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Buckets: prometheus.DefBuckets,
		}, keys)
		m.reg.MustRegister(vec)
		m.hists[id] = vec
	}
	m.mu.Unlock()

	vec.With(prometheus.Labels(tags)).Observe(seconds)
}

// CounterValue reads the current value of a counter. Test support; returns 0
// for meters that were never incremented.
func (m *Metrics) CounterValue(name string, tags Tags) float64 {
	keys := sortedKeys(tags)
	id := meterKey(name, keys)

	m.mu.Lock()
	vec, ok := m.counters[id]
	m.mu.Unlock()
	if !ok {
		return 0
	}

	c, err := vec.GetMetricWith(prometheus.Labels(tags))
	if err != nil {
		return 0
	}
	var out dto.Metric
	if err := c.Write(&out); err != nil {
		return 0
	}
	return out.GetCounter().GetValue()
}

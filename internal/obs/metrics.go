package obs

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Label is a key/value pair attached to measurements.
type Label struct {
	Key   string
	Value string
}

// Meter is a very small interface for emitting counters/histograms.
// Implementations may no-op or bridge to a metrics system.
type Meter interface {
	Counter(name string, value float64, labels ...Label)
	Histogram(name string, value float64, labels ...Label)
}

// NopMeter is a Meter that discards all measurements.
type NopMeter struct{}

func (NopMeter) Counter(name string, value float64, labels ...Label)   {}
func (NopMeter) Histogram(name string, value float64, labels ...Label) {}

// PromMeter bridges measurements to a prometheus registry. Metric vectors
// are created lazily on first use; the label-name set of that first use is
// fixed for the metric's lifetime.
//
// The zero value registers on prometheus.DefaultRegisterer.
type PromMeter struct {
	Reg prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

func (m *PromMeter) registerer() prometheus.Registerer {
	if m.Reg != nil {
		return m.Reg
	}
	return prometheus.DefaultRegisterer
}

func NewPromMeter(reg prometheus.Registerer) *PromMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PromMeter{
		Reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func labelNamesValues(labels []Label) ([]string, prometheus.Labels) {
	names := make([]string, 0, len(labels))
	values := make(prometheus.Labels, len(labels))
	for _, l := range labels {
		names = append(names, l.Key)
		values[l.Key] = l.Value
	}
	sort.Strings(names)
	return names, values
}

func (m *PromMeter) Counter(name string, value float64, labels ...Label) {
	names, values := labelNamesValues(labels)
	m.mu.Lock()
	if m.counters == nil {
		m.counters = make(map[string]*prometheus.CounterVec)
	}
	cv, ok := m.counters[name]
	if !ok {
		cv = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, names)
		if err := m.registerer().Register(cv); err != nil {
			if are, dup := err.(prometheus.AlreadyRegisteredError); dup {
				cv = are.ExistingCollector.(*prometheus.CounterVec)
			} else {
				m.mu.Unlock()
				return
			}
		}
		m.counters[name] = cv
	}
	m.mu.Unlock()
	cv.With(values).Add(value)
}

func (m *PromMeter) Histogram(name string, value float64, labels ...Label) {
	names, values := labelNamesValues(labels)
	m.mu.Lock()
	if m.histograms == nil {
		m.histograms = make(map[string]*prometheus.HistogramVec)
	}
	hv, ok := m.histograms[name]
	if !ok {
		hv = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name}, names)
		if err := m.registerer().Register(hv); err != nil {
			if are, dup := err.(prometheus.AlreadyRegisteredError); dup {
				hv = are.ExistingCollector.(*prometheus.HistogramVec)
			} else {
				m.mu.Unlock()
				return
			}
		}
		m.histograms[name] = hv
	}
	m.mu.Unlock()
	hv.With(values).Observe(value)
}

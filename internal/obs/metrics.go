package obs

import (
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

// PromMeter bridges Meter onto a prometheus Registerer, creating vectors
// lazily on first use of each metric name.
type PromMeter struct {
	Reg prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
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

func (p *PromMeter) Counter(name string, value float64, labels ...Label) {
	keys, vals := splitLabels(labels)
	p.mu.Lock()
	cv, ok := p.counters[name]
	if !ok {
		cv = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, keys)
		p.Reg.MustRegister(cv)
		p.counters[name] = cv
	}
	p.mu.Unlock()
	cv.WithLabelValues(vals...).Add(value)
}

func (p *PromMeter) Histogram(name string, value float64, labels ...Label) {
	keys, vals := splitLabels(labels)
	p.mu.Lock()
	hv, ok := p.histograms[name]
	if !ok {
		hv = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name}, keys)
		p.Reg.MustRegister(hv)
		p.histograms[name] = hv
	}
	p.mu.Unlock()
	hv.WithLabelValues(vals...).Observe(value)
}

func splitLabels(labels []Label) (keys, vals []string) {
	for _, l := range labels {
		keys = append(keys, l.Key)
		vals = append(vals, l.Value)
	}
	return keys, vals
}

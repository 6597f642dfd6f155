// Package registry keeps the metrics a daemon currently advertises keyed
// by name, so scheduled tasks can record values and the telemetry sinks
// publish a consistent snapshot.
package registry

import (
	"errors"
	"strconv"
	"sync"

	"github.com/sitetools/opsdaemon/model"
)

var ErrMetricNotFound = errors.New("metric not found")

type Registry struct {
	mu      sync.RWMutex
	metrics map[string]*model.Metric
	order   []string
}

func New() *Registry {
	return &Registry{metrics: make(map[string]*model.Metric)}
}

// Save stores a metric under its name. Gauges overwrite the previous
// value; counters accumulate when both the stored and the incoming value
// are numeric, otherwise the incoming metric wins.
func (r *Registry) Save(m *model.Metric) error {
	if m == nil {
		return errors.New("nil metric")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.metrics[m.Name()]
	if !ok {
		r.metrics[m.Name()] = m
		r.order = append(r.order, m.Name())
		return nil
	}

	if m.Type() == model.Counter && existing.Numeric() && m.Numeric() {
		prev, _ := existing.Value()
		cur, _ := m.Value()
		// both parse, Numeric guarantees it
		pv, _ := strconv.ParseFloat(prev, 64)
		cv, _ := strconv.ParseFloat(cur, 64)
		m.SetFloat(pv + cv)
	}
	r.metrics[m.Name()] = m
	return nil
}

func (r *Registry) Get(name string) (*model.Metric, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.metrics[name]
	if !ok {
		return nil, ErrMetricNotFound
	}
	return m, nil
}

// All returns the stored metrics in the order they were first recorded.
func (r *Registry) All() []*model.Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*model.Metric, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.metrics[name])
	}
	return result
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.metrics)
}

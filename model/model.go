// Package model contains core data types for the project.
package model

import (
	"errors"
	"regexp"
	"strconv"
)

// MetricType defines the type of a metric.
type MetricType string

const (
	Counter   MetricType = "counter"   // Counter is a monotonically increasing value.
	Gauge     MetricType = "gauge"     // Gauge is a value that can go up and down.
	Histogram MetricType = "histogram" // Histogram samples observations into buckets.
	Summary   MetricType = "summary"   // Summary tracks quantiles over a sliding window.
)

var ErrInvalidName = errors.New("invalid metric name")
var ErrInvalidType = errors.New("invalid metric type")
var ErrInvalidLabel = errors.New("invalid label")
var ErrNoValue = errors.New("no value set")

var (
	metricNameRe = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)
	labelNameRe  = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	labelValueRe = regexp.MustCompile(`^[^/]*$`)
)

// Label is a single name=value pair attached to a metric. Label order is
// significant for the messaging sink (it forms the topic hierarchy), so
// labels are kept as an ordered slice, not a map.
type Label struct {
	Name  string
	Value string
}

// Metric represents a single metric with its name, type, value, help text
// and ordered labels. All fields are validated at assignment time: an
// invalid assignment is rejected and the previous value is kept.
type Metric struct {
	name     string
	mtype    MetricType
	value    string
	numeric  bool
	hasValue bool
	help     string
	labels   []Label
}

// NewMetric creates a metric with a validated name and type.
func NewMetric(name string, typ MetricType) (*Metric, error) {
	m := &Metric{}
	if err := m.SetName(name); err != nil {
		return nil, err
	}
	if err := m.SetType(typ); err != nil {
		return nil, err
	}
	return m, nil
}

// SetName validates and assigns the metric name.
func (m *Metric) SetName(name string) error {
	if !metricNameRe.MatchString(name) {
		return ErrInvalidName
	}
	m.name = name
	return nil
}

// SetType validates and assigns the metric type.
func (m *Metric) SetType(typ MetricType) error {
	switch typ {
	case Counter, Gauge, Histogram, Summary:
		m.mtype = typ
		return nil
	}
	return ErrInvalidType
}

// SetValue assigns the metric value. A string that parses as a float is
// treated as numeric, which is what the numeric-only sinks check for.
func (m *Metric) SetValue(v string) {
	m.value = v
	_, err := strconv.ParseFloat(v, 64)
	m.numeric = err == nil
	m.hasValue = true
}

// SetFloat assigns a numeric value.
func (m *Metric) SetFloat(v float64) {
	m.value = strconv.FormatFloat(v, 'f', -1, 64)
	m.numeric = true
	m.hasValue = true
}

// SetHelp assigns the one-line help text.
func (m *Metric) SetHelp(help string) {
	m.help = help
}

// AddLabel validates and appends a label, preserving declaration order.
func (m *Metric) AddLabel(name, value string) error {
	if !labelNameRe.MatchString(name) || !labelValueRe.MatchString(value) {
		return ErrInvalidLabel
	}
	m.labels = append(m.labels, Label{Name: name, Value: value})
	return nil
}

// Name returns the metric name.
func (m *Metric) Name() string { return m.name }

// Type returns the metric type.
func (m *Metric) Type() MetricType { return m.mtype }

// Help returns the help text.
func (m *Metric) Help() string { return m.help }

// Labels returns the labels in declaration order.
func (m *Metric) Labels() []Label { return m.labels }

// Value returns the raw value and whether a value has been set.
func (m *Metric) Value() (string, bool) { return m.value, m.hasValue }

// Numeric reports whether the current value is usable on numeric-only sinks.
func (m *Metric) Numeric() bool { return m.hasValue && m.numeric }

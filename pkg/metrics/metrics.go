package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "loadcell"

// MustRegisterCounter creates and registers a counter in the default registry.
func MustRegisterCounter(subsystem, name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
	prometheus.MustRegister(c)
	return c
}

// MustRegisterCounterVec creates and registers a counter vector in the default registry.
func MustRegisterCounterVec(subsystem, name, help string, labelNames ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labelNames)
	prometheus.MustRegister(c)
	return c
}

// MustRegisterGauge creates and registers a gauge in the default registry.
func MustRegisterGauge(subsystem, name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
	prometheus.MustRegister(g)
	return g
}

// MustRegisterGaugeVec creates and registers a gauge vector in the default registry.
func MustRegisterGaugeVec(subsystem, name, help string, labelNames ...string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labelNames)
	prometheus.MustRegister(g)
	return g
}

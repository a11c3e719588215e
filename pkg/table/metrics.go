package table

import (
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kstore"

type metrics struct {
	applied        prometheus.Counter
	decodeFailures prometheus.Counter
	appended       prometheus.Counter
	reconnects     prometheus.Counter
	appliedOffset  prometheus.Gauge
	lag            prometheus.Gauge
	catchUp        prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer, topic string) *metrics {
	labels := prometheus.Labels{"topic": topic}
	counter := func(name, help string) prometheus.Counter {
		return register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "table", Name: name, Help: help, ConstLabels: labels,
		}))
	}
	gauge := func(name, help string) prometheus.Gauge {
		return register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "table", Name: name, Help: help, ConstLabels: labels,
		}))
	}

	return &metrics{
		applied:        counter("applied_records_total", "Log records applied to the cell store."),
		decodeFailures: counter("decode_failures_total", "Log records that could not be decoded or applied."),
		appended:       counter("appended_records_total", "Mutations appended to the log."),
		reconnects:     counter("log_retries_total", "Log calls retried after a transport failure."),
		appliedOffset:  gauge("applied_offset", "Next log offset to be applied."),
		lag:            gauge("lag_records", "Records between the applied offset and the end of the log."),
		catchUp: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "table", Name: "catch_up_seconds",
			Help: "Time spent catching up in Init.", ConstLabels: labels,
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		})),
	}
}

// register adds c to reg. A collector registered before under the same name
// and labels, e.g. by an earlier cache of the same topic, is reused.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if reg == nil {
		return c
	}

	err := reg.Register(c)
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}
	return c
}

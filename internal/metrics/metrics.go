// Package metrics exports pipeline telemetry to Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Observer receives events from every stage of the upload pipeline.
type Observer interface {
	RecordOutcome(outcome string, duration time.Duration)
	RecordVariant(label string, duration time.Duration, err error)
	RecordUpload(duration time.Duration, sizeBytes int64, err error)
	RecordPublish(duration time.Duration, err error)
	RecordSweep(erased, total int)
}

// PrometheusObserver implements Observer with Prometheus collectors.
type PrometheusObserver struct {
	outcomes         *prometheus.CounterVec
	pipelineDuration *prometheus.HistogramVec
	variantDuration  *prometheus.HistogramVec
	variantFailures  *prometheus.CounterVec
	storeDuration    *prometheus.HistogramVec
	storeErrors      *prometheus.CounterVec
	uploadedBytes    prometheus.Counter
	janitorErased    prometheus.Counter
}

var _ Observer = (*PrometheusObserver)(nil)

// NewPrometheusObserver registers the imgscalr collectors on reg. Collectors
// that are already registered (e.g. by a previous instance) are reused.
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "imgscalr"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	var err error
	o := &PrometheusObserver{}
	if o.outcomes, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uploads_total",
		Help:      "Processed uploads by outcome.",
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if o.pipelineDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "upload_duration_seconds",
		Help:      "End-to-end latency of the upload pipeline.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if o.variantDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "variant_duration_seconds",
		Help:      "Time spent resizing and encoding one variant.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"label"})); err != nil {
		return nil, err
	}
	if o.variantFailures, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "variant_failures_total",
		Help:      "Variants that could not be generated.",
	}, []string{"label"})); err != nil {
		return nil, err
	}
	if o.storeDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "store_operation_duration_seconds",
		Help:      "Latency of object store operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})); err != nil {
		return nil, err
	}
	if o.storeErrors, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_operation_errors_total",
		Help:      "Failed object store operations.",
	}, []string{"operation"})); err != nil {
		return nil, err
	}
	if o.uploadedBytes, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uploaded_bytes_total",
		Help:      "Bytes confirmed by the object store.",
	})); err != nil {
		return nil, err
	}
	if o.janitorErased, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "janitor_erased_files_total",
		Help:      "Stale temp files removed by the janitor.",
	})); err != nil {
		return nil, err
	}
	return o, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, fmt.Errorf("register metric: %w", err)
	}
	return c, nil
}

// RecordOutcome counts one finished pipeline execution.
func (o *PrometheusObserver) RecordOutcome(outcome string, duration time.Duration) {
	if o == nil {
		return
	}
	o.outcomes.WithLabelValues(outcome).Inc()
	o.pipelineDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordVariant tracks resize latency and failures per label.
func (o *PrometheusObserver) RecordVariant(label string, duration time.Duration, err error) {
	if o == nil {
		return
	}
	o.variantDuration.WithLabelValues(label).Observe(duration.Seconds())
	if err != nil {
		o.variantFailures.WithLabelValues(label).Inc()
	}
}

// RecordUpload tracks upload duration, size, and failures.
func (o *PrometheusObserver) RecordUpload(duration time.Duration, sizeBytes int64, err error) {
	if o == nil {
		return
	}
	o.storeDuration.WithLabelValues("put").Observe(duration.Seconds())
	if err != nil {
		o.storeErrors.WithLabelValues("put").Inc()
		return
	}
	o.uploadedBytes.Add(float64(sizeBytes))
}

// RecordPublish tracks the public-read ACL change that follows a put.
func (o *PrometheusObserver) RecordPublish(duration time.Duration, err error) {
	if o == nil {
		return
	}
	o.storeDuration.WithLabelValues("make_public").Observe(duration.Seconds())
	if err != nil {
		o.storeErrors.WithLabelValues("make_public").Inc()
	}
}

// RecordSweep counts files removed by one janitor run.
func (o *PrometheusObserver) RecordSweep(erased, _ int) {
	if o == nil {
		return
	}
	o.janitorErased.Add(float64(erased))
}

type nopObserver struct{}

// Nop returns an Observer that discards every event.
func Nop() Observer { return nopObserver{} }

func (nopObserver) RecordOutcome(string, time.Duration) {}

func (nopObserver) RecordVariant(string, time.Duration, error) {}

func (nopObserver) RecordUpload(time.Duration, int64, error) {}

func (nopObserver) RecordPublish(time.Duration, error) {}

func (nopObserver) RecordSweep(int, int) {}

package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	flashAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flashr",
			Subsystem: "flash",
			Name:      "attempts_total",
			Help:      "Flash and reset attempts by path (reuse|cold), operation and result kind.",
		}, []string{"mode", "op", "result"},
	)
	flashDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flashr",
			Subsystem: "flash",
			Name:      "duration_seconds",
			Help:      "Wall time of a whole flash or reset attempt.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 90},
		}, []string{"mode", "op"},
	)
	phaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flashr",
			Subsystem: "protocol",
			Name:      "phase_duration_seconds",
			Help:      "Time from sending a phase command to its completion condition.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"phase", "response"},
	)
	adapterStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flashr",
			Subsystem: "adapter",
			Name:      "starts_total",
			Help:      "Background adapter start outcomes (started|reused|conflict|failed).",
		}, []string{"result"},
	)
	adapterStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flashr",
			Subsystem: "adapter",
			Name:      "stops_total",
			Help:      "Adapter stop outcomes (graceful|forced|noop|failed).",
		}, []string{"mode"},
	)
	probeChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flashr",
			Subsystem: "probe",
			Name:      "checks_total",
			Help:      "Debug probe availability checks by result.",
		}, []string{"result"},
	)
	deviceFinds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flashr",
			Subsystem: "device",
			Name:      "finds_total",
			Help:      "Serial device stabilization outcomes (stable|unstable|none).",
		}, []string{"result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{flashAttempts, flashDuration, phaseDuration, adapterStarts, adapterStops, probeChecks, deviceFinds}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// WriteTextfile writes the gathered metrics in text exposition format to path,
// for node_exporter's textfile collector. Short-lived CLI runs use this instead
// of serving /metrics.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return prometheus.WriteToTextfile(path, g)
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncFlash(mode, op, result string) {
	if regOK.Load() {
		flashAttempts.WithLabelValues(mode, op, result).Inc()
	}
}

func ObserveFlash(mode, op string, seconds float64) {
	if regOK.Load() {
		flashDuration.WithLabelValues(mode, op).Observe(seconds)
	}
}

func ObservePhase(phase, response string, seconds float64) {
	if regOK.Load() {
		phaseDuration.WithLabelValues(phase, response).Observe(seconds)
	}
}

func IncAdapterStart(result string) {
	if regOK.Load() {
		adapterStarts.WithLabelValues(result).Inc()
	}
}

func IncAdapterStop(mode string) {
	if regOK.Load() {
		adapterStops.WithLabelValues(mode).Inc()
	}
}

func IncProbeCheck(result string) {
	if regOK.Load() {
		probeChecks.WithLabelValues(result).Inc()
	}
}

func IncDeviceFind(result string) {
	if regOK.Load() {
		deviceFinds.WithLabelValues(result).Inc()
	}
}

package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"seedbridge.ai/internal/observer"
)

const metricsNamespace = "seedbridge"

// newMetricsRegistry exposes registry, observer and index counters as func-backed collectors,
// so every scrape reads live state.
func newMetricsRegistry(s *server) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	gauge := func(subsystem, name, help string, fn func() float64) {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: subsystem, Name: name, Help: help,
		}, fn))
	}
	counter := func(subsystem, name, help string, fn func() float64) {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: subsystem, Name: name, Help: help,
		}, fn))
	}

	gauge("bridge", "active", "Active bridges.", func() float64 {
		return float64(len(s.registry.GetAllBridgeData()))
	})
	gauge("store", "persistent", "1 when the durable store has a writable directory.", func() float64 {
		if s.store.Persistent() {
			return 1
		}
		return 0
	})

	obs := func() observer.Stats { return s.observer.GetMonitoringStats() }
	counter("observer", "passes_total", "Completed detection passes.", func() float64 { return float64(obs().Passes) })
	counter("observer", "triggers_total", "Raised portal triggers.", func() float64 { return float64(obs().Triggers) })
	counter("observer", "debounced_total", "Player updates skipped below the movement threshold.", func() float64 { return float64(obs().Debounced) })
	counter("observer", "skipped_polls_total", "Polls skipped because the state did not change.", func() float64 { return float64(obs().SkippedPolls) })
	counter("observer", "poll_errors_total", "Failed state polls.", func() float64 { return float64(obs().PollErrors) })
	gauge("observer", "tracked_players", "Players with a recorded position.", func() float64 { return float64(obs().TrackedPlayers) })
	gauge("observer", "monitored_entities", "Dropped documents being watched.", func() float64 { return float64(obs().MonitoredEntities) })
	gauge("observer", "held_documents", "Players currently holding a document.", func() float64 { return float64(obs().HeldDocuments) })
	for _, mode := range []observer.Mode{observer.ModeIdle, observer.ModePush, observer.ModePolling, observer.ModeStopped} {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "observer",
			Name:        "mode",
			Help:        "1 for the current observation mode.",
			ConstLabels: prometheus.Labels{"mode": string(mode)},
		}, func() float64 {
			if obs().Mode == mode {
				return 1
			}
			return 0
		}))
	}

	if idx := s.index.sqlite; idx != nil {
		gauge("index", "queue_depth", "Pending index writes.", func() float64 { return float64(idx.Stats().QueueDepth) })
		counter("index", "written_total", "Rows written to the index.", func() float64 { return float64(idx.Stats().Written) })
		counter("index", "dropped_total", "Index writes dropped on a full queue.", func() float64 { return float64(idx.Stats().Dropped) })
		counter("index", "write_failures_total", "Failed index writes.", func() float64 { return float64(idx.Stats().WriteFailures) })
	}
	if idx := s.index.remote; idx != nil {
		gauge("index", "queue_depth", "Pending index writes.", func() float64 { return float64(idx.Stats().QueueDepth) })
		counter("index", "sent_total", "Events accepted by the ingest endpoint.", func() float64 { return float64(idx.Stats().Sent) })
		counter("index", "dropped_total", "Index writes dropped on a full queue.", func() float64 { return float64(idx.Stats().Dropped) })
		counter("index", "flush_failures_total", "Failed batch uploads.", func() float64 { return float64(idx.Stats().FlushFailures) })
	}
	if m := s.mirror; m != nil {
		gauge("mirror", "queue_depth", "Journal files waiting for upload.", func() float64 { return float64(m.Stats().QueueDepth) })
		counter("mirror", "enqueued_total", "Journal files handed to the mirror.", func() float64 { return float64(m.Stats().EnqueuedTotal) })
		counter("mirror", "dropped_total", "Journal files dropped on a saturated queue.", func() float64 { return float64(m.Stats().DroppedTotal) })
		counter("mirror", "upload_success_total", "Successful uploads.", func() float64 { return float64(m.Stats().UploadSuccessTotal) })
		counter("mirror", "upload_fail_total", "Uploads that failed after retries.", func() float64 { return float64(m.Stats().UploadFailTotal) })
		gauge("mirror", "last_success_unix", "Unix time of the last successful upload.", func() float64 { return float64(m.Stats().LastSuccessUnix) })
	}
	return reg
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

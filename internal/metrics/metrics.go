// ABOUTME: Prometheus collectors for channel actors and the engine
// ABOUTME: Implements conversation.Metrics on a private registry served at /metrics

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/deepbot/internal/channel"
)

const namespace = "deepbot"

// Recorder holds every collector deepbot exports.
type Recorder struct {
	registry *prometheus.Registry

	lines       *prometheus.CounterVec
	generations *prometheus.CounterVec
	duration    prometheus.Histogram
	truncated   prometheus.Counter
	commands    *prometheus.CounterVec
	duplicates  prometheus.Counter
	channels    prometheus.Gauge
	reconciles  *prometheus.CounterVec
	reconcile   prometheus.Gauge
}

// New builds a Recorder on its own registry, including the Go runtime and
// process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		lines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_emitted_total",
			Help:      "Response lines sent to the chat gateway.",
		}, []string{"channel"}),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Finished generations by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Wall time from request to final line.",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		truncated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_truncated_total",
			Help:      "Generations cut off at the response line cap.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Executed commands by name and outcome.",
		}, []string{"command", "outcome"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_messages_total",
			Help:      "Inbound messages dropped as already seen.",
		}),
		channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_active",
			Help:      "Channel actors currently running.",
		}),
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciles_total",
			Help:      "Startup history reconciliations by outcome.",
		}, []string{"outcome"}),
		reconcile: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_reconcile_seconds",
			Help:      "Duration of the most recent reconciliation.",
		}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.lines,
		r.generations,
		r.duration,
		r.truncated,
		r.commands,
		r.duplicates,
		r.channels,
		r.reconciles,
		r.reconcile,
	)
	return r
}

// Registry exposes the underlying registry for tests and extra collectors.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// LineEmitted counts a sent response line.
func (r *Recorder) LineEmitted(channelID, _ string) {
	r.lines.WithLabelValues(channelID).Inc()
}

// GenerationFinished records outcome, duration and truncation.
func (r *Recorder) GenerationFinished(_ string, result channel.GenerationResult) {
	r.generations.WithLabelValues(result.Outcome()).Inc()
	if !result.Started.IsZero() && result.Finished.After(result.Started) {
		r.duration.Observe(result.Finished.Sub(result.Started).Seconds())
	}
	if result.Truncated {
		r.truncated.Inc()
	}
}

// CommandExecuted counts a command run.
func (r *Recorder) CommandExecuted(_ string, command string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	r.commands.WithLabelValues(command, outcome).Inc()
}

// DuplicateDropped counts a deduplicated inbound message.
func (r *Recorder) DuplicateDropped() { r.duplicates.Inc() }

// ChannelsActive sets the running actor gauge.
func (r *Recorder) ChannelsActive(n int) { r.channels.Set(float64(n)) }

// ReconcileFinished records one startup reconciliation.
func (r *Recorder) ReconcileFinished(err error, elapsed time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	r.reconciles.WithLabelValues(outcome).Inc()
	r.reconcile.Set(elapsed.Seconds())
}

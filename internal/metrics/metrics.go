// Package metrics defines Prometheus metrics for the vertiport controller.
//
// All metrics are registered with Registry, which the status server exposes
// on /metrics.
//
// Metric naming follows Prometheus conventions:
//   - vertiport_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry holds every vertiport collector plus the Go runtime collectors.
var Registry = prometheus.NewRegistry()

var (
	// ScansTotal counts finished subnet scans by result (found, empty, failed).
	ScansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vertiport_scans_total",
			Help: "Total number of subnet scans by result.",
		},
		[]string{"result"},
	)

	// ScanDurationSeconds is a histogram of full-sweep duration.
	ScanDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vertiport_scan_duration_seconds",
			Help:    "Duration of subnet scans in seconds.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 1.5, 2, 5, 10, 30},
		},
	)

	// ProbesTotal counts individual host probes by outcome.
	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vertiport_probes_total",
			Help: "Total host probes by outcome (reachable, timeout, refused, error).",
		},
		[]string{"outcome"},
	)

	// SessionState is 1 for the session's current state and 0 for the others.
	SessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vertiport_session_state",
			Help: "Current device session state.",
		},
		[]string{"state"},
	)

	// ConnectAttemptsTotal counts connect and reconnect attempts by result.
	ConnectAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vertiport_connect_attempts_total",
			Help: "Total device connect attempts by trigger and result.",
		},
		[]string{"trigger", "result"},
	)

	// CommandsTotal counts vertiport commands by result (delivered, retained, rejected).
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vertiport_commands_total",
			Help: "Total vertiport commands by result.",
		},
		[]string{"result"},
	)

	// ReplaysTotal counts last-command replays after a reconnect.
	ReplaysTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vertiport_replays_total",
			Help: "Total last-command replays after reconnect.",
		},
	)

	// DevicesDiscovered is the number of responders seen by the last scan.
	DevicesDiscovered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vertiport_devices_discovered",
			Help: "Devices that answered the identify request in the last scan.",
		},
	)
)

var sessionStates = []string{"disconnected", "connecting", "connected", "reconnecting"}

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ScansTotal,
		ScanDurationSeconds,
		ProbesTotal,
		SessionState,
		ConnectAttemptsTotal,
		CommandsTotal,
		ReplaysTotal,
		DevicesDiscovered,
	)
}

// RecordScan records a finished scan.
func RecordScan(result string, discovered int, duration time.Duration) {
	ScansTotal.WithLabelValues(result).Inc()
	ScanDurationSeconds.Observe(duration.Seconds())
	DevicesDiscovered.Set(float64(discovered))
}

// RecordProbe records the outcome of one host probe.
func RecordProbe(outcome string) {
	ProbesTotal.WithLabelValues(outcome).Inc()
}

// RecordSessionState marks state as the current session state.
func RecordSessionState(state string) {
	for _, s := range sessionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		SessionState.WithLabelValues(s).Set(v)
	}
}

// RecordConnectAttempt records a connect attempt. trigger is "open", "timer" or "send".
func RecordConnectAttempt(trigger string, ok bool) {
	result := "failed"
	if ok {
		result = "ok"
	}
	ConnectAttemptsTotal.WithLabelValues(trigger, result).Inc()
}

// RecordCommand records a command outcome.
func RecordCommand(result string) {
	CommandsTotal.WithLabelValues(result).Inc()
}

// RecordReplay records a last-command replay.
func RecordReplay() {
	ReplaysTotal.Inc()
}

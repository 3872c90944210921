package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Command outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// LedgerMetrics tracks ledger command throughput and relay delivery.
// A nil *LedgerMetrics is valid and records nothing.
type LedgerMetrics struct {
	Commands        *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	HeadSeq         prometheus.Gauge
	RelayPublished  *prometheus.CounterVec
	RelayFailed     *prometheus.CounterVec
	Checkpoints     prometheus.Counter
}

// NewLedgerMetrics registers all ledger metrics with reg.
func NewLedgerMetrics(namespace string, reg prometheus.Registerer) *LedgerMetrics {
	ns := strings.ReplaceAll(namespace, "-", "_")
	factory := promauto.With(reg)
	return &LedgerMetrics{
		Commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "commands_total",
			Help:      "Total ledger commands by operation and outcome",
		}, []string{"op", "outcome"}),
		CommandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "command_duration_seconds",
			Help:      "Duration of ledger commands including the event store append",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"op"}),
		HeadSeq: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "event_log_head_seq",
			Help:      "Sequence number of the last accepted event",
		}),
		RelayPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "relay_published_total",
			Help:      "Events delivered by the relay, by sink",
		}, []string{"sink"}),
		RelayFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "relay_failed_total",
			Help:      "Failed relay deliveries, by sink",
		}, []string{"sink"}),
		Checkpoints: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "checkpoints_total",
			Help:      "Signed checkpoints produced",
		}),
	}
}

// ObserveCommand records a command outcome and its duration.
// Call with time.Now() at the start of the operation.
func (m *LedgerMetrics) ObserveCommand(op, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(op, outcome).Inc()
	m.CommandDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// SetHead records the current head sequence.
func (m *LedgerMetrics) SetHead(seq uint64) {
	if m == nil {
		return
	}
	m.HeadSeq.Set(float64(seq))
}

func (m *LedgerMetrics) IncRelayPublished(sink string) {
	if m == nil {
		return
	}
	m.RelayPublished.WithLabelValues(sink).Inc()
}

func (m *LedgerMetrics) IncRelayFailed(sink string) {
	if m == nil {
		return
	}
	m.RelayFailed.WithLabelValues(sink).Inc()
}

func (m *LedgerMetrics) IncCheckpoints() {
	if m == nil {
		return
	}
	m.Checkpoints.Inc()
}

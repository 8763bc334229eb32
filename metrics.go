package softmac

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics are the per-Device Prometheus collectors.
type metrics struct {
	txFrames       *prometheus.CounterVec
	txStatus       *prometheus.CounterVec
	txDropped      *prometheus.CounterVec
	statusMismatch prometheus.Counter
	rxFrames       *prometheus.CounterVec
	rxDropped      *prometheus.CounterVec
	servicePeriods *prometheus.CounterVec
	absorbed       prometheus.Counter
	psBuffered     prometheus.Gauge
	baSessions     *prometheus.CounterVec
	queueStops     *prometheus.CounterVec
}

// newMetrics creates the collectors and registers them with reg, which may be
// nil to leave them unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		txFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "softmac",
				Name:      "tx_frames_total",
				Help:      "Total number of frames handed to the driver",
			},
			[]string{"ac"},
		),
		txStatus: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "softmac",
				Name:      "tx_status_total",
				Help:      "Total number of TX status reports by outcome",
			},
			[]string{"outcome"},
		),
		txDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "softmac",
				Name:      "tx_dropped_total",
				Help:      "Total number of frames dropped before reaching the driver",
			},
			[]string{"reason"},
		),
		statusMismatch: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "softmac",
				Name:      "tx_status_mismatch_total",
				Help:      "Total number of TX status chains inconsistent with the offered chain",
			},
		),
		rxFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "softmac",
				Name:      "rx_frames_total",
				Help:      "Total number of received frames by type",
			},
			[]string{"type"},
		),
		rxDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "softmac",
				Name:      "rx_dropped_total",
				Help:      "Total number of received frames dropped",
			},
			[]string{"reason"},
		),
		servicePeriods: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "softmac",
				Name:      "service_periods_total",
				Help:      "Total number of power save service periods started",
			},
			[]string{"reason"},
		),
		absorbed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "softmac",
				Name:      "absorbed_triggers_total",
				Help:      "Total number of triggers received during an open service period",
			},
		),
		psBuffered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "softmac",
				Name:      "ps_buffered_frames",
				Help:      "Number of frames held for sleeping stations",
			},
		),
		baSessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "softmac",
				Name:      "ba_session_transitions_total",
				Help:      "Total number of block ack session state transitions",
			},
			[]string{"direction", "state"},
		),
		queueStops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "softmac",
				Name:      "queue_stops_total",
				Help:      "Total number of hardware queue stops by reason",
			},
			[]string{"reason"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.txFrames,
			m.txStatus,
			m.txDropped,
			m.statusMismatch,
			m.rxFrames,
			m.rxDropped,
			m.servicePeriods,
			m.absorbed,
			m.psBuffered,
			m.baSessions,
			m.queueStops,
		)
	}

	return m
}

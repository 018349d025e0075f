package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "apigate"

// Metrics contains the process-wide bridge metrics.
type Metrics struct {
	LinesRouted     prometheus.Counter
	LinesByKind     *prometheus.CounterVec // kind: ais, gnss, data
	BytesRouted     prometheus.Counter
	QueueDrops      prometheus.Counter
	BroadcastErrors prometheus.Counter
	ChecksumErrors  prometheus.Counter

	InstancesRunning  prometheus.Gauge
	AutoServerPorts   prometheus.Gauge
	AutoServerClients prometheus.Gauge
}

// NewMetrics creates the core metric set. Callers normally reach this through
// NewMetricsRegistry, which also registers it.
func NewMetrics() *Metrics {
	return &Metrics{
		LinesRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "lines_total",
			Help:      "Total lines routed from all input sources",
		}),
		LinesByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "lines_by_kind_total",
			Help:      "Lines routed, partitioned by sentence kind",
		}, []string{"kind"}),
		BytesRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "bytes_total",
			Help:      "Total bytes routed from all input sources",
		}),
		QueueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "queue_drops_total",
			Help:      "Payloads evicted from output queues by the drop-oldest policy",
		}),
		BroadcastErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "autoserver",
			Name:      "broadcast_errors_total",
			Help:      "Write failures to individual subscriber clients",
		}),
		ChecksumErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nmea",
			Name:      "checksum_errors_total",
			Help:      "NMEA sentences with a failed checksum (still forwarded)",
		}),
		InstancesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "instances_running",
			Help:      "Bridge instances currently in the running state",
		}),
		AutoServerPorts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "autoserver",
			Name:      "ports_listening",
			Help:      "Auto-provisioned ports currently listening",
		}),
		AutoServerClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "autoserver",
			Name:      "clients_connected",
			Help:      "Subscriber clients connected across all auto-server ports",
		}),
	}
}

func (m *Metrics) mustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		m.LinesRouted,
		m.LinesByKind,
		m.BytesRouted,
		m.QueueDrops,
		m.BroadcastErrors,
		m.ChecksumErrors,
		m.InstancesRunning,
		m.AutoServerPorts,
		m.AutoServerClients,
	)
}

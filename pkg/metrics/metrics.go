// Package metrics exposes the stack's diagnostic counters to prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons used as the "reason" label of route drops.
const (
	DropQFifoFull   = "qfifo_full"
	DropNoSocket    = "no_socket"
	DropSecurity    = "security"
	DropCRC32       = "crc32"
	DropHMAC        = "hmac"
	DropDuplicate   = "duplicate"
	DropConnFull    = "conn_full"
	DropBacklogFull = "backlog_full"
	DropRxQueueFull = "rx_queue_full"
	DropLoop        = "loop"
)

// Metrics is owned by one node. Pass a nil registerer to keep the
// counters private, e.g. in tests that create many nodes.
type Metrics struct {
	BufferExhausted prometheus.Counter
	RouteDrops      *prometheus.CounterVec
	NoRoute         prometheus.Counter
	RDPRetransmits  prometheus.Counter
	RDPTimeouts     prometheus.Counter
	ConnOverflow    prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BufferExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "csp",
			Subsystem: "buffer",
			Name:      "exhausted_total",
			Help:      "Buffer allocations that failed because the pool was empty.",
		}),
		RouteDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "csp",
			Subsystem: "route",
			Name:      "drops_total",
			Help:      "Packets dropped by the router.",
		}, []string{"reason"}),
		NoRoute: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "csp",
			Subsystem: "route",
			Name:      "noroute_total",
			Help:      "Packets dropped because no interface reaches the destination.",
		}),
		RDPRetransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "csp",
			Subsystem: "rdp",
			Name:      "retransmits_total",
			Help:      "RDP segments retransmitted.",
		}),
		RDPTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "csp",
			Subsystem: "rdp",
			Name:      "timeouts_total",
			Help:      "RDP connections closed by timeout.",
		}),
		ConnOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "csp",
			Subsystem: "conn",
			Name:      "overflow_total",
			Help:      "Connections refused because the connection table was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.BufferExhausted, m.RouteDrops, m.NoRoute, m.RDPRetransmits, m.RDPTimeouts, m.ConnOverflow)
	}
	return m
}

func (m *Metrics) Drop(reason string) {
	m.RouteDrops.WithLabelValues(reason).Inc()
}

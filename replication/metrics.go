package replication

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the replication pipeline counters for one connection pair.
// Pass a shared Registerer to expose them; a nil config registerer gets a
// private registry so the counters still work without being exported.
type Metrics struct {
	PacketsBuilt    prometheus.Counter
	BytesQueued     prometheus.Counter
	MessagesSent    *prometheus.CounterVec
	MessagesCapped  prometheus.Counter
	MessagesStale   prometheus.Counter
	MessagesApplied *prometheus.CounterVec
	ApplySkips      prometheus.Counter
	PacketErrors    prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	factory := promauto.With(reg)

	return &Metrics{
		PacketsBuilt: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "replication",
			Name:      "packets_built_total",
			Help:      "Packets produced by the packet builder.",
		}),
		BytesQueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "replication",
			Name:      "bytes_queued_total",
			Help:      "Serialized packet bytes handed to the transport queue.",
		}),
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replication",
			Name:      "messages_sent_total",
			Help:      "Finalized group messages handed to the packet builder.",
		}, []string{"channel"}),
		MessagesCapped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "replication",
			Name:      "messages_capped_total",
			Help:      "Finalized update messages dropped by the bandwidth cap.",
		}),
		MessagesStale: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "replication",
			Name:      "messages_stale_total",
			Help:      "Received messages discarded as stale or superseded.",
		}),
		MessagesApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replication",
			Name:      "messages_applied_total",
			Help:      "Group messages applied to the host world.",
		}, []string{"channel"}),
		ApplySkips: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "replication",
			Name:      "apply_skips_total",
			Help:      "Component deltas skipped because their entity no longer exists.",
		}),
		PacketErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "replication",
			Name:      "packet_errors_total",
			Help:      "Received packets dropped as protocol violations.",
		}),
	}
}

const (
	labelActions = "actions"
	labelUpdates = "updates"
)

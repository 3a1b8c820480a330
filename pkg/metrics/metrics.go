package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ichnaea"

var (
	DefaultRegisterer = prometheus.DefaultRegisterer
	DefaultGatherer   = prometheus.DefaultGatherer
)

var (
	TopicJoinsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "topic_joins_total",
		Help:      "Total number of topics joined.",
	})

	TopicActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "topic_active",
		Help:      "Whether a rendezvous topic is currently joined.",
	})

	SwarmConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "swarm_connections",
		Help:      "Number of swarm connections by state.",
	}, []string{"state"})

	SwarmPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "swarm_peers",
		Help:      "Number of peers known on the joined topic.",
	})

	HandshakesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handshakes_total",
		Help:      "Total number of handshake messages by result.",
	}, []string{"result"})

	VerifiedPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "verified_peers",
		Help:      "Number of peers in the verified peer registry.",
	})

	MessagesSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_sent_total",
		Help:      "Total number of messages sent to verified peers by result.",
	}, []string{"type", "result"})
)

func Register() {
	DefaultRegisterer.MustRegister(TopicJoinsTotal)
	DefaultRegisterer.MustRegister(TopicActive)
	DefaultRegisterer.MustRegister(SwarmConnections)
	DefaultRegisterer.MustRegister(SwarmPeers)
	DefaultRegisterer.MustRegister(HandshakesTotal)
	DefaultRegisterer.MustRegister(VerifiedPeers)
	DefaultRegisterer.MustRegister(MessagesSentTotal)
}

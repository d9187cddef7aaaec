package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the room's Prometheus collectors.
type Metrics struct {
	Connections  prometheus.Gauge
	Participants prometheus.Gauge

	MessagesRelayed prometheus.Counter
	MessagesDropped *prometheus.CounterVec // reason
	Reactions       prometheus.Counter

	VotesStarted  prometheus.Counter
	VotesResolved *prometheus.CounterVec // result
	Bans          prometheus.Counter
	Admissions    *prometheus.CounterVec // outcome

	Wipes prometheus.Counter
}

// NewMetrics registers the room collectors on reg. A nil reg yields
// collectors that are not exported anywhere.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "nexus_connections",
			Help: "Admitted websocket connections",
		}),
		Participants: f.NewGauge(prometheus.GaugeOpts{
			Name: "nexus_participants",
			Help: "Joined participants in the current epoch",
		}),
		MessagesRelayed: f.NewCounter(prometheus.CounterOpts{
			Name: "nexus_messages_relayed_total",
			Help: "Chat messages broadcast to the room",
		}),
		MessagesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_messages_dropped_total",
			Help: "Chat messages dropped before broadcast",
		}, []string{"reason"}),
		Reactions: f.NewCounter(prometheus.CounterOpts{
			Name: "nexus_reactions_total",
			Help: "Reactions applied to messages",
		}),
		VotesStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "nexus_votes_started_total",
			Help: "Vote-kick sessions opened",
		}),
		VotesResolved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_votes_resolved_total",
			Help: "Vote-kick sessions resolved",
		}, []string{"result"}),
		Bans: f.NewCounter(prometheus.CounterOpts{
			Name: "nexus_bans_total",
			Help: "Ban records installed",
		}),
		Admissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_admissions_total",
			Help: "Connection admission decisions",
		}, []string{"outcome"}),
		Wipes: f.NewCounter(prometheus.CounterOpts{
			Name: "nexus_wipes_total",
			Help: "Completed room wipes",
		}),
	}
}

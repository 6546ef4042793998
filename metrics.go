package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the optional Prometheus collector set for the sync engine.
// Construct one with NewMetrics and pass it to the client, session, and
// connection via their options; a nil *Metrics disables collection.
type Metrics struct {
	connects         prometheus.Counter
	reconnects       prometheus.Counter
	resyncs          prometheus.Counter
	resyncMessages   prometheus.Counter
	eventsDispatched *prometheus.CounterVec
	commandsSent     *prometheus.CounterVec
	sends            *prometheus.CounterVec
	bufferedOps      prometheus.Counter
}

// NewMetrics creates and registers the collectors. reg may be nil, in which
// case the default registerer is used.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_connects_total",
			Help: "Total number of successful push-channel connections.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_reconnect_attempts_total",
			Help: "Total number of reconnect attempts after transport loss.",
		}),
		resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_delta_resyncs_total",
			Help: "Total number of per-conversation delta resyncs performed.",
		}),
		resyncMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_resync_messages_total",
			Help: "Total messages merged by delta resync and history pages.",
		}),
		eventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_events_dispatched_total",
			Help: "Total push events applied by the router.",
		}, []string{"event"}),
		commandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_commands_sent_total",
			Help: "Total outbound push-channel commands.",
		}, []string{"command"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_message_sends_total",
			Help: "Total message sends by outcome.",
		}, []string{"outcome"}),
		bufferedOps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_buffered_ops_total",
			Help: "Total edit/delete events buffered ahead of their insert.",
		}),
	}
	reg.MustRegister(
		m.connects, m.reconnects, m.resyncs, m.resyncMessages,
		m.eventsDispatched, m.commandsSent, m.sends, m.bufferedOps,
	)
	return m
}

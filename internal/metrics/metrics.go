// Package metrics exports voice gateway telemetry to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "discord_voice"

// Collector holds the voice metrics. A nil *Collector is valid and records
// nothing.
type Collector struct {
	gatherer prometheus.Gatherer

	connectionsActive prometheus.Gauge
	stateTransitions  *prometheus.CounterVec
	heartbeatsSent    *prometheus.CounterVec
	heartbeatAcks     *prometheus.CounterVec
	ping              *prometheus.GaugeVec
	closes            *prometheus.CounterVec
	unhandledOpcodes  *prometheus.CounterVec
	handshakes        *prometheus.CounterVec
}

// NewCollector registers the voice metrics with reg.
func NewCollector(reg *prometheus.Registry) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		gatherer: reg,

		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Voice connections currently held by the registry",
		}),
		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Voice connection state transitions",
		}, []string{"from", "to"}),
		heartbeatsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "heartbeats_sent_total",
			Help:      "Heartbeats sent to the voice gateway",
		}, []string{"guild_id"}),
		heartbeatAcks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "heartbeat_acks_total",
			Help:      "Heartbeat acknowledgements received, by pairing result",
		}, []string{"guild_id", "paired"}),
		ping: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "ping_seconds",
			Help:      "Last heartbeat round trip",
		}, []string{"guild_id"}),
		closes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "closes_total",
			Help:      "Voice gateway socket closes by close code",
		}, []string{"code"}),
		unhandledOpcodes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "unhandled_opcodes_total",
			Help:      "Packets received with an opcode the socket does not act on",
		}, []string{"op"}),
		handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "handshakes_total",
			Help:      "Completed voice handshakes (READY received)",
		}, []string{"guild_id"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// ConnectionAdded counts a connection created by the registry.
func (c *Collector) ConnectionAdded() {
	if c == nil {
		return
	}
	c.connectionsActive.Inc()
}

// ConnectionRemoved counts a connection destroyed by the registry.
func (c *Collector) ConnectionRemoved() {
	if c == nil {
		return
	}
	c.connectionsActive.Dec()
}

// StateTransition records one state machine transition.
func (c *Collector) StateTransition(from, to string) {
	if c == nil {
		return
	}
	c.stateTransitions.WithLabelValues(from, to).Inc()
}

// HeartbeatSent counts a heartbeat written to the voice gateway.
func (c *Collector) HeartbeatSent(guildID string) {
	if c == nil {
		return
	}
	c.heartbeatsSent.WithLabelValues(guildID).Inc()
}

// HeartbeatAck counts an acknowledgement and sets the guild's last ping.
func (c *Collector) HeartbeatAck(guildID string, ping time.Duration, paired bool) {
	if c == nil {
		return
	}
	c.heartbeatAcks.WithLabelValues(guildID, strconv.FormatBool(paired)).Inc()
	c.ping.WithLabelValues(guildID).Set(ping.Seconds())
}

// Handshake counts a READY received by the owning socket.
func (c *Collector) Handshake(guildID string) {
	if c == nil {
		return
	}
	c.handshakes.WithLabelValues(guildID).Inc()
}

// Closed counts a socket close by close code.
func (c *Collector) Closed(code int) {
	if c == nil {
		return
	}
	c.closes.WithLabelValues(strconv.Itoa(code)).Inc()
}

// UnhandledOpcode counts a packet whose opcode the socket ignores.
func (c *Collector) UnhandledOpcode(op int) {
	if c == nil {
		return
	}
	c.unhandledOpcodes.WithLabelValues(strconv.Itoa(op)).Inc()
}

// Forget drops the per-guild series once a connection is destroyed.
func (c *Collector) Forget(guildID string) {
	if c == nil {
		return
	}
	c.heartbeatsSent.DeleteLabelValues(guildID)
	c.heartbeatAcks.DeleteLabelValues(guildID, "true")
	c.heartbeatAcks.DeleteLabelValues(guildID, "false")
	c.ping.DeleteLabelValues(guildID)
	c.handshakes.DeleteLabelValues(guildID)
}

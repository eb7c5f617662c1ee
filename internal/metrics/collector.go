package fbspmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "fbsp"
	subsystem = "protocol"
)

// Label names for protocol metrics.
const (
	labelChannel   = "channel"
	labelRole      = "role"
	labelDirection = "direction"
	labelKind      = "kind"
	labelReason    = "reason"
	labelPipe      = "pipe"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Protocol Metrics
// -------------------------------------------------------------------------

// Collector holds all FBSP/FBDP Prometheus metrics.
//
// Metrics are designed for service-fleet monitoring:
//   - Session gauges track peers currently established per channel.
//   - Suspended-session gauges and retry counters expose send
//     backpressure before it turns into cancellations.
//   - Message counters track traffic volume per kind and direction.
//   - Pipe voucher gauges show the remaining transmit budget per pipe.
type Collector struct {
	// Sessions tracks the number of currently established sessions.
	// Incremented on handshake success, decremented on CLOSE or cancel.
	Sessions *prometheus.GaugeVec

	// SuspendedSessions tracks sessions currently deferring sends after
	// a would-block. Incremented on suspend, decremented on resume or
	// cancel.
	SuspendedSessions *prometheus.GaugeVec

	// SessionsCancelled counts sessions torn down by the send path, per
	// reason ("resume_timeout", "host_unreachable").
	SessionsCancelled *prometheus.CounterVec

	// Messages counts protocol messages per channel, direction and kind.
	Messages *prometheus.CounterVec

	// InvalidMessages counts received messages dropped by validation.
	InvalidMessages *prometheus.CounterVec

	// SendRetries counts deferred-send retry attempts.
	SendRetries *prometheus.CounterVec

	// PipeVoucher tracks the remaining transmit voucher per data pipe.
	PipeVoucher *prometheus.GaugeVec
}

// NewCollector creates a Collector with all protocol metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "fbsp_protocol_" prefix
// (namespace_subsystem) to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Sessions,
		c.SuspendedSessions,
		c.SessionsCancelled,
		c.Messages,
		c.InvalidMessages,
		c.SendRetries,
		c.PipeVoucher,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	channelLabels := []string{labelChannel, labelRole}
	messageLabels := []string{labelChannel, labelDirection, labelKind}

	return &Collector{
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Number of currently established protocol sessions.",
		}, channelLabels),

		SuspendedSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "suspended_sessions",
			Help:      "Number of sessions currently deferring sends after a would-block.",
		}, channelLabels),

		SessionsCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_cancelled_total",
			Help:      "Total sessions cancelled by the send path, per reason.",
		}, []string{labelChannel, labelReason}),

		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_total",
			Help:      "Total protocol messages per channel, direction and kind.",
		}, messageLabels),

		InvalidMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "invalid_messages_total",
			Help:      "Total received messages dropped by wire-format or semantic validation.",
		}, channelLabels),

		SendRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "send_retries_total",
			Help:      "Total deferred-send retry attempts.",
		}, channelLabels),

		PipeVoucher: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pipe_voucher",
			Help:      "Remaining transmit voucher per data pipe.",
		}, []string{labelPipe}),
	}
}

// -------------------------------------------------------------------------
// Session Lifecycle
// -------------------------------------------------------------------------

// RegisterSession increments the established sessions gauge for a channel.
// Called when a greeting completes the handshake.
func (c *Collector) RegisterSession(channel, role string) {
	c.Sessions.WithLabelValues(channel, role).Inc()
}

// UnregisterSession decrements the established sessions gauge for a
// channel. Called on CLOSE or session cancellation.
func (c *Collector) UnregisterSession(channel, role string) {
	c.Sessions.WithLabelValues(channel, role).Dec()
}

// -------------------------------------------------------------------------
// Send Backpressure
// -------------------------------------------------------------------------

// SessionSuspended increments the suspended-sessions gauge.
func (c *Collector) SessionSuspended(channel, role string) {
	c.SuspendedSessions.WithLabelValues(channel, role).Inc()
}

// SessionResumed decrements the suspended-sessions gauge.
func (c *Collector) SessionResumed(channel, role string) {
	c.SuspendedSessions.WithLabelValues(channel, role).Dec()
}

// SessionCancelled counts a send-path session cancellation per reason.
func (c *Collector) SessionCancelled(channel, reason string) {
	c.SessionsCancelled.WithLabelValues(channel, reason).Inc()
}

// IncSendRetries counts one deferred-send retry attempt.
func (c *Collector) IncSendRetries(channel, role string) {
	c.SendRetries.WithLabelValues(channel, role).Inc()
}

// -------------------------------------------------------------------------
// Message Counters
// -------------------------------------------------------------------------

// IncMessagesSent counts one transmitted message of the given kind.
func (c *Collector) IncMessagesSent(channel, kind string) {
	c.Messages.WithLabelValues(channel, "sent", kind).Inc()
}

// IncMessagesReceived counts one received message of the given kind.
func (c *Collector) IncMessagesReceived(channel, kind string) {
	c.Messages.WithLabelValues(channel, "received", kind).Inc()
}

// IncInvalidMessages counts one received message dropped by validation.
func (c *Collector) IncInvalidMessages(channel, role string) {
	c.InvalidMessages.WithLabelValues(channel, role).Inc()
}

// -------------------------------------------------------------------------
// Data Pipes
// -------------------------------------------------------------------------

// SetPipeVoucher records the remaining transmit voucher for a pipe.
func (c *Collector) SetPipeVoucher(pipe string, voucher uint16) {
	c.PipeVoucher.WithLabelValues(pipe).Set(float64(voucher))
}

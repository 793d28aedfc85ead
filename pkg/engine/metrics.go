// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus instrumentation for the engine.
type Metrics struct {
	MessagesReceived *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	Retransmits      prometheus.Counter
	Nacks            *prometheus.CounterVec
	ActiveSessions   prometheus.Gauge
}

// NewMetrics registers engine metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "copua",
			Subsystem: "engine",
			Name:      "messages_received_total",
			Help:      "Total CoAP messages received, by message kind.",
		}, []string{"kind"}),

		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "copua",
			Subsystem: "engine",
			Name:      "messages_sent_total",
			Help:      "Total CoAP messages sent, by message kind.",
		}, []string{"kind"}),

		Retransmits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "copua",
			Subsystem: "engine",
			Name:      "retransmits_total",
			Help:      "Total confirmable message retransmissions.",
		}),

		Nacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "copua",
			Subsystem: "engine",
			Name:      "nacks_total",
			Help:      "Total negative acknowledgements, by reason.",
		}, []string{"reason"}),

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "copua",
			Subsystem: "engine",
			Name:      "active_sessions",
			Help:      "Number of active CoAP sessions.",
		}),
	}
}

func (m *Metrics) received(kind string) {
	if m != nil {
		m.MessagesReceived.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) sent(kind string) {
	if m != nil {
		m.MessagesSent.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) retransmit() {
	if m != nil {
		m.Retransmits.Inc()
	}
}

func (m *Metrics) nack(reason NackReason) {
	if m != nil {
		m.Nacks.WithLabelValues(reason.String()).Inc()
	}
}

func (m *Metrics) sessions(delta float64) {
	if m != nil {
		m.ActiveSessions.Add(delta)
	}
}

// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package metrics provides Prometheus collectors for the relay.
//
// Every Record method is safe to call on a nil *Metrics, so components can
// be built without metrics and still share the same call sites.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "turn"

// Reasons an allocation is deleted.
const (
	ReasonExpired  = "expired"
	ReasonRefresh  = "refresh"
	ReasonAdmin    = "admin"
	ReasonShutdown = "shutdown"
	ReasonError    = "error"
)

// Directions of relayed traffic.
const (
	DirectionToPeer   = "client_to_peer"
	DirectionToClient = "peer_to_client"
)

// Metrics contains all Prometheus collectors of a relay server.
type Metrics struct {
	AllocationsActive   prometheus.Gauge
	AllocationsCreated  prometheus.Counter
	AllocationsDeleted  *prometheus.CounterVec
	PermissionsCreated  prometheus.Counter
	ChannelBindsCreated prometheus.Counter

	RelayedBytes   *prometheus.CounterVec
	RelayedPackets *prometheus.CounterVec
	InboundDropped prometheus.Counter

	Requests     *prometheus.CounterVec
	AuthFailures prometheus.Counter
}

// NewMetricsWithRegistry creates a Metrics instance registered on reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		AllocationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "allocations_active",
			Help:      "Number of live allocations",
		}),
		AllocationsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocations_created_total",
			Help:      "Total number of allocations created",
		}),
		AllocationsDeleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocations_deleted_total",
			Help:      "Total number of allocations deleted by reason",
		}, []string{"reason"}),
		PermissionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permissions_created_total",
			Help:      "Total number of permissions installed",
		}),
		ChannelBindsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_binds_created_total",
			Help:      "Total number of channel bindings installed",
		}),
		RelayedBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_bytes_total",
			Help:      "Payload bytes relayed by direction",
		}, []string{"direction"}),
		RelayedPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_packets_total",
			Help:      "Datagrams relayed by direction",
		}, []string{"direction"}),
		InboundDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_dropped_total",
			Help:      "Peer datagrams dropped for lack of a permission",
		}),
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "STUN/TURN requests answered by method and response class",
		}, []string{"method", "class"}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Requests challenged or rejected during authentication",
		}),
	}
}

// RecordAllocationCreated counts a new allocation.
func (m *Metrics) RecordAllocationCreated() {
	if m == nil {
		return
	}
	m.AllocationsActive.Inc()
	m.AllocationsCreated.Inc()
}

// RecordAllocationDeleted counts a removed allocation.
func (m *Metrics) RecordAllocationDeleted(reason string) {
	if m == nil {
		return
	}
	m.AllocationsActive.Dec()
	m.AllocationsDeleted.WithLabelValues(reason).Inc()
}

// RecordPermissionCreated counts a newly installed permission.
func (m *Metrics) RecordPermissionCreated() {
	if m == nil {
		return
	}
	m.PermissionsCreated.Inc()
}

// RecordChannelBindCreated counts a newly installed channel binding.
func (m *Metrics) RecordChannelBindCreated() {
	if m == nil {
		return
	}
	m.ChannelBindsCreated.Inc()
}

// RecordRelayed counts one relayed datagram of n payload bytes.
func (m *Metrics) RecordRelayed(direction string, n int) {
	if m == nil {
		return
	}
	m.RelayedPackets.WithLabelValues(direction).Inc()
	m.RelayedBytes.WithLabelValues(direction).Add(float64(n))
}

// RecordInboundDropped counts a peer datagram with no permission.
func (m *Metrics) RecordInboundDropped() {
	if m == nil {
		return
	}
	m.InboundDropped.Inc()
}

// RecordRequest counts an answered request.
func (m *Metrics) RecordRequest(method, class string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(method, class).Inc()
}

// RecordAuthFailure counts a request that failed authentication.
func (m *Metrics) RecordAuthFailure() {
	if m == nil {
		return
	}
	m.AuthFailures.Inc()
}

// Copyright 2024-2026 Aiku AI

package connector

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// activityBuckets are the age limits remote users, local users and rooms
// are counted under. A zero limit counts everything.
var activityBuckets = []struct {
	label string
	limit time.Duration
}{
	{"1h", time.Hour},
	{"1d", 24 * time.Hour},
	{"7d", 7 * 24 * time.Hour},
	{"all", 0},
}

// Metrics holds the bridge's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	received   *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	sent       *prometheus.CounterVec
	remoteCall *prometheus.CounterVec
	bridges    *prometheus.GaugeVec
	users      *prometheus.GaugeVec
	rooms      *prometheus.GaugeVec
	puppets    prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		received: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roombridge_messages_received_total",
			Help: "Messages received, by side they came from",
		}, []string{"side"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roombridge_messages_dropped_total",
			Help: "Messages not relayed, by side they came from and reason",
		}, []string{"side", "reason"}),
		sent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roombridge_messages_sent_total",
			Help: "Messages delivered, by side they were delivered to",
		}, []string{"side"}),
		remoteCall: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roombridge_remote_calls_total",
			Help: "Mattermost API calls made through the rate limiter",
		}, []string{"op"}),
		bridges: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "roombridge_bridges",
			Help: "Room bridges by state",
		}, []string{"state"}),
		users: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "roombridge_active_users",
			Help: "Users seen within an age bucket, by side",
		}, []string{"side", "age"}),
		rooms: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "roombridge_active_rooms",
			Help: "Rooms with traffic within an age bucket, by side",
		}, []string{"side", "age"}),
		puppets: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roombridge_puppets",
			Help: "Loaded puppet accounts",
		}),
	}
}

func (m *Metrics) Received(side string) {
	if m != nil {
		m.received.WithLabelValues(side).Inc()
	}
}

func (m *Metrics) Dropped(side, reason string) {
	if m != nil {
		m.dropped.WithLabelValues(side, reason).Inc()
	}
}

func (m *Metrics) Sent(side string) {
	if m != nil {
		m.sent.WithLabelValues(side).Inc()
	}
}

func (m *Metrics) RemoteCall(op string) {
	if m != nil {
		m.remoteCall.WithLabelValues(op).Inc()
	}
}

// activitySnapshot is the input of Metrics.Refresh.
type activitySnapshot struct {
	states      map[BridgeState]int
	puppets     int
	remoteUsers []time.Duration
	localUsers  []time.Duration
	remoteRooms []time.Duration
	localRooms  []time.Duration
}

// Refresh replaces the gauge values with a fresh snapshot.
func (m *Metrics) Refresh(snap activitySnapshot) {
	if m == nil {
		return
	}
	for _, state := range []BridgeState{StateIdle, StateJoining, StateStarted, StateFailed} {
		m.bridges.WithLabelValues(state.String()).Set(float64(snap.states[state]))
	}
	m.puppets.Set(float64(snap.puppets))
	setBuckets(m.users, "remote", snap.remoteUsers)
	setBuckets(m.users, "matrix", snap.localUsers)
	setBuckets(m.rooms, "remote", snap.remoteRooms)
	setBuckets(m.rooms, "matrix", snap.localRooms)
}

func setBuckets(vec *prometheus.GaugeVec, side string, ages []time.Duration) {
	for _, bucket := range activityBuckets {
		n := 0
		for _, age := range ages {
			if bucket.limit == 0 || age <= bucket.limit {
				n++
			}
		}
		vec.WithLabelValues(side, bucket.label).Set(float64(n))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instrumentation for one server instance.
// Each server carries its own registry so tests can run several servers in
// one process without collector collisions.
type Metrics struct {
	registry *prometheus.Registry

	ProfileOperations *prometheus.CounterVec
	HTTPRequests      *prometheus.CounterVec
	GiftsDelivered    prometheus.Counter
	PartiesActive     prometheus.GaugeFunc
	SessionsActive    prometheus.GaugeFunc
}

// NewMetrics builds the collector set. sessionCount and partyCount feed the
// gauges; either may be nil.
func NewMetrics(sessionCount, partyCount func() float64) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg}

	m.ProfileOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "breakwater_profile_operations_total",
		Help: "Profile operations processed, by operation name and outcome.",
	}, []string{"operation", "outcome"})
	reg.MustRegister(m.ProfileOperations)

	m.HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "breakwater_http_requests_total",
		Help: "HTTP API requests, by route and status code.",
	}, []string{"route", "status"})
	reg.MustRegister(m.HTTPRequests)

	m.GiftsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "breakwater_gifts_delivered_total",
		Help: "Gift deliveries pushed to receiver profiles.",
	})
	reg.MustRegister(m.GiftsDelivered)

	if sessionCount != nil {
		m.SessionsActive = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "breakwater_xmpp_sessions_active",
			Help: "Currently established XMPP sessions.",
		}, sessionCount)
		reg.MustRegister(m.SessionsActive)
	}
	if partyCount != nil {
		m.PartiesActive = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "breakwater_parties_active",
			Help: "Currently live parties.",
		}, partyCount)
		reg.MustRegister(m.PartiesActive)
	}

	return m
}

// Handler serves this instance's metrics in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordOperation counts one profile operation.
func (m *Metrics) RecordOperation(operation, outcome string) {
	m.ProfileOperations.WithLabelValues(operation, outcome).Inc()
}

// RecordHTTPRequest counts one API request.
func (m *Metrics) RecordHTTPRequest(route, status string) {
	m.HTTPRequests.WithLabelValues(route, status).Inc()
}

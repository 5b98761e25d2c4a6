// Package metrics exposes engine and transport counters to Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agora"

// Message outcomes.
const (
	ResultRecorded  = "recorded"
	ResultDuplicate = "duplicate"
	ResultRejected  = "rejected"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	messages     *prometheus.CounterVec
	governance   *prometheus.CounterVec
	attestations *prometheus.CounterVec
	requests     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	feedClients  prometheus.Gauge
	sweeps       prometheus.Counter
}

// Gauges are sampled on every scrape.
type Gauges struct {
	PendingProposals func() float64
	ActiveAgents     func() float64
}

// New registers all collectors on a fresh registry.
func New(g Gauges) (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages submitted to the ledger, by result.",
		}, []string{"result"}),
		governance: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "governance_events_total",
			Help:      "Proposal lifecycle events and votes, by action.",
		}, []string{"action"}),
		attestations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attestations_total",
			Help:      "Attestation attempts, by outcome.",
		}, []string{"outcome"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by route and status code.",
		}, []string{"route", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		feedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_clients",
			Help:      "Connected live feed clients.",
		}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expiry_sweeps_total",
			Help:      "Completed proposal expiry sweeps.",
		}),
	}

	collectors := []prometheus.Collector{
		m.messages, m.governance, m.attestations, m.requests, m.latency, m.feedClients, m.sweeps,
		collectors.NewGoCollector(),
	}
	if g.PendingProposals != nil {
		collectors = append(collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "proposals_pending",
			Help:      "Proposals awaiting a decision.",
		}, g.PendingProposals))
	}
	if g.ActiveAgents != nil {
		collectors = append(collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents_active",
			Help:      "Distinct agents that have sent a message.",
		}, g.ActiveAgents))
	}

	var errs []error
	for _, c := range collectors {
		errs = append(errs, m.registry.Register(c))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Message(result string) {
	if m != nil {
		m.messages.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Governance(action string) {
	if m != nil {
		m.governance.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) Attestation(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.attestations.WithLabelValues(outcome).Inc()
}

// Request records one served HTTP request.
func (m *Metrics) Request(route string, code int, took time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.latency.WithLabelValues(route).Observe(took.Seconds())
}

func (m *Metrics) FeedClients(delta int) {
	if m != nil {
		m.feedClients.Add(float64(delta))
	}
}

func (m *Metrics) Sweep() {
	if m != nil {
		m.sweeps.Inc()
	}
}

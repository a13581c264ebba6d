// Package metrics exposes Prometheus collectors for the engagement engine.
//
// Every method is nil-safe: components hold a *Metrics that may be nil in
// tests, and calls on a nil receiver do nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "engagement"

type Metrics struct {
	registry *prometheus.Registry

	pointsRecorded  *prometheus.CounterVec
	pointsAwarded   *prometheus.CounterVec
	levelChanges    *prometheus.CounterVec
	declines        *prometheus.CounterVec
	suspensions     prometheus.Counter
	assignments     *prometheus.CounterVec
	offerResponses  *prometheus.CounterVec
	creditsConsumed *prometheus.CounterVec
	creditsReset    prometheus.Counter
	casRetries      *prometheus.CounterVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		pointsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "point_transactions_total",
			Help: "Point transactions appended, by action.",
		}, []string{"action"}),
		pointsAwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "points_total",
			Help: "Absolute final points recorded, by sign.",
		}, []string{"sign"}),
		levelChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "level_changes_total",
			Help: "Provider level transitions, by direction.",
		}, []string{"direction"}),
		declines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "declines_total",
			Help: "Decline records appended, by kind.",
		}, []string{"kind"}),
		suspensions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "suspensions_total",
			Help: "Providers suspended for repeated declines.",
		}),
		assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "assignments_total",
			Help: "Assignment decisions, by outcome.",
		}, []string{"outcome"}),
		offerResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "offer_responses_total",
			Help: "Offer resolutions, by final state.",
		}, []string{"state"}),
		creditsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "credit_consume_total",
			Help: "Credit consume attempts, by result.",
		}, []string{"result"}),
		creditsReset: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "credit_accounts_reset_total",
			Help: "Client accounts reset by the weekly job.",
		}),
		casRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cas_retries_total",
			Help: "Compare-and-swap re-attempts, by entity.",
		}, []string{"entity"}),
	}

	reg.MustRegister(
		m.pointsRecorded, m.pointsAwarded, m.levelChanges, m.declines, m.suspensions,
		m.assignments, m.offerResponses, m.creditsConsumed, m.creditsReset, m.casRetries,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) PointsRecorded(action string, finalPoints int64) {
	if m == nil {
		return
	}
	m.pointsRecorded.WithLabelValues(action).Inc()
	sign := "positive"
	if finalPoints < 0 {
		sign, finalPoints = "negative", -finalPoints
	}
	m.pointsAwarded.WithLabelValues(sign).Add(float64(finalPoints))
}

func (m *Metrics) LevelChanged(from, to int) {
	if m == nil || from == to {
		return
	}
	direction := "up"
	if to < from {
		direction = "down"
	}
	m.levelChanges.WithLabelValues(direction).Inc()
}

func (m *Metrics) DeclineRecorded(timedOut bool) {
	if m == nil {
		return
	}
	kind := "declined"
	if timedOut {
		kind = "timed_out"
	}
	m.declines.WithLabelValues(kind).Inc()
}

func (m *Metrics) Suspended() {
	if m == nil {
		return
	}
	m.suspensions.Inc()
}

func (m *Metrics) Assignment(outcome string) {
	if m == nil {
		return
	}
	m.assignments.WithLabelValues(outcome).Inc()
}

func (m *Metrics) OfferResolved(state string) {
	if m == nil {
		return
	}
	m.offerResponses.WithLabelValues(state).Inc()
}

func (m *Metrics) CreditConsume(result string) {
	if m == nil {
		return
	}
	m.creditsConsumed.WithLabelValues(result).Inc()
}

func (m *Metrics) CreditsReset(accounts int) {
	if m == nil {
		return
	}
	m.creditsReset.Add(float64(accounts))
}

// CASRetry matches core.RetryObserver.
func (m *Metrics) CASRetry(entity string, _ int) {
	if m == nil {
		return
	}
	m.casRetries.WithLabelValues(entity).Inc()
}

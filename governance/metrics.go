package governance

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus instruments exported by the governance
// subsystem. Registering a Metrics is optional: every call site that
// takes one also accepts nil, in which case observations are skipped.
type Metrics struct {
	ScheduledVotesGauge prometheus.Gauge
	PollsCreatedTotal   prometheus.Counter
	PollsApprovedTotal  prometheus.Counter
	PollsExecutedTotal  prometheus.Counter
	FederationSizeGauge prometheus.Gauge
	IdleKicksTotal      prometheus.Counter
}

// NewMetrics constructs and registers a Metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ScheduledVotesGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ferrum",
			Subsystem: "governance",
			Name:      "scheduled_votes",
			Help:      "Number of votes currently queued for the next produced block.",
		}),
		PollsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ferrum",
			Subsystem: "governance",
			Name:      "polls_created_total",
			Help:      "Total number of polls created.",
		}),
		PollsApprovedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ferrum",
			Subsystem: "governance",
			Name:      "polls_approved_total",
			Help:      "Total number of polls that reached majority.",
		}),
		PollsExecutedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ferrum",
			Subsystem: "governance",
			Name:      "polls_executed_total",
			Help:      "Total number of polls whose side effect was committed.",
		}),
		FederationSizeGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ferrum",
			Subsystem: "governance",
			Name:      "federation_size",
			Help:      "Current number of federation members.",
		}),
		IdleKicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ferrum",
			Subsystem: "governance",
			Name:      "idle_kicks_total",
			Help:      "Total number of kick votes scheduled by the idle-members kicker.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ScheduledVotesGauge,
			m.PollsCreatedTotal,
			m.PollsApprovedTotal,
			m.PollsExecutedTotal,
			m.FederationSizeGauge,
			m.IdleKicksTotal,
		)
	}
	return m
}

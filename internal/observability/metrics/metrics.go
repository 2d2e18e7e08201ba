package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "recall"

// RecallMetrics exposes counters/histograms for the recall engine.
type RecallMetrics struct {
	gatherer       prometheus.Gatherer
	transitions    *prometheus.CounterVec
	rejected       *prometheus.CounterVec
	promotions     *prometheus.CounterVec
	promotionTries prometheus.Histogram
	intents        *prometheus.CounterVec
	outboundTotal  *prometheus.CounterVec
	inboundTotal   *prometheus.CounterVec
	webhookLatency *prometheus.HistogramVec
	remindersSent  *prometheus.CounterVec
}

// New registers the collectors on reg (the default registry when nil).
func New(reg prometheus.Registerer) *RecallMetrics {
	m := &RecallMetrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Applied status transitions",
		}, []string{"event", "from", "to"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "rejected_total",
			Help:      "Transition requests rejected by reason",
		}, []string{"event", "reason"}),
		promotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "promotion",
			Name:      "cascades_total",
			Help:      "Promotion cascades by outcome",
		}, []string{"outcome"}),
		promotionTries: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "promotion",
			Name:      "attempts",
			Help:      "Candidates tried per cascade",
			Buckets:   []float64{0, 1, 2, 3, 5, 8},
		}),
		intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intent",
			Name:      "classified_total",
			Help:      "Classified patient replies",
		}, []string{"intent", "classifier"}),
		outboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "outbound_total",
			Help:      "Outbound messages by kind and status",
		}, []string{"kind", "status"}),
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "inbound_total",
			Help:      "Inbound replies by source and status",
		}, []string{"source", "status"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of inbound webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
		remindersSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reminders",
			Name:      "sent_total",
			Help:      "Pre-appointment reminders by day offset",
		}, []string{"offset"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.transitions, m.rejected, m.promotions, m.promotionTries, m.intents,
		m.outboundTotal, m.inboundTotal, m.webhookLatency, m.remindersSent)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m
}

func (m *RecallMetrics) ObserveTransition(event, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(event, from, to).Inc()
}

func (m *RecallMetrics) ObserveRejected(event, reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(event, reason).Inc()
}

func (m *RecallMetrics) ObservePromotion(outcome string, attempts int) {
	if m == nil {
		return
	}
	m.promotions.WithLabelValues(outcome).Inc()
	m.promotionTries.Observe(float64(attempts))
}

func (m *RecallMetrics) ObserveIntent(intent, classifier string) {
	if m == nil {
		return
	}
	m.intents.WithLabelValues(intent, classifier).Inc()
}

func (m *RecallMetrics) ObserveOutbound(kind, status string) {
	if m == nil {
		return
	}
	m.outboundTotal.WithLabelValues(kind, status).Inc()
}

func (m *RecallMetrics) ObserveInbound(source, status string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(source, status).Inc()
}

func (m *RecallMetrics) ObserveWebhookLatency(source string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(source).Observe(seconds)
}

func (m *RecallMetrics) ObserveReminder(offset string) {
	if m == nil {
		return
	}
	m.remindersSent.WithLabelValues(offset).Inc()
}

// Snapshot is a point-in-time read of the counters the dashboard shows.
type Snapshot struct {
	Transitions map[string]float64 `json:"transitions"`
	Promotions  map[string]float64 `json:"promotions"`
	Intents     map[string]float64 `json:"intents"`
}

// Snapshot gathers the registry and sums counters by their primary label:
// transitions by event, promotions by outcome and intents by intent.
func (m *RecallMetrics) Snapshot() Snapshot {
	snap := Snapshot{
		Transitions: map[string]float64{},
		Promotions:  map[string]float64{},
		Intents:     map[string]float64{},
	}
	if m == nil || m.gatherer == nil {
		return snap
	}
	mfs, err := m.gatherer.Gather()
	if err != nil {
		return snap
	}
	for _, mf := range mfs {
		switch mf.GetName() {
		case "recall_lifecycle_transitions_total":
			sumByLabel(mf, "event", snap.Transitions)
		case "recall_promotion_cascades_total":
			sumByLabel(mf, "outcome", snap.Promotions)
		case "recall_intent_classified_total":
			sumByLabel(mf, "intent", snap.Intents)
		}
	}
	return snap
}

func sumByLabel(mf *dto.MetricFamily, label string, into map[string]float64) {
	for _, metric := range mf.Metric {
		if metric == nil || metric.GetCounter() == nil {
			continue
		}
		for _, lp := range metric.Label {
			if lp != nil && lp.GetName() == label {
				into[lp.GetValue()] += metric.GetCounter().GetValue()
			}
		}
	}
}

package observe

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsSink exports generation and score metrics to Prometheus.
type MetricsSink struct {
	generations *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	tokens      *prometheus.CounterVec
	cost        *prometheus.CounterVec
	voiceScore  prometheus.Histogram
	scores      *prometheus.HistogramVec
}

// NewMetricsSink registers the coachgate metrics with reg. A nil reg uses
// the default registerer.
func NewMetricsSink(reg prometheus.Registerer) *MetricsSink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	scoreBuckets := prometheus.LinearBuckets(0.1, 0.1, 10)
	return &MetricsSink{
		generations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coachgate",
			Name:      "generations_total",
			Help:      "Provider generations by tier and status.",
		}, []string{"tier", "status"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coachgate",
			Name:      "generation_latency_seconds",
			Help:      "Provider generation latency by tier.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64, 128},
		}, []string{"tier"}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coachgate",
			Name:      "tokens_total",
			Help:      "Tokens consumed by tier and direction.",
		}, []string{"tier", "direction"}),
		cost: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coachgate",
			Name:      "cost_usd_total",
			Help:      "Estimated provider cost in USD by tier.",
		}, []string{"tier"}),
		voiceScore: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "coachgate",
			Name:      "voice_score",
			Help:      "Voice compliance score of delivered text.",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		}),
		scores: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coachgate",
			Name:      "score",
			Help:      "Submitted evaluation scores, normalized to 0-1.",
			Buckets:   scoreBuckets,
		}, []string{"name"}),
	}
}

type metricsTrace struct {
	sink *MetricsSink
	gen  Generation
}

func (m *MetricsSink) StartTrace(_ context.Context, gen Generation) (Trace, error) {
	return &metricsTrace{sink: m, gen: EnsureID(gen)}, nil
}

func (t *metricsTrace) ID() string { return t.gen.TraceID }

func (t *metricsTrace) End(_ context.Context, out Outcome) error {
	m, tierLabel := t.sink, t.gen.Tier
	status := "ok"
	if out.Err != nil {
		status = "error"
	}
	m.generations.WithLabelValues(tierLabel, status).Inc()
	m.latency.WithLabelValues(tierLabel).Observe(out.Latency.Seconds())
	if out.Err != nil {
		return nil
	}
	m.tokens.WithLabelValues(tierLabel, "input").Add(float64(out.Usage.InputTokens))
	m.tokens.WithLabelValues(tierLabel, "output").Add(float64(out.Usage.OutputTokens))
	m.cost.WithLabelValues(tierLabel).Add(out.Cost)
	m.voiceScore.Observe(float64(out.VoiceScore))
	return nil
}

func (m *MetricsSink) SubmitScore(_ context.Context, _ string, name string, value float64, _ string) error {
	m.scores.WithLabelValues(name).Observe(value)
	return nil
}

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink is the process-wide destination for request summaries.
type Sink interface {
	Merge(outcome string, s Summary)
}

// PrometheusSink exports merged summaries and scrape queue transitions.
type PrometheusSink struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	stageDuration   *prometheus.HistogramVec
	tokens          *prometheus.CounterVec
	cost            prometheus.Counter
	cacheLookups    *prometheus.CounterVec
	embeddings      *prometheus.CounterVec
	degraded        *prometheus.CounterVec
	scrapeJobs      *prometheus.CounterVec
	scrapeFetches   *prometheus.CounterVec
}

// NewPrometheusSink registers metrics on a private registry that also carries
// the Go and process collectors.
func NewPrometheusSink(namespace string) *PrometheusSink {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &PrometheusSink{
		registry: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Completed pipeline requests by outcome.",
		}, []string{"outcome"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end pipeline latency.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"outcome"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Latency per pipeline stage.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"stage"}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_tokens_total",
			Help:      "Model tokens consumed.",
		}, []string{"model", "direction"}),
		cost: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_cost_usd_total",
			Help:      "Estimated model spend in USD.",
		}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by namespace and result.",
		}, []string{"namespace", "result"}),
		embeddings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_lookups_total",
			Help:      "Embedding reuse versus regeneration.",
		}, []string{"result"}),
		degraded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_total",
			Help:      "Optional stage failures by reason.",
		}, []string{"reason"}),
		scrapeJobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scrape_job_transitions_total",
			Help:      "Scrape job state transitions.",
		}, []string{"status"}),
		scrapeFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scrape_fetches_total",
			Help:      "Review page fetches by result kind.",
		}, []string{"kind"}),
	}
}

func (p *PrometheusSink) Merge(outcome string, s Summary) {
	p.requests.WithLabelValues(outcome).Inc()
	p.requestDuration.WithLabelValues(outcome).Observe(s.Total.Seconds())
	for stage, d := range s.Stages {
		p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
	}
	for model, u := range s.Usage {
		p.tokens.WithLabelValues(model, "prompt").Add(float64(u.PromptTokens))
		p.tokens.WithLabelValues(model, "completion").Add(float64(u.CompletionTokens))
	}
	p.cost.Add(s.CostUSD)
	for ns, n := range s.CacheHits {
		p.cacheLookups.WithLabelValues(ns, "hit").Add(float64(n))
	}
	for ns, n := range s.CacheMisses {
		p.cacheLookups.WithLabelValues(ns, "miss").Add(float64(n))
	}
	p.embeddings.WithLabelValues("hit").Add(float64(s.EmbeddingHits))
	p.embeddings.WithLabelValues("miss").Add(float64(s.EmbeddingMisses))
	for _, reason := range s.Degraded {
		p.degraded.WithLabelValues(reason).Inc()
	}
}

// ScrapeTransition counts a scrape job entering status.
func (p *PrometheusSink) ScrapeTransition(status string) {
	p.scrapeJobs.WithLabelValues(status).Inc()
}

// ScrapeFetch counts one page fetch result ("ok" or an error kind).
func (p *PrometheusSink) ScrapeFetch(kind string) {
	p.scrapeFetches.WithLabelValues(kind).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (p *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// NopSink drops summaries.
type NopSink struct{}

func (NopSink) Merge(string, Summary) {}

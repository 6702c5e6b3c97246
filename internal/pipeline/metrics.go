package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the pipeline's Prometheus collectors on a private registry.
type Metrics struct {
	reg      *prometheus.Registry
	stageDur *prometheus.HistogramVec
	tokens   prometheus.Counter
	runs     *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		stageDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ftpipe",
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages.",
			Buckets:   []float64{0.1, 1, 10, 60, 300, 900, 3600, 4 * 3600, 12 * 3600},
		}, []string{"stage", "outcome"}),
		tokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ftpipe",
			Name:      "generated_tokens_total",
			Help:      "Tokens generated by sample and API generations.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftpipe",
			Name:      "runs_total",
			Help:      "Pipeline runs by final status.",
		}, []string{"status"}),
	}
	m.reg.MustRegister(m.stageDur, m.tokens, m.runs)
	return m
}

// Registry exposes the collectors, for /metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) ObserveStage(stage, outcome string, d time.Duration) {
	m.stageDur.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

func (m *Metrics) AddTokens(n int) {
	if n > 0 {
		m.tokens.Add(float64(n))
	}
}

func (m *Metrics) RunFinished(status string) { m.runs.WithLabelValues(status).Inc() }

// WriteTextfile writes the registry in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.reg)
}

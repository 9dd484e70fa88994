package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	projectionNodesGauge prometheus.Gauge
	projectionEdgesGauge prometheus.Gauge
	communitiesGauge     prometheus.Gauge
	lastRunGauge         prometheus.Gauge
	runDurationGauge     prometheus.Gauge
	errorsGauge          prometheus.Gauge
	lookupCounter        prometheus.Counter
	lookupMissCounter    prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	m := Metrics{
		// batch pipeline metrics
		projectionNodesGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_projection_nodes", namespace),
			Help: "Node count of the latest working graph projection",
		}),
		projectionEdgesGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_projection_edges", namespace),
			Help: "Edge count of the latest working graph projection",
		}),
		communitiesGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_communities_detected", namespace),
			Help: "Number of communities detected in the latest batch run",
		}),
		lastRunGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_last_batch_run_timestamp", namespace),
			Help: "Unix time of the latest successful batch run",
		}),
		runDurationGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_batch_run_duration_seconds", namespace),
			Help: "Duration of the latest batch run",
		}),
		errorsGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_consecutive_batch_errors", namespace),
			Help: "Number of consecutive failed batch runs",
		}),
		// real-time lookup metrics
		lookupCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_lookups_total", namespace),
			Help: "Total number of real-time lookups",
		}),
		lookupMissCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_lookup_misses_total", namespace),
			Help: "Total number of real-time lookups without precomputed data",
		}),
	}
	return &m
}

func (metrics *Metrics) SetProjectionSize(nodes, edges int) {
	metrics.projectionNodesGauge.Set(float64(nodes))
	metrics.projectionEdgesGauge.Set(float64(edges))
}

func (metrics *Metrics) SetCommunitiesDetected(count int) {
	metrics.communitiesGauge.Set(float64(count))
}

func (metrics *Metrics) SetBatchCompleted(unixTime int64, durationSeconds float64) {
	metrics.lastRunGauge.Set(float64(unixTime))
	metrics.runDurationGauge.Set(durationSeconds)
}

func (metrics *Metrics) SetErrors(count uint) {
	metrics.errorsGauge.Set(float64(count))
}

func (metrics *Metrics) IncLookups() {
	metrics.lookupCounter.Inc()
}

func (metrics *Metrics) IncLookupMisses() {
	metrics.lookupMissCounter.Inc()
}

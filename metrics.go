package schwartz

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricJobsInserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schwartz_jobs_inserted_total",
		Help: "The total number of jobs inserted.",
	}, []string{"funcname", "shard"})

	metricJobsGrabbed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schwartz_jobs_grabbed_total",
		Help: "The total number of jobs grabbed (leases acquired).",
	}, []string{"funcname", "shard"})

	metricJobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schwartz_jobs_finished_total",
		Help: "The total number of terminal job outcomes.",
	}, []string{"funcname", "outcome"}) // outcome: completed, retried, failed, permanent_failure, replaced, declined

	metricWorkDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "schwartz_work_duration_seconds",
		Help:    "Duration of Work handler invocations.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"funcname"})

	metricShardUnhealthy = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schwartz_shard_unhealthy_total",
		Help: "The number of times a shard was marked unhealthy.",
	}, []string{"shard"})

	metricExitStatusSwept = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schwartz_exitstatus_swept_total",
		Help: "The number of expired exit status rows removed by sweeps.",
	}, []string{"shard"})
)

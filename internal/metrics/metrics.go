// Package metrics implements the MetricsSink (§4 collaborator summary,
// §8's latency/throughput/error-rate surface): Prometheus collectors for
// HTTP and job metrics, plus host CPU/memory gauges. Grounded on
// infrastructure/metrics/metrics.go's CounterVec/HistogramVec/Gauge
// wiring, narrowed from its general service-metrics set to the
// gateway-specific series §8 actually names, and extended with gopsutil
// host gauges the teacher imports but never wires into a collector.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Sink is the MetricsSink interface §4.8 and §8 describe in prose:
// counters, histograms, and gauges keyed by label sets the caller
// supplies per event.
type Sink interface {
	IncRequests(route, status string)
	ObserveRequestDuration(route string, d time.Duration)
	IncJobsTotal(model, outcome string)
	ObserveJobDuration(model string, d time.Duration)
	SetQueueDepth(n int)
	SetGPUUtilization(deviceID string, usedFraction float64)
	IncTokens(model, direction string, n int)
}

// Prometheus is the concrete Sink backing production deployments.
type Prometheus struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	jobsTotal        *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	queueDepth       prometheus.Gauge
	gpuUtilization   *prometheus.GaugeVec
	tokensTotal      *prometheus.CounterVec
	hostCPUPercent   prometheus.Gauge
	hostMemPercent   prometheus.Gauge
}

// New registers the gateway's collectors against prometheus's default
// registry. NewWithRegistry is used by tests to avoid collisions across
// parallel registrations.
func New() *Prometheus { return NewWithRegistry(prometheus.DefaultRegisterer) }

// NewWithRegistry registers collectors against a caller-supplied registry.
func NewWithRegistry(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "helixgate_http_requests_total",
			Help: "Total HTTP requests handled by the gateway.",
		}, []string{"route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "helixgate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"route"}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "helixgate_jobs_total",
			Help: "Total inference jobs by terminal outcome.",
		}, []string{"model", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "helixgate_job_duration_seconds",
			Help:    "Inference job duration, queued-to-terminal, in seconds.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"model"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "helixgate_queue_depth",
			Help: "Current inference job queue depth.",
		}),
		gpuUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "helixgate_gpu_utilization_ratio",
			Help: "Fraction of a GPU's memory currently leased.",
		}, []string{"device_id"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "helixgate_tokens_total",
			Help: "Total tokens processed, by model and direction.",
		}, []string{"model", "direction"}),
		hostCPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "helixgate_host_cpu_percent",
			Help: "Host CPU utilization percentage.",
		}),
		hostMemPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "helixgate_host_memory_percent",
			Help: "Host memory utilization percentage.",
		}),
	}

	for _, c := range []prometheus.Collector{
		p.requestsTotal, p.requestDuration, p.jobsTotal, p.jobDuration,
		p.queueDepth, p.gpuUtilization, p.tokensTotal, p.hostCPUPercent, p.hostMemPercent,
	} {
		reg.MustRegister(c)
	}
	return p
}

func (p *Prometheus) IncRequests(route, status string) {
	p.requestsTotal.WithLabelValues(route, status).Inc()
}

func (p *Prometheus) ObserveRequestDuration(route string, d time.Duration) {
	p.requestDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (p *Prometheus) IncJobsTotal(model, outcome string) {
	p.jobsTotal.WithLabelValues(model, outcome).Inc()
}

func (p *Prometheus) ObserveJobDuration(model string, d time.Duration) {
	p.jobDuration.WithLabelValues(model).Observe(d.Seconds())
}

func (p *Prometheus) SetQueueDepth(n int) { p.queueDepth.Set(float64(n)) }

func (p *Prometheus) SetGPUUtilization(deviceID string, usedFraction float64) {
	p.gpuUtilization.WithLabelValues(deviceID).Set(usedFraction)
}

func (p *Prometheus) IncTokens(model, direction string, n int) {
	p.tokensTotal.WithLabelValues(model, direction).Add(float64(n))
}

// SampleHost reads current CPU and memory utilization and updates the
// host gauges. Intended to be called periodically (see CollectHostStats).
func (p *Prometheus) SampleHost(ctx context.Context) error {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err == nil && len(percents) > 0 {
		p.hostCPUPercent.Set(percents[0])
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err == nil {
		p.hostMemPercent.Set(vm.UsedPercent)
	}
	return err
}

// CollectHostStats samples host CPU/memory on interval until ctx is done.
func (p *Prometheus) CollectHostStats(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = p.SampleHost(ctx)
		}
	}
}

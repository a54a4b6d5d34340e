// Package metrics exports Prometheus metrics of ISO rebuilds.
//
// dlcopy-iso is a one-shot command, so nothing scrapes it. The collectors
// are written to a node_exporter textfile after each run instead.
package metrics

import (
	"fmt"
	"time"

	"github.com/iancoleman/strcase"
	"github.com/lernstick/dlcopy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "dlcopy"
	subsystem = "iso"
)

// Collector holds the rebuild metrics on its own registry.
type Collector struct {
	Registry *prometheus.Registry

	StageDuration   *prometheus.HistogramVec
	Builds          *prometheus.CounterVec
	UnmountRounds   prometheus.Histogram
	UnmountFailures prometheus.Counter
	BusyPolls       prometheus.Counter
	LastISOSize     prometheus.Gauge
	LastBuildTime   prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Collector{
		Registry: reg,
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stage_duration_seconds",
			Help:      "Duration of each rebuild stage.",
			Buckets:   []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120, 300, 600, 1200, 2400, 3600},
		}, []string{"stage"}),
		Builds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "builds_total",
			Help:      "Finished rebuilds by result.",
		}, []string{"result"}),
		UnmountRounds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "unmount_rounds",
			Help:      "Rounds needed to unmount a partition.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
		UnmountFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "unmount_failures_total",
			Help:      "Partitions that stayed mounted after every round.",
		}),
		BusyPolls: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "busy_polls_total",
			Help:      "Polls for processes holding a device open.",
		}),
		LastISOSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "last_iso_size_bytes",
			Help:      "Size of the last image built.",
		}),
		LastBuildTime: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "last_build_timestamp_seconds",
			Help:      "Unix time the last rebuild finished.",
		}),
	}
}

// StageLabel is the metric label and log field value of a stage.
func StageLabel(stage dlcopy.Stage) string {
	return strcase.ToSnake(stage.String())
}

// ObserveStage records the duration of one stage.
func (c *Collector) ObserveStage(stage dlcopy.Stage, d time.Duration) {
	c.StageDuration.WithLabelValues(StageLabel(stage)).Observe(d.Seconds())
}

// BuildFinished records the outcome of a rebuild.
func (c *Collector) BuildFinished(success bool, isoSize int64) {
	result := "failed"
	if success {
		result = "succeeded"
		c.LastISOSize.Set(float64(isoSize))
	}
	c.Builds.WithLabelValues(result).Inc()
	c.LastBuildTime.SetToCurrentTime()
}

// UnmountFinished implements partition.Observer.
func (c *Collector) UnmountFinished(device string, rounds int, ok bool) {
	c.UnmountRounds.Observe(float64(rounds))
	if !ok {
		c.UnmountFailures.Inc()
	}
}

// BusyPoll implements partition.Observer.
func (c *Collector) BusyPoll(device string) {
	c.BusyPolls.Inc()
}

// WriteTextfile writes all metrics to path in the text exposition format.
// The file is replaced atomically.
func (c *Collector) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, c.Registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}

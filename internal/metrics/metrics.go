package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "posvault"

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Location label values.
const (
	LocationLocal  = "local"
	LocationRemote = "remote"
)

// Collector is a prometheus.Collector for the backup lifecycle.
// All methods are safe to call on a nil Collector.
type Collector struct {
	backupsTotal   *prometheus.CounterVec
	backupDuration prometheus.Histogram
	uploadsTotal   *prometheus.CounterVec
	prunedTotal    *prometheus.CounterVec
	restoresTotal  *prometheus.CounterVec
	snapshotCount  prometheus.Gauge
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		backupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "backups_total",
				Help:      "The number of backup cycles by result.",
			}, []string{"result"},
		),
		backupDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "backup_duration_seconds",
				Help:      "The time taken to create a local snapshot.",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		),
		uploadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "uploads_total",
				Help:      "The number of remote uploads by result.",
			}, []string{"result"},
		),
		prunedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "pruned_snapshots_total",
				Help:      "The number of snapshots deleted by retention.",
			}, []string{"location"},
		),
		restoresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "restores_total",
				Help:      "The number of restores by result.",
			}, []string{"result"},
		),
		snapshotCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "local_snapshots",
				Help:      "The number of snapshots in the local repository after the last cycle.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.backupsTotal.Describe(ch)
	c.backupDuration.Describe(ch)
	c.uploadsTotal.Describe(ch)
	c.prunedTotal.Describe(ch)
	c.restoresTotal.Describe(ch)
	c.snapshotCount.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.backupsTotal.Collect(ch)
	c.backupDuration.Collect(ch)
	c.uploadsTotal.Collect(ch)
	c.prunedTotal.Collect(ch)
	c.restoresTotal.Collect(ch)
	c.snapshotCount.Collect(ch)
}

// Backup records a finished local snapshot attempt.
func (c *Collector) Backup(err error, took time.Duration) {
	if c == nil {
		return
	}
	c.backupsTotal.WithLabelValues(result(err)).Inc()
	if err == nil {
		c.backupDuration.Observe(took.Seconds())
	}
}

// Upload records a finished upload.
func (c *Collector) Upload(err error) {
	if c == nil {
		return
	}
	c.uploadsTotal.WithLabelValues(result(err)).Inc()
}

// Pruned adds n deletions at location.
func (c *Collector) Pruned(location string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.prunedTotal.WithLabelValues(location).Add(float64(n))
}

// Restore records a finished restore.
func (c *Collector) Restore(err error) {
	if c == nil {
		return
	}
	c.restoresTotal.WithLabelValues(result(err)).Inc()
}

// SetSnapshots sets the local snapshot gauge.
func (c *Collector) SetSnapshots(n int) {
	if c == nil {
		return
	}
	c.snapshotCount.Set(float64(n))
}

func result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}

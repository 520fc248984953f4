// Package metrics records the Prometheus metrics of one release run and
// writes them as a node-exporter textfile.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "release"

// Recorder holds the metrics of one run in its own registry.
type Recorder struct {
	runID string
	reg   *prometheus.Registry

	steps        *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	targets      *prometheus.CounterVec
	accountedRS  *prometheus.CounterVec
	releasedRS   *prometheus.GaugeVec
	lastRun      prometheus.Gauge
}

// New returns a Recorder whose series carry runID.
func New(runID string) *Recorder {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"run_id": runID}
	factory := promauto.With(reg)
	return &Recorder{
		runID: runID,
		reg:   reg,
		steps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "steps_total",
			Help:        "Workflow steps by outcome",
			ConstLabels: labels,
		}, []string{"step", "result"}),
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "step_duration_seconds",
			Help:        "Workflow step duration",
			ConstLabels: labels,
			Buckets:     []float64{1, 10, 60, 300, 900, 3600, 4 * 3600, 12 * 3600},
		}, []string{"step"}),
		targets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "targets_total",
			Help:        "Targets finished by final status",
			ConstLabels: labels,
		}, []string{"status"}),
		accountedRS: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "missing_rs_accounted_total",
			Help:        "RS absent from release files explained by an exclusion reason",
			ConstLabels: labels,
		}, []string{"reason"}),
		releasedRS: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "released_rs",
			Help:        "Unique RS ids per release file",
			ConstLabels: labels,
		}, []string{"taxonomy", "assembly", "category"}),
		lastRun: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "last_run_timestamp_seconds",
			Help:        "Time the metrics were written",
			ConstLabels: labels,
		}),
	}
}

// ObserveStep records one step outcome.
func (r *Recorder) ObserveStep(step string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.steps.WithLabelValues(step, result).Inc()
	r.stepDuration.WithLabelValues(step).Observe(d.Seconds())
}

// SkipStep records a step satisfied by an earlier run.
func (r *Recorder) SkipStep(step string) {
	r.steps.WithLabelValues(step, "skipped").Inc()
}

func (r *Recorder) TargetFinished(status string) {
	r.targets.WithLabelValues(status).Inc()
}

func (r *Recorder) AccountedRS(reason string, n int) {
	r.accountedRS.WithLabelValues(reason).Add(float64(n))
}

func (r *Recorder) ReleasedRS(taxonomy int64, assembly, category string, n int64) {
	r.releasedRS.WithLabelValues(fmt.Sprint(taxonomy), assembly, category).Set(float64(n))
}

// Path is the textfile written for version under dir.
func (r *Recorder) Path(dir string, version int) string {
	return filepath.Join(dir, fmt.Sprintf("release_%d_%s.prom", version, r.runID))
}

// WriteFile writes the textfile under dir and returns its path.
func (r *Recorder) WriteFile(dir string, version int) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	r.lastRun.SetToCurrentTime()
	path := r.Path(dir, version)
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return "", fmt.Errorf("write metrics: %w", err)
	}
	return path, nil
}

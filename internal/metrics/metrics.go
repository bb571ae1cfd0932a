// Package metrics exposes Prometheus metrics for the detection pipeline.
//
// Metrics implements the observer interfaces of the watcher, detector and
// alert packages so it can be attached to each without those packages
// depending on Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"entropyguard/internal/alert"
	"entropyguard/internal/detector"
	"entropyguard/internal/sampler"
)

const namespace = "entropyguard"

// Metrics holds all pipeline collectors.
type Metrics struct {
	// Counters
	FilesProcessed   *prometheus.CounterVec
	Verdicts         prometheus.Counter
	SampleErrors     *prometheus.CounterVec
	PartialSamples   prometheus.Counter
	Submissions      *prometheus.CounterVec
	SubmissionErrors *prometheus.CounterVec
	DeadLetters      *prometheus.CounterVec
	Resubscribes     prometheus.Counter
	WatchOverflows   prometheus.Counter

	// Gauges
	LastVerdict prometheus.Gauge
	StartTime   prometheus.Gauge

	// Histograms
	EntropyScore       prometheus.Histogram
	ProcessingDuration prometheus.Histogram
	SubmissionAttempts prometheus.Histogram
}

// New creates the collectors and registers them with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		FilesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_processed_total",
			Help:      "Files processed by the detection engine, by decision.",
		}, []string{"decision"}),
		Verdicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Suspicious verdicts emitted.",
		}),
		SampleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sample_errors_total",
			Help:      "Files that could not be sampled, by reason.",
		}, []string{"reason"}),
		PartialSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partial_samples_total",
			Help:      "Samples scored from a capped read.",
		}),
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Alert records delivered, by sink and whether they were duplicates.",
		}, []string{"sink", "duplicate"}),
		SubmissionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submission_errors_total",
			Help:      "Failed submission attempts, by sink and error kind.",
		}, []string{"sink", "kind"}),
		DeadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Alert records dead-lettered, by error kind.",
		}, []string{"kind"}),
		Resubscribes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watch_resubscribes_total",
			Help:      "Successful filesystem watch resubscriptions.",
		}),
		WatchOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watch_overflows_total",
			Help:      "Filesystem notification queue overflows.",
		}),
		LastVerdict: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_verdict_timestamp_seconds",
			Help:      "Unix time of the most recent verdict.",
		}),
		StartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help:      "Unix time the agent started.",
		}),
		EntropyScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "entropy_score_bits",
			Help:      "Entropy of scored samples in bits per byte.",
			Buckets:   []float64{1, 2, 3, 4, 5, 6, 7, 7.5, 7.8, 7.9, 7.95, 8},
		}),
		ProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_duration_seconds",
			Help:      "Time from dequeue to decision for one file, including reporting.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		SubmissionAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submission_attempts",
			Help:      "Attempts needed for a successful submission.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}),
	}

	reg.MustRegister(
		m.FilesProcessed, m.Verdicts, m.SampleErrors, m.PartialSamples,
		m.Submissions, m.SubmissionErrors, m.DeadLetters,
		m.Resubscribes, m.WatchOverflows,
		m.LastVerdict, m.StartTime,
		m.EntropyScore, m.ProcessingDuration, m.SubmissionAttempts,
	)
	m.StartTime.Set(float64(time.Now().Unix()))
	return m
}

// Observe records a detection result.
func (m *Metrics) Observe(r detector.Result) {
	m.FilesProcessed.WithLabelValues(string(r.Decision)).Inc()
	m.ProcessingDuration.Observe(r.Duration.Seconds())

	if r.Decision == detector.DecisionSkipped {
		m.SampleErrors.WithLabelValues(sampler.KindOf(r.Err).String()).Inc()
		return
	}

	m.EntropyScore.Observe(r.Score)
	if r.Partial {
		m.PartialSamples.Inc()
	}
	if r.Verdict != nil {
		m.Verdicts.Inc()
		m.LastVerdict.Set(float64(r.Verdict.DecidedAt.Unix()))
	}
}

// WatchResubscribed records a watch resubscription.
func (m *Metrics) WatchResubscribed() {
	m.Resubscribes.Inc()
}

// WatchOverflow records a notification queue overflow.
func (m *Metrics) WatchOverflow() {
	m.WatchOverflows.Inc()
}

// SubmissionSucceeded records a delivered record.
func (m *Metrics) SubmissionSucceeded(sink string, duplicate bool, attempts int) {
	dup := "false"
	if duplicate {
		dup = "true"
	}
	m.Submissions.WithLabelValues(sink, dup).Inc()
	if attempts > 0 {
		m.SubmissionAttempts.Observe(float64(attempts))
	}
}

// SubmissionFailed records a failed submission attempt.
func (m *Metrics) SubmissionFailed(sink string, kind alert.ErrorKind) {
	m.SubmissionErrors.WithLabelValues(sink, kind.String()).Inc()
}

// DeadLettered records a dead-lettered record.
func (m *Metrics) DeadLettered(kind alert.ErrorKind) {
	m.DeadLetters.WithLabelValues(kind.String()).Inc()
}

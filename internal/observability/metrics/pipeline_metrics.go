package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	StoreReasonDeadlineExceeded     = "deadline_exceeded"
	StoreReasonDBLockTimeout        = "db_lock_timeout"
	StoreReasonSerializationFailure = "serialization_failure"
	StoreReasonUniqueViolation      = "unique_violation"
	StoreReasonUnknown              = "unknown"
)

const (
	StageRecord   = "record"
	StageAssign   = "assign"
	StageMint     = "mint"
	StagePersist  = "persist"
	StageNotify   = "notify"
	StageFanout   = "fanout"
	StageEnqueue  = "enqueue"
	StageComplete = "complete"
)

// PipelineMetrics captures fulfillment pipeline health as prometheus series.
type PipelineMetrics struct {
	orderDuration   *prometheus.HistogramVec
	stageErrors     *prometheus.CounterVec
	mintResults     *prometheus.CounterVec
	enrichmentJobs  *prometheus.CounterVec
	fanoutDropped   *prometheus.CounterVec
	redriveAttempts *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
}

var (
	pipelineMetricsOnce sync.Once
	pipelineMetrics     *PipelineMetrics
)

// Pipeline returns the singleton pipeline metrics registry.
func Pipeline() *PipelineMetrics {
	return PipelineWithConfig(Config{})
}

// PipelineWithConfig returns the singleton pipeline metrics registry using config labels.
func PipelineWithConfig(cfg Config) *PipelineMetrics {
	pipelineMetricsOnce.Do(func() {
		pipelineMetrics = newPipelineMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return pipelineMetrics
}

// ResetPipelineMetricsForTest resets the pipeline metrics singleton for tests.
func ResetPipelineMetricsForTest() {
	pipelineMetricsOnce = sync.Once{}
	pipelineMetrics = nil
}

func newPipelineMetrics(registerer prometheus.Registerer, cfg Config) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "impactledger"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	orderDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "impactledger_order_duration_seconds",
		Help:        "Wall time spent fulfilling one order event, by outcome.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		ConstLabels: constLabels,
	}, []string{"source", "outcome"})
	stageErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "impactledger_pipeline_stage_errors_total",
		Help:        "Fulfillment pipeline errors by stage and error class.",
		ConstLabels: constLabels,
	}, []string{"stage", "class"})
	mintResults := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "impactledger_registry_mint_total",
		Help:        "Token registry mint attempts by result.",
		ConstLabels: constLabels,
	}, []string{"result"})
	enrichmentJobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "impactledger_enrichment_jobs_total",
		Help:        "Enrichment job transitions by kind and status.",
		ConstLabels: constLabels,
	}, []string{"kind", "status"})
	fanoutDropped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "impactledger_realtime_dropped_total",
		Help:        "Realtime events dropped because a subscriber buffer was full.",
		ConstLabels: constLabels,
	}, []string{"topic_kind"})
	redriveAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "impactledger_redrive_attempts_total",
		Help:        "Re-drive attempts of failed order deliveries by result.",
		ConstLabels: constLabels,
	}, []string{"result"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "impactledger_job_duration_seconds",
		Help:        "Background job latency.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		ConstLabels: constLabels,
	}, []string{"job"})

	registerer.MustRegister(
		orderDuration,
		stageErrors,
		mintResults,
		enrichmentJobs,
		fanoutDropped,
		redriveAttempts,
		jobDuration,
	)

	return &PipelineMetrics{
		orderDuration:   orderDuration,
		stageErrors:     stageErrors,
		mintResults:     mintResults,
		enrichmentJobs:  enrichmentJobs,
		fanoutDropped:   fanoutDropped,
		redriveAttempts: redriveAttempts,
		jobDuration:     jobDuration,
	}
}

func (m *PipelineMetrics) ObserveOrder(source, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.orderDuration.WithLabelValues(normalizeLabel(source), normalizeLabel(outcome)).Observe(duration.Seconds())
}

func (m *PipelineMetrics) IncStageError(stage, class string) {
	if m == nil {
		return
	}
	m.stageErrors.WithLabelValues(normalizeLabel(stage), normalizeLabel(class)).Inc()
}

func (m *PipelineMetrics) IncMint(result string) {
	if m == nil {
		return
	}
	m.mintResults.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *PipelineMetrics) IncEnrichmentJob(kind, status string) {
	if m == nil {
		return
	}
	m.enrichmentJobs.WithLabelValues(normalizeLabel(kind), normalizeLabel(status)).Inc()
}

// IncFanoutDropped counts a dropped realtime event. Only the topic prefix
// ("user", "initiative") is used as a label to keep cardinality bounded.
func (m *PipelineMetrics) IncFanoutDropped(topic string) {
	if m == nil {
		return
	}
	kind := topic
	if idx := strings.Index(topic, ":"); idx > 0 {
		kind = topic[:idx]
	}
	m.fanoutDropped.WithLabelValues(normalizeLabel(kind)).Inc()
}

func (m *PipelineMetrics) IncRedrive(result string) {
	if m == nil {
		return
	}
	m.redriveAttempts.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *PipelineMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(normalizeLabel(job)).Observe(duration.Seconds())
}

// ClassifyStoreError maps storage errors onto low-cardinality reasons.
func ClassifyStoreError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return StoreReasonDeadlineExceeded
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return StoreReasonUniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03":
			return StoreReasonDBLockTimeout
		case "40001", "40P01":
			return StoreReasonSerializationFailure
		case "23505":
			return StoreReasonUniqueViolation
		}
	}
	return StoreReasonUnknown
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}

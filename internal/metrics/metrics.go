package metrics

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	totalTokens atomic.Int64
	extractions atomic.Int64
)

var (
	InferenceTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "probe_tokens_generated_total",
		Help: "The total number of tokens generated",
	})

	ForwardPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probe_forward_passes_total",
		Help: "Forward passes executed, by pass kind (prefill, decode)",
	}, []string{"kind"})

	ForwardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "probe_forward_duration_seconds",
		Help:    "Duration of a single forward pass",
		Buckets: prometheus.DefBuckets,
	})

	HooksAttached = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probe_hooks_attached_total",
		Help: "Layer interceptors attached, by mode",
	}, []string{"mode"})

	HooksDetached = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probe_hooks_detached_total",
		Help: "Layer interceptors detached, by mode",
	}, []string{"mode"})

	HooksRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probe_hooks_rejected_total",
		Help: "Layer interceptor attach attempts rejected, by reason",
	}, []string{"reason"})

	HooksActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "probe_hooks_active",
		Help: "Layer interceptors currently attached across all registries",
	})

	CapturesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "probe_captures_total",
		Help: "Last-token activations captured",
	})

	ExtractionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "probe_direction_extraction_seconds",
		Help:    "Duration of a contrastive direction extraction",
		Buckets: prometheus.DefBuckets,
	})

	DegenerateDirections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "probe_degenerate_directions_total",
		Help: "Extractions whose mean difference had zero norm",
	})

	SteeringApplications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probe_steering_applications_total",
		Help: "Steering perturbations applied, by layer",
	}, []string{"layer"})

	TransformationZones = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "probe_transformation_zones",
		Help: "Layer transitions flagged as transformation zones in the last sweep",
	})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probe_numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probe_validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})

	ContextLengthHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "probe_context_length_tokens",
		Help:    "Distribution of context lengths processed",
		Buckets: []float64{8, 16, 32, 64, 128, 256, 512, 1024, 2048},
	})

	StoreOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probe_store_operations_total",
		Help: "Direction store operations, by operation and outcome",
	}, []string{"operation", "outcome"})

	ExportedVectors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probe_exported_vectors_total",
		Help: "Direction vectors exported, by sink (ipc, flight)",
	}, []string{"sink"})
)

func RecordGeneration(tokens int, duration time.Duration) {
	InferenceTokensTotal.Add(float64(tokens))
	totalTokens.Add(int64(tokens))
	ForwardDuration.Observe(duration.Seconds())
}

// TotalTokens returns the process-wide generated token count.
func TotalTokens() int64 {
	return totalTokens.Load()
}

func RecordForward(kind string, duration time.Duration) {
	ForwardPasses.WithLabelValues(kind).Inc()
	ForwardDuration.Observe(duration.Seconds())
}

func RecordHookAttached(mode string) {
	HooksAttached.WithLabelValues(mode).Inc()
	HooksActive.Inc()
}

func RecordHookDetached(mode string) {
	HooksDetached.WithLabelValues(mode).Inc()
	HooksActive.Dec()
}

func RecordHookRejected(reason string) {
	HooksRejected.WithLabelValues(reason).Inc()
}

func RecordCapture(layers int) {
	CapturesTotal.Add(float64(layers))
}

// RecordExtraction observes one extraction pass over any number of layers.
func RecordExtraction(duration time.Duration, degenerate int) {
	extractions.Add(1)
	ExtractionDuration.Observe(duration.Seconds())
	if degenerate > 0 {
		DegenerateDirections.Add(float64(degenerate))
	}
}

// Extractions returns the number of extraction passes recorded.
func Extractions() int64 {
	return extractions.Load()
}

func RecordSteering(layer int) {
	SteeringApplications.WithLabelValues(strconv.Itoa(layer)).Inc()
}

func RecordTransformationZones(n int) {
	TransformationZones.Set(float64(n))
}

func RecordNumericalInstability(name string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordContextLength(tokens int) {
	ContextLengthHistogram.Observe(float64(tokens))
}

func RecordStoreOperation(operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	StoreOperations.WithLabelValues(operation, outcome).Inc()
}

func RecordExport(sink string, n int) {
	ExportedVectors.WithLabelValues(sink).Add(float64(n))
}

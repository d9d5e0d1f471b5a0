package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalTokens atomic.Int64

var (
	InferenceTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tllama_inference_tokens_total",
		Help: "The total number of tokens generated",
	})

	PromptTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tllama_prompt_tokens_total",
		Help: "The total number of prompt tokens evaluated",
	})

	InferenceDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "tllama_inference_duration_seconds",
		Help: "Duration of complete generation calls",
	})

	PrefillDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tllama_prefill_duration_seconds",
		Help:    "Duration of prompt prefill passes",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	})

	DecodeStepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tllama_decode_step_duration_seconds",
		Help:    "Duration of single-token decode steps",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	ContextLengthHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tllama_context_length_tokens",
		Help:    "Distribution of context lengths processed",
		Buckets: []float64{100, 500, 1000, 2000, 4000, 8000, 16000, 32000},
	})

	FinishReasons = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tllama_finish_reasons_total",
		Help: "Generation calls by finish reason",
	}, []string{"reason"})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tllama_sessions_active",
		Help: "Sessions currently generating",
	})

	AdmissionWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tllama_admission_wait_seconds",
		Help:    "Time requests spent queued for a session slot",
		Buckets: prometheus.DefBuckets,
	})

	AdmissionRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tllama_admission_rejected_total",
		Help: "Requests that gave up before a session slot was free",
	})

	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tllama_kv_cache_capacity_bytes",
		Help: "Total capacity of live KV caches in bytes",
	})

	KVCacheUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tllama_kv_cache_used_bytes",
		Help: "Bytes holding valid entries across live KV caches",
	})

	KVCacheOverflow = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tllama_kv_cache_overflow_total",
		Help: "Context overflows by the policy that handled them",
	}, []string{"policy"})

	KVCacheEvictedTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tllama_kv_cache_evicted_tokens_total",
		Help: "Tokens dropped by context shifting",
	})

	KVCachePrefixReuse = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tllama_kv_cache_prefix_reuse_tokens_total",
		Help: "Prompt tokens served from an existing cache prefix",
	})

	ModelLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tllama_model_load_duration_seconds",
		Help:    "Time to open and validate a checkpoint",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	ModelsLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tllama_models_loaded",
		Help: "Models resident in the model pool",
	})

	LoadErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tllama_load_errors_total",
		Help: "Checkpoint load failures by kind",
	}, []string{"kind"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tllama_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status"})

	RequestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tllama_request_errors_total",
		Help: "API errors by route and error type",
	}, []string{"route", "type"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tllama_validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})

	PoolTasks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tllama_worker_pool_tasks_total",
		Help: "Parallel chunks dispatched to the worker pool",
	})

	SamplingTemperature = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tllama_sampling_temperature",
		Help:    "Temperature values used in sampling",
		Buckets: []float64{0, 0.1, 0.3, 0.5, 0.7, 1.0, 1.5, 2.0},
	})

	SamplingTopK = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tllama_sampling_top_k",
		Help:    "Top-K values used in sampling",
		Buckets: []float64{0, 1, 5, 10, 20, 40, 50, 100},
	})

	SamplingTopP = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tllama_sampling_top_p",
		Help:    "Top-P values used in sampling",
		Buckets: []float64{0.1, 0.3, 0.5, 0.7, 0.9, 0.95, 1.0},
	})

	SamplingRepetitionPenalty = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tllama_sampling_repetition_penalty",
		Help:    "Repetition penalty values used",
		Buckets: []float64{1.0, 1.1, 1.2, 1.5, 2.0},
	})

	SamplingNaNHandling = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tllama_sampling_nan_handling_total",
		Help: "Count of NaN/Inf logits handled during sampling",
	})

	TokenizerEncodeLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tllama_tokenizer_encode_length",
		Help:    "Length of encoded token sequences",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000, 4000},
	})

	TokenizerUnknownTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tllama_tokenizer_unknown_tokens_total",
		Help: "Count of pieces mapped to the unknown token during encoding",
	})

	TokenizerEncodeTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tllama_tokenizer_encode_time_seconds",
		Help:    "Time to encode text",
		Buckets: prometheus.DefBuckets,
	})

	TokenizerDecodeTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tllama_tokenizer_decode_time_seconds",
		Help:    "Time to decode token IDs",
		Buckets: prometheus.DefBuckets,
	})

	EmbeddingsExported = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tllama_embeddings_exported_total",
		Help: "Embedding rows written to Arrow sinks",
	}, []string{"sink"})
)

func RecordInference(tokens int, duration time.Duration) {
	InferenceTokensTotal.Add(float64(tokens))
	totalTokens.Add(int64(tokens))
	InferenceDuration.Observe(duration.Seconds())
}

// TotalTokens is the number of tokens generated since process start.
func TotalTokens() int64 {
	return totalTokens.Load()
}

func RecordPrefill(tokens int, duration time.Duration) {
	PromptTokensTotal.Add(float64(tokens))
	PrefillDuration.Observe(duration.Seconds())
}

func RecordDecodeStep(duration time.Duration) {
	DecodeStepDuration.Observe(duration.Seconds())
}

func RecordContextLength(tokens int) {
	ContextLengthHistogram.Observe(float64(tokens))
}

func RecordFinish(reason string) {
	FinishReasons.WithLabelValues(reason).Inc()
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordKVCacheAlloc adjusts the live cache capacity; negative on free.
func RecordKVCacheAlloc(deltaBytes int64) {
	KVCacheCapacityBytes.Add(float64(deltaBytes))
}

// RecordKVCacheUsage adjusts the bytes holding valid entries.
func RecordKVCacheUsage(deltaBytes int64) {
	KVCacheUsedBytes.Add(float64(deltaBytes))
}

func RecordKVCacheOverflow(policy string, evicted int) {
	KVCacheOverflow.WithLabelValues(policy).Inc()
	if evicted > 0 {
		KVCacheEvictedTokens.Add(float64(evicted))
	}
}

func RecordPrefixReuse(tokens int) {
	if tokens > 0 {
		KVCachePrefixReuse.Add(float64(tokens))
	}
}

func RecordModelLoad(duration time.Duration) {
	ModelLoadDuration.Observe(duration.Seconds())
}

func RecordLoadError(kind string) {
	LoadErrors.WithLabelValues(kind).Inc()
}

func RecordRequest(route, status string, duration time.Duration) {
	RequestDuration.WithLabelValues(route, status).Observe(duration.Seconds())
}

func RecordRequestError(route, errType string) {
	RequestErrors.WithLabelValues(route, errType).Inc()
}

// RecordSamplingConfig records the sampling parameters of one generation call
func RecordSamplingConfig(temperature float64, topK int, topP, repeatPenalty float64) {
	SamplingTemperature.Observe(temperature)
	SamplingTopK.Observe(float64(topK))
	SamplingTopP.Observe(topP)
	SamplingRepetitionPenalty.Observe(repeatPenalty)
}

// RecordTokenizerEncode records tokenizer encoding metrics
func RecordTokenizerEncode(length int, unknownCount int, encodeTime time.Duration) {
	TokenizerEncodeLength.Observe(float64(length))
	TokenizerEncodeTime.Observe(encodeTime.Seconds())
	if unknownCount > 0 {
		TokenizerUnknownTokens.Add(float64(unknownCount))
	}
}

// RecordTokenizerDecode records tokenizer decoding metrics
func RecordTokenizerDecode(decodeTime time.Duration) {
	TokenizerDecodeTime.Observe(decodeTime.Seconds())
}

func RecordEmbeddingsExported(sink string, rows int) {
	EmbeddingsExported.WithLabelValues(sink).Add(float64(rows))
}

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordInferenceAccumulates(t *testing.T) {
	before := testutil.ToFloat64(InferenceTokensTotal)
	beforeTotal := TotalTokens()

	RecordInference(5, 50*time.Millisecond)
	RecordInference(10, 100*time.Millisecond)

	if got := testutil.ToFloat64(InferenceTokensTotal) - before; got != 15 {
		t.Errorf("expected 15 new tokens, got %v", got)
	}
	if got := TotalTokens() - beforeTotal; got != 15 {
		t.Errorf("expected TotalTokens +15, got %d", got)
	}
}

func TestRecordPrefill(t *testing.T) {
	before := testutil.ToFloat64(PromptTokensTotal)
	RecordPrefill(32, 10*time.Millisecond)
	if got := testutil.ToFloat64(PromptTokensTotal) - before; got != 32 {
		t.Errorf("expected 32 prompt tokens, got %v", got)
	}
}

func TestKVCacheGaugesBalance(t *testing.T) {
	capBefore := testutil.ToFloat64(KVCacheCapacityBytes)
	usedBefore := testutil.ToFloat64(KVCacheUsedBytes)

	RecordKVCacheAlloc(4096)
	RecordKVCacheUsage(1024)
	RecordKVCacheUsage(-1024)
	RecordKVCacheAlloc(-4096)

	if got := testutil.ToFloat64(KVCacheCapacityBytes); got != capBefore {
		t.Errorf("capacity gauge not balanced: %v != %v", got, capBefore)
	}
	if got := testutil.ToFloat64(KVCacheUsedBytes); got != usedBefore {
		t.Errorf("used gauge not balanced: %v != %v", got, usedBefore)
	}
}

func TestRecordKVCacheOverflow(t *testing.T) {
	before := testutil.ToFloat64(KVCacheEvictedTokens)
	RecordKVCacheOverflow("shift", 7)
	RecordKVCacheOverflow("stop", 0)

	if got := testutil.ToFloat64(KVCacheEvictedTokens) - before; got != 7 {
		t.Errorf("expected 7 evicted tokens, got %v", got)
	}
	if got := testutil.ToFloat64(KVCacheOverflow.WithLabelValues("stop")); got < 1 {
		t.Errorf("expected stop overflow counted, got %v", got)
	}
}

func TestRecordFinishAndErrors(t *testing.T) {
	RecordFinish("stop")
	RecordFinish("length")
	RecordValidationError("sampler", "negative_temperature")
	RecordRequestError("/v1/chat/completions", "invalid_request_error")
	RecordLoadError("bad_magic")

	if got := testutil.ToFloat64(FinishReasons.WithLabelValues("length")); got < 1 {
		t.Errorf("length finish not recorded: %v", got)
	}
	if got := testutil.ToFloat64(LoadErrors.WithLabelValues("bad_magic")); got < 1 {
		t.Errorf("load error not recorded: %v", got)
	}
}

func TestRecordTokenizer(t *testing.T) {
	before := testutil.ToFloat64(TokenizerUnknownTokens)
	RecordTokenizerEncode(12, 2, time.Millisecond)
	RecordTokenizerEncode(3, 0, time.Millisecond)
	RecordTokenizerDecode(time.Microsecond)

	if got := testutil.ToFloat64(TokenizerUnknownTokens) - before; got != 2 {
		t.Errorf("expected 2 unknown tokens, got %v", got)
	}
}

func TestHistogramsDoNotPanic(t *testing.T) {
	RecordDecodeStep(3 * time.Millisecond)
	RecordContextLength(512)
	RecordModelLoad(time.Second)
	RecordRequest("/v1/models", "200", time.Millisecond)
	RecordSamplingConfig(0.8, 40, 0.9, 1.1)
	RecordPrefixReuse(10)
	RecordEmbeddingsExported("ipc", 4)
}

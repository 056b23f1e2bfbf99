package translate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seekhub/doctrans/internal/document"
)

// fakeBackend translates by prefixing and records every call.
type fakeBackend struct {
	mu    sync.Mutex
	calls []BatchRequest
	fail  func(call int, req BatchRequest) error
}

func (f *fakeBackend) Translate(_ context.Context, req BatchRequest) ([]string, error) {
	f.mu.Lock()
	call := len(f.calls)
	f.calls = append(f.calls, req)
	fail := f.fail
	f.mu.Unlock()

	if fail != nil {
		if err := fail(call, req); err != nil {
			return nil, err
		}
	}
	out := make([]string, len(req.Texts))
	for i, text := range req.Texts {
		out[i] = "T:" + text
	}
	return out, nil
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func makeSegments(texts ...string) []document.Segment {
	segs := make([]document.Segment, len(texts))
	for i, text := range texts {
		segs[i] = document.Segment{Index: i, Text: text}
	}
	return segs
}

func testRequest() Request {
	return Request{SourceLang: "en", TargetLang: "es"}
}

func TestTranslateAll_TranslatesEverySegment(t *testing.T) {
	backend := &fakeBackend{}
	o := NewOrchestrator(backend, NewCache(time.Hour, 100, nil))
	o.Sleep = noSleep

	segs := makeSegments("one", "two", "three")
	results := o.TranslateAll(context.Background(), testRequest(), segs, nil)

	require.Len(t, results, 3)
	for i, res := range results {
		assert.Equal(t, i, res.Index)
		assert.Equal(t, "T:"+segs[i].Text, res.Text)
		assert.Equal(t, document.SegmentOK, res.Status)
	}
}

func TestTranslateAll_CacheHitSkipsBackend(t *testing.T) {
	backend := &fakeBackend{}
	o := NewOrchestrator(backend, NewCache(time.Hour, 100, nil))
	o.Sleep = noSleep

	segs := makeSegments("hello world")
	first := o.TranslateAll(context.Background(), testRequest(), segs, nil)
	require.Len(t, first, 1)
	require.Equal(t, document.SegmentOK, first[0].Status)
	require.Equal(t, 1, backend.callCount())

	second := o.TranslateAll(context.Background(), testRequest(), segs, nil)
	require.Len(t, second, 1)
	assert.Equal(t, document.SegmentCached, second[0].Status)
	assert.Equal(t, first[0].Text, second[0].Text)
	assert.Equal(t, 1, backend.callCount(), "cache hit must not call the backend again")
}

func TestTranslateAll_CacheKeyedByLanguageAndStyle(t *testing.T) {
	backend := &fakeBackend{}
	o := NewOrchestrator(backend, NewCache(time.Hour, 100, nil))
	o.Sleep = noSleep

	segs := makeSegments("hello world")
	o.TranslateAll(context.Background(), Request{SourceLang: "en", TargetLang: "es"}, segs, nil)
	o.TranslateAll(context.Background(), Request{SourceLang: "en", TargetLang: "fr"}, segs, nil)
	o.TranslateAll(context.Background(), Request{SourceLang: "en", TargetLang: "es", Style: "formal"}, segs, nil)

	assert.Equal(t, 3, backend.callCount())
}

func TestTranslateAll_ResultsSortedUnderConcurrency(t *testing.T) {
	backend := &fakeBackend{}
	o := NewOrchestrator(backend, NewCache(time.Hour, 1000, nil))
	o.Sleep = noSleep
	o.BatchSize = 1
	o.Concurrency = 8

	texts := make([]string, 40)
	for i := range texts {
		texts[i] = fmt.Sprintf("segment number %d", i)
	}
	segs := makeSegments(texts...)

	results := o.TranslateAll(context.Background(), testRequest(), segs, nil)

	require.Len(t, results, len(segs))
	for i, res := range results {
		assert.Equal(t, i, res.Index)
		assert.Equal(t, "T:"+texts[i], res.Text)
	}
}

func TestTranslateAll_ProgressMonotonicUnderConcurrency(t *testing.T) {
	backend := &fakeBackend{}
	o := NewOrchestrator(backend, NewCache(time.Hour, 1000, nil))
	o.Sleep = noSleep
	o.BatchSize = 1
	o.Concurrency = 8

	texts := make([]string, 40)
	for i := range texts {
		texts[i] = fmt.Sprintf("progress segment %d", i)
	}
	segs := makeSegments(texts...)

	// The orchestrator serializes progress callbacks, so plain append
	// is safe and the recorded counts must strictly increase.
	var seen []int
	o.TranslateAll(context.Background(), testRequest(), segs, func(done, _ int) {
		seen = append(seen, done)
	})

	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1])
	}
	assert.Equal(t, len(segs), seen[len(seen)-1])
}

func TestTranslateAll_RetryExhaustionFailsOnlyThatBatch(t *testing.T) {
	backend := &fakeBackend{
		fail: func(_ int, req BatchRequest) error {
			if strings.Contains(req.Texts[0], "poison") {
				return &BackendError{Status: 500, Retryable: true, Message: "server exploded"}
			}
			return nil
		},
	}
	o := NewOrchestrator(backend, NewCache(time.Hour, 100, nil))
	o.Sleep = noSleep
	o.BatchSize = 1
	o.MaxAttempts = 3

	segs := makeSegments("healthy one", "poison pill", "healthy two")
	results := o.TranslateAll(context.Background(), testRequest(), segs, nil)

	require.Len(t, results, 3)
	assert.Equal(t, document.SegmentOK, results[0].Status)
	assert.Equal(t, document.SegmentFailed, results[1].Status)
	assert.Contains(t, results[1].Error, "server exploded")
	assert.Equal(t, document.SegmentOK, results[2].Status)
}

func TestTranslateBatch_RetriesWithBackoffThenSucceeds(t *testing.T) {
	backend := &fakeBackend{
		fail: func(call int, _ BatchRequest) error {
			if call < 2 {
				return &BackendError{Status: 429, Retryable: true, Message: "rate limited"}
			}
			return nil
		},
	}

	var delays []time.Duration
	o := NewOrchestrator(backend, NewCache(time.Hour, 100, nil))
	o.Sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	o.MaxAttempts = 5
	o.BaseDelay = 100 * time.Millisecond
	o.Concurrency = 1

	segs := makeSegments("stubborn text")
	results := o.TranslateAll(context.Background(), testRequest(), segs, nil)

	require.Len(t, results, 1)
	assert.Equal(t, document.SegmentOK, results[0].Status)
	assert.Equal(t, 3, backend.callCount())

	require.Len(t, delays, 2)
	// Doubling base with up to 25% jitter.
	assert.GreaterOrEqual(t, delays[0], 100*time.Millisecond)
	assert.Less(t, delays[0], 125*time.Millisecond+time.Millisecond)
	assert.GreaterOrEqual(t, delays[1], 200*time.Millisecond)
	assert.Less(t, delays[1], 250*time.Millisecond+time.Millisecond)
}

func TestTranslateBatch_NonRetryableFailsImmediately(t *testing.T) {
	backend := &fakeBackend{
		fail: func(_ int, _ BatchRequest) error {
			return &BackendError{Status: 401, Retryable: false, Message: "bad credentials"}
		},
	}
	o := NewOrchestrator(backend, NewCache(time.Hour, 100, nil))
	o.Sleep = noSleep

	segs := makeSegments("anything")
	results := o.TranslateAll(context.Background(), testRequest(), segs, nil)

	require.Len(t, results, 1)
	assert.Equal(t, document.SegmentFailed, results[0].Status)
	assert.Equal(t, 1, backend.callCount())
}

func TestTranslateAll_FailedSegmentsAreNotCached(t *testing.T) {
	failing := true
	backend := &fakeBackend{
		fail: func(_ int, _ BatchRequest) error {
			if failing {
				return &BackendError{Status: 503, Retryable: true, Message: "unavailable"}
			}
			return nil
		},
	}
	o := NewOrchestrator(backend, NewCache(time.Hour, 100, nil))
	o.Sleep = noSleep
	o.MaxAttempts = 2

	segs := makeSegments("tricky text")
	first := o.TranslateAll(context.Background(), testRequest(), segs, nil)
	require.Equal(t, document.SegmentFailed, first[0].Status)

	failing = false
	second := o.TranslateAll(context.Background(), testRequest(), segs, nil)
	require.Equal(t, document.SegmentOK, second[0].Status)
	assert.Equal(t, "T:tricky text", second[0].Text)
}

func TestTranslateAll_ProgressReachesTotal(t *testing.T) {
	backend := &fakeBackend{}
	o := NewOrchestrator(backend, NewCache(time.Hour, 100, nil))
	o.Sleep = noSleep
	o.BatchSize = 2

	var mu sync.Mutex
	var last, calls int
	progress := func(done, total int) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if done > last {
			last = done
		}
		require.Equal(t, 5, total)
	}

	segs := makeSegments("a", "b", "c", "d", "e")
	o.TranslateAll(context.Background(), testRequest(), segs, progress)

	assert.Equal(t, 5, last)
	assert.GreaterOrEqual(t, calls, 3)
}

func TestMakeBatches_Boundaries(t *testing.T) {
	o := NewOrchestrator(&fakeBackend{}, NewCache(time.Hour, 100, nil))
	o.BatchSize = 3
	o.MaxBatchChars = 10

	segs := makeSegments("aaaa", "bbbb", "cc", "d", "e", "f", "g")
	batches := o.makeBatches(segs)

	// "aaaa"+"bbbb" fills 8 chars; "cc" would push past 10.
	require.GreaterOrEqual(t, len(batches), 3)
	total := 0
	for _, batch := range batches {
		require.LessOrEqual(t, len(batch), 3)
		chars := 0
		for _, seg := range batch {
			chars += len(seg.Text)
		}
		if len(batch) > 1 {
			require.LessOrEqual(t, chars, 10)
		}
		total += len(batch)
	}
	assert.Equal(t, len(segs), total)
}

func TestTranslateAll_CancelledContextFailsPendingBatches(t *testing.T) {
	backend := &fakeBackend{}
	o := NewOrchestrator(backend, NewCache(time.Hour, 100, nil))
	o.Sleep = noSleep

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	segs := makeSegments("never sent")
	results := o.TranslateAll(ctx, testRequest(), segs, nil)

	require.Len(t, results, 1)
	assert.Equal(t, document.SegmentFailed, results[0].Status)
	assert.Equal(t, 0, backend.callCount())
}

func TestCacheKey_NormalizesWhitespace(t *testing.T) {
	a := CacheKey("hello   world", "en", "es", "")
	b := CacheKey("hello world", "en", "es", "")
	c := CacheKey("hello\nworld", "en", "es", "")
	d := CacheKey("helloworld", "en", "es", "")

	assert.Equal(t, a, b)
	assert.Equal(t, a, c)
	assert.NotEqual(t, a, d)
}

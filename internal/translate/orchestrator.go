// Package translate drives segments through the external translation
// backend: cache lookup first, then batched dispatch under bounded
// concurrency with per-batch retry and exponential backoff. One batch
// exhausting its retries never aborts sibling batches; its segments are
// marked failed and everything else continues.
package translate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/seekhub/doctrans/internal/document"
	"github.com/seekhub/doctrans/pkg/log"
)

const (
	DefaultBatchSize     = 8
	DefaultMaxBatchChars = 4000
	DefaultConcurrency   = 5
	DefaultMaxAttempts   = 3
	DefaultBaseDelay     = time.Second
	DefaultMaxDelay      = 30 * time.Second
)

// Request carries job-level translation parameters.
type Request struct {
	SourceLang string
	TargetLang string
	Style      string
}

// Progress is invoked after every batch reaches a terminal state with
// the number of terminal segments so far and the total segment count.
type Progress func(done, total int)

// Sleeper waits for the given duration; tests replace it to fast-forward
// backoff delays instead of sleeping.
type Sleeper func(ctx context.Context, d time.Duration) error

// Orchestrator implements the translation stage.
type Orchestrator struct {
	backend Backend
	cache   *Cache
	group   singleflight.Group

	BatchSize     int
	MaxBatchChars int
	Concurrency   int
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Sleep         Sleeper

	jitterMu sync.Mutex
	jitter   *rand.Rand
}

func NewOrchestrator(backend Backend, cache *Cache) *Orchestrator {
	return &Orchestrator{
		backend:       backend,
		cache:         cache,
		BatchSize:     DefaultBatchSize,
		MaxBatchChars: DefaultMaxBatchChars,
		Concurrency:   DefaultConcurrency,
		MaxAttempts:   DefaultMaxAttempts,
		BaseDelay:     DefaultBaseDelay,
		MaxDelay:      DefaultMaxDelay,
		Sleep:         sleepContext,
		jitter:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// TranslateAll translates the segments and returns one terminal
// TranslatedSegment per input segment, sorted ascending by segment index
// regardless of batch completion order.
func (o *Orchestrator) TranslateAll(ctx context.Context, req Request, segs []document.Segment, progress Progress) []document.TranslatedSegment {
	results := make([]document.TranslatedSegment, 0, len(segs))
	var misses []document.Segment

	for _, seg := range segs {
		key := CacheKey(seg.Text, req.SourceLang, req.TargetLang, req.Style)
		if text, ok := o.cache.Get(ctx, key); ok {
			results = append(results, document.TranslatedSegment{
				Index:  seg.Index,
				Text:   text,
				Status: document.SegmentCached,
			})
			continue
		}
		misses = append(misses, seg)
	}

	total := len(segs)
	done := len(results)
	if progress != nil && done > 0 {
		progress(done, total)
	}

	batches := o.makeBatches(misses)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(o.concurrency())

	for _, batch := range batches {
		batch := batch
		g.Go(func() error {
			batchResults := o.translateBatch(ctx, req, batch)

			mu.Lock()
			results = append(results, batchResults...)
			done += len(batchResults)
			// The callback runs under mu so a later batch can never
			// report a lower done count.
			if progress != nil {
				progress(done, total)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Index < results[j].Index })
	return results
}

// makeBatches groups segments up to BatchSize entries and MaxBatchChars
// total runes per batch.
func (o *Orchestrator) makeBatches(segs []document.Segment) [][]document.Segment {
	batchSize := o.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	maxChars := o.MaxBatchChars
	if maxChars <= 0 {
		maxChars = DefaultMaxBatchChars
	}

	var batches [][]document.Segment
	var current []document.Segment
	chars := 0
	for _, seg := range segs {
		size := len([]rune(seg.Text))
		if len(current) > 0 && (len(current) >= batchSize || chars+size > maxChars) {
			batches = append(batches, current)
			current, chars = nil, 0
		}
		current = append(current, seg)
		chars += size
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// translateBatch runs the retry loop for one batch. The retry state is
// explicit (attempt counter, computed delay, cancellation check per
// iteration) so it is testable without real sleeps. Identical concurrent
// batches collapse onto a single backend call via singleflight.
func (o *Orchestrator) translateBatch(ctx context.Context, req Request, batch []document.Segment) []document.TranslatedSegment {
	texts := make([]string, len(batch))
	for i, seg := range batch {
		texts[i] = seg.Text
	}
	call := BatchRequest{
		Texts:      texts,
		SourceLang: req.SourceLang,
		TargetLang: req.TargetLang,
		Style:      req.Style,
	}

	var lastErr error
	maxAttempts := o.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return o.failBatch(batch, context.Cause(ctx))
		}

		translations, err := o.dispatch(ctx, call)
		if err == nil {
			return o.completeBatch(ctx, req, batch, translations)
		}
		lastErr = err

		if !IsRetryable(err) || attempt == maxAttempts {
			break
		}

		delay := o.backoffDelay(attempt)
		log.Warn("Translation batch failed (attempt %d/%d), retrying in %s: %v", attempt, maxAttempts, delay, err)
		if err := o.sleep(ctx, delay); err != nil {
			return o.failBatch(batch, context.Cause(ctx))
		}
	}

	log.Error("Translation batch of %d segment(s) exhausted retries: %v", len(batch), lastErr)
	return o.failBatch(batch, lastErr)
}

// dispatch performs the backend call outside the job's cancellation so an
// in-flight request runs to completion; cancellation is observed at the
// retry-loop checkpoints and the result is then discarded.
func (o *Orchestrator) dispatch(ctx context.Context, call BatchRequest) ([]string, error) {
	key := batchKey(call)
	v, err, _ := o.group.Do(key, func() (interface{}, error) {
		return o.backend.Translate(context.WithoutCancel(ctx), call)
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (o *Orchestrator) completeBatch(ctx context.Context, req Request, batch []document.Segment, translations []string) []document.TranslatedSegment {
	out := make([]document.TranslatedSegment, len(batch))
	for i, seg := range batch {
		out[i] = document.TranslatedSegment{
			Index:  seg.Index,
			Text:   translations[i],
			Status: document.SegmentOK,
		}
		key := CacheKey(seg.Text, req.SourceLang, req.TargetLang, req.Style)
		o.cache.Put(ctx, key, translations[i])
	}
	return out
}

func (o *Orchestrator) failBatch(batch []document.Segment, cause error) []document.TranslatedSegment {
	msg := "translation failed"
	if cause != nil {
		msg = cause.Error()
	}
	out := make([]document.TranslatedSegment, len(batch))
	for i, seg := range batch {
		out[i] = document.TranslatedSegment{
			Index:  seg.Index,
			Status: document.SegmentFailed,
			Error:  msg,
		}
	}
	return out
}

// backoffDelay doubles per attempt from BaseDelay, capped at MaxDelay,
// with up to 25% random jitter.
func (o *Orchestrator) backoffDelay(attempt int) time.Duration {
	base := o.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	maxDelay := o.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}

	delay := base << (attempt - 1)
	if delay > maxDelay {
		delay = maxDelay
	}

	o.jitterMu.Lock()
	frac := o.jitter.Float64()
	o.jitterMu.Unlock()

	return delay + time.Duration(frac*0.25*float64(delay))
}

func (o *Orchestrator) concurrency() int {
	if o.Concurrency <= 0 {
		return DefaultConcurrency
	}
	return o.Concurrency
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	if o.Sleep != nil {
		return o.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func batchKey(call BatchRequest) string {
	h := sha256.New()
	h.Write([]byte(call.SourceLang + "\x00" + call.TargetLang + "\x00" + call.Style + "\x00"))
	h.Write([]byte(strings.Join(call.Texts, "\x00")))
	return hex.EncodeToString(h.Sum(nil))
}

// Package pipeline is the job state machine: it selects the format
// processor for a dequeued job, drives parse, segmentation, translation
// and reconstruction, and is the single place state transitions happen.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/abadojack/whatlanggo"

	"github.com/seekhub/doctrans/internal/document"
	"github.com/seekhub/doctrans/internal/format"
	"github.com/seekhub/doctrans/internal/jobs"
	"github.com/seekhub/doctrans/internal/segment"
	"github.com/seekhub/doctrans/internal/storage"
	"github.com/seekhub/doctrans/internal/translate"
	"github.com/seekhub/doctrans/pkg/log"
)

// Progress band boundaries per stage.
const (
	progressParsed       = 10
	progressSegmented    = 20
	progressTranslated   = 85
	progressReconstructd = 95
	progressDone         = 100
)

var errBudgetExceeded = errors.New("job wall-clock budget exceeded")

// StatusSink receives job status updates: one per state transition plus
// one per completed translation batch. The queue implements it.
type StatusSink interface {
	Update(ctx context.Context, upd jobs.StatusUpdate) error
}

// Translator is the translation stage contract; satisfied by
// *translate.Orchestrator.
type Translator interface {
	TranslateAll(ctx context.Context, req translate.Request, segs []document.Segment, progress translate.Progress) []document.TranslatedSegment
}

// Runner executes one job end to end. Cancellation and the wall-clock
// budget are observed cooperatively at the checkpoints between stages
// (and, through the translator's progress callbacks, at batch
// boundaries), never mid-call.
type Runner struct {
	storage    storage.Store
	translator Translator
	segmenter  *segment.Segmenter
	sink       StatusSink

	// DefaultTimeout applies when the descriptor carries no budget.
	DefaultTimeout time.Duration

	// DetectLanguage resolves a missing source language from document
	// text.
	DetectLanguage func(text string) string
}

func NewRunner(store storage.Store, translator Translator, sink StatusSink) *Runner {
	return &Runner{
		storage:        store,
		translator:     translator,
		segmenter:      segment.New(),
		sink:           sink,
		DefaultTimeout: 30 * time.Minute,
		DetectLanguage: detectLanguage,
	}
}

// Execute drives the job state machine to a terminal state. The returned
// error mirrors what was recorded on the job; a nil return means
// COMPLETED (possibly degraded).
func (r *Runner) Execute(ctx context.Context, job *jobs.TranslationJob) error {
	deadline := time.Time{}
	budget := r.DefaultTimeout
	if job.Descriptor.TimeoutSeconds > 0 {
		budget = time.Duration(job.Descriptor.TimeoutSeconds) * time.Second
	}
	if budget > 0 {
		deadline = time.Now().Add(budget)
	}

	// Parsing.
	if err := r.transition(ctx, job, jobs.StateParsing, 0); err != nil {
		return err
	}

	data, err := r.storage.Read(ctx, job.Descriptor.SourcePath)
	if err != nil {
		return r.fail(ctx, job, newError(CodeStorage, "read source document", err))
	}

	proc, err := format.ForDocument(job.Descriptor.SourcePath, data)
	if err != nil {
		return r.fail(ctx, job, classifyParse(err))
	}

	st, err := proc.Parse(ctx, data)
	if err != nil {
		return r.fail(ctx, job, classifyParse(err))
	}
	log.Info("Job %s: parsed %s document, %d node(s), %d page(s), %d word(s)",
		job.ID, st.Metadata.Format, len(st.Nodes), st.Metadata.PageCount, st.Metadata.WordCount)

	// Segmenting.
	if err := r.checkpoint(ctx, job, deadline); err != nil {
		return err
	}
	if err := r.transition(ctx, job, jobs.StateSegmenting, progressParsed); err != nil {
		return err
	}

	segs := r.segmenter.Split(st)
	if err := validateSegments(st, segs); err != nil {
		return r.fail(ctx, job, newError(CodeSegmentation, "segmentation invariant violated", err))
	}

	var translated []document.TranslatedSegment
	if len(segs) == 0 {
		// Nothing to translate; go straight to reconstruction.
		if err := r.transition(ctx, job, jobs.StateReconstructing, progressTranslated); err != nil {
			return err
		}
	} else {
		// Translating.
		if err := r.checkpoint(ctx, job, deadline); err != nil {
			return err
		}
		if err := r.transition(ctx, job, jobs.StateTranslating, progressSegmented); err != nil {
			return err
		}

		req := translate.Request{
			SourceLang: r.sourceLanguage(job, st),
			TargetLang: job.Descriptor.TargetLanguage,
			Style:      job.Descriptor.Style,
		}
		progress := func(done, total int) {
			pct := progressSegmented
			if total > 0 {
				pct += done * (progressTranslated - progressSegmented) / total
			}
			r.report(ctx, job, pct)
		}

		translated = r.translator.TranslateAll(ctx, req, segs, progress)

		if err := r.checkpoint(ctx, job, deadline); err != nil {
			return err
		}
		if err := r.transition(ctx, job, jobs.StateReconstructing, progressTranslated); err != nil {
			return err
		}
	}

	// Reconstructing. The partial-failure policy is consulted here, not
	// earlier: format.Reconstruct rejects missing coverage unless the
	// descriptor allows best-effort output.
	allowPartial := job.Descriptor.PartialFailureAllowed != nil && *job.Descriptor.PartialFailureAllowed
	out, err := proc.Reconstruct(ctx, st, segs, translated, format.ReconstructOptions{AllowPartial: allowPartial})
	if err != nil {
		var incomplete *format.IncompleteTranslationError
		if errors.As(err, &incomplete) {
			return r.fail(ctx, job, newError(CodeTranslationIncomplete,
				fmt.Sprintf("%d segment(s) failed translation and partial output is not allowed", len(incomplete.Missing)), err))
		}
		return r.fail(ctx, job, newError(CodeReconstruction, "document reconstruction failed", err))
	}

	outputPath := job.Descriptor.OutputPath
	if outputPath == "" {
		outputPath = defaultOutputPath(job.Descriptor.SourcePath, job.Descriptor.TargetLanguage)
	}
	r.report(ctx, job, progressReconstructd)

	if err := r.storage.Write(ctx, outputPath, out); err != nil {
		return r.fail(ctx, job, newError(CodeStorage, "write output document", err))
	}

	failed := failedIndices(translated)
	job.Degraded = len(failed) > 0
	job.FailedSegments = failed
	job.OutputPath = outputPath
	if err := r.transition(ctx, job, jobs.StateCompleted, progressDone); err != nil {
		return err
	}
	if job.Degraded {
		log.Warn("Job %s completed degraded: %d segment(s) untranslated", job.ID, len(failed))
	} else {
		log.Info("Job %s completed: output at %s", job.ID, outputPath)
	}
	return nil
}

// checkpoint observes cancellation and the wall-clock budget between
// stages.
func (r *Runner) checkpoint(ctx context.Context, job *jobs.TranslationJob, deadline time.Time) error {
	if cause := context.Cause(ctx); cause != nil {
		return r.cancel(job, cause)
	}
	if !deadline.IsZero() && time.Now().After(deadline) {
		return r.fail(context.Background(), job, newError(CodeTimeout, "job exceeded its wall-clock budget", errBudgetExceeded))
	}
	return nil
}

// transition moves the job to the next state and pushes the update.
// Illegal transitions are implementation bugs and fail loudly.
func (r *Runner) transition(ctx context.Context, job *jobs.TranslationJob, next jobs.State, progress int) error {
	if !job.State.CanTransition(next) {
		err := newError(CodeInternal, fmt.Sprintf("illegal transition %s -> %s", job.State, next), nil)
		log.Error("Job %s: %v", job.ID, err)
		return err
	}
	job.State = next
	job.Progress = progress
	return r.push(ctx, job)
}

// report pushes an intra-stage progress update without changing state.
func (r *Runner) report(ctx context.Context, job *jobs.TranslationJob, progress int) {
	job.Progress = progress
	if err := r.push(ctx, job); err != nil {
		log.Warn("Job %s: progress update dropped: %v", job.ID, err)
	}
}

func (r *Runner) push(ctx context.Context, job *jobs.TranslationJob) error {
	return r.sink.Update(ctx, jobs.StatusUpdate{
		JobID:          job.ID,
		State:          job.State,
		Progress:       job.Progress,
		Degraded:       job.Degraded,
		FailedSegments: job.FailedSegments,
		ErrorCode:      job.ErrorCode,
		Error:          job.Error,
		OutputPath:     job.OutputPath,
	})
}

func (r *Runner) fail(ctx context.Context, job *jobs.TranslationJob, perr *Error) error {
	job.ErrorCode = string(perr.Code)
	job.Error = perr.Error()
	if err := r.transition(ctx, job, jobs.StateFailed, job.Progress); err != nil {
		return err
	}
	return perr
}

func (r *Runner) cancel(job *jobs.TranslationJob, cause error) error {
	job.ErrorCode = string(CodeCancelled)
	job.Error = cause.Error()
	// The job context is gone; record the cancellation regardless.
	if err := r.transition(context.Background(), job, jobs.StateCancelled, job.Progress); err != nil {
		return err
	}
	return cause
}

func (r *Runner) sourceLanguage(job *jobs.TranslationJob, st *document.Structure) string {
	if job.Descriptor.SourceLanguage != "" {
		return job.Descriptor.SourceLanguage
	}
	if r.DetectLanguage == nil {
		return ""
	}
	var sb strings.Builder
	for _, node := range st.Nodes {
		sb.WriteString(node.Text)
		sb.WriteByte(' ')
		if sb.Len() > 2000 {
			break
		}
	}
	lang := r.DetectLanguage(sb.String())
	if lang != "" {
		log.Debug("Job %s: detected source language %q", job.ID, lang)
	}
	return lang
}

func detectLanguage(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	return whatlanggo.DetectLang(text).Iso6391()
}

// validateSegments asserts the partition invariant: every node's text is
// covered exactly once, in order.
func validateSegments(st *document.Structure, segs []document.Segment) error {
	covered := make([]int, len(st.Nodes))
	lastEnd := make([]int, len(st.Nodes))
	lastNode := -1

	for i, seg := range segs {
		if seg.Index != i {
			return fmt.Errorf("segment %d carries index %d", i, seg.Index)
		}
		for _, sp := range seg.Spans {
			if sp.NodeIndex < 0 || sp.NodeIndex >= len(st.Nodes) {
				return fmt.Errorf("segment %d references node %d out of range", i, sp.NodeIndex)
			}
			if sp.NodeIndex < lastNode {
				return fmt.Errorf("segment %d visits node %d after node %d", i, sp.NodeIndex, lastNode)
			}
			if sp.Start != lastEnd[sp.NodeIndex] {
				return fmt.Errorf("segment %d covers node %d from byte %d, expected %d", i, sp.NodeIndex, sp.Start, lastEnd[sp.NodeIndex])
			}
			covered[sp.NodeIndex] += sp.End - sp.Start
			lastEnd[sp.NodeIndex] = sp.End
			lastNode = sp.NodeIndex
		}
	}

	for i, node := range st.Nodes {
		if covered[i] != len(node.Text) {
			return fmt.Errorf("node %d covered %d of %d bytes", i, covered[i], len(node.Text))
		}
	}
	return nil
}

func failedIndices(translated []document.TranslatedSegment) []int {
	var failed []int
	for _, ts := range translated {
		if ts.Status == document.SegmentFailed {
			failed = append(failed, ts.Index)
		}
	}
	return failed
}

func defaultOutputPath(sourcePath, targetLang string) string {
	ext := filepath.Ext(sourcePath)
	base := strings.TrimSuffix(sourcePath, ext)
	return fmt.Sprintf("%s.%s%s", base, targetLang, ext)
}

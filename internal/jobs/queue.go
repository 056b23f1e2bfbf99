package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seekhub/doctrans/pkg/log"
)

// ErrCancelled is the cancellation cause handed to a running job's
// context when Cancel is called.
var ErrCancelled = errors.New("job cancelled")

// Executor processes one job to a terminal state. The context is
// cancelled (with ErrCancelled as cause) when the job is cancelled
// externally.
type Executor func(ctx context.Context, job *TranslationJob) error

// Queue is the in-process job queue: a fixed worker pool draining a
// pending-id channel, with persistence through Store and dedupe on
// descriptor content. It owns the canonical job records; the pipeline
// reports state changes back through Update.
type Queue struct {
	workerCount int
	maxJobs     int
	store       Store

	// DefaultTargetLanguage fills a descriptor that omits
	// target_language. Set before Start.
	DefaultTargetLanguage string

	mu         sync.RWMutex
	jobs       map[string]*TranslationJob
	dedupe     map[string]string
	cancels    map[string]context.CancelCauseFunc
	started    bool
	accepting  bool
	pendingIDs chan string
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

func NewQueue(workerCount, queueSize int, store Store) *Queue {
	if workerCount <= 0 {
		workerCount = 1
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	q := &Queue{
		workerCount: workerCount,
		maxJobs:     1000,
		store:       store,
		jobs:        make(map[string]*TranslationJob),
		dedupe:      make(map[string]string),
		cancels:     make(map[string]context.CancelCauseFunc),
		pendingIDs:  make(chan string, queueSize),
		stopCh:      make(chan struct{}),
		accepting:   true,
	}
	q.hydrateFromStore(context.Background())
	return q
}

// Enqueue validates the descriptor and adds a job. A descriptor already
// pending or in flight returns the existing job instead of a duplicate.
func (q *Queue) Enqueue(desc Descriptor) (*TranslationJob, bool, error) {
	if desc.TargetLanguage == "" {
		desc.TargetLanguage = q.DefaultTargetLanguage
	}
	if err := desc.Validate(); err != nil {
		return nil, false, fmt.Errorf("invalid job descriptor: %w", err)
	}

	now := time.Now()
	dedupeKey := descriptorKey(desc)

	q.mu.Lock()
	if !q.accepting {
		q.mu.Unlock()
		return nil, false, fmt.Errorf("queue is not accepting jobs")
	}
	if id, ok := q.dedupe[dedupeKey]; ok {
		if existing, exists := q.jobs[id]; exists {
			snapshot := cloneJob(existing)
			q.mu.Unlock()
			return snapshot, false, nil
		}
		delete(q.dedupe, dedupeKey)
	}

	id := desc.JobID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := q.jobs[id]; exists {
		q.mu.Unlock()
		return nil, false, fmt.Errorf("job %s already exists", id)
	}

	job := &TranslationJob{
		ID:         id,
		Descriptor: desc,
		State:      StatePending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	q.jobs[id] = job
	q.dedupe[dedupeKey] = id
	started := q.started
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)
	if started {
		q.enqueuePendingID(id)
	}
	return snapshot, true, nil
}

func (q *Queue) Get(id string) (*TranslationJob, bool) {
	q.mu.RLock()
	job, ok := q.jobs[id]
	q.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return cloneJob(job), true
}

func (q *Queue) List() []*TranslationJob {
	q.mu.RLock()
	defer q.mu.RUnlock()

	ret := make([]*TranslationJob, 0, len(q.jobs))
	for _, job := range q.jobs {
		ret = append(ret, cloneJob(job))
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].CreatedAt.Before(ret[j].CreatedAt) })
	return ret
}

// Depth counts jobs that have not reached a terminal state.
func (q *Queue) Depth() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	n := 0
	for _, job := range q.jobs {
		if !job.State.Terminal() {
			n++
		}
	}
	return n
}

// Accepting reports whether the worker pool takes new jobs; used by the
// health endpoint.
func (q *Queue) Accepting() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.accepting && q.started
}

func (q *Queue) Start(exec Executor) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true

	pending := make([]string, 0)
	for id, job := range q.jobs {
		if job.State == StatePending {
			pending = append(pending, id)
		}
	}
	q.mu.Unlock()

	for _, id := range pending {
		q.enqueuePendingID(id)
	}

	for i := 0; i < q.workerCount; i++ {
		q.wg.Add(1)
		go q.worker(exec)
	}
}

func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.accepting = false
		q.mu.Unlock()
		close(q.stopCh)
		q.wg.Wait()
	})
}

// Cancel requests cooperative cancellation. A pending job is cancelled
// immediately; a running job's context is cancelled and the pipeline
// records the cancellation at its next checkpoint.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("job %s not found", id)
	}
	if job.State.Terminal() {
		q.mu.Unlock()
		return fmt.Errorf("job %s is already %s", id, job.State)
	}

	if job.State == StatePending {
		job.State = StateCancelled
		job.ErrorCode = "CANCELLED"
		job.Error = ErrCancelled.Error()
		job.UpdatedAt = time.Now()
		q.releaseDedupeLocked(job)
		snapshot := cloneJob(job)
		q.mu.Unlock()
		q.persistJob(snapshot)
		return nil
	}

	cancel := q.cancels[id]
	q.mu.Unlock()
	if cancel != nil {
		cancel(ErrCancelled)
	}
	return nil
}

// Update applies a status change reported by the pipeline runner and
// persists the record. It is the StatusSink the runner writes through.
func (q *Queue) Update(_ context.Context, upd StatusUpdate) error {
	q.mu.Lock()
	job, ok := q.jobs[upd.JobID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("job %s not found", upd.JobID)
	}
	if job.State.Terminal() {
		// A pending job cancelled between claim and first update stays
		// cancelled.
		q.mu.Unlock()
		return fmt.Errorf("job %s is already %s", upd.JobID, job.State)
	}

	job.State = upd.State
	job.Progress = upd.Progress
	job.Degraded = upd.Degraded
	job.FailedSegments = upd.FailedSegments
	job.ErrorCode = upd.ErrorCode
	job.Error = upd.Error
	if upd.OutputPath != "" {
		job.OutputPath = upd.OutputPath
	}
	job.UpdatedAt = time.Now()

	var pruned []string
	if job.State.Terminal() {
		q.releaseDedupeLocked(job)
		pruned = q.pruneTerminalJobsLocked()
	}
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)
	q.deleteJobsFromStore(pruned)
	return nil
}

func (q *Queue) worker(exec Executor) {
	defer q.wg.Done()

	for {
		select {
		case <-q.stopCh:
			return
		case id := <-q.pendingIDs:
			job, ok := q.claim(id)
			if !ok {
				continue
			}

			ctx, cancel := context.WithCancelCause(context.Background())
			q.mu.Lock()
			q.cancels[id] = cancel
			q.mu.Unlock()

			if err := exec(ctx, job); err != nil {
				log.Error("Job %s finished with error: %v", id, err)
			}

			q.mu.Lock()
			delete(q.cancels, id)
			q.mu.Unlock()
			cancel(nil)
		}
	}
}

// claim hands a pending job to a worker exactly once.
func (q *Queue) claim(id string) (*TranslationJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok || job.State != StatePending {
		return nil, false
	}
	return cloneJob(job), true
}

func (q *Queue) enqueuePendingID(id string) {
	select {
	case q.pendingIDs <- id:
	default:
		go func() {
			select {
			case q.pendingIDs <- id:
			case <-q.stopCh:
			}
		}()
	}
}

func (q *Queue) releaseDedupeLocked(job *TranslationJob) {
	if job == nil {
		return
	}
	key := descriptorKey(job.Descriptor)
	if id, ok := q.dedupe[key]; ok && id == job.ID {
		delete(q.dedupe, key)
	}
}

func (q *Queue) pruneTerminalJobsLocked() []string {
	if q.maxJobs <= 0 || len(q.jobs) <= q.maxJobs {
		return nil
	}

	type candidate struct {
		id        string
		updatedAt time.Time
	}
	terminal := make([]candidate, 0, len(q.jobs))
	for id, job := range q.jobs {
		if job == nil || !job.State.Terminal() {
			continue
		}
		terminal = append(terminal, candidate{id: id, updatedAt: job.UpdatedAt})
	}
	if len(terminal) == 0 {
		return nil
	}

	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].updatedAt.Before(terminal[j].updatedAt)
	})

	toRemove := len(q.jobs) - q.maxJobs
	if toRemove > len(terminal) {
		toRemove = len(terminal)
	}

	pruned := make([]string, 0, toRemove)
	for i := 0; i < toRemove; i++ {
		id := terminal[i].id
		if job := q.jobs[id]; job != nil {
			q.releaseDedupeLocked(job)
		}
		delete(q.jobs, id)
		pruned = append(pruned, id)
	}
	return pruned
}

func (q *Queue) deleteJobsFromStore(ids []string) {
	if q.store == nil || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		if err := q.store.DeleteJob(context.Background(), id); err != nil {
			log.Error("Failed to delete pruned job %s from store: %v", id, err)
		}
	}
}

// hydrateFromStore reloads persisted jobs on boot. Jobs that were mid
// pipeline when the process died go back to pending so they are picked
// up again; the cache makes the replay cheap.
func (q *Queue) hydrateFromStore(ctx context.Context) {
	if q.store == nil {
		return
	}
	loaded, err := q.store.LoadJobs(ctx)
	if err != nil {
		log.Error("Failed to load jobs from store: %v", err)
		return
	}

	now := time.Now()
	toPersist := make([]*TranslationJob, 0)
	q.mu.Lock()
	for _, raw := range loaded {
		if raw == nil || raw.ID == "" {
			continue
		}
		job := cloneJob(raw)
		if !job.State.Terminal() && job.State != StatePending {
			job.State = StatePending
			job.Progress = 0
			job.UpdatedAt = now
			toPersist = append(toPersist, cloneJob(job))
		}
		q.jobs[job.ID] = job
		if !job.State.Terminal() {
			q.dedupe[descriptorKey(job.Descriptor)] = job.ID
		}
	}
	q.mu.Unlock()

	for _, job := range toPersist {
		q.persistJob(job)
	}
}

func (q *Queue) persistJob(job *TranslationJob) {
	if q.store == nil || job == nil {
		return
	}
	if err := q.store.UpsertJob(context.Background(), job); err != nil {
		log.Error("Failed to persist job %s: %v", job.ID, err)
	}
}

func descriptorKey(desc Descriptor) string {
	partial := "nil"
	if desc.PartialFailureAllowed != nil {
		partial = fmt.Sprintf("%t", *desc.PartialFailureAllowed)
	}
	h := sha256.Sum256([]byte(desc.SourcePath + "\x00" + desc.TargetLanguage + "\x00" + desc.Style + "\x00" + partial))
	return hex.EncodeToString(h[:])
}

func cloneJob(job *TranslationJob) *TranslationJob {
	if job == nil {
		return nil
	}
	tmp := *job
	if job.FailedSegments != nil {
		tmp.FailedSegments = append([]int(nil), job.FailedSegments...)
	}
	return &tmp
}

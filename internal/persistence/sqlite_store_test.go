package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seekhub/doctrans/internal/jobs"
)

func boolPtr(v bool) *bool { return &v }

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "doctrans.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_JobsRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	job := &jobs.TranslationJob{
		ID: "job-1",
		Descriptor: jobs.Descriptor{
			SourcePath:            "in/report.pdf",
			OutputPath:            "out/report.pdf",
			SourceLanguage:        "en",
			TargetLanguage:        "es",
			Style:                 "formal",
			PartialFailureAllowed: boolPtr(true),
			TimeoutSeconds:        600,
		},
		State:          jobs.StateTranslating,
		Progress:       42,
		Degraded:       true,
		FailedSegments: []int{3, 7},
		ErrorCode:      "",
		CreatedAt:      time.Now().UTC().Truncate(time.Millisecond),
		UpdatedAt:      time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, store.UpsertJob(ctx, job))

	all, err := store.LoadJobs(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	got := all[0]
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.Descriptor, got.Descriptor)
	assert.Equal(t, jobs.StateTranslating, got.State)
	assert.Equal(t, 42, got.Progress)
	assert.True(t, got.Degraded)
	assert.Equal(t, []int{3, 7}, got.FailedSegments)
}

func TestSQLiteStore_UpsertOverwrites(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	job := &jobs.TranslationJob{
		ID: "job-1",
		Descriptor: jobs.Descriptor{
			SourcePath:            "a.txt",
			TargetLanguage:        "es",
			PartialFailureAllowed: boolPtr(false),
		},
		State:     jobs.StatePending,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.UpsertJob(ctx, job))

	job.State = jobs.StateCompleted
	job.Progress = 100
	job.OutputPath = "a.es.txt"
	require.NoError(t, store.UpsertJob(ctx, job))

	all, err := store.LoadJobs(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, jobs.StateCompleted, all[0].State)
	assert.Equal(t, "a.es.txt", all[0].OutputPath)
}

func TestSQLiteStore_DeleteJob(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	job := &jobs.TranslationJob{
		ID: "job-1",
		Descriptor: jobs.Descriptor{
			SourcePath:            "a.txt",
			TargetLanguage:        "es",
			PartialFailureAllowed: boolPtr(false),
		},
		State:     jobs.StateCompleted,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.UpsertJob(ctx, job))
	require.NoError(t, store.DeleteJob(ctx, "job-1"))

	all, err := store.LoadJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSQLiteStore_TranslationCache(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	_, found, err := store.GetTranslation(ctx, "key-1")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, store.PutTranslation(ctx, "key-1", "hola"))

	got, found, err := store.GetTranslation(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "hola", got)

	// Insert-only: a second write for the same key is ignored.
	require.NoError(t, store.PutTranslation(ctx, "key-1", "bonjour"))
	got, _, err = store.GetTranslation(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "hola", got)
}

func TestSQLiteStore_DeleteExpiredTranslations(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutTranslation(ctx, "old", "v"))
	time.Sleep(5 * time.Millisecond)

	n, err := store.DeleteExpiredTranslations(ctx, time.Nanosecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, found, err := store.GetTranslation(ctx, "old")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSQLiteStore_RequiresPath(t *testing.T) {
	t.Parallel()

	_, err := NewSQLiteStore("  ")
	assert.Error(t, err)
}

// Package persistence is the SQLite layer behind job recovery and the
// durable translation cache.
package persistence

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/seekhub/doctrans/internal/jobs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	// Bootstrap schema_migrations table so we can track applied versions.
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename (e.g. "001_init.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

func (s *SQLiteStore) LoadJobs(ctx context.Context) ([]*jobs.TranslationJob, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, descriptor_json, state, progress, degraded, failed_segments_json, error_code, error, output_path, created_at, updated_at
		 FROM jobs
		 ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*jobs.TranslationJob, 0)
	for rows.Next() {
		var item jobs.TranslationJob
		var descriptorJSON string
		var failedJSON string
		var state string
		var degraded int
		if err := rows.Scan(
			&item.ID,
			&descriptorJSON,
			&state,
			&item.Progress,
			&degraded,
			&failedJSON,
			&item.ErrorCode,
			&item.Error,
			&item.OutputPath,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(descriptorJSON), &item.Descriptor); err != nil {
			return nil, fmt.Errorf("decode descriptor for job %s: %w", item.ID, err)
		}
		if failedJSON != "" {
			if err := json.Unmarshal([]byte(failedJSON), &item.FailedSegments); err != nil {
				return nil, fmt.Errorf("decode failed segments for job %s: %w", item.ID, err)
			}
		}
		item.State = jobs.State(state)
		item.Degraded = degraded == 1
		ret = append(ret, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID)
	return err
}

func (s *SQLiteStore) UpsertJob(ctx context.Context, job *jobs.TranslationJob) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	descriptorJSON, err := json.Marshal(job.Descriptor)
	if err != nil {
		return fmt.Errorf("encode descriptor: %w", err)
	}
	failedJSON := ""
	if len(job.FailedSegments) > 0 {
		payload, err := json.Marshal(job.FailedSegments)
		if err != nil {
			return fmt.Errorf("encode failed segments: %w", err)
		}
		failedJSON = string(payload)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (
			id, descriptor_json, state, progress, degraded, failed_segments_json, error_code, error, output_path, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			descriptor_json=excluded.descriptor_json,
			state=excluded.state,
			progress=excluded.progress,
			degraded=excluded.degraded,
			failed_segments_json=excluded.failed_segments_json,
			error_code=excluded.error_code,
			error=excluded.error,
			output_path=excluded.output_path,
			updated_at=excluded.updated_at`,
		job.ID,
		string(descriptorJSON),
		string(job.State),
		job.Progress,
		boolToInt(job.Degraded),
		failedJSON,
		job.ErrorCode,
		job.Error,
		job.OutputPath,
		job.CreatedAt,
		job.UpdatedAt,
	)
	return err
}

// GetTranslation looks up one cached translation by key.
func (s *SQLiteStore) GetTranslation(ctx context.Context, key string) (string, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT translated FROM translation_cache WHERE cache_key = ?`,
		key,
	)
	var translated string
	if err := row.Scan(&translated); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, err
	}
	return translated, true, nil
}

// PutTranslation stores a translation insert-only: the first write for a
// key wins and later writes are ignored.
func (s *SQLiteStore) PutTranslation(ctx context.Context, key, text string) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO translation_cache (cache_key, translated, created_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(cache_key) DO NOTHING`,
		key,
		text,
		time.Now().UTC(),
	)
	return err
}

// DeleteExpiredTranslations removes cache rows older than the TTL.
func (s *SQLiteStore) DeleteExpiredTranslations(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	res, err := s.db.ExecContext(ctx, `DELETE FROM translation_cache WHERE created_at <= ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

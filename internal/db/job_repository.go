package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/pullbox/backend/internal/engine"
)

var ErrJobNotFound = errors.New("job not found")

// JobRepository mirrors engine jobs and items into Postgres. Writes are
// upserts so a mirror that missed an earlier write still converges on the
// engine's current state.
type JobRepository struct {
	db *DB
}

func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) InsertJob(ctx context.Context, job *engine.Job, items []*engine.Item) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := upsertJob(ctx, tx, job); err != nil {
		return err
	}
	for _, item := range items {
		if err := upsertItem(ctx, tx, item); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *JobRepository) UpdateJob(ctx context.Context, job *engine.Job) error {
	return upsertJob(ctx, r.db, job)
}

func (r *JobRepository) UpdateItem(ctx context.Context, item *engine.Item) error {
	return upsertItem(ctx, r.db, item)
}

func (r *JobRepository) GetJobByIDAndOwner(ctx context.Context, id, owner string) (*engine.Job, []*engine.Item, error) {
	query := `
		SELECT id, owner, title, status, items_count, items_completed, items_failed,
		       bytes_total, bytes_downloaded, created_at, updated_at
		FROM jobs
		WHERE id = $1 AND owner = $2
	`

	job, err := scanJob(r.db.QueryRowContext(ctx, query, id, owner))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrJobNotFound
		}
		return nil, nil, err
	}

	items, err := r.ListItemsByJobIDs(ctx, []string{id})
	if err != nil {
		return nil, nil, err
	}

	return job, items, nil
}

func (r *JobRepository) ListJobsByOwner(ctx context.Context, owner string, limit int, before *time.Time) ([]*engine.Job, error) {
	query := `
		SELECT id, owner, title, status, items_count, items_completed, items_failed,
		       bytes_total, bytes_downloaded, created_at, updated_at
		FROM jobs
		WHERE owner = $1 AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at DESC
		LIMIT $3
	`

	var cursor any
	if before != nil {
		cursor = *before
	}

	rows, err := r.db.QueryContext(ctx, query, owner, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

func (r *JobRepository) ListJobsByStatus(ctx context.Context, statuses []engine.JobStatus) ([]*engine.Job, error) {
	query := `
		SELECT id, owner, title, status, items_count, items_completed, items_failed,
		       bytes_total, bytes_downloaded, created_at, updated_at
		FROM jobs
		WHERE status = ANY($1)
		ORDER BY created_at ASC
	`

	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}

	rows, err := r.db.QueryContext(ctx, query, pq.Array(values))
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs by status: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

func (r *JobRepository) ListItemsByJobIDs(ctx context.Context, jobIDs []string) ([]*engine.Item, error) {
	if len(jobIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, job_id, provider, source_url, filename, status,
		       bytes_total, bytes_downloaded, error_message, storage_path, meta,
		       started_at, finished_at
		FROM items
		WHERE job_id = ANY($1)
	`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(jobIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var items []*engine.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertJob(ctx context.Context, ex execer, job *engine.Job) error {
	query := `
		INSERT INTO jobs (id, owner, title, status, items_count, items_completed, items_failed,
		                  bytes_total, bytes_downloaded, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			items_count = EXCLUDED.items_count,
			items_completed = EXCLUDED.items_completed,
			items_failed = EXCLUDED.items_failed,
			bytes_total = EXCLUDED.bytes_total,
			bytes_downloaded = EXCLUDED.bytes_downloaded,
			updated_at = EXCLUDED.updated_at
	`

	_, err := ex.ExecContext(ctx, query,
		job.ID, job.Owner, job.Title, job.Status,
		job.ItemsCount, job.ItemsCompleted, job.ItemsFailed,
		nullInt64(job.BytesTotal), job.BytesDownloaded,
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert job %s: %w", job.ID, err)
	}
	return nil
}

func upsertItem(ctx context.Context, ex execer, item *engine.Item) error {
	meta, err := marshalMeta(item.Meta)
	if err != nil {
		return fmt.Errorf("failed to marshal item meta %s: %w", item.ID, err)
	}

	query := `
		INSERT INTO items (id, job_id, provider, source_url, filename, status,
		                   bytes_total, bytes_downloaded, error_message, storage_path, meta,
		                   started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			filename = EXCLUDED.filename,
			status = EXCLUDED.status,
			bytes_total = EXCLUDED.bytes_total,
			bytes_downloaded = EXCLUDED.bytes_downloaded,
			error_message = EXCLUDED.error_message,
			storage_path = EXCLUDED.storage_path,
			meta = EXCLUDED.meta,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at
	`

	_, err = ex.ExecContext(ctx, query,
		item.ID, item.JobID, item.Provider, item.SourceURL, item.Filename, item.Status,
		nullInt64(item.BytesTotal), item.BytesDownloaded,
		item.ErrorMessage, item.StoragePath, meta,
		nullTime(item.StartedAt), nullTime(item.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert item %s: %w", item.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*engine.Job, error) {
	job := &engine.Job{}
	var bytesTotal sql.NullInt64

	err := row.Scan(
		&job.ID, &job.Owner, &job.Title, &job.Status,
		&job.ItemsCount, &job.ItemsCompleted, &job.ItemsFailed,
		&bytesTotal, &job.BytesDownloaded,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if bytesTotal.Valid {
		job.BytesTotal = &bytesTotal.Int64
	}
	return job, nil
}

func scanItem(row rowScanner) (*engine.Item, error) {
	item := &engine.Item{}
	var bytesTotal sql.NullInt64
	var startedAt, finishedAt sql.NullTime
	var meta []byte

	err := row.Scan(
		&item.ID, &item.JobID, &item.Provider, &item.SourceURL, &item.Filename, &item.Status,
		&bytesTotal, &item.BytesDownloaded,
		&item.ErrorMessage, &item.StoragePath, &meta,
		&startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	if bytesTotal.Valid {
		item.BytesTotal = &bytesTotal.Int64
	}
	if startedAt.Valid {
		item.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		item.FinishedAt = &finishedAt.Time
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &item.Meta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal item meta %s: %w", item.ID, err)
		}
	}
	return item, nil
}

func collectJobs(rows *sql.Rows) ([]*engine.Job, error) {
	var jobs []*engine.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func marshalMeta(meta map[string]any) ([]byte, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	return json.Marshal(meta)
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

package storage

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"coachline/internal/models"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS videos (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    filename TEXT NOT NULL DEFAULT '',
    content_type TEXT NOT NULL DEFAULT '',
    upload_path TEXT NOT NULL,
    status TEXT NOT NULL CHECK (status IN ('uploading', 'transcoding', 'ready', 'error')),
    transcode_job_id TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    input_size BIGINT NOT NULL DEFAULT 0,
    delivery_urls JSONB NOT NULL DEFAULT '{}'::jsonb,
    version BIGINT NOT NULL DEFAULT 1,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    processed_at TIMESTAMPTZ
)`,
	`CREATE INDEX IF NOT EXISTS videos_status_updated_idx ON videos (status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS video_jobs (
    job_name TEXT PRIMARY KEY,
    job_id TEXT NOT NULL DEFAULT '',
    video_id TEXT NOT NULL REFERENCES videos (id),
    submitted_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS video_jobs_job_id_idx ON video_jobs (job_id)`,
}

// EnsureSchema creates the tables used by the repository when missing.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		for _, stmt := range schemaStatements {
			if _, err := conn.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
		}
		return nil
	})
}

func (r *PostgresRepository) importSnapshot(ctx context.Context, snapshot *Snapshot) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("postgres repository unavailable")
	}
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin snapshot transaction: %w", err)
		}
		defer rollbackTx(ctx, tx)

		if err := importSnapshotVideos(ctx, tx, snapshot.Videos); err != nil {
			return err
		}
		if err := importSnapshotJobs(ctx, tx, snapshot.Jobs); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit snapshot import: %w", err)
		}
		return nil
	})
}

func importSnapshotVideos(ctx context.Context, tx pgx.Tx, videos map[string]models.Video) error {
	if len(videos) == 0 {
		return nil
	}
	ids := make([]string, 0, len(videos))
	for id := range videos {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	batch := &pgx.Batch{}
	for _, id := range ids {
		video := videos[id]
		version := video.Version
		if version <= 0 {
			version = 1
		}
		batch.Queue(`
INSERT INTO videos (id, owner_id, title, filename, content_type, upload_path, status, transcode_job_id, error,
    input_size, delivery_urls, version, created_at, updated_at, processed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    transcode_job_id = EXCLUDED.transcode_job_id,
    error = EXCLUDED.error,
    input_size = EXCLUDED.input_size,
    delivery_urls = EXCLUDED.delivery_urls,
    version = EXCLUDED.version,
    updated_at = EXCLUDED.updated_at,
    processed_at = EXCLUDED.processed_at
`, video.ID, video.OwnerID, video.Title, video.Filename, video.ContentType, video.UploadPath, string(video.Status),
			video.TranscodeJobID, video.Error, video.InputSize, deliveryURLsParam(video.DeliveryURLs), version,
			video.CreatedAt.UTC(), video.UpdatedAt.UTC(), video.ProcessedAt)
	}
	results := tx.SendBatch(ctx, batch)
	for _, id := range ids {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("import video %s: %w", id, err)
		}
	}
	return results.Close()
}

func importSnapshotJobs(ctx context.Context, tx pgx.Tx, jobs map[string]models.JobMapping) error {
	for name, mapping := range jobs {
		if _, err := tx.Exec(ctx, `
INSERT INTO video_jobs (job_name, job_id, video_id, submitted_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (job_name) DO UPDATE SET job_id = EXCLUDED.job_id, video_id = EXCLUDED.video_id, submitted_at = EXCLUDED.submitted_at
`, name, mapping.JobID, mapping.VideoID, mapping.SubmittedAt.UTC()); err != nil {
			return fmt.Errorf("import job %s: %w", name, err)
		}
	}
	return nil
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}

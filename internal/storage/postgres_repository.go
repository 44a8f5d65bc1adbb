package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"coachline/internal/models"
)

// PostgresRepository stores videos and job mappings in Postgres. Status
// transitions are optimistic: the UPDATE only applies when the stored version
// still matches the version the transition was computed from.
type PostgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
	now  func() time.Time
}

// NewPostgresRepository opens a Postgres-backed repository. Call EnsureSchema
// (or run migrate-json-to-postgres) before serving traffic.
func NewPostgresRepository(dsn string, opts ...Option) (*PostgresRepository, error) {
	rc := newRepositoryConfig(opts...)
	cfg := rc.Postgres
	cfg.DSN = strings.TrimSpace(dsn)
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &PostgresRepository{pool: pool, cfg: cfg, now: rc.Clock}, nil
}

// Close releases the pool, giving up when ctx expires.
func (r *PostgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *PostgresRepository) withConn(ctx context.Context, fn func(context.Context, *pgxpool.Conn) error) error {
	acquireCtx, cancel := context.WithTimeout(ctx, r.cfg.acquireTimeout())
	conn, err := r.pool.Acquire(acquireCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("acquire postgres connection: %w", err)
	}
	defer conn.Release()
	return fn(ctx, conn)
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.Ping(ctx)
	})
}

const videoColumns = `id, owner_id, title, filename, content_type, upload_path, status,
transcode_job_id, error, input_size, delivery_urls, version, created_at, updated_at, processed_at`

func scanVideo(row pgx.Row) (models.Video, error) {
	var (
		video        models.Video
		status       string
		deliveryURLs map[string]string
		processedAt  *time.Time
	)
	if err := row.Scan(
		&video.ID,
		&video.OwnerID,
		&video.Title,
		&video.Filename,
		&video.ContentType,
		&video.UploadPath,
		&status,
		&video.TranscodeJobID,
		&video.Error,
		&video.InputSize,
		&deliveryURLs,
		&video.Version,
		&video.CreatedAt,
		&video.UpdatedAt,
		&processedAt,
	); err != nil {
		return models.Video{}, err
	}
	parsed, ok := models.ParseVideoStatus(status)
	if !ok {
		return models.Video{}, fmt.Errorf("video %s has unknown status %q", video.ID, status)
	}
	video.Status = parsed
	if len(deliveryURLs) > 0 {
		video.DeliveryURLs = deliveryURLs
	}
	if processedAt != nil {
		processed := processedAt.UTC()
		video.ProcessedAt = &processed
	}
	video.CreatedAt = video.CreatedAt.UTC()
	video.UpdatedAt = video.UpdatedAt.UTC()
	return video, nil
}

func (r *PostgresRepository) CreateVideo(ctx context.Context, params CreateVideoParams) (models.Video, error) {
	video, err := newVideoRecord(params, r.now())
	if err != nil {
		return models.Video{}, err
	}
	err = r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, `
INSERT INTO videos (id, owner_id, title, filename, content_type, upload_path, status, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO NOTHING
`, video.ID, video.OwnerID, video.Title, video.Filename, video.ContentType, video.UploadPath, string(video.Status), video.Version, video.CreatedAt, video.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert video %s: %w", video.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("video %s: %w", video.ID, ErrAlreadyExists)
		}
		return nil
	})
	if err != nil {
		return models.Video{}, err
	}
	return video, nil
}

func (r *PostgresRepository) GetVideo(ctx context.Context, id string) (models.Video, error) {
	var video models.Video
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		found, err := scanVideo(conn.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, strings.TrimSpace(id)))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("video %s: %w", id, ErrNotFound)
			}
			return fmt.Errorf("load video %s: %w", id, err)
		}
		video = found
		return nil
	})
	return video, err
}

func (r *PostgresRepository) TransitionVideo(ctx context.Context, id string, transition VideoTransition) (models.Video, error) {
	current, err := r.GetVideo(ctx, id)
	if err != nil {
		return models.Video{}, err
	}
	next, changed, err := applyTransition(current, transition, r.now())
	if err != nil {
		return current, err
	}
	if !changed {
		return current, nil
	}
	err = r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, `
UPDATE videos
SET status = $3, transcode_job_id = $4, error = $5, input_size = $6, delivery_urls = $7,
    version = $8, updated_at = $9, processed_at = $10
WHERE id = $1 AND version = $2
`, next.ID, current.Version, string(next.Status), next.TranscodeJobID, next.Error, next.InputSize,
			deliveryURLsParam(next.DeliveryURLs), next.Version, next.UpdatedAt, next.ProcessedAt)
		if err != nil {
			return fmt.Errorf("update video %s: %w", next.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("video %s changed since version %d: %w", next.ID, current.Version, ErrConflict)
		}
		return nil
	})
	if err != nil {
		return models.Video{}, err
	}
	return next, nil
}

func deliveryURLsParam(urls map[string]string) map[string]string {
	if urls == nil {
		return map[string]string{}
	}
	return urls
}

func (r *PostgresRepository) ListVideosByStatus(ctx context.Context, status models.VideoStatus, limit int) ([]models.Video, error) {
	if limit <= 0 {
		limit = 100
	}
	var videos []models.Video
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `SELECT `+videoColumns+` FROM videos WHERE status = $1 ORDER BY updated_at ASC LIMIT $2`, string(status), limit)
		if err != nil {
			return fmt.Errorf("list videos: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			video, err := scanVideo(rows)
			if err != nil {
				return fmt.Errorf("scan video: %w", err)
			}
			videos = append(videos, video)
		}
		return rows.Err()
	})
	return videos, err
}

func (r *PostgresRepository) SaveJobMapping(ctx context.Context, mapping models.JobMapping) error {
	if err := validateJobMapping(mapping); err != nil {
		return err
	}
	submitted := mapping.SubmittedAt
	if submitted.IsZero() {
		submitted = r.now()
	}
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `
INSERT INTO video_jobs (job_name, job_id, video_id, submitted_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (job_name) DO UPDATE SET job_id = EXCLUDED.job_id, video_id = EXCLUDED.video_id, submitted_at = EXCLUDED.submitted_at
`, mapping.JobName, mapping.JobID, mapping.VideoID, submitted.UTC())
		if err != nil {
			return fmt.Errorf("save job mapping %s: %w", mapping.JobName, err)
		}
		return nil
	})
}

func (r *PostgresRepository) GetJobMapping(ctx context.Context, key string) (models.JobMapping, error) {
	key = strings.TrimSpace(key)
	var mapping models.JobMapping
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx, `
SELECT job_name, job_id, video_id, submitted_at
FROM video_jobs
WHERE job_name = $1 OR (job_id <> '' AND job_id = $1)
ORDER BY submitted_at DESC
LIMIT 1
`, key)
		if err := row.Scan(&mapping.JobName, &mapping.JobID, &mapping.VideoID, &mapping.SubmittedAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("job %s: %w", key, ErrNotFound)
			}
			return fmt.Errorf("load job mapping %s: %w", key, err)
		}
		mapping.SubmittedAt = mapping.SubmittedAt.UTC()
		return nil
	})
	return mapping, err
}

var _ Repository = (*PostgresRepository)(nil)

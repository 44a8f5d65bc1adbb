package storage

import (
	"strings"
	"time"
)

// repositoryConfig collects the settings shared by every backend plus the
// Postgres and Firestore specific knobs. Options ignore fields a backend
// does not use.
type repositoryConfig struct {
	Clock func() time.Time

	Postgres  PostgresConfig
	Firestore FirestoreConfig
}

type Option func(*repositoryConfig)

func newRepositoryConfig(opts ...Option) repositoryConfig {
	cfg := repositoryConfig{
		Clock: func() time.Time { return time.Now().UTC() },
		Firestore: FirestoreConfig{
			VideosCollection: defaultVideosCollection,
			JobsCollection:   defaultJobsCollection,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	return cfg
}

// WithClock overrides the time source used for record timestamps.
func WithClock(clock func() time.Time) Option {
	return func(cfg *repositoryConfig) {
		cfg.Clock = clock
	}
}

func WithPostgresPoolLimits(maxConns, minConns int32) Option {
	return func(cfg *repositoryConfig) {
		if maxConns > 0 {
			cfg.Postgres.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.Postgres.MinConnections = minConns
		}
	}
}

// WithPostgresAcquireTimeout bounds connection acquisition and the first
// statement executed on the acquired connection.
func WithPostgresAcquireTimeout(timeout time.Duration) Option {
	return func(cfg *repositoryConfig) {
		if timeout > 0 {
			cfg.Postgres.AcquireTimeout = timeout
		}
	}
}

func WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) Option {
	return func(cfg *repositoryConfig) {
		if maxLifetime > 0 {
			cfg.Postgres.MaxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			cfg.Postgres.MaxConnIdleTime = maxIdle
		}
		if healthInterval > 0 {
			cfg.Postgres.HealthCheckInterval = healthInterval
		}
	}
}

func WithPostgresApplicationName(name string) Option {
	return func(cfg *repositoryConfig) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.Postgres.ApplicationName = trimmed
		}
	}
}

// WithFirestoreCollections overrides the collection names used for videos and
// job mappings.
func WithFirestoreCollections(videos, jobs string) Option {
	return func(cfg *repositoryConfig) {
		if trimmed := strings.TrimSpace(videos); trimmed != "" {
			cfg.Firestore.VideosCollection = trimmed
		}
		if trimmed := strings.TrimSpace(jobs); trimmed != "" {
			cfg.Firestore.JobsCollection = trimmed
		}
	}
}

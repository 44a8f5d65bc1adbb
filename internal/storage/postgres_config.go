package storage

import "time"

// PostgresConfig describes how the repository initialises its Postgres
// connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
}

const defaultPostgresAcquireTimeout = 5 * time.Second

func (cfg PostgresConfig) acquireTimeout() time.Duration {
	if cfg.AcquireTimeout <= 0 {
		return defaultPostgresAcquireTimeout
	}
	return cfg.AcquireTimeout
}

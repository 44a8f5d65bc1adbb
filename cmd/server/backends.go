package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"coachline/internal/api"
	"coachline/internal/auth"
	"coachline/internal/dedupe"
	"coachline/internal/objectstore"
	"coachline/internal/redisconn"
	"coachline/internal/storage"
	"coachline/internal/transcoder"
)

type repositoryConfig struct {
	Driver                 string
	DataPath               string
	PostgresDSN            string
	PostgresMaxConns       int
	PostgresMinConns       int
	PostgresAcquireTimeout time.Duration
	FirestoreProject       string
	FirestoreVideos        string
	FirestoreJobs          string
	CredentialsFile        string
}

type objectStoreConfig struct {
	Driver          string
	CredentialsFile string
	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3PathStyle     bool
	LocalRoot       string
	LocalSecret     string
	PublicURL       string
}

type transcoderConfig struct {
	Driver          string
	ProjectID       string
	Location        string
	CredentialsFile string
	PubsubTopic     string
	BaseURL         string
	Token           string
}

type dedupeConfig struct {
	Driver string
	TTL    time.Duration
}

type authConfig struct {
	Driver          string
	ProjectID       string
	CredentialsFile string
	CheckRevoked    bool
	StaticTokens    string
}

// backends holds everything run wires into the pipeline along with the
// cleanup each one needs at shutdown.
type backends struct {
	repository storage.Repository
	objects    objectstore.Store
	media      api.MediaStore
	transcoder transcoder.Client
	health     transcoder.HealthChecker
	dedupe     dedupe.Store
	redis      redis.UniversalClient
	verifier   auth.Verifier
	probes     []api.HealthProbe
	closers    []func(context.Context) error
}

func (b *backends) onClose(fn func(context.Context) error) {
	b.closers = append(b.closers, fn)
}

// close releases backends in reverse construction order.
func (b *backends) close(ctx context.Context, logger *slog.Logger) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil {
			logger.Warn("backend close failed", "error", err)
		}
	}
	b.closers = nil
}

func buildBackends(ctx context.Context, cfg config, logger *slog.Logger) (*backends, error) {
	b := &backends{}
	var err error

	if b.repository, err = buildRepository(ctx, cfg.Repository, b); err != nil {
		return b, err
	}
	if b.objects, err = buildObjectStore(ctx, cfg.Objects, b, logger); err != nil {
		return b, err
	}
	if media, ok := b.objects.(api.MediaStore); ok {
		b.media = media
	}
	if b.transcoder, err = buildTranscoder(ctx, cfg.Transcoder, b); err != nil {
		return b, err
	}
	if checker, ok := b.transcoder.(transcoder.HealthChecker); ok {
		b.health = checker
	}
	if cfg.Redis.Enabled() {
		if b.redis, err = buildRedis(ctx, cfg.Redis, b); err != nil {
			return b, err
		}
	}
	if b.dedupe, err = buildDedupe(cfg.Dedupe, b.redis, logger); err != nil {
		return b, err
	}
	if b.verifier, err = buildVerifier(ctx, cfg.Auth); err != nil {
		return b, err
	}
	return b, nil
}

func buildRepository(ctx context.Context, cfg repositoryConfig, b *backends) (storage.Repository, error) {
	switch cfg.Driver {
	case "json":
		repo, err := storage.NewJSONRepository(cfg.DataPath)
		if err != nil {
			return nil, fmt.Errorf("open json repository: %w", err)
		}
		return repo, nil
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, errors.New("postgres repository selected without DSN")
		}
		opts := []storage.Option{storage.WithPostgresApplicationName("coachline-api")}
		if cfg.PostgresMaxConns > 0 || cfg.PostgresMinConns > 0 {
			opts = append(opts, storage.WithPostgresPoolLimits(int32(cfg.PostgresMaxConns), int32(cfg.PostgresMinConns)))
		}
		if cfg.PostgresAcquireTimeout > 0 {
			opts = append(opts, storage.WithPostgresAcquireTimeout(cfg.PostgresAcquireTimeout))
		}
		repo, err := storage.NewPostgresRepository(cfg.PostgresDSN, opts...)
		if err != nil {
			return nil, fmt.Errorf("open postgres repository: %w", err)
		}
		b.onClose(repo.Close)
		return repo, nil
	case "firestore":
		if cfg.FirestoreProject == "" {
			return nil, errors.New("firestore repository selected without project id")
		}
		var opts []storage.Option
		if cfg.FirestoreVideos != "" || cfg.FirestoreJobs != "" {
			opts = append(opts, storage.WithFirestoreCollections(cfg.FirestoreVideos, cfg.FirestoreJobs))
		}
		repo, err := storage.NewFirestoreRepository(ctx, cfg.FirestoreProject, cfg.CredentialsFile, opts...)
		if err != nil {
			return nil, fmt.Errorf("open firestore repository: %w", err)
		}
		b.onClose(func(context.Context) error { return repo.Close() })
		return repo, nil
	default:
		return nil, fmt.Errorf("unsupported repository driver %q", cfg.Driver)
	}
}

func buildObjectStore(ctx context.Context, cfg objectStoreConfig, b *backends, logger *slog.Logger) (objectstore.Store, error) {
	switch cfg.Driver {
	case "gcs":
		store, err := objectstore.NewGCS(ctx, objectstore.GCSConfig{CredentialsFile: cfg.CredentialsFile})
		if err != nil {
			return nil, err
		}
		b.onClose(func(context.Context) error { return store.Close() })
		return store, nil
	case "s3":
		return objectstore.NewS3(ctx, objectstore.S3Config{
			Endpoint:     cfg.S3Endpoint,
			Region:       cfg.S3Region,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			UsePathStyle: cfg.S3PathStyle,
		})
	case "local":
		secret := cfg.LocalSecret
		if secret == "" {
			generated, err := randomSecret()
			if err != nil {
				return nil, err
			}
			secret = generated
			logger.Warn("local signing secret not configured; media URLs will not survive a restart")
		}
		return objectstore.NewLocal(objectstore.LocalConfig{Root: cfg.LocalRoot, BaseURL: cfg.PublicURL, Secret: secret})
	case "memory":
		return objectstore.NewMemory(cfg.PublicURL), nil
	default:
		return nil, fmt.Errorf("unsupported object store driver %q", cfg.Driver)
	}
}

func buildTranscoder(ctx context.Context, cfg transcoderConfig, b *backends) (transcoder.Client, error) {
	switch cfg.Driver {
	case "gcp":
		client, err := transcoder.NewGCPClient(ctx, transcoder.GCPConfig{
			ProjectID:       cfg.ProjectID,
			Location:        cfg.Location,
			CredentialsFile: cfg.CredentialsFile,
			PubsubTopic:     cfg.PubsubTopic,
		})
		if err != nil {
			return nil, err
		}
		b.onClose(func(context.Context) error { return client.Close() })
		return client, nil
	case "http":
		return transcoder.NewHTTPClient(transcoder.HTTPConfig{BaseURL: cfg.BaseURL, Token: cfg.Token})
	default:
		return nil, fmt.Errorf("unsupported transcoder driver %q", cfg.Driver)
	}
}

func buildRedis(ctx context.Context, cfg redisconn.Config, b *backends) (redis.UniversalClient, error) {
	client, err := redisconn.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("configure redis: %w", err)
	}
	b.onClose(func(context.Context) error { return client.Close() })
	if err := redisconn.Ping(ctx, client, 5*time.Second); err != nil {
		return nil, err
	}
	b.probes = append(b.probes, api.HealthProbe{
		Name: "redis",
		Check: func(ctx context.Context) error {
			return redisconn.Ping(ctx, client, 2*time.Second)
		},
	})
	return client, nil
}

// buildDedupe backs the Redis store with a process-local one so a Redis
// outage degrades to per-replica dedupe rather than duplicate copies.
func buildDedupe(cfg dedupeConfig, client redis.UniversalClient, logger *slog.Logger) (dedupe.Store, error) {
	switch cfg.Driver {
	case "memory":
		return dedupe.NewMemory(cfg.TTL), nil
	case "redis":
		if client == nil {
			return nil, errors.New("redis dedupe selected without a redis address")
		}
		return dedupe.NewFallback(
			dedupe.NewRedis(client, "coachline:webhook:", cfg.TTL),
			dedupe.NewMemory(cfg.TTL),
			logger,
		), nil
	default:
		return nil, fmt.Errorf("unsupported dedupe driver %q", cfg.Driver)
	}
}

func buildVerifier(ctx context.Context, cfg authConfig) (auth.Verifier, error) {
	switch cfg.Driver {
	case "firebase":
		return auth.NewFirebaseVerifier(ctx, auth.FirebaseConfig{
			ProjectID:       cfg.ProjectID,
			CredentialsFile: cfg.CredentialsFile,
			CheckRevoked:    cfg.CheckRevoked,
		})
	case "static":
		tokens, err := auth.ParseStaticTokens(cfg.StaticTokens)
		if err != nil {
			return nil, err
		}
		if len(tokens) == 0 {
			return nil, errors.New("static verifier selected without tokens")
		}
		return auth.NewStaticVerifier(tokens), nil
	default:
		return nil, fmt.Errorf("unsupported auth driver %q", cfg.Driver)
	}
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate signing secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

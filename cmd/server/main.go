// Command server starts the coachline video API HTTP service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"coachline/internal/api"
	"coachline/internal/observability/logging"
	"coachline/internal/observability/metrics"
	"coachline/internal/pipeline"
	"coachline/internal/redisconn"
	"coachline/internal/server"
)

// config is the resolved process configuration. Every field comes from a
// flag, falling back to the matching COACHLINE_* environment variable.
type config struct {
	Addr            string
	Mode            string
	TLSCert         string
	TLSKey          string
	ShutdownTimeout time.Duration
	Log             logging.Config

	Repository repositoryConfig
	Objects    objectStoreConfig
	Transcoder transcoderConfig
	Dedupe     dedupeConfig
	Auth       authConfig
	Redis      redisconn.Config

	UploadsBucket   string
	OutputsBucket   string
	DeliveryBucket  string
	CDNBaseURL      string
	WebhookSecret   string
	CopyConcurrency int
	CopyAttempts    int
	CopyTimeout     time.Duration
	PlaybackTTL     time.Duration

	RateLimit server.RateLimitConfig
	ClientIP  server.ClientIPConfig
	CORS      server.CORSConfig
}

func main() {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	cfg, err := loadConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := logging.Init(cfg.Log)
	if err := validateProduction(cfg); err != nil {
		logger.Error("invalid production configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func loadConfig(fs *flag.FlagSet, args []string) (config, error) {
	addr := fs.String("addr", "", "HTTP listen address")
	mode := fs.String("mode", "", "runtime mode (development or production)")
	tlsCert := fs.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := fs.String("tls-key", "", "path to TLS private key file")
	shutdownTimeout := fs.Duration("shutdown-timeout", 0, "graceful shutdown bound")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "log format (json or text)")
	logFile := fs.String("log-file", "", "also write logs to this rotating file")
	logFileMaxSize := fs.Int("log-file-max-size-mb", 0, "rotate the log file after this many megabytes")
	logFileMaxBackups := fs.Int("log-file-max-backups", 0, "rotated log files to keep")

	repoDriver := fs.String("repository", "", "video repository driver (json, postgres or firestore)")
	dataPath := fs.String("data", "", "path to the JSON video store")
	postgresDSN := fs.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := fs.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := fs.Int("postgres-min-conns", 0, "minimum idle connections in the Postgres pool")
	postgresAcquireTimeout := fs.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection")
	firestoreProject := fs.String("firestore-project", "", "GCP project holding the Firestore database")
	firestoreVideos := fs.String("firestore-videos-collection", "", "Firestore collection for video records")
	firestoreJobs := fs.String("firestore-jobs-collection", "", "Firestore collection for job mappings")

	objectDriver := fs.String("object-store", "", "object store driver (gcs, s3, local or memory)")
	gcpCredentials := fs.String("gcp-credentials", "", "path to GCP service account JSON")
	s3Endpoint := fs.String("s3-endpoint", "", "S3 compatible endpoint")
	s3Region := fs.String("s3-region", "", "S3 region")
	s3AccessKey := fs.String("s3-access-key", "", "S3 access key")
	s3SecretKey := fs.String("s3-secret-key", "", "S3 secret key")
	s3PathStyle := fs.Bool("s3-path-style", false, "use path style S3 addressing")
	localRoot := fs.String("local-root", "", "directory backing the local object store")
	localSecret := fs.String("local-signing-secret", "", "secret used to sign local media URLs")
	publicURL := fs.String("public-url", "", "public origin of this API, used in local media URLs")

	transcoderDriver := fs.String("transcoder", "", "transcoder driver (gcp or http)")
	gcpProject := fs.String("gcp-project", "", "GCP project for the Transcoder API")
	gcpLocation := fs.String("gcp-location", "", "Transcoder API location")
	pubsubTopic := fs.String("transcoder-pubsub-topic", "", "Pub/Sub topic for job notifications")
	transcoderURL := fs.String("transcoder-url", "", "base URL of the self-hosted transcoder")
	transcoderToken := fs.String("transcoder-token", "", "bearer token for the self-hosted transcoder")

	dedupeDriver := fs.String("dedupe", "", "webhook dedupe store (redis or memory)")
	dedupeTTL := fs.Duration("dedupe-ttl", 0, "how long webhook deliveries are remembered")
	redisAddr := fs.String("redis-addr", "", "Redis address")
	redisAddrs := fs.String("redis-addrs", "", "comma separated Redis cluster addresses")
	redisUsername := fs.String("redis-username", "", "Redis username")
	redisPassword := fs.String("redis-password", "", "Redis password")
	redisMasterName := fs.String("redis-master-name", "", "Redis sentinel master name")
	redisPoolSize := fs.Int("redis-pool-size", 0, "maximum Redis connections")
	redisTLSCA := fs.String("redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSServerName := fs.String("redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := fs.Bool("redis-tls-skip-verify", false, "skip Redis TLS verification")

	authDriver := fs.String("auth", "", "token verifier (firebase or static)")
	firebaseProject := fs.String("firebase-project", "", "Firebase project id")
	firebaseCheckRevoked := fs.Bool("firebase-check-revoked", false, "reject revoked Firebase tokens")
	staticTokens := fs.String("static-tokens", "", "token=uid:role|role entries for the static verifier")

	uploadsBucket := fs.String("uploads-bucket", "", "bucket receiving raw uploads")
	outputsBucket := fs.String("outputs-bucket", "", "bucket the transcoder writes to")
	deliveryBucket := fs.String("delivery-bucket", "", "bucket serving playback")
	cdnBaseURL := fs.String("cdn-base-url", "", "rewrite signed playback URLs onto this CDN origin")
	webhookSecret := fs.String("webhook-secret", "", "shared secret expected on transcoder webhooks")
	copyConcurrency := fs.Int("copy-concurrency", 0, "parallel delivery copies per webhook")
	copyAttempts := fs.Int("copy-attempts", 0, "attempts per delivery copy")
	copyTimeout := fs.Duration("copy-timeout", 0, "bound on one delivery copy batch")
	playbackTTL := fs.Duration("playback-ttl", 0, "lifetime of signed playback URLs")

	globalRPS := fs.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := fs.Int("rate-global-burst", 0, "global rate limit burst allowance")
	uploadLimit := fs.Int("rate-upload-limit", 0, "upload registrations per window for a single client")
	uploadWindow := fs.Duration("rate-upload-window", 0, "window for counting upload registrations")
	trustForwarded := fs.Bool("trust-forwarded-headers", false, "trust proxy-provided client IP headers")
	trustedProxies := fs.String("trusted-proxies", "", "comma separated CIDR blocks or IPs of trusted proxies")
	appOrigins := fs.String("cors-app-origins", "", "comma separated origins of the coaching apps")
	playerOrigins := fs.String("cors-player-origins", "", "comma separated origins of embedded players")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	cfg := config{
		Mode:            modeValue(*mode, os.Getenv("COACHLINE_MODE")),
		TLSCert:         firstNonEmpty(*tlsCert, os.Getenv("COACHLINE_TLS_CERT")),
		TLSKey:          firstNonEmpty(*tlsKey, os.Getenv("COACHLINE_TLS_KEY")),
		ShutdownTimeout: resolveDuration(*shutdownTimeout, "COACHLINE_SHUTDOWN_TIMEOUT", 30*time.Second),
		Log: logging.Config{
			Level:  firstNonEmpty(*logLevel, os.Getenv("COACHLINE_LOG_LEVEL"), "info"),
			Format: firstNonEmpty(*logFormat, os.Getenv("COACHLINE_LOG_FORMAT")),
			File: logging.FileConfig{
				Path:       firstNonEmpty(*logFile, os.Getenv("COACHLINE_LOG_FILE")),
				MaxSizeMB:  resolveInt(*logFileMaxSize, "COACHLINE_LOG_FILE_MAX_SIZE_MB"),
				MaxBackups: resolveInt(*logFileMaxBackups, "COACHLINE_LOG_FILE_MAX_BACKUPS"),
				Compress:   true,
			},
		},
		Repository: repositoryConfig{
			Driver:                 firstNonEmpty(*repoDriver, os.Getenv("COACHLINE_REPOSITORY")),
			DataPath:               firstNonEmpty(*dataPath, os.Getenv("COACHLINE_DATA"), "data/videos.json"),
			PostgresDSN:            firstNonEmpty(*postgresDSN, os.Getenv("COACHLINE_POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
			PostgresMaxConns:       resolveInt(*postgresMaxConns, "COACHLINE_POSTGRES_MAX_CONNS"),
			PostgresMinConns:       resolveInt(*postgresMinConns, "COACHLINE_POSTGRES_MIN_CONNS"),
			PostgresAcquireTimeout: resolveDuration(*postgresAcquireTimeout, "COACHLINE_POSTGRES_ACQUIRE_TIMEOUT", 0),
			FirestoreProject:       firstNonEmpty(*firestoreProject, os.Getenv("COACHLINE_FIRESTORE_PROJECT"), os.Getenv("GOOGLE_CLOUD_PROJECT")),
			FirestoreVideos:        firstNonEmpty(*firestoreVideos, os.Getenv("COACHLINE_FIRESTORE_VIDEOS_COLLECTION")),
			FirestoreJobs:          firstNonEmpty(*firestoreJobs, os.Getenv("COACHLINE_FIRESTORE_JOBS_COLLECTION")),
			CredentialsFile:        firstNonEmpty(*gcpCredentials, os.Getenv("COACHLINE_GCP_CREDENTIALS"), os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")),
		},
		Objects: objectStoreConfig{
			Driver:          firstNonEmpty(*objectDriver, os.Getenv("COACHLINE_OBJECT_STORE")),
			CredentialsFile: firstNonEmpty(*gcpCredentials, os.Getenv("COACHLINE_GCP_CREDENTIALS"), os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")),
			S3Endpoint:      firstNonEmpty(*s3Endpoint, os.Getenv("COACHLINE_S3_ENDPOINT")),
			S3Region:        firstNonEmpty(*s3Region, os.Getenv("COACHLINE_S3_REGION"), os.Getenv("AWS_REGION")),
			S3AccessKey:     firstNonEmpty(*s3AccessKey, os.Getenv("COACHLINE_S3_ACCESS_KEY")),
			S3SecretKey:     firstNonEmpty(*s3SecretKey, os.Getenv("COACHLINE_S3_SECRET_KEY")),
			S3PathStyle:     resolveBool(*s3PathStyle, "COACHLINE_S3_PATH_STYLE"),
			LocalRoot:       firstNonEmpty(*localRoot, os.Getenv("COACHLINE_LOCAL_ROOT"), "data/objects"),
			LocalSecret:     firstNonEmpty(*localSecret, os.Getenv("COACHLINE_LOCAL_SIGNING_SECRET")),
			PublicURL:       firstNonEmpty(*publicURL, os.Getenv("COACHLINE_PUBLIC_URL")),
		},
		Transcoder: transcoderConfig{
			Driver:          firstNonEmpty(*transcoderDriver, os.Getenv("COACHLINE_TRANSCODER")),
			ProjectID:       firstNonEmpty(*gcpProject, os.Getenv("COACHLINE_GCP_PROJECT"), os.Getenv("GOOGLE_CLOUD_PROJECT")),
			Location:        firstNonEmpty(*gcpLocation, os.Getenv("COACHLINE_GCP_LOCATION"), "us-central1"),
			CredentialsFile: firstNonEmpty(*gcpCredentials, os.Getenv("COACHLINE_GCP_CREDENTIALS"), os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")),
			PubsubTopic:     firstNonEmpty(*pubsubTopic, os.Getenv("COACHLINE_TRANSCODER_PUBSUB_TOPIC")),
			BaseURL:         firstNonEmpty(*transcoderURL, os.Getenv("COACHLINE_TRANSCODER_URL")),
			Token:           firstNonEmpty(*transcoderToken, os.Getenv("COACHLINE_TRANSCODER_TOKEN")),
		},
		Dedupe: dedupeConfig{
			Driver: firstNonEmpty(*dedupeDriver, os.Getenv("COACHLINE_DEDUPE")),
			TTL:    resolveDuration(*dedupeTTL, "COACHLINE_DEDUPE_TTL", 24*time.Hour),
		},
		Redis: redisconn.Config{
			Addr:       firstNonEmpty(*redisAddr, os.Getenv("COACHLINE_REDIS_ADDR")),
			Addrs:      splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("COACHLINE_REDIS_ADDRS"))),
			Username:   firstNonEmpty(*redisUsername, os.Getenv("COACHLINE_REDIS_USERNAME")),
			Password:   firstNonEmpty(*redisPassword, os.Getenv("COACHLINE_REDIS_PASSWORD")),
			MasterName: firstNonEmpty(*redisMasterName, os.Getenv("COACHLINE_REDIS_MASTER_NAME")),
			PoolSize:   resolveInt(*redisPoolSize, "COACHLINE_REDIS_POOL_SIZE"),
			TLS: redisconn.TLSConfig{
				CAFile:             firstNonEmpty(*redisTLSCA, os.Getenv("COACHLINE_REDIS_TLS_CA")),
				ServerName:         firstNonEmpty(*redisTLSServerName, os.Getenv("COACHLINE_REDIS_TLS_SERVER_NAME")),
				InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, "COACHLINE_REDIS_TLS_SKIP_VERIFY"),
			},
		},
		Auth: authConfig{
			Driver:          firstNonEmpty(*authDriver, os.Getenv("COACHLINE_AUTH")),
			ProjectID:       firstNonEmpty(*firebaseProject, os.Getenv("COACHLINE_FIREBASE_PROJECT"), os.Getenv("GOOGLE_CLOUD_PROJECT")),
			CredentialsFile: firstNonEmpty(*gcpCredentials, os.Getenv("COACHLINE_GCP_CREDENTIALS"), os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")),
			CheckRevoked:    resolveBool(*firebaseCheckRevoked, "COACHLINE_FIREBASE_CHECK_REVOKED"),
			StaticTokens:    firstNonEmpty(*staticTokens, os.Getenv("COACHLINE_STATIC_TOKENS")),
		},
		UploadsBucket:   firstNonEmpty(*uploadsBucket, os.Getenv("COACHLINE_UPLOADS_BUCKET"), "uploads"),
		OutputsBucket:   firstNonEmpty(*outputsBucket, os.Getenv("COACHLINE_OUTPUTS_BUCKET"), "outputs"),
		DeliveryBucket:  firstNonEmpty(*deliveryBucket, os.Getenv("COACHLINE_DELIVERY_BUCKET"), "delivery"),
		CDNBaseURL:      firstNonEmpty(*cdnBaseURL, os.Getenv("COACHLINE_CDN_BASE_URL")),
		WebhookSecret:   firstNonEmpty(*webhookSecret, os.Getenv("COACHLINE_WEBHOOK_SECRET")),
		CopyConcurrency: resolveInt(*copyConcurrency, "COACHLINE_COPY_CONCURRENCY"),
		CopyAttempts:    resolveInt(*copyAttempts, "COACHLINE_COPY_ATTEMPTS"),
		CopyTimeout:     resolveDuration(*copyTimeout, "COACHLINE_COPY_TIMEOUT", 0),
		PlaybackTTL:     resolveDuration(*playbackTTL, "COACHLINE_PLAYBACK_TTL", 0),
		RateLimit: server.RateLimitConfig{
			GlobalRPS:    resolveFloat(*globalRPS, "COACHLINE_RATE_GLOBAL_RPS"),
			GlobalBurst:  resolveInt(*globalBurst, "COACHLINE_RATE_GLOBAL_BURST"),
			UploadLimit:  resolveInt(*uploadLimit, "COACHLINE_RATE_UPLOAD_LIMIT"),
			UploadWindow: resolveDuration(*uploadWindow, "COACHLINE_RATE_UPLOAD_WINDOW", time.Minute),
		},
		ClientIP: server.ClientIPConfig{
			TrustForwardedHeaders: resolveBool(*trustForwarded, "COACHLINE_TRUST_FORWARDED_HEADERS"),
			TrustedProxies:        splitAndTrim(firstNonEmpty(*trustedProxies, os.Getenv("COACHLINE_TRUSTED_PROXIES"))),
		},
		CORS: server.CORSConfig{
			AppOrigins:    splitAndTrim(firstNonEmpty(*appOrigins, os.Getenv("COACHLINE_CORS_APP_ORIGINS"))),
			PlayerOrigins: splitAndTrim(firstNonEmpty(*playerOrigins, os.Getenv("COACHLINE_CORS_PLAYER_ORIGINS"))),
		},
	}
	cfg.Addr = resolveListenAddr(*addr, cfg.Mode, os.Getenv("COACHLINE_ADDR"))
	applyModeDefaults(&cfg)
	return cfg, nil
}

// applyModeDefaults picks backends for drivers left unset. Development runs
// entirely on local disk; production defaults to the managed services.
func applyModeDefaults(cfg *config) {
	production := cfg.Mode == "production"
	pick := func(current, dev, prod string) string {
		if current != "" {
			return strings.ToLower(current)
		}
		if production {
			return prod
		}
		return dev
	}
	cfg.Repository.Driver = pick(cfg.Repository.Driver, "json", "firestore")
	cfg.Objects.Driver = pick(cfg.Objects.Driver, "local", "gcs")
	cfg.Transcoder.Driver = pick(cfg.Transcoder.Driver, "http", "gcp")
	cfg.Auth.Driver = pick(cfg.Auth.Driver, "static", "firebase")
	dedupeDefault := "memory"
	if cfg.Redis.Enabled() {
		dedupeDefault = "redis"
	}
	cfg.Dedupe.Driver = pick(cfg.Dedupe.Driver, dedupeDefault, dedupeDefault)
	if cfg.Objects.PublicURL == "" {
		host := cfg.Addr
		if strings.HasPrefix(host, ":") {
			host = "localhost" + host
		}
		cfg.Objects.PublicURL = "http://" + host
	}
}

// validateProduction rejects development-only backends in production mode.
func validateProduction(cfg config) error {
	if cfg.Mode != "production" {
		return nil
	}
	var problems []string
	if cfg.Repository.Driver == "json" {
		problems = append(problems, "json repository is for development only")
	}
	if cfg.Objects.Driver == "memory" {
		problems = append(problems, "memory object store is for development only")
	}
	if cfg.Auth.Driver == "static" {
		problems = append(problems, "static token verifier is for development only")
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		problems = append(problems, "webhook secret is required")
	}
	if cfg.Dedupe.Driver == "memory" {
		problems = append(problems, "memory webhook dedupe does not span replicas; configure redis")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

func run(ctx context.Context, cfg config, logger *slog.Logger) error {
	recorder := metrics.Default()
	b, err := buildBackends(ctx, cfg, logger)
	if err != nil {
		b.close(context.Background(), logger)
		return err
	}

	svc, err := pipeline.New(pipeline.Config{
		Repository:      b.repository,
		Objects:         b.objects,
		Transcoder:      b.transcoder,
		Dedupe:          b.dedupe,
		Metrics:         recorder,
		Logger:          logger,
		UploadsBucket:   cfg.UploadsBucket,
		OutputsBucket:   cfg.OutputsBucket,
		DeliveryBucket:  cfg.DeliveryBucket,
		CDNBaseURL:      cfg.CDNBaseURL,
		CopyConcurrency: cfg.CopyConcurrency,
		CopyAttempts:    cfg.CopyAttempts,
		CopyTimeout:     cfg.CopyTimeout,
		PlaybackTTL:     cfg.PlaybackTTL,
	})
	if err != nil {
		b.close(context.Background(), logger)
		return fmt.Errorf("configure pipeline: %w", err)
	}

	handler := api.NewHandler(api.HandlerConfig{
		Pipeline:      svc,
		WebhookSecret: cfg.WebhookSecret,
		Media:         b.media,
		Transcoder:    b.health,
		Probes:        b.probes,
		Logger:        logger,
	})

	rateCfg := cfg.RateLimit
	rateCfg.Redis = b.redis
	srv, err := server.New(handler, server.Config{
		Addr:        cfg.Addr,
		TLS:         server.TLSConfig{CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey},
		RateLimit:   rateCfg,
		CORS:        cfg.CORS,
		ClientIP:    cfg.ClientIP,
		Verifier:    b.verifier,
		Logger:      logger,
		AuditLogger: logging.WithComponent(logger, "audit"),
		Metrics:     recorder,
	})
	if err != nil {
		b.close(context.Background(), logger)
		return fmt.Errorf("configure server: %w", err)
	}

	logger.Info("coachline API starting",
		"mode", cfg.Mode,
		"repository", cfg.Repository.Driver,
		"object_store", cfg.Objects.Driver,
		"transcoder", cfg.Transcoder.Driver,
		"dedupe", cfg.Dedupe.Driver,
		"auth", cfg.Auth.Driver,
		"cdn", svc.CDNEnabled())

	return srv.Run(ctx, cfg.ShutdownTimeout, func(ctx context.Context) error {
		b.close(ctx, logger)
		return nil
	})
}

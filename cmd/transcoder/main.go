// Command transcoder is the self-hosted transcoding worker. It accepts job
// descriptors from the API, renders the rendition ladder with ffmpeg, writes
// the results to the outputs bucket and reports job state back through the
// API's webhook.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"coachline/internal/objectstore"
	"coachline/internal/observability/logging"
	"coachline/internal/serverutil"
)

func main() {
	_ = godotenv.Load()

	logger := logging.Init(logging.Config{
		Level:  envOrDefault("TRANSCODER_LOG_LEVEL", "info"),
		Format: envOrDefault("TRANSCODER_LOG_FORMAT", "json"),
	})
	logger = logging.WithComponent(logger, "transcoder")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("transcoder exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("transcoder stopped")
}

func run(ctx context.Context, logger *slog.Logger) error {
	objects, closeObjects, err := openObjectStore(ctx)
	if err != nil {
		return err
	}

	webhookURL := strings.TrimSpace(os.Getenv("TRANSCODER_WEBHOOK_URL"))
	if webhookURL == "" {
		logger.Warn("TRANSCODER_WEBHOOK_URL not set; job state will not be reported")
	}
	ctrl, err := newController(controllerConfig{
		Token:         strings.TrimSpace(os.Getenv("TRANSCODER_TOKEN")),
		WorkRoot:      envOrDefault("TRANSCODER_WORK_ROOT", "./work"),
		Objects:       objects,
		Notifier:      newNotifier(webhookURL, os.Getenv("TRANSCODER_WEBHOOK_SECRET"), logger),
		MaxConcurrent: envInt("TRANSCODER_MAX_CONCURRENT_JOBS", 1),
		Logger:        logger,
	})
	if err != nil {
		_ = closeObjects(context.Background())
		return fmt.Errorf("initialise controller: %w", err)
	}

	httpServer := &http.Server{
		Addr:              envOrDefault("TRANSCODER_BIND", ":9000"),
		Handler:           ctrl.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return serverutil.Run(ctx, serverutil.Config{
		Server:          httpServer,
		ShutdownTimeout: 30 * time.Second,
		Logger:          logger,
		OnShutdown:      []func(context.Context) error{ctrl.Close, closeObjects},
	})
}

// openObjectStore selects the backend holding uploads and outputs. The local
// backend must share its root with the API process.
func openObjectStore(ctx context.Context) (mediaStore, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	credentials := firstNonEmpty(os.Getenv("TRANSCODER_GCP_CREDENTIALS"), os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	switch driver := strings.ToLower(envOrDefault("TRANSCODER_OBJECT_STORE", "local")); driver {
	case "gcs":
		store, err := objectstore.NewGCS(ctx, objectstore.GCSConfig{CredentialsFile: credentials})
		if err != nil {
			return nil, nil, err
		}
		return store, func(context.Context) error { return store.Close() }, nil
	case "s3":
		store, err := objectstore.NewS3(ctx, objectstore.S3Config{
			Endpoint:     os.Getenv("TRANSCODER_S3_ENDPOINT"),
			Region:       firstNonEmpty(os.Getenv("TRANSCODER_S3_REGION"), os.Getenv("AWS_REGION")),
			AccessKey:    os.Getenv("TRANSCODER_S3_ACCESS_KEY"),
			SecretKey:    os.Getenv("TRANSCODER_S3_SECRET_KEY"),
			UsePathStyle: envBool("TRANSCODER_S3_PATH_STYLE"),
		})
		if err != nil {
			return nil, nil, err
		}
		return store, noop, nil
	case "local":
		secret := strings.TrimSpace(os.Getenv("TRANSCODER_LOCAL_SIGNING_SECRET"))
		if secret == "" {
			buf := make([]byte, 32)
			if _, err := rand.Read(buf); err != nil {
				return nil, nil, err
			}
			secret = hex.EncodeToString(buf)
		}
		store, err := objectstore.NewLocal(objectstore.LocalConfig{
			Root:    envOrDefault("TRANSCODER_LOCAL_ROOT", "data/objects"),
			BaseURL: envOrDefault("TRANSCODER_PUBLIC_URL", "http://localhost:8080"),
			Secret:  secret,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, noop, nil
	default:
		return nil, nil, fmt.Errorf("unsupported object store driver %q", driver)
	}
}

func envOrDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func envBool(key string) bool {
	parsed, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	return err == nil && parsed
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

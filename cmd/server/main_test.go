package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"coachline/internal/api"
	"coachline/internal/dedupe"
	"coachline/internal/redisconn"
	"coachline/internal/testsupport/jobstub"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseTestConfig(t *testing.T, args ...string) config {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	return cfg
}

func TestLoadConfigDevelopmentDefaults(t *testing.T) {
	t.Setenv("COACHLINE_MODE", "")
	t.Setenv("COACHLINE_ADDR", "")
	t.Setenv("COACHLINE_REDIS_ADDR", "")

	cfg := parseTestConfig(t)
	if cfg.Mode != "development" {
		t.Fatalf("expected development mode, got %q", cfg.Mode)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("expected :8080, got %q", cfg.Addr)
	}
	if cfg.Repository.Driver != "json" || cfg.Objects.Driver != "local" || cfg.Transcoder.Driver != "http" || cfg.Auth.Driver != "static" || cfg.Dedupe.Driver != "memory" {
		t.Fatalf("unexpected development drivers: %+v", cfg)
	}
	if cfg.Objects.PublicURL != "http://localhost:8080" {
		t.Fatalf("expected derived public url, got %q", cfg.Objects.PublicURL)
	}
	if cfg.Dedupe.TTL != 24*time.Hour {
		t.Fatalf("expected 24h dedupe ttl, got %s", cfg.Dedupe.TTL)
	}
	if cfg.UploadsBucket != "uploads" || cfg.OutputsBucket != "outputs" || cfg.DeliveryBucket != "delivery" {
		t.Fatalf("unexpected bucket defaults: %q %q %q", cfg.UploadsBucket, cfg.OutputsBucket, cfg.DeliveryBucket)
	}
}

func TestLoadConfigProductionDefaults(t *testing.T) {
	t.Setenv("COACHLINE_MODE", "Production")
	t.Setenv("COACHLINE_ADDR", "")
	t.Setenv("COACHLINE_REDIS_ADDR", "redis:6379")

	cfg := parseTestConfig(t)
	if cfg.Mode != "production" {
		t.Fatalf("expected production mode, got %q", cfg.Mode)
	}
	if cfg.Addr != ":80" {
		t.Fatalf("expected :80, got %q", cfg.Addr)
	}
	if cfg.Repository.Driver != "firestore" || cfg.Objects.Driver != "gcs" || cfg.Transcoder.Driver != "gcp" || cfg.Auth.Driver != "firebase" {
		t.Fatalf("unexpected production drivers: %+v", cfg)
	}
	if cfg.Dedupe.Driver != "redis" {
		t.Fatalf("expected redis dedupe when redis is configured, got %q", cfg.Dedupe.Driver)
	}
}

func TestLoadConfigFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("COACHLINE_UPLOADS_BUCKET", "env-uploads")
	t.Setenv("COACHLINE_DELIVERY_BUCKET", "env-delivery")
	t.Setenv("COACHLINE_COPY_CONCURRENCY", "6")
	t.Setenv("COACHLINE_TRUSTED_PROXIES", "10.0.0.0/8, 192.168.1.1")

	cfg := parseTestConfig(t, "--uploads-bucket=flag-uploads", "--repository=Postgres", "--copy-attempts=5")
	if cfg.UploadsBucket != "flag-uploads" {
		t.Fatalf("expected flag bucket to win, got %q", cfg.UploadsBucket)
	}
	if cfg.DeliveryBucket != "env-delivery" {
		t.Fatalf("expected env delivery bucket, got %q", cfg.DeliveryBucket)
	}
	if cfg.Repository.Driver != "postgres" {
		t.Fatalf("expected lowercased postgres driver, got %q", cfg.Repository.Driver)
	}
	if cfg.CopyConcurrency != 6 || cfg.CopyAttempts != 5 {
		t.Fatalf("unexpected copy settings: %d %d", cfg.CopyConcurrency, cfg.CopyAttempts)
	}
	if len(cfg.ClientIP.TrustedProxies) != 2 || cfg.ClientIP.TrustedProxies[1] != "192.168.1.1" {
		t.Fatalf("unexpected trusted proxies: %v", cfg.ClientIP.TrustedProxies)
	}
}

func TestValidateProductionRejectsDevelopmentBackends(t *testing.T) {
	cfg := config{Mode: "production"}
	cfg.Repository.Driver = "json"
	cfg.Objects.Driver = "memory"
	cfg.Auth.Driver = "static"
	cfg.Dedupe.Driver = "memory"

	err := validateProduction(cfg)
	if err == nil {
		t.Fatal("expected production validation to fail")
	}
	for _, want := range []string{"json repository", "memory object store", "static token", "webhook secret", "redis"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %q", want, err.Error())
		}
	}

	cfg.Mode = "development"
	if err := validateProduction(cfg); err != nil {
		t.Fatalf("development mode should skip validation, got %v", err)
	}
}

func TestValidateProductionAcceptsManagedBackends(t *testing.T) {
	cfg := config{Mode: "production", WebhookSecret: "s3cret"}
	cfg.Repository.Driver = "postgres"
	cfg.Objects.Driver = "s3"
	cfg.Auth.Driver = "firebase"
	cfg.Dedupe.Driver = "redis"
	if err := validateProduction(cfg); err != nil {
		t.Fatalf("validateProduction returned error: %v", err)
	}
}

func TestBuildRepositoryRejectsUnknownDriver(t *testing.T) {
	b := &backends{}
	if _, err := buildRepository(context.Background(), repositoryConfig{Driver: "mysql"}, b); err == nil {
		t.Fatal("expected unsupported driver error")
	}
	if _, err := buildRepository(context.Background(), repositoryConfig{Driver: "postgres"}, b); err == nil {
		t.Fatal("expected missing DSN error")
	}
}

func TestBuildObjectStoreLocalServesMedia(t *testing.T) {
	b := &backends{}
	store, err := buildObjectStore(context.Background(), objectStoreConfig{
		Driver:    "local",
		LocalRoot: t.TempDir(),
		PublicURL: "http://localhost:8080",
	}, b, discardLogger())
	if err != nil {
		t.Fatalf("buildObjectStore returned error: %v", err)
	}
	if _, ok := store.(api.MediaStore); !ok {
		t.Fatalf("expected local store to serve /media, got %T", store)
	}
}

func TestBuildDedupe(t *testing.T) {
	if _, err := buildDedupe(dedupeConfig{Driver: "redis", TTL: time.Hour}, nil, discardLogger()); err == nil {
		t.Fatal("expected error when redis dedupe has no client")
	}

	mr := miniredis.RunT(t)
	client, err := redisconn.New(redisconn.Config{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("redisconn.New: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	store, err := buildDedupe(dedupeConfig{Driver: "redis", TTL: time.Hour}, client, discardLogger())
	if err != nil {
		t.Fatalf("buildDedupe returned error: %v", err)
	}
	if _, ok := store.(*dedupe.Fallback); !ok {
		t.Fatalf("expected fallback store, got %T", store)
	}

	store, err = buildDedupe(dedupeConfig{Driver: "memory", TTL: time.Hour}, nil, discardLogger())
	if err != nil {
		t.Fatalf("buildDedupe memory returned error: %v", err)
	}
	if _, ok := store.(*dedupe.Memory); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
}

func TestBuildVerifierStatic(t *testing.T) {
	if _, err := buildVerifier(context.Background(), authConfig{Driver: "static"}); err == nil {
		t.Fatal("expected error for empty static token table")
	}
	verifier, err := buildVerifier(context.Background(), authConfig{Driver: "static", StaticTokens: "dev-token=coach-1:coach"})
	if err != nil {
		t.Fatalf("buildVerifier returned error: %v", err)
	}
	identity, err := verifier.Verify(context.Background(), "dev-token")
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if identity.UID != "coach-1" {
		t.Fatalf("expected coach-1, got %q", identity.UID)
	}
}

func TestBuildBackendsDevelopmentStack(t *testing.T) {
	mr := miniredis.RunT(t)
	controller := jobstub.Start(jobstub.Options{Token: "worker-token"})
	t.Cleanup(controller.Close)
	dir := t.TempDir()

	cfg := config{
		Repository: repositoryConfig{Driver: "json", DataPath: filepath.Join(dir, "videos.json")},
		Objects:    objectStoreConfig{Driver: "local", LocalRoot: filepath.Join(dir, "objects"), LocalSecret: "secret", PublicURL: "http://localhost:8080"},
		Transcoder: transcoderConfig{Driver: "http", BaseURL: controller.BaseURL(), Token: "worker-token"},
		Dedupe:     dedupeConfig{Driver: "redis", TTL: time.Hour},
		Auth:       authConfig{Driver: "static", StaticTokens: "t=u:coach"},
		Redis:      redisconn.Config{Addr: mr.Addr()},
	}

	b, err := buildBackends(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("buildBackends returned error: %v", err)
	}
	t.Cleanup(func() { b.close(context.Background(), discardLogger()) })

	if b.media == nil {
		t.Fatal("expected local store to be exposed as media")
	}
	if b.health == nil {
		t.Fatal("expected http transcoder to report health")
	}
	if status := b.health.HealthCheck(context.Background()); status.Status != "ok" {
		t.Fatalf("expected healthy job controller, got %+v", status)
	}
	if b.redis == nil {
		t.Fatal("expected redis client")
	}
	if len(b.probes) != 1 || b.probes[0].Name != "redis" {
		t.Fatalf("expected redis health probe, got %+v", b.probes)
	}
	if err := b.probes[0].Check(context.Background()); err != nil {
		t.Fatalf("redis probe failed: %v", err)
	}
}

func TestResolveHelpers(t *testing.T) {
	t.Setenv("COACHLINE_TEST_INT", " 12 ")
	t.Setenv("COACHLINE_TEST_FLOAT", "2.5")
	t.Setenv("COACHLINE_TEST_DURATION", "90s")
	t.Setenv("COACHLINE_TEST_BOOL", "true")
	t.Setenv("COACHLINE_TEST_BAD", "nope")

	if got := resolveInt(0, "COACHLINE_TEST_INT"); got != 12 {
		t.Fatalf("resolveInt env = %d", got)
	}
	if got := resolveInt(3, "COACHLINE_TEST_INT"); got != 3 {
		t.Fatalf("resolveInt flag = %d", got)
	}
	if got := resolveInt(0, "COACHLINE_TEST_BAD"); got != 0 {
		t.Fatalf("resolveInt bad = %d", got)
	}
	if got := resolveFloat(0, "COACHLINE_TEST_FLOAT"); got != 2.5 {
		t.Fatalf("resolveFloat env = %v", got)
	}
	if got := resolveDuration(0, "COACHLINE_TEST_DURATION", time.Second); got != 90*time.Second {
		t.Fatalf("resolveDuration env = %s", got)
	}
	if got := resolveDuration(0, "COACHLINE_TEST_BAD", time.Second); got != time.Second {
		t.Fatalf("resolveDuration fallback = %s", got)
	}
	if !resolveBool(false, "COACHLINE_TEST_BOOL") {
		t.Fatal("resolveBool env should be true")
	}
	if resolveBool(false, "COACHLINE_TEST_BAD") {
		t.Fatal("resolveBool bad value should be false")
	}
	if got := firstNonEmpty(" ", "", " b ", "c"); got != "b" {
		t.Fatalf("firstNonEmpty = %q", got)
	}
	if got := splitAndTrim(" , ,"); got != nil {
		t.Fatalf("splitAndTrim = %v", got)
	}
	if got := resolveListenAddr("", "production", ""); got != ":80" {
		t.Fatalf("resolveListenAddr = %q", got)
	}
}

package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"coachline/internal/auth"
	"coachline/internal/models"
	"coachline/internal/objectstore"
	"coachline/internal/observability/logging"
	"coachline/internal/pipeline"
	"coachline/internal/transcoder"
)

// WebhookSecretHeader carries the shared secret on transcoder callbacks.
const WebhookSecretHeader = "x-webhook-secret"

// MediaStore is an object store able to serve its own signed URLs.
type MediaStore interface {
	objectstore.Store
	objectstore.Reader
	Verify(method, bucket, key string, query url.Values) error
}

// HealthProbe is an extra dependency reported by /healthz.
type HealthProbe struct {
	Name  string
	Check func(ctx context.Context) error
}

// HandlerConfig collects the dependencies of Handler.
type HandlerConfig struct {
	Pipeline      *pipeline.Service
	WebhookSecret string
	// Media is set when the local object store backs the buckets.
	Media      MediaStore
	Transcoder transcoder.HealthChecker
	Probes     []HealthProbe
	Logger     *slog.Logger
}

// Handler serves the video API. Authentication has already been performed
// by the server middleware; handlers read the identity from the context.
type Handler struct {
	Pipeline      *pipeline.Service
	media         MediaStore
	Transcoder    transcoder.HealthChecker
	Probes        []HealthProbe
	webhookSecret []byte
	logger        *slog.Logger
}

func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Pipeline:      cfg.Pipeline,
		media:         cfg.Media,
		Transcoder:    cfg.Transcoder,
		Probes:        cfg.Probes,
		webhookSecret: []byte(strings.TrimSpace(cfg.WebhookSecret)),
		logger:        logging.WithComponent(logger, "api"),
	}
}

func requestLogger(r *http.Request, fallback *slog.Logger) *slog.Logger {
	if logger := logging.LoggerFromContext(r.Context()); logger != nil {
		return logger
	}
	if fallback == nil {
		fallback = slog.Default()
	}
	return logging.WithContext(r.Context(), fallback)
}

func identityFromRequest(r *http.Request) models.Identity {
	identity, _ := auth.IdentityFromContext(r.Context())
	return identity
}

// validWebhookSecret compares the presented secret in constant time. An
// unconfigured secret rejects every call.
func (h *Handler) validWebhookSecret(r *http.Request) bool {
	if len(h.webhookSecret) == 0 {
		return false
	}
	presented := []byte(strings.TrimSpace(r.Header.Get(WebhookSecretHeader)))
	return subtle.ConstantTimeCompare(presented, h.webhookSecret) == 1
}

func allowMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, method := range methods {
		if r.Method == method {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	WriteRequestError(w, MethodNotAllowedError(r.Method))
	return false
}

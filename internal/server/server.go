package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"coachline/internal/api"
	"coachline/internal/auth"
	"coachline/internal/observability/logging"
	"coachline/internal/observability/metrics"
	"coachline/internal/serverutil"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr        string
	TLS         TLSConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Security    SecurityConfig
	ClientIP    ClientIPConfig
	Verifier    auth.Verifier
	Logger      *slog.Logger
	AuditLogger *slog.Logger
	Metrics     *metrics.Recorder
	// WriteTimeout bounds whole responses; media streaming and delivery
	// copies triggered by webhooks may need more than the default.
	WriteTimeout time.Duration
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	auditLogger *slog.Logger
	metrics     *metrics.Recorder
	rateLimiter *rateLimiter
	tlsCertFile string
	tlsKeyFile  string
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("api handler is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("token verifier is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}
	resolver, err := newClientIPResolver(cfg.ClientIP)
	if err != nil {
		return nil, err
	}
	rl := newRateLimiter(cfg.RateLimit)
	handler.Probes = append(handler.Probes, api.HealthProbe{Name: "rate_limiter", Check: rl.Ping})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Health)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/api/video/upload", handler.RegisterUpload)
	mux.HandleFunc("/api/video/upload-complete", handler.CompleteUpload)
	mux.HandleFunc("/api/video/webhook", handler.Webhook)
	mux.HandleFunc("/api/video/playback", handler.Playback)
	mux.HandleFunc("/api/video/status", handler.VideoStatus)
	mux.HandleFunc("/media/", handler.Media)

	handlerChain := http.Handler(mux)
	handlerChain = auditMiddleware(cfg.AuditLogger, resolver, handlerChain)
	handlerChain = authMiddleware(cfg.Verifier, logger, resolver, handlerChain)
	handlerChain = rateLimitMiddleware(rl, logger, resolver, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger: logger,
		AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
			ip, _ := resolveClientIP(r, resolver)
			return []any{"remote_ip", ip}
		},
	})(handlerChain)
	handlerChain = requestIDMiddleware(logger, handlerChain)
	security := cfg.Security
	if security.HSTSMaxAge == 0 && strings.TrimSpace(cfg.TLS.CertFile) != "" && strings.TrimSpace(cfg.TLS.KeyFile) != "" {
		security.HSTSMaxAge = defaultHSTSMaxAge
	}
	handlerChain = securityHeadersMiddleware(security, handlerChain)
	handlerChain = corsMiddleware(policy, logger, handlerChain)

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Minute
	}
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Minute,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      logger,
		auditLogger: cfg.AuditLogger,
		metrics:     recorder,
		rateLimiter: rl,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}

	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return srv, nil
}

// Handler exposes the full middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	if s.httpServer == nil {
		return http.NotFoundHandler()
	}
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then drains requests and runs the
// shutdown hooks.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration, onShutdown ...func(context.Context) error) error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}
	return serverutil.Run(ctx, serverutil.Config{
		Server:          s.httpServer,
		TLS:             serverutil.TLSConfig{CertFile: s.tlsCertFile, KeyFile: s.tlsKeyFile},
		ShutdownTimeout: shutdownTimeout,
		Logger:          s.logger,
		OnShutdown:      onShutdown,
	})
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, resolver *clientIPResolver, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			writeMiddlewareError(w, http.StatusTooManyRequests, "rate_limited", "global rate limit exceeded")
			return
		}
		if r.Method == http.MethodPost && r.URL.Path == "/api/video/upload" {
			ip, _ := resolveClientIP(r, resolver)
			allowed, retryAfter, err := rl.AllowUpload(r.Context(), ip)
			if err != nil {
				if reqLogger := loggingWithRequest(logger, resolver, r); reqLogger != nil {
					reqLogger.Error("rate limiter failure", "error", err)
				}
				writeMiddlewareError(w, http.StatusServiceUnavailable, "unavailable", "rate limit failure")
				return
			}
			if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Round(time.Second).Seconds())))
				}
				writeMiddlewareError(w, http.StatusTooManyRequests, "rate_limited", "too many upload requests")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func auditMiddleware(logger *slog.Logger, resolver *clientIPResolver, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := metrics.NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(rec, r)
		if !shouldAudit(r) {
			return
		}
		ip, _ := resolveClientIP(r, resolver)
		fields := []interface{}{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_ip", ip,
		}
		if identity, ok := auth.IdentityFromContext(r.Context()); ok {
			fields = append(fields, "user_id", identity.UID)
		}
		logging.WithContext(r.Context(), logger).Info("audit", fields...)
	})
}

func shouldAudit(r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return false
	}
	return strings.HasPrefix(r.URL.Path, "/api/")
}

// requiresBearer reports whether the route authenticates with a bearer
// token. The webhook carries a shared secret and /media carries a signature.
func requiresBearer(path string) bool {
	if !strings.HasPrefix(path, "/api/") {
		return false
	}
	return path != "/api/video/webhook"
}

func authMiddleware(verifier auth.Verifier, logger *slog.Logger, resolver *clientIPResolver, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || !requiresBearer(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		token := auth.ExtractToken(r)
		if token == "" {
			writeMiddlewareError(w, http.StatusUnauthorized, "unauthorized", auth.ErrMissingToken.Error())
			return
		}
		identity, err := verifier.Verify(r.Context(), token)
		if err != nil {
			if !errors.Is(err, auth.ErrInvalidToken) {
				if reqLogger := loggingWithRequest(logger, resolver, r); reqLogger != nil {
					reqLogger.Warn("token verification failed", "error", err)
				}
			}
			writeMiddlewareError(w, http.StatusUnauthorized, "unauthorized", auth.ErrInvalidToken.Error())
			return
		}
		ctx := auth.ContextWithIdentity(r.Context(), identity)
		if ctxLogger := logging.LoggerFromContext(ctx); ctxLogger != nil {
			ctx = logging.ContextWithLogger(ctx, ctxLogger.With("user_id", identity.UID))
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

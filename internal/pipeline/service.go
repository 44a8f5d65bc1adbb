// Package pipeline implements the video processing flow: upload
// registration and completion, transcoder webhook handling, and signed
// playback URL issuance.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"coachline/internal/dedupe"
	"coachline/internal/models"
	"coachline/internal/objectstore"
	"coachline/internal/observability/logging"
	"coachline/internal/observability/metrics"
	"coachline/internal/storage"
	"coachline/internal/transcoder"
)

var (
	ErrUnauthorized   = errors.New("authentication required")
	ErrForbidden      = errors.New("not allowed to access this video")
	ErrVideoNotFound  = errors.New("video not found")
	ErrUploadNotFound = errors.New("uploaded file not found")
	ErrInvalidFormat  = errors.New("invalid playback format")
	ErrInvalidState   = errors.New("invalid video state")
	ErrNoOutputs      = errors.New("no transcoder outputs found")
	ErrCopyFailed     = errors.New("delivery copy failed")
)

// ValidationError reports a malformed request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalidField(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

const (
	defaultCopyConcurrency = 8
	defaultCopyAttempts    = 3
	defaultCopyBackoff     = 500 * time.Millisecond
	defaultCopyTimeout     = 5 * time.Minute
	defaultPlaybackTTL     = 15 * time.Minute
	defaultUploadURLTTL    = time.Hour
	defaultRawPrefix       = "raw/"
)

// Config wires the service to its backends. Repository, Objects, Transcoder
// and the three bucket names are required.
type Config struct {
	Repository storage.Repository
	Objects    objectstore.Store
	Transcoder transcoder.Client
	Dedupe     dedupe.Store
	Metrics    *metrics.Recorder
	Logger     *slog.Logger
	Clock      func() time.Time

	UploadsBucket  string
	OutputsBucket  string
	DeliveryBucket string
	// CDNBaseURL, when set, replaces scheme and host of signed playback URLs.
	CDNBaseURL string

	CopyConcurrency int
	CopyAttempts    int
	CopyBackoff     time.Duration
	CopyTimeout     time.Duration
	PlaybackTTL     time.Duration
	UploadURLTTL    time.Duration
}

// Service is safe for concurrent use; it holds no per-request state.
type Service struct {
	repo       storage.Repository
	objects    objectstore.Store
	transcoder transcoder.Client
	dedupe     dedupe.Store
	metrics    *metrics.Recorder
	logger     *slog.Logger
	now        func() time.Time

	uploadsBucket  string
	outputsBucket  string
	deliveryBucket string
	cdnBaseURL     string

	copyConcurrency int
	copyAttempts    int
	copyBackoff     time.Duration
	copyTimeout     time.Duration
	playbackTTL     time.Duration
	uploadURLTTL    time.Duration
}

// New validates cfg and applies defaults.
func New(cfg Config) (*Service, error) {
	if cfg.Repository == nil {
		return nil, fmt.Errorf("pipeline: repository is required")
	}
	if cfg.Objects == nil {
		return nil, fmt.Errorf("pipeline: object store is required")
	}
	if cfg.Transcoder == nil {
		return nil, fmt.Errorf("pipeline: transcoder client is required")
	}
	uploads := strings.TrimSpace(cfg.UploadsBucket)
	outputs := strings.TrimSpace(cfg.OutputsBucket)
	delivery := strings.TrimSpace(cfg.DeliveryBucket)
	if uploads == "" || outputs == "" || delivery == "" {
		return nil, fmt.Errorf("pipeline: uploads, outputs and delivery buckets are required")
	}
	cdn := strings.TrimRight(strings.TrimSpace(cfg.CDNBaseURL), "/")
	if cdn != "" {
		if _, err := objectstore.RewriteToCDN("https://origin.invalid/probe", cdn); err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := cfg.Dedupe
	if store == nil {
		store = dedupe.NewMemory(dedupe.DefaultTTL)
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}

	return &Service{
		repo:            cfg.Repository,
		objects:         cfg.Objects,
		transcoder:      cfg.Transcoder,
		dedupe:          store,
		metrics:         recorder,
		logger:          logging.WithComponent(logger, "pipeline"),
		now:             clock,
		uploadsBucket:   uploads,
		outputsBucket:   outputs,
		deliveryBucket:  delivery,
		cdnBaseURL:      cdn,
		copyConcurrency: positiveInt(cfg.CopyConcurrency, defaultCopyConcurrency),
		copyAttempts:    positiveInt(cfg.CopyAttempts, defaultCopyAttempts),
		copyBackoff:     positiveDuration(cfg.CopyBackoff, defaultCopyBackoff),
		copyTimeout:     positiveDuration(cfg.CopyTimeout, defaultCopyTimeout),
		playbackTTL:     positiveDuration(cfg.PlaybackTTL, defaultPlaybackTTL),
		uploadURLTTL:    positiveDuration(cfg.UploadURLTTL, defaultUploadURLTTL),
	}, nil
}

func positiveInt(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

func positiveDuration(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

// CDNEnabled reports whether playback URLs are rewritten onto a CDN host.
func (s *Service) CDNEnabled() bool {
	return s.cdnBaseURL != ""
}

// Repository exposes the backing repository for health probes.
func (s *Service) Repository() storage.Repository {
	return s.repo
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	return logging.WithContext(ctx, s.logger)
}

// loadVideo maps repository misses onto ErrVideoNotFound.
func (s *Service) loadVideo(ctx context.Context, id string) (models.Video, error) {
	video, err := s.repo.GetVideo(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Video{}, fmt.Errorf("video %s: %w", id, ErrVideoNotFound)
		}
		return models.Video{}, fmt.Errorf("load video %s: %w", id, err)
	}
	return video, nil
}

// authorizeOwner allows the video owner and staff.
func authorizeOwner(identity models.Identity, video models.Video) error {
	if strings.TrimSpace(identity.UID) == "" {
		return ErrUnauthorized
	}
	if identity.UID == video.OwnerID || identity.IsStaff() {
		return nil
	}
	return fmt.Errorf("video %s: %w", video.ID, ErrForbidden)
}

// GetVideo returns the status record of a video the caller may see.
func (s *Service) GetVideo(ctx context.Context, identity models.Identity, videoID string) (models.Video, error) {
	if strings.TrimSpace(identity.UID) == "" {
		return models.Video{}, ErrUnauthorized
	}
	videoID = strings.TrimSpace(videoID)
	if videoID == "" {
		return models.Video{}, invalidField("videoId", "is required")
	}
	video, err := s.loadVideo(ctx, videoID)
	if err != nil {
		return models.Video{}, err
	}
	if err := authorizeOwner(identity, video); err != nil {
		return models.Video{}, err
	}
	return video, nil
}

// transitionWithRetry loads the video, asks decide for a transition and
// applies it. A lost optimistic-concurrency race reloads and decides again
// once. A nil transition from decide means nothing to write.
func (s *Service) transitionWithRetry(ctx context.Context, videoID string, decide func(models.Video) *storage.VideoTransition) (models.Video, bool, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		video, err := s.loadVideo(ctx, videoID)
		if err != nil {
			return models.Video{}, false, err
		}
		transition := decide(video)
		if transition == nil {
			return video, false, nil
		}
		transition.ExpectedVersion = video.Version
		updated, err := s.repo.TransitionVideo(ctx, videoID, *transition)
		if err == nil {
			return updated, updated.Version != video.Version, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return video, false, err
		}
		lastErr = err
	}
	return models.Video{}, false, lastErr
}

// markFailed moves a non-terminal video to error. Failures are logged; the
// caller is already reporting the original error.
func (s *Service) markFailed(ctx context.Context, videoID, message string) {
	_, _, err := s.transitionWithRetry(ctx, videoID, func(video models.Video) *storage.VideoTransition {
		if video.Status.Terminal() {
			return nil
		}
		return &storage.VideoTransition{
			From:  []models.VideoStatus{models.StatusUploading, models.StatusTranscoding},
			To:    models.StatusError,
			Error: &message,
		}
	})
	if err != nil {
		s.log(ctx).Error("failed to mark video as errored", "video_id", videoID, "error", err)
	}
}

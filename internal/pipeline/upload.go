package pipeline

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"coachline/internal/models"
	"coachline/internal/objectstore"
	"coachline/internal/observability/logging"
	"coachline/internal/storage"
	"coachline/internal/transcoder"
)

// RegisterUploadRequest describes a file the client is about to upload.
type RegisterUploadRequest struct {
	Title       string
	Filename    string
	ContentType string
	SizeBytes   int64
}

// UploadTicket tells the client where to PUT the file bytes.
type UploadTicket struct {
	VideoID    string             `json:"videoId"`
	UploadPath string             `json:"uploadPath"`
	UploadURL  string             `json:"uploadUrl"`
	ExpiresAt  time.Time          `json:"expiresAt"`
	Status     models.VideoStatus `json:"status"`
}

// CompletionResult is returned once a transcode job has been submitted.
type CompletionResult struct {
	VideoID        string             `json:"videoId"`
	TranscodeJobID string             `json:"transcodeJobId"`
	Status         models.VideoStatus `json:"status"`
	InputSize      int64              `json:"inputSize"`
}

// RegisterUpload creates an uploading record owned by the caller and signs a
// PUT URL for the raw object.
func (s *Service) RegisterUpload(ctx context.Context, identity models.Identity, req RegisterUploadRequest) (UploadTicket, error) {
	if strings.TrimSpace(identity.UID) == "" {
		return UploadTicket{}, ErrUnauthorized
	}
	contentType := strings.TrimSpace(req.ContentType)
	if contentType != "" && !strings.HasPrefix(strings.ToLower(contentType), "video/") {
		return UploadTicket{}, invalidField("contentType", "must be a video/* type")
	}
	if req.SizeBytes < 0 {
		return UploadTicket{}, invalidField("sizeBytes", "must not be negative")
	}

	id := uuid.NewString()
	key := defaultRawPrefix + id + uploadExtension(req.Filename, contentType)
	video, err := s.repo.CreateVideo(ctx, storage.CreateVideoParams{
		ID:          id,
		OwnerID:     identity.UID,
		Title:       req.Title,
		Filename:    path.Base(strings.TrimSpace(req.Filename)),
		ContentType: contentType,
		UploadPath:  key,
	})
	if err != nil {
		return UploadTicket{}, fmt.Errorf("register upload: %w", err)
	}

	expires := s.now().Add(s.uploadURLTTL)
	signed, err := s.objects.SignURL(ctx, s.uploadsBucket, key, http.MethodPut, expires)
	if err != nil {
		return UploadTicket{}, fmt.Errorf("sign upload url: %w", err)
	}
	s.log(ctx).Info("upload registered", "video_id", video.ID, "owner_id", video.OwnerID, "upload_path", key)
	return UploadTicket{
		VideoID:    video.ID,
		UploadPath: key,
		UploadURL:  signed,
		ExpiresAt:  expires,
		Status:     video.Status,
	}, nil
}

func uploadExtension(filename, contentType string) string {
	ext := strings.ToLower(path.Ext(strings.TrimSpace(filename)))
	if ext != "" && len(ext) <= 6 {
		return ext
	}
	if contentType != "" {
		if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}
	return ""
}

// CompleteUpload submits the transcode job for an uploaded file and moves
// the video from uploading to transcoding. A failed upload lookup or
// submission marks the video as errored; there is no automatic retry.
func (s *Service) CompleteUpload(ctx context.Context, identity models.Identity, videoID string) (CompletionResult, error) {
	if strings.TrimSpace(identity.UID) == "" {
		return CompletionResult{}, ErrUnauthorized
	}
	videoID = strings.TrimSpace(videoID)
	if videoID == "" {
		return CompletionResult{}, invalidField("videoId", "is required")
	}
	ctx = logging.ContextWithVideoID(ctx, videoID)
	logger := s.log(ctx)

	video, err := s.loadVideo(ctx, videoID)
	if err != nil {
		return CompletionResult{}, err
	}
	if err := authorizeOwner(identity, video); err != nil {
		return CompletionResult{}, err
	}
	if video.Status != models.StatusUploading {
		return CompletionResult{}, fmt.Errorf("video %s is %s: %w", video.ID, video.Status, ErrInvalidState)
	}

	info, err := s.objects.Stat(ctx, s.uploadsBucket, video.UploadPath)
	if err != nil {
		if errors.Is(err, objectstore.ErrObjectNotFound) {
			return CompletionResult{}, fmt.Errorf("%s/%s: %w", s.uploadsBucket, video.UploadPath, ErrUploadNotFound)
		}
		logger.Error("upload stat failed", "path", video.UploadPath, "error", err)
		s.markFailed(ctx, video.ID, "stat upload: "+err.Error())
		return CompletionResult{}, fmt.Errorf("stat upload: %w", err)
	}

	submittedAt := s.now()
	spec := transcoder.NewJobSpec(video.ID, s.uploadsBucket, video.UploadPath, s.outputsBucket, submittedAt)
	spec.ContentType = firstNonEmpty(info.ContentType, video.ContentType)
	spec.InputSize = info.Size

	job, err := s.transcoder.Submit(ctx, spec)
	if err != nil {
		s.metrics.TranscodeJobSubmitted("error")
		logger.Error("transcode submission failed", "job_name", spec.Name, "error", err)
		s.markFailed(ctx, video.ID, err.Error())
		return CompletionResult{}, fmt.Errorf("submit transcode job: %w", err)
	}
	s.metrics.TranscodeJobSubmitted("ok")
	jobID := firstNonEmpty(job.ID, spec.Name)

	mapping := models.JobMapping{JobID: job.ID, JobName: spec.Name, VideoID: video.ID, SubmittedAt: submittedAt}
	if err := s.repo.SaveJobMapping(ctx, mapping); err != nil {
		// The job is already running; the webhook can still resolve the
		// video from the job name.
		logger.Error("failed to persist job mapping", "job_name", spec.Name, "error", err)
	}

	inputSize := info.Size
	updated, err := s.repo.TransitionVideo(ctx, video.ID, storage.VideoTransition{
		From:            []models.VideoStatus{models.StatusUploading},
		ExpectedVersion: video.Version,
		To:              models.StatusTranscoding,
		TranscodeJobID:  &jobID,
		InputSize:       &inputSize,
	})
	if err != nil {
		if !errors.Is(err, storage.ErrConflict) && !errors.Is(err, storage.ErrInvalidTransition) {
			return CompletionResult{}, fmt.Errorf("record transcode job: %w", err)
		}
		// The webhook may already have moved the video on.
		current, loadErr := s.loadVideo(ctx, video.ID)
		if loadErr != nil {
			return CompletionResult{}, loadErr
		}
		if current.Status == models.StatusUploading {
			return CompletionResult{}, fmt.Errorf("record transcode job: %w", err)
		}
		logger.Info("video advanced before completion recorded", "status", current.Status)
		updated = current
	}

	logger.Info("transcode job submitted", "job_name", spec.Name, "job_id", jobID, "input_size", inputSize)
	return CompletionResult{
		VideoID:        updated.ID,
		TranscodeJobID: jobID,
		Status:         updated.Status,
		InputSize:      inputSize,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

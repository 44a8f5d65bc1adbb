package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"coachline/internal/dedupe"
	"coachline/internal/models"
	"coachline/internal/objectstore"
	"coachline/internal/observability/logging"
	"coachline/internal/storage"
	"coachline/internal/transcoder"
)

// JobEvent is a state notification from the transcoding service.
type JobEvent struct {
	JobName string
	JobID   string
	State   string
	Error   string
}

// EventResult describes what a delivery did.
type EventResult struct {
	VideoID   string
	State     transcoder.State
	Status    models.VideoStatus
	Outcome   string
	Duplicate bool
}

// Webhook outcomes, also used as metric labels.
const (
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeNoop      = "noop"
	OutcomeUpdated   = "updated"
	OutcomeReady     = "ready"
	OutcomeFailed    = "failed"
	OutcomeError     = "error"
)

// HandleJobEvent applies a transcoder state to the video the job belongs to.
// Each (job, state) pair is processed at most once; a delivery that fails is
// un-claimed so it can be delivered again.
func (s *Service) HandleJobEvent(ctx context.Context, event JobEvent) (EventResult, error) {
	jobName := strings.TrimSpace(event.JobName)
	if jobName == "" {
		return EventResult{}, invalidField("jobName", "is required")
	}
	if strings.TrimSpace(event.State) == "" {
		return EventResult{}, invalidField("state", "is required")
	}
	state := transcoder.ParseState(event.State)
	logger := s.log(ctx).With("job_name", jobName, "state", string(state))

	key := dedupe.Key(jobName, string(state))
	claimed, err := s.dedupe.Claim(ctx, key)
	switch {
	case err != nil:
		// Status transitions are conditional, so processing without a claim
		// cannot regress a video.
		logger.Warn("dedupe claim failed, processing without it", "error", err)
	case !claimed:
		logger.Info("duplicate webhook delivery ignored")
		s.metrics.WebhookEvent(string(state), OutcomeDuplicate)
		return EventResult{State: state, Outcome: OutcomeDuplicate, Duplicate: true}, nil
	}

	result, err := s.processJobEvent(ctx, jobName, state, event)
	if err != nil {
		if claimed {
			if releaseErr := s.dedupe.Release(context.WithoutCancel(ctx), key); releaseErr != nil {
				logger.Warn("failed to release dedupe claim", "error", releaseErr)
			}
		}
		s.metrics.WebhookEvent(string(state), OutcomeError)
		return result, err
	}
	s.metrics.WebhookEvent(string(state), result.Outcome)
	return result, nil
}

func (s *Service) processJobEvent(ctx context.Context, jobName string, state transcoder.State, event JobEvent) (EventResult, error) {
	result := EventResult{State: state}
	switch state {
	case transcoder.StateSucceeded, transcoder.StateFailed, transcoder.StateRunning:
	default:
		s.log(ctx).Info("webhook state ignored", "job_name", jobName, "state", string(state))
		result.Outcome = OutcomeIgnored
		return result, nil
	}

	videoID, err := s.resolveVideoID(ctx, jobName, event.JobID)
	if err != nil {
		return result, err
	}
	result.VideoID = videoID
	ctx = logging.ContextWithVideoID(ctx, videoID)

	var video models.Video
	switch state {
	case transcoder.StateSucceeded:
		video, result.Outcome, err = s.handleSucceeded(ctx, videoID)
	case transcoder.StateFailed:
		video, result.Outcome, err = s.handleFailed(ctx, videoID, event.Error)
	case transcoder.StateRunning:
		video, result.Outcome, err = s.handleRunning(ctx, videoID, event.JobID)
	}
	result.Status = video.Status
	return result, err
}

// resolveVideoID looks up the durable job mapping first. Jobs submitted
// before mappings existed fall back to parsing the job name.
func (s *Service) resolveVideoID(ctx context.Context, jobName, jobID string) (string, error) {
	logger := s.log(ctx)
	for _, key := range []string{jobName, strings.TrimSpace(jobID)} {
		if key == "" {
			continue
		}
		mapping, err := s.repo.GetJobMapping(ctx, key)
		if err == nil {
			return mapping.VideoID, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("resolve job %s: %w", jobName, err)
		}
	}

	var candidates []string
	if id, ok := transcoder.VideoIDFromJobName(jobName); ok {
		candidates = append(candidates, id)
	}
	if legacy := transcoder.LegacyVideoIDFromJobName(jobName); legacy != "" && (len(candidates) == 0 || candidates[0] != legacy) {
		candidates = append(candidates, legacy)
	}
	for _, candidate := range candidates {
		if _, err := s.repo.GetVideo(ctx, candidate); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return "", fmt.Errorf("resolve job %s: %w", jobName, err)
		}
		logger.Warn("job mapping missing, derived video id from job name", "job_name", jobName, "video_id", candidate)
		return candidate, nil
	}
	return "", fmt.Errorf("job %s: %w", jobName, ErrVideoNotFound)
}

func (s *Service) handleFailed(ctx context.Context, videoID, message string) (models.Video, string, error) {
	if strings.TrimSpace(message) == "" {
		message = "transcode job failed"
	}
	video, changed, err := s.transitionWithRetry(ctx, videoID, func(video models.Video) *storage.VideoTransition {
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
		return video, "", fmt.Errorf("mark video %s failed: %w", videoID, err)
	}
	if !changed {
		return video, OutcomeNoop, nil
	}
	s.log(ctx).Warn("transcode job failed", "error_message", message)
	return video, OutcomeFailed, nil
}

func (s *Service) handleRunning(ctx context.Context, videoID, jobID string) (models.Video, string, error) {
	jobID = strings.TrimSpace(jobID)
	video, changed, err := s.transitionWithRetry(ctx, videoID, func(video models.Video) *storage.VideoTransition {
		if video.Status != models.StatusUploading {
			return nil
		}
		transition := &storage.VideoTransition{
			From: []models.VideoStatus{models.StatusUploading},
			To:   models.StatusTranscoding,
		}
		if jobID != "" {
			transition.TranscodeJobID = &jobID
		}
		return transition
	})
	if err != nil {
		return video, "", fmt.Errorf("mark video %s transcoding: %w", videoID, err)
	}
	if !changed {
		return video, OutcomeNoop, nil
	}
	return video, OutcomeUpdated, nil
}

func (s *Service) handleSucceeded(ctx context.Context, videoID string) (models.Video, string, error) {
	logger := s.log(ctx)
	video, err := s.loadVideo(ctx, videoID)
	if err != nil {
		return models.Video{}, "", err
	}
	if video.Status.Terminal() {
		logger.Info("video already terminal, success replay ignored", "status", video.Status)
		return video, OutcomeNoop, nil
	}

	prefix := transcoder.OutputPrefix(videoID)
	outputs, err := s.objects.List(ctx, s.outputsBucket, prefix)
	if err != nil {
		return video, "", fmt.Errorf("list transcoder outputs: %w", err)
	}
	tasks := planDeliveryCopies(videoID, prefix, outputs)
	if len(tasks) == 0 {
		s.markFailed(ctx, videoID, ErrNoOutputs.Error())
		return video, "", fmt.Errorf("%s/%s: %w", s.outputsBucket, prefix, ErrNoOutputs)
	}
	results := s.copyToDelivery(ctx, tasks)
	if failed := failedCopies(results); len(failed) > 0 {
		summary := copyFailureSummary(failed, len(results))
		logger.Error("delivery copy incomplete", "failed", len(failed), "total", len(results))
		s.markFailed(ctx, videoID, summary)
		return video, "", fmt.Errorf("%s: %w", summary, ErrCopyFailed)
	}

	deliveryURLs := deliveryPrefixes(videoID, tasks)
	processedAt := s.now()
	updated, changed, err := s.transitionWithRetry(ctx, videoID, func(video models.Video) *storage.VideoTransition {
		if video.Status.Terminal() {
			return nil
		}
		return &storage.VideoTransition{
			From:         []models.VideoStatus{models.StatusUploading, models.StatusTranscoding},
			To:           models.StatusReady,
			DeliveryURLs: deliveryURLs,
			ProcessedAt:  &processedAt,
		}
	})
	if err != nil {
		return updated, "", fmt.Errorf("mark video %s ready: %w", videoID, err)
	}
	if !changed {
		return updated, OutcomeNoop, nil
	}
	logger.Info("video ready", "files", len(tasks))
	return updated, OutcomeReady, nil
}

type copyTask struct {
	SrcKey   string
	DstKey   string
	Category string
}

type copyResult struct {
	Task     copyTask
	Attempts int
	Err      error
}

// deliveryCategory routes a transcoder output into hls, mp4 or thumbnails.
func deliveryCategory(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".m3u8", ".ts", ".m4s":
		return models.DeliveryHLS
	case ".mp4":
		return models.DeliveryMP4
	case ".jpg", ".jpeg", ".png", ".webp":
		return models.DeliveryThumbnails
	default:
		return models.DeliveryHLS
	}
}

func planDeliveryCopies(videoID, prefix string, outputs []objectstore.ObjectInfo) []copyTask {
	tasks := make([]copyTask, 0, len(outputs))
	for _, obj := range outputs {
		rel := strings.TrimLeft(strings.TrimPrefix(obj.Key, prefix), "/")
		if rel == "" || strings.HasSuffix(rel, "/") {
			continue
		}
		category := deliveryCategory(rel)
		tasks = append(tasks, copyTask{
			SrcKey:   obj.Key,
			DstKey:   videoID + "/" + category + "/" + rel,
			Category: category,
		})
	}
	return tasks
}

// copyToDelivery copies every task with bounded concurrency. Tasks are
// independent: one failing does not cancel the others.
func (s *Service) copyToDelivery(ctx context.Context, tasks []copyTask) []copyResult {
	done := s.metrics.CopyBatchStarted()
	defer done()

	ctx, cancel := context.WithTimeout(ctx, s.copyTimeout)
	defer cancel()

	results := make([]copyResult, len(tasks))
	var group errgroup.Group
	group.SetLimit(s.copyConcurrency)
	for i, task := range tasks {
		i, task := i, task
		group.Go(func() error {
			results[i] = s.copyWithRetry(ctx, task)
			if results[i].Err != nil {
				s.metrics.DeliveryCopy("error")
			} else {
				s.metrics.DeliveryCopy("ok")
			}
			return nil
		})
	}
	_ = group.Wait()
	return results
}

// copyWithRetry copies and then confirms the destination exists, retrying
// with linear backoff.
func (s *Service) copyWithRetry(ctx context.Context, task copyTask) copyResult {
	result := copyResult{Task: task}
	for attempt := 1; attempt <= s.copyAttempts; attempt++ {
		result.Attempts = attempt
		result.Err = s.copyOnce(ctx, task)
		if result.Err == nil {
			return result
		}
		if attempt == s.copyAttempts {
			break
		}
		timer := time.NewTimer(time.Duration(attempt) * s.copyBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.Err = fmt.Errorf("%w (last error: %v)", ctx.Err(), result.Err)
			return result
		case <-timer.C:
		}
	}
	s.log(ctx).Warn("delivery copy failed", "src", task.SrcKey, "dst", task.DstKey, "attempts", result.Attempts, "error", result.Err)
	return result
}

func (s *Service) copyOnce(ctx context.Context, task copyTask) error {
	if err := s.objects.Copy(ctx, s.outputsBucket, task.SrcKey, s.deliveryBucket, task.DstKey); err != nil {
		return err
	}
	if _, err := s.objects.Stat(ctx, s.deliveryBucket, task.DstKey); err != nil {
		return fmt.Errorf("confirm %s: %w", task.DstKey, err)
	}
	return nil
}

func failedCopies(results []copyResult) []copyResult {
	var failed []copyResult
	for _, result := range results {
		if result.Err != nil {
			failed = append(failed, result)
		}
	}
	return failed
}

const maxSummarisedFailures = 3

func copyFailureSummary(failed []copyResult, total int) string {
	parts := make([]string, 0, maxSummarisedFailures+1)
	for i, result := range failed {
		if i == maxSummarisedFailures {
			parts = append(parts, fmt.Sprintf("and %d more", len(failed)-i))
			break
		}
		parts = append(parts, path.Base(result.Task.SrcKey)+": "+result.Err.Error())
	}
	return fmt.Sprintf("copy failed for %d of %d files: %s", len(failed), total, strings.Join(parts, "; "))
}

func deliveryPrefixes(videoID string, tasks []copyTask) map[string]string {
	urls := make(map[string]string)
	for _, task := range tasks {
		urls[task.Category] = videoID + "/" + task.Category + "/"
	}
	return urls
}

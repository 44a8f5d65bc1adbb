package storage

import (
	"fmt"
	"strings"
	"time"

	"coachline/internal/models"
)

var allowedTransitions = map[models.VideoStatus]map[models.VideoStatus]bool{
	models.StatusUploading: {
		models.StatusTranscoding: true,
		models.StatusReady:       true,
		models.StatusError:       true,
	},
	models.StatusTranscoding: {
		models.StatusTranscoding: true,
		models.StatusReady:       true,
		models.StatusError:       true,
	},
}

// CanTransition reports whether the status machine allows from -> to.
func CanTransition(from, to models.VideoStatus) bool {
	return allowedTransitions[from][to]
}

// applyTransition validates the transition against the current record and
// returns the updated copy. The changed flag is false for idempotent no-ops
// such as transcoding -> transcoding without field changes, in which case
// the caller must not write.
func applyTransition(current models.Video, t VideoTransition, now time.Time) (models.Video, bool, error) {
	if t.ExpectedVersion != 0 && current.Version != t.ExpectedVersion {
		return current, false, fmt.Errorf("video %s version %d, expected %d: %w", current.ID, current.Version, t.ExpectedVersion, ErrConflict)
	}
	if len(t.From) > 0 && !containsStatus(t.From, current.Status) {
		return current, false, fmt.Errorf("video %s is %s, expected one of %s: %w", current.ID, current.Status, joinStatuses(t.From), ErrConflict)
	}
	if !CanTransition(current.Status, t.To) {
		return current, false, fmt.Errorf("video %s: %s -> %s: %w", current.ID, current.Status, t.To, ErrInvalidTransition)
	}

	next := current.Clone()
	changed := next.Status != t.To
	next.Status = t.To
	if t.TranscodeJobID != nil && next.TranscodeJobID != *t.TranscodeJobID {
		next.TranscodeJobID = *t.TranscodeJobID
		changed = true
	}
	if t.Error != nil && next.Error != *t.Error {
		next.Error = *t.Error
		changed = true
	}
	if t.InputSize != nil && next.InputSize != *t.InputSize {
		next.InputSize = *t.InputSize
		changed = true
	}
	if t.DeliveryURLs != nil {
		next.DeliveryURLs = make(map[string]string, len(t.DeliveryURLs))
		for k, v := range t.DeliveryURLs {
			next.DeliveryURLs[k] = v
		}
		changed = true
	}
	if t.ProcessedAt != nil {
		processed := t.ProcessedAt.UTC()
		next.ProcessedAt = &processed
		changed = true
	}
	if !changed {
		return current, false, nil
	}
	next.Version = current.Version + 1
	next.UpdatedAt = now.UTC()
	return next, true, nil
}

func containsStatus(list []models.VideoStatus, status models.VideoStatus) bool {
	for _, candidate := range list {
		if candidate == status {
			return true
		}
	}
	return false
}

func joinStatuses(list []models.VideoStatus) string {
	parts := make([]string, 0, len(list))
	for _, status := range list {
		parts = append(parts, string(status))
	}
	return strings.Join(parts, ",")
}

func newVideoRecord(params CreateVideoParams, now time.Time) (models.Video, error) {
	id := strings.TrimSpace(params.ID)
	if id == "" {
		return models.Video{}, fmt.Errorf("video id is required")
	}
	if strings.Contains(id, "/") {
		return models.Video{}, fmt.Errorf("video id %q must not contain '/'", id)
	}
	owner := strings.TrimSpace(params.OwnerID)
	if owner == "" {
		return models.Video{}, fmt.Errorf("owner id is required")
	}
	uploadPath := strings.TrimLeft(strings.TrimSpace(params.UploadPath), "/")
	if uploadPath == "" {
		return models.Video{}, fmt.Errorf("upload path is required")
	}
	now = now.UTC()
	return models.Video{
		ID:          id,
		OwnerID:     owner,
		Title:       strings.TrimSpace(params.Title),
		Filename:    strings.TrimSpace(params.Filename),
		ContentType: strings.TrimSpace(params.ContentType),
		UploadPath:  uploadPath,
		Status:      models.StatusUploading,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func validateJobMapping(mapping models.JobMapping) error {
	if strings.TrimSpace(mapping.JobName) == "" {
		return fmt.Errorf("job name is required")
	}
	if strings.TrimSpace(mapping.VideoID) == "" {
		return fmt.Errorf("video id is required")
	}
	return nil
}

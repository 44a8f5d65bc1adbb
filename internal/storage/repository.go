package storage

import (
	"context"
	"errors"
	"time"

	"coachline/internal/models"
)

var (
	// ErrNotFound is returned when a video or job mapping does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional write lost a race with
	// another writer.
	ErrConflict = errors.New("concurrent modification")
	// ErrInvalidTransition is returned when the requested status change is not
	// permitted from the video's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrAlreadyExists is returned when creating a video whose id is taken.
	ErrAlreadyExists = errors.New("already exists")
)

// Repository exposes the datastore operations required by the video pipeline.
type Repository interface {
	Ping(ctx context.Context) error

	CreateVideo(ctx context.Context, params CreateVideoParams) (models.Video, error)
	GetVideo(ctx context.Context, id string) (models.Video, error)
	TransitionVideo(ctx context.Context, id string, transition VideoTransition) (models.Video, error)
	ListVideosByStatus(ctx context.Context, status models.VideoStatus, limit int) ([]models.Video, error)

	SaveJobMapping(ctx context.Context, mapping models.JobMapping) error
	// GetJobMapping resolves a mapping by job name or by transcoder job id.
	GetJobMapping(ctx context.Context, key string) (models.JobMapping, error)
}

// CreateVideoParams describes a freshly registered upload.
type CreateVideoParams struct {
	ID          string
	OwnerID     string
	Title       string
	Filename    string
	ContentType string
	UploadPath  string
}

// VideoTransition is a conditional status write. From lists the statuses the
// video may currently hold; an empty list means any status permitted by the
// state machine. ExpectedVersion, when non-zero, must match the stored
// version.
type VideoTransition struct {
	From            []models.VideoStatus
	ExpectedVersion int64
	To              models.VideoStatus

	TranscodeJobID *string
	Error          *string
	InputSize      *int64
	DeliveryURLs   map[string]string
	ProcessedAt    *time.Time
}

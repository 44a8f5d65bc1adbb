package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"coachline/internal/models"
)

const (
	defaultVideosCollection = "videos"
	defaultJobsCollection   = "videoJobs"
)

// FirestoreConfig names the collections holding video records and job
// mappings.
type FirestoreConfig struct {
	ProjectID        string
	CredentialsFile  string
	VideosCollection string
	JobsCollection   string
}

// FirestoreRepository keeps video status documents in Cloud Firestore.
// Transitions run inside a Firestore transaction so concurrent webhook
// deliveries and completion calls serialise on the document.
type FirestoreRepository struct {
	client *firestore.Client
	cfg    FirestoreConfig
	now    func() time.Time
}

// NewFirestoreRepository connects to the Firestore database of projectID.
func NewFirestoreRepository(ctx context.Context, projectID, credentialsFile string, opts ...Option) (*FirestoreRepository, error) {
	rc := newRepositoryConfig(opts...)
	cfg := rc.Firestore
	cfg.ProjectID = strings.TrimSpace(projectID)
	cfg.CredentialsFile = strings.TrimSpace(credentialsFile)
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("firestore project id required")
	}
	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := firestore.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("open firestore client: %w", err)
	}
	return &FirestoreRepository{client: client, cfg: cfg, now: rc.Clock}, nil
}

// Close releases the underlying client.
func (r *FirestoreRepository) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *FirestoreRepository) videos() *firestore.CollectionRef {
	return r.client.Collection(r.cfg.VideosCollection)
}

func (r *FirestoreRepository) jobs() *firestore.CollectionRef {
	return r.client.Collection(r.cfg.JobsCollection)
}

func (r *FirestoreRepository) Ping(ctx context.Context) error {
	iter := r.videos().Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return fmt.Errorf("ping firestore: %w", err)
	}
	return nil
}

func (r *FirestoreRepository) CreateVideo(ctx context.Context, params CreateVideoParams) (models.Video, error) {
	video, err := newVideoRecord(params, r.now())
	if err != nil {
		return models.Video{}, err
	}
	if _, err := r.videos().Doc(video.ID).Create(ctx, video); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return models.Video{}, fmt.Errorf("video %s: %w", video.ID, ErrAlreadyExists)
		}
		return models.Video{}, fmt.Errorf("create video %s: %w", video.ID, err)
	}
	return video, nil
}

func decodeVideo(snap *firestore.DocumentSnapshot) (models.Video, error) {
	var video models.Video
	if err := snap.DataTo(&video); err != nil {
		return models.Video{}, fmt.Errorf("decode video %s: %w", snap.Ref.ID, err)
	}
	parsed, ok := models.ParseVideoStatus(string(video.Status))
	if !ok {
		return models.Video{}, fmt.Errorf("video %s has unknown status %q", snap.Ref.ID, video.Status)
	}
	video.Status = parsed
	if video.ID == "" {
		video.ID = snap.Ref.ID
	}
	return video, nil
}

func (r *FirestoreRepository) GetVideo(ctx context.Context, id string) (models.Video, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return models.Video{}, fmt.Errorf("video id is required")
	}
	snap, err := r.videos().Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return models.Video{}, fmt.Errorf("video %s: %w", id, ErrNotFound)
		}
		return models.Video{}, fmt.Errorf("load video %s: %w", id, err)
	}
	return decodeVideo(snap)
}

func (r *FirestoreRepository) TransitionVideo(ctx context.Context, id string, transition VideoTransition) (models.Video, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return models.Video{}, fmt.Errorf("video id is required")
	}
	ref := r.videos().Doc(id)
	var (
		result    models.Video
		decideErr error
	)
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		decideErr = nil
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return fmt.Errorf("video %s: %w", id, ErrNotFound)
			}
			return err
		}
		current, err := decodeVideo(snap)
		if err != nil {
			return err
		}
		next, changed, err := applyTransition(current, transition, r.now())
		if err != nil {
			// Returning nil commits an empty transaction; the rejection is
			// reported to the caller below.
			result = current
			decideErr = err
			return nil
		}
		if !changed {
			result = current
			return nil
		}
		result = next
		return tx.Set(ref, next)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return models.Video{}, err
		}
		if status.Code(err) == codes.Aborted {
			return models.Video{}, fmt.Errorf("video %s: %w", id, ErrConflict)
		}
		return models.Video{}, fmt.Errorf("transition video %s: %w", id, err)
	}
	if decideErr != nil {
		return result, decideErr
	}
	return result, nil
}

func (r *FirestoreRepository) ListVideosByStatus(ctx context.Context, videoStatus models.VideoStatus, limit int) ([]models.Video, error) {
	if limit <= 0 {
		limit = 100
	}
	iter := r.videos().
		Where("status", "==", string(videoStatus)).
		OrderBy("updatedAt", firestore.Asc).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	var videos []models.Video
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list videos: %w", err)
		}
		video, err := decodeVideo(snap)
		if err != nil {
			return nil, err
		}
		videos = append(videos, video)
	}
	return videos, nil
}

func (r *FirestoreRepository) SaveJobMapping(ctx context.Context, mapping models.JobMapping) error {
	if err := validateJobMapping(mapping); err != nil {
		return err
	}
	if mapping.SubmittedAt.IsZero() {
		mapping.SubmittedAt = r.now()
	}
	mapping.SubmittedAt = mapping.SubmittedAt.UTC()
	if _, err := r.jobs().Doc(mapping.JobName).Set(ctx, mapping); err != nil {
		return fmt.Errorf("save job mapping %s: %w", mapping.JobName, err)
	}
	return nil
}

func (r *FirestoreRepository) GetJobMapping(ctx context.Context, key string) (models.JobMapping, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return models.JobMapping{}, fmt.Errorf("job key is required")
	}
	var mapping models.JobMapping
	snap, err := r.jobs().Doc(key).Get(ctx)
	switch {
	case err == nil:
		if err := snap.DataTo(&mapping); err != nil {
			return models.JobMapping{}, fmt.Errorf("decode job mapping %s: %w", key, err)
		}
		return mapping, nil
	case status.Code(err) != codes.NotFound:
		return models.JobMapping{}, fmt.Errorf("load job mapping %s: %w", key, err)
	}

	iter := r.jobs().Where("jobId", "==", key).Limit(1).Documents(ctx)
	defer iter.Stop()
	found, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return models.JobMapping{}, fmt.Errorf("job %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return models.JobMapping{}, fmt.Errorf("query job mapping %s: %w", key, err)
	}
	if err := found.DataTo(&mapping); err != nil {
		return models.JobMapping{}, fmt.Errorf("decode job mapping %s: %w", key, err)
	}
	return mapping, nil
}

var _ Repository = (*FirestoreRepository)(nil)

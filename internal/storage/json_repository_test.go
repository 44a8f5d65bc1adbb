package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"coachline/internal/models"
)

func newTestRepository(t *testing.T, path string) *JSONRepository {
	t.Helper()
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	repo, err := NewJSONRepository(path, WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))
	if err != nil {
		t.Fatalf("NewJSONRepository: %v", err)
	}
	return repo
}

func TestJSONRepositoryCreateAndGet(t *testing.T) {
	repo := newTestRepository(t, "")
	ctx := context.Background()

	created, err := repo.CreateVideo(ctx, CreateVideoParams{ID: "v1", OwnerID: "coach-1", UploadPath: "raw/v1.mp4"})
	if err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}
	if created.Status != models.StatusUploading {
		t.Fatalf("expected uploading, got %s", created.Status)
	}
	if _, err := repo.CreateVideo(ctx, CreateVideoParams{ID: "v1", OwnerID: "coach-1", UploadPath: "raw/v1.mp4"}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	loaded, err := repo.GetVideo(ctx, "v1")
	if err != nil {
		t.Fatalf("GetVideo: %v", err)
	}
	if loaded.OwnerID != "coach-1" {
		t.Fatalf("unexpected owner %q", loaded.OwnerID)
	}
	if _, err := repo.GetVideo(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestJSONRepositoryTransitionLifecycle(t *testing.T) {
	repo := newTestRepository(t, "")
	ctx := context.Background()
	if _, err := repo.CreateVideo(ctx, CreateVideoParams{ID: "v1", OwnerID: "coach-1", UploadPath: "raw/v1.mp4"}); err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}

	jobID := "projects/p/locations/l/jobs/abc"
	transcoding, err := repo.TransitionVideo(ctx, "v1", VideoTransition{
		From:           []models.VideoStatus{models.StatusUploading},
		To:             models.StatusTranscoding,
		TranscodeJobID: &jobID,
	})
	if err != nil {
		t.Fatalf("transition to transcoding: %v", err)
	}

	processed := time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)
	ready, err := repo.TransitionVideo(ctx, "v1", VideoTransition{
		ExpectedVersion: transcoding.Version,
		To:              models.StatusReady,
		DeliveryURLs:    map[string]string{models.DeliveryHLS: "v1/hls/"},
		ProcessedAt:     &processed,
	})
	if err != nil {
		t.Fatalf("transition to ready: %v", err)
	}
	if ready.ProcessedAt == nil || !ready.ProcessedAt.Equal(processed) {
		t.Fatalf("expected processedAt %s, got %v", processed, ready.ProcessedAt)
	}

	if _, err := repo.TransitionVideo(ctx, "v1", VideoTransition{To: models.StatusTranscoding}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ready to stay terminal, got %v", err)
	}
	if _, err := repo.TransitionVideo(ctx, "v1", VideoTransition{ExpectedVersion: transcoding.Version, To: models.StatusError}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected stale version conflict, got %v", err)
	}

	loaded, err := repo.GetVideo(ctx, "v1")
	if err != nil {
		t.Fatalf("GetVideo: %v", err)
	}
	if loaded.Status != models.StatusReady || loaded.DeliveryURLs[models.DeliveryHLS] != "v1/hls/" {
		t.Fatalf("unexpected final record %+v", loaded)
	}
}

func TestJSONRepositoryRollsBackOnPersistFailure(t *testing.T) {
	repo := newTestRepository(t, "")
	ctx := context.Background()
	if _, err := repo.CreateVideo(ctx, CreateVideoParams{ID: "v1", OwnerID: "coach-1", UploadPath: "raw/v1.mp4"}); err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}
	repo.persistOverride = func(Snapshot) error { return errors.New("disk full") }

	if _, err := repo.TransitionVideo(ctx, "v1", VideoTransition{To: models.StatusTranscoding}); err == nil {
		t.Fatal("expected persist failure")
	}
	loaded, err := repo.GetVideo(ctx, "v1")
	if err != nil {
		t.Fatalf("GetVideo: %v", err)
	}
	if loaded.Status != models.StatusUploading {
		t.Fatalf("expected rollback to uploading, got %s", loaded.Status)
	}
}

func TestJSONRepositoryPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	repo := newTestRepository(t, path)
	ctx := context.Background()
	if _, err := repo.CreateVideo(ctx, CreateVideoParams{ID: "v1", OwnerID: "coach-1", UploadPath: "raw/v1.mp4"}); err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}
	if err := repo.SaveJobMapping(ctx, models.JobMapping{JobID: "job-abc", JobName: "v1-172000-job", VideoID: "v1"}); err != nil {
		t.Fatalf("SaveJobMapping: %v", err)
	}

	reopened := newTestRepository(t, path)
	if _, err := reopened.GetVideo(ctx, "v1"); err != nil {
		t.Fatalf("GetVideo after reopen: %v", err)
	}
	byName, err := reopened.GetJobMapping(ctx, "v1-172000-job")
	if err != nil {
		t.Fatalf("GetJobMapping by name: %v", err)
	}
	byID, err := reopened.GetJobMapping(ctx, "job-abc")
	if err != nil {
		t.Fatalf("GetJobMapping by id: %v", err)
	}
	if byName.VideoID != "v1" || byID.VideoID != "v1" {
		t.Fatalf("unexpected mappings %+v %+v", byName, byID)
	}

	snapshot, err := LoadSnapshotFromJSON(path)
	if err != nil {
		t.Fatalf("LoadSnapshotFromJSON: %v", err)
	}
	if counts := snapshot.Counts(); counts.Videos != 1 || counts.Jobs != 1 {
		t.Fatalf("unexpected counts %+v", counts)
	}
}

func TestJSONRepositoryListVideosByStatus(t *testing.T) {
	repo := newTestRepository(t, "")
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if _, err := repo.CreateVideo(ctx, CreateVideoParams{ID: id, OwnerID: "u", UploadPath: "raw/" + id}); err != nil {
			t.Fatalf("CreateVideo %s: %v", id, err)
		}
	}
	if _, err := repo.TransitionVideo(ctx, "b", VideoTransition{To: models.StatusTranscoding}); err != nil {
		t.Fatalf("TransitionVideo: %v", err)
	}
	uploading, err := repo.ListVideosByStatus(ctx, models.StatusUploading, 0)
	if err != nil {
		t.Fatalf("ListVideosByStatus: %v", err)
	}
	if len(uploading) != 2 || uploading[0].ID != "a" || uploading[1].ID != "c" {
		t.Fatalf("unexpected uploading list %+v", uploading)
	}
	limited, _ := repo.ListVideosByStatus(ctx, models.StatusUploading, 1)
	if len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}
}

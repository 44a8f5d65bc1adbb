package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"coachline/internal/models"
)

// JSONRepository keeps the datastore in memory and persists every write to a
// JSON file. An empty path keeps data in memory only, which is what tests and
// local development use.
type JSONRepository struct {
	mu       sync.Mutex
	filePath string
	data     Snapshot
	now      func() time.Time

	persistOverride func(Snapshot) error
}

// NewJSONRepository opens the JSON-backed datastore at path.
func NewJSONRepository(path string, opts ...Option) (*JSONRepository, error) {
	cfg := newRepositoryConfig(opts...)
	repo := &JSONRepository{
		filePath: strings.TrimSpace(path),
		now:      cfg.Clock,
	}
	if err := repo.load(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (s *JSONRepository) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = Snapshot{}
	s.data.ensureInitialized()
	if s.filePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	s.data.ensureInitialized()
	return nil
}

func (s *JSONRepository) persistLocked() error {
	if s.persistOverride != nil {
		if err := s.persistOverride(s.data); err != nil {
			return err
		}
	}
	if s.filePath == "" {
		return nil
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// Ping always succeeds; the dataset lives in process memory.
func (s *JSONRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *JSONRepository) CreateVideo(ctx context.Context, params CreateVideoParams) (models.Video, error) {
	video, err := newVideoRecord(params, s.now())
	if err != nil {
		return models.Video{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data.Videos[video.ID]; exists {
		return models.Video{}, fmt.Errorf("video %s: %w", video.ID, ErrAlreadyExists)
	}
	s.data.Videos[video.ID] = video
	if err := s.persistLocked(); err != nil {
		delete(s.data.Videos, video.ID)
		return models.Video{}, err
	}
	return video.Clone(), nil
}

func (s *JSONRepository) GetVideo(ctx context.Context, id string) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	video, ok := s.data.Videos[strings.TrimSpace(id)]
	if !ok {
		return models.Video{}, fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	return video.Clone(), nil
}

func (s *JSONRepository) TransitionVideo(ctx context.Context, id string, transition VideoTransition) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.data.Videos[strings.TrimSpace(id)]
	if !ok {
		return models.Video{}, fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	next, changed, err := applyTransition(current, transition, s.now())
	if err != nil {
		return current.Clone(), err
	}
	if !changed {
		return current.Clone(), nil
	}
	s.data.Videos[current.ID] = next
	if err := s.persistLocked(); err != nil {
		s.data.Videos[current.ID] = current
		return models.Video{}, err
	}
	return next.Clone(), nil
}

func (s *JSONRepository) ListVideosByStatus(ctx context.Context, status models.VideoStatus, limit int) ([]models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	videos := make([]models.Video, 0)
	for _, video := range s.data.Videos {
		if video.Status == status {
			videos = append(videos, video.Clone())
		}
	}
	sort.Slice(videos, func(i, j int) bool {
		return videos[i].UpdatedAt.Before(videos[j].UpdatedAt)
	})
	if limit > 0 && len(videos) > limit {
		videos = videos[:limit]
	}
	return videos, nil
}

func (s *JSONRepository) SaveJobMapping(ctx context.Context, mapping models.JobMapping) error {
	if err := validateJobMapping(mapping); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, existed := s.data.Jobs[mapping.JobName]
	s.data.Jobs[mapping.JobName] = mapping
	if err := s.persistLocked(); err != nil {
		if existed {
			s.data.Jobs[mapping.JobName] = previous
		} else {
			delete(s.data.Jobs, mapping.JobName)
		}
		return err
	}
	return nil
}

func (s *JSONRepository) GetJobMapping(ctx context.Context, key string) (models.JobMapping, error) {
	key = strings.TrimSpace(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if mapping, ok := s.data.Jobs[key]; ok {
		return mapping, nil
	}
	for _, mapping := range s.data.Jobs {
		if mapping.JobID != "" && mapping.JobID == key {
			return mapping, nil
		}
	}
	return models.JobMapping{}, fmt.Errorf("job %s: %w", key, ErrNotFound)
}

// Snapshot returns a copy of the dataset for export.
func (s *JSONRepository) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := &Snapshot{}
	out.ensureInitialized()
	for id, video := range s.data.Videos {
		out.Videos[id] = video.Clone()
	}
	for name, mapping := range s.data.Jobs {
		out.Jobs[name] = mapping
	}
	return out
}

var _ Repository = (*JSONRepository)(nil)

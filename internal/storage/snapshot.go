package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"coachline/internal/models"
)

// Snapshot captures a complete JSON-serialisable view of the datastore, keyed
// by primary identifier so it can be persisted and later replayed into
// another backing store.
type Snapshot struct {
	Videos map[string]models.Video      `json:"videos"`
	Jobs   map[string]models.JobMapping `json:"jobs"`
}

// SnapshotCounts summarises the size of each collection in a Snapshot.
type SnapshotCounts struct {
	Videos int
	Jobs   int
}

// LoadSnapshotFromJSON reads a JSON datastore file from disk.
func LoadSnapshotFromJSON(path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot %s: %w", path, err)
	}
	defer file.Close()

	var snapshot Snapshot
	if err := json.NewDecoder(file).Decode(&snapshot); err != nil {
		if err == io.EOF {
			snapshot.ensureInitialized()
			return &snapshot, nil
		}
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	snapshot.ensureInitialized()
	return &snapshot, nil
}

func (s *Snapshot) ensureInitialized() {
	if s.Videos == nil {
		s.Videos = make(map[string]models.Video)
	}
	if s.Jobs == nil {
		s.Jobs = make(map[string]models.JobMapping)
	}
}

// Counts reports how many entities of each type the snapshot holds.
func (s *Snapshot) Counts() SnapshotCounts {
	if s == nil {
		return SnapshotCounts{}
	}
	return SnapshotCounts{Videos: len(s.Videos), Jobs: len(s.Jobs)}
}

// ImportSnapshotToPostgres bulk-loads a Snapshot into a Postgres repository.
func ImportSnapshotToPostgres(ctx context.Context, repo Repository, snapshot *Snapshot) error {
	if snapshot == nil {
		return fmt.Errorf("snapshot is required")
	}
	pgRepo, ok := repo.(*PostgresRepository)
	if !ok {
		return fmt.Errorf("postgres repository required for snapshot import")
	}
	snapshot.ensureInitialized()
	return pgRepo.importSnapshot(ctx, snapshot)
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"coachline/internal/transcoder"
)

// jobRecord is the controller's view of one submitted job. It is persisted
// next to the job's working directory so unfinished jobs resume on restart.
type jobRecord struct {
	Name        string             `json:"name"`
	ID          string             `json:"id"`
	Spec        transcoder.JobSpec `json:"spec"`
	State       transcoder.State   `json:"state"`
	Error       string             `json:"error,omitempty"`
	WorkDir     string             `json:"workDir"`
	Outputs     int                `json:"outputs,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
	CompletedAt *time.Time         `json:"completedAt,omitempty"`
}

func (j *jobRecord) finished() bool {
	return j.State == transcoder.StateSucceeded || j.State == transcoder.StateFailed
}

type metadataStore struct {
	root string
}

func newMetadataStore(root string) (*metadataStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("work root is required")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(absRoot, "jobs"), 0o755); err != nil {
		return nil, err
	}
	return &metadataStore{root: absRoot}, nil
}

func (m *metadataStore) jobDir(name string) string {
	return filepath.Join(m.root, "jobs", name)
}

func (m *metadataStore) Load() (map[string]*jobRecord, error) {
	jobs := make(map[string]*jobRecord)
	root := filepath.Join(m.root, "jobs")
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		metaPath := filepath.Join(root, entry.Name(), "metadata.json")
		data, err := os.ReadFile(metaPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read job metadata %s: %w", metaPath, err)
		}
		var j jobRecord
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("decode job metadata %s: %w", metaPath, err)
		}
		if j.Name == "" {
			j.Name = entry.Name()
		}
		if j.WorkDir == "" {
			j.WorkDir = filepath.Join(root, entry.Name())
		}
		jobs[j.Name] = &j
	}
	return jobs, nil
}

func (m *metadataStore) Save(j *jobRecord) error {
	if j == nil {
		return nil
	}
	dir := m.jobDir(j.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if j.WorkDir == "" {
		j.WorkDir = dir
	}
	return writeJSONFile(filepath.Join(dir, "metadata.json"), j)
}

func writeJSONFile(path string, payload any) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "meta-*.tmp")
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(tmp)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

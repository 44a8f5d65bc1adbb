package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"coachline/internal/objectstore"
	"coachline/internal/observability/logging"
	"coachline/internal/transcoder"
)

const uploadConcurrency = 4

// mediaStore is what the controller needs from object storage: reading the
// raw upload and writing outputs.
type mediaStore interface {
	objectstore.Store
	objectstore.Reader
}

type controllerConfig struct {
	Token         string
	WorkRoot      string
	Objects       mediaStore
	Notifier      *notifier
	Runner        commandRunner
	MaxConcurrent int
	Logger        *slog.Logger
}

// controller accepts JobSpecs over HTTP and runs them through ffmpeg one
// goroutine per job, bounded by a semaphore.
type controller struct {
	token    string
	store    *metadataStore
	objects  mediaStore
	notifier *notifier
	runner   commandRunner
	logger   *slog.Logger
	slots    *semaphore.Weighted
	now      func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.RWMutex
	jobs    map[string]*jobRecord
	cancels map[string]context.CancelFunc
}

func newController(cfg controllerConfig) (*controller, error) {
	if cfg.Objects == nil {
		return nil, fmt.Errorf("object store is required")
	}
	store, err := newMetadataStore(cfg.WorkRoot)
	if err != nil {
		return nil, err
	}
	jobs, err := store.Load()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runner := cfg.Runner
	if runner == nil {
		runner = execRunner{logger: logger}
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	ctx, stop := context.WithCancel(context.Background())
	c := &controller{
		token:    cfg.Token,
		store:    store,
		objects:  cfg.Objects,
		notifier: cfg.Notifier,
		runner:   runner,
		logger:   logger,
		slots:    semaphore.NewWeighted(int64(maxConcurrent)),
		now:      func() time.Time { return time.Now().UTC() },
		baseCtx:  ctx,
		stop:     stop,
		jobs:     jobs,
		cancels:  make(map[string]context.CancelFunc),
	}
	c.restoreActiveJobs()
	return c, nil
}

func (c *controller) restoreActiveJobs() {
	for name, job := range c.jobs {
		if job == nil || job.finished() {
			continue
		}
		c.logger.Info("resuming transcode job", "job", name, "state", job.State)
		c.start(job)
	}
}

func (c *controller) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", c.handleHealthz)
	mux.HandleFunc("/v1/jobs", c.handleJobs)
	mux.HandleFunc("/v1/jobs/", c.handleJobByName)
	return logging.RequestLogger(logging.RequestLoggerConfig{Logger: c.logger})(mux)
}

// Close stops accepting work and waits for running jobs to unwind.
// Interrupted jobs keep their state and resume on the next start.
func (c *controller) Close(ctx context.Context) error {
	c.stop()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for transcode jobs: %w", ctx.Err())
	}
}

func (c *controller) authorize(r *http.Request) bool {
	if c.token == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return false
	}
	token := strings.TrimSpace(header[7:])
	return subtle.ConstantTimeCompare([]byte(token), []byte(c.token)) == 1
}

func (c *controller) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	c.mu.RLock()
	active := len(c.cancels)
	c.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "activeJobs": active})
}

func (c *controller) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !c.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req transcoder.SubmitRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	spec := req.Spec
	if err := spec.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if sanitizeName(spec.Name) != spec.Name {
		http.Error(w, "job name may only contain letters, digits, '-' and '_'", http.StatusBadRequest)
		return
	}

	c.mu.Lock()
	if existing, ok := c.jobs[spec.Name]; ok {
		resp := submitResponse(existing)
		c.mu.Unlock()
		writeJSON(w, http.StatusOK, resp)
		return
	}
	job := &jobRecord{
		Name:      spec.Name,
		ID:        "jobs/" + spec.Name,
		Spec:      spec,
		State:     transcoder.StatePending,
		WorkDir:   c.store.jobDir(spec.Name),
		CreatedAt: c.now(),
	}
	if err := c.store.Save(job); err != nil {
		c.mu.Unlock()
		c.logger.Error("persist job failed", "job", spec.Name, "error", err)
		http.Error(w, "failed to persist job", http.StatusInternalServerError)
		return
	}
	c.jobs[job.Name] = job
	resp := submitResponse(job)
	c.mu.Unlock()

	c.start(job)
	c.logger.Info("transcode job accepted", "job", job.Name, "video_id", spec.VideoID, "renditions", len(spec.Renditions))
	writeJSON(w, http.StatusCreated, resp)
}

func submitResponse(job *jobRecord) transcoder.SubmitResponse {
	return transcoder.SubmitResponse{JobID: job.ID, JobName: job.Name, State: string(job.State)}
}

func (c *controller) handleJobByName(w http.ResponseWriter, r *http.Request) {
	if !c.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")
	if name == "" || strings.Contains(name, "/") {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		c.mu.RLock()
		job, ok := c.jobs[name]
		var snapshot jobRecord
		if ok {
			snapshot = *job
		}
		c.mu.RUnlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, snapshot)
	case http.MethodDelete:
		c.mu.Lock()
		job, ok := c.jobs[name]
		cancel := c.cancels[name]
		finished := ok && job.finished()
		c.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		if finished {
			http.Error(w, "job already finished", http.StatusConflict)
			return
		}
		if cancel != nil {
			cancel()
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// start runs job in the background until it finishes, is cancelled through
// DELETE, or the controller shuts down.
func (c *controller) start(job *jobRecord) {
	ctx, cancel := context.WithCancel(c.baseCtx)
	c.mu.Lock()
	c.cancels[job.Name] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			cancel()
			c.mu.Lock()
			delete(c.cancels, job.Name)
			c.mu.Unlock()
		}()
		c.process(ctx, job)
	}()
}

func (c *controller) process(ctx context.Context, job *jobRecord) {
	logger := c.logger.With("job", job.Name, "video_id", job.Spec.VideoID)
	if err := c.slots.Acquire(ctx, 1); err != nil {
		c.finishInterrupted(job, logger)
		return
	}
	defer c.slots.Release(1)

	c.setState(job, transcoder.StateRunning, "", 0)
	if err := c.notifier.Notify(ctx, job, transcoder.StateRunning, ""); err != nil {
		logger.Warn("running notification not delivered", "error", err)
	}

	started := time.Now()
	outputs, err := c.execute(ctx, job, logger)
	if err != nil {
		if ctx.Err() != nil {
			c.finishInterrupted(job, logger)
			return
		}
		logger.Error("transcode job failed", "error", err)
		c.setState(job, transcoder.StateFailed, err.Error(), 0)
		if notifyErr := c.notifier.Notify(c.baseCtx, job, transcoder.StateFailed, err.Error()); notifyErr != nil {
			logger.Error("failure notification not delivered", "error", notifyErr)
		}
		return
	}

	logger.Info("transcode job succeeded", "outputs", outputs, "duration_ms", time.Since(started).Milliseconds())
	c.setState(job, transcoder.StateSucceeded, "", outputs)
	if err := c.notifier.Notify(c.baseCtx, job, transcoder.StateSucceeded, ""); err != nil {
		logger.Error("success notification not delivered", "error", err)
	}
}

// finishInterrupted distinguishes shutdown, which leaves the job resumable,
// from cancellation through DELETE, which fails it.
func (c *controller) finishInterrupted(job *jobRecord, logger *slog.Logger) {
	if c.baseCtx.Err() != nil {
		logger.Info("transcode job interrupted by shutdown")
		return
	}
	logger.Info("transcode job cancelled")
	c.setState(job, transcoder.StateFailed, "job cancelled", 0)
	notifyCtx, cancel := context.WithTimeout(c.baseCtx, 30*time.Second)
	defer cancel()
	if err := c.notifier.Notify(notifyCtx, job, transcoder.StateFailed, "job cancelled"); err != nil {
		logger.Warn("cancel notification not delivered", "error", err)
	}
}

func (c *controller) setState(job *jobRecord, state transcoder.State, message string, outputs int) {
	c.mu.Lock()
	job.State = state
	job.Error = message
	if outputs > 0 {
		job.Outputs = outputs
	}
	if job.finished() {
		now := c.now()
		job.CompletedAt = &now
	}
	snapshot := *job
	c.mu.Unlock()
	if err := c.store.Save(&snapshot); err != nil {
		c.logger.Warn("persist job failed", "job", job.Name, "error", err)
	}
}

func (c *controller) execute(ctx context.Context, job *jobRecord, logger *slog.Logger) (int, error) {
	spec := job.Spec
	if err := os.MkdirAll(job.WorkDir, 0o755); err != nil {
		return 0, err
	}
	input := filepath.Join(job.WorkDir, "input"+path.Ext(spec.InputKey))
	if err := c.fetchInput(ctx, spec, input); err != nil {
		return 0, err
	}
	defer os.Remove(input)

	hasAudio, err := probeAudio(ctx, c.runner, input)
	if err != nil {
		return 0, fmt.Errorf("probe input: %w", err)
	}

	outputDir := filepath.Join(job.WorkDir, "output")
	if err := os.RemoveAll(outputDir); err != nil {
		return 0, err
	}
	plan, err := buildTranscodePlan(input, outputDir, spec, hasAudio)
	if err != nil {
		return 0, fmt.Errorf("plan transcode: %w", err)
	}
	for i, step := range plan.steps {
		logger.Debug("running ffmpeg step", "step", i+1, "of", len(plan.steps))
		if err := c.runner.Run(ctx, job.Name, "ffmpeg", step...); err != nil {
			return 0, err
		}
	}

	count, err := c.publishOutputs(ctx, spec, plan.outputDir)
	if err != nil {
		return 0, err
	}
	if err := os.RemoveAll(outputDir); err != nil {
		logger.Warn("clean output directory failed", "error", err)
	}
	return count, nil
}

func (c *controller) fetchInput(ctx context.Context, spec transcoder.JobSpec, dest string) error {
	body, _, err := c.objects.Open(ctx, spec.InputBucket, spec.InputKey)
	if err != nil {
		return fmt.Errorf("open input %s/%s: %w", spec.InputBucket, spec.InputKey, err)
	}
	defer body.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, body); err != nil {
		out.Close()
		return fmt.Errorf("download input: %w", err)
	}
	return out.Close()
}

// publishOutputs uploads every file under dir to the outputs bucket,
// preserving the relative layout below the job's output prefix.
func (c *controller) publishOutputs(ctx context.Context, spec transcoder.JobSpec, dir string) (int, error) {
	var files []string
	err := filepath.WalkDir(dir, func(current string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return fmt.Errorf("symlinks not supported: %s", current)
		}
		if !d.IsDir() {
			files = append(files, current)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("collect outputs: %w", err)
	}
	if len(files) == 0 {
		return 0, fmt.Errorf("transcode produced no outputs")
	}

	prefix := strings.TrimRight(spec.OutputPrefix, "/") + "/"
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(uploadConcurrency)
	for _, file := range files {
		file := file
		group.Go(func() error {
			rel, err := filepath.Rel(dir, file)
			if err != nil {
				return err
			}
			key := prefix + filepath.ToSlash(rel)
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			if err := c.objects.Put(gctx, spec.OutputBucket, key, objectstore.ContentTypeForKey(key), f); err != nil {
				return fmt.Errorf("upload %s: %w", key, err)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return 0, err
	}
	return len(files), nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Warn("encode response failed", "error", err)
	}
}


package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"coachline/internal/api"
	"coachline/internal/objectstore"
	"coachline/internal/transcoder"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRunner writes placeholder files for each ffmpeg output pattern
// instead of encoding.
type fakeRunner struct {
	mu       sync.Mutex
	calls    [][]string
	hasAudio bool
	failOn   int
}

func (f *fakeRunner) Run(ctx context.Context, jobName, name string, args ...string) error {
	f.mu.Lock()
	f.calls = append(f.calls, args)
	call := len(f.calls)
	f.mu.Unlock()
	if f.failOn > 0 && call == f.failOn {
		return errors.New("ffmpeg: exit status 1")
	}
	expand := strings.NewReplacer("%v", "1080p", "%05d", "00001", "%02d", "01")
	last := args[len(args)-1]
	targets := []string{expand.Replace(last)}
	for i, arg := range args {
		switch arg {
		case "-master_pl_name":
			targets = append(targets, filepath.Join(filepath.Dir(filepath.Dir(last)), args[i+1]))
		case "-hls_segment_filename":
			targets = append(targets, expand.Replace(args[i+1]))
		}
	}
	for _, target := range targets {
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(target, []byte("data"), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	if f.hasAudio {
		return []byte("1\n"), nil
	}
	return nil, nil
}

type webhookSink struct {
	server  *httptest.Server
	events  chan jobEvent
	secrets chan string
}

func newWebhookSink(t *testing.T, status int) *webhookSink {
	t.Helper()
	sink := &webhookSink{events: make(chan jobEvent, 16), secrets: make(chan string, 16)}
	sink.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event jobEvent
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			t.Errorf("decode webhook: %v", err)
		}
		sink.secrets <- r.Header.Get(api.WebhookSecretHeader)
		sink.events <- event
		w.WriteHeader(status)
	}))
	t.Cleanup(sink.server.Close)
	return sink
}

func (s *webhookSink) next(t *testing.T) jobEvent {
	t.Helper()
	select {
	case event := <-s.events:
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for webhook")
		return jobEvent{}
	}
}

type harness struct {
	ctrl    *controller
	server  *httptest.Server
	objects *objectstore.Memory
	runner  *fakeRunner
	sink    *webhookSink
	root    string
}

func newHarness(t *testing.T, runner *fakeRunner) *harness {
	t.Helper()
	objects := objectstore.NewMemory("http://localhost")
	if err := objects.Put(context.Background(), "uploads", "raw/v1/session.mp4", "video/mp4", strings.NewReader("raw")); err != nil {
		t.Fatalf("seed input: %v", err)
	}
	sink := newWebhookSink(t, http.StatusOK)
	n := newNotifier(sink.server.URL, "hook-secret", quietLogger())
	n.backoff = time.Millisecond

	root := t.TempDir()
	ctrl, err := newController(controllerConfig{
		Token:    "worker-token",
		WorkRoot: root,
		Objects:  objects,
		Notifier: n,
		Runner:   runner,
		Logger:   quietLogger(),
	})
	if err != nil {
		t.Fatalf("newController: %v", err)
	}
	ts := httptest.NewServer(ctrl.routes())
	t.Cleanup(func() {
		ts.Close()
		_ = ctrl.Close(context.Background())
	})
	return &harness{ctrl: ctrl, server: ts, objects: objects, runner: runner, sink: sink, root: root}
}

func (h *harness) submit(t *testing.T, spec transcoder.JobSpec, token string) *http.Response {
	t.Helper()
	body, err := json.Marshal(transcoder.SubmitRequest{Spec: spec})
	if err != nil {
		t.Fatalf("marshal spec: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, h.server.URL+"/v1/jobs", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := h.server.Client().Do(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func testSpec() transcoder.JobSpec {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return transcoder.NewJobSpec("v1", "uploads", "raw/v1/session.mp4", "outputs", at)
}

func TestBuildTranscodePlanLadder(t *testing.T) {
	dir := t.TempDir()
	plan, err := buildTranscodePlan("/tmp/in.mp4", dir, testSpec(), true)
	if err != nil {
		t.Fatalf("buildTranscodePlan: %v", err)
	}
	if len(plan.steps) != 5 {
		t.Fatalf("expected hls, three mp4 and thumbnail steps, got %d", len(plan.steps))
	}
	hls := strings.Join(plan.steps[0], " ")
	for _, want := range []string{"split=3", "v:0,a:0,name:1080p v:1,a:1,name:720p v:2,a:2,name:480p", "-master_pl_name manifest.m3u8", "-hls_time 6", "-hls_playlist_type vod"} {
		if !strings.Contains(hls, want) {
			t.Fatalf("expected %q in hls args: %s", want, hls)
		}
	}
	if !strings.HasSuffix(plan.master, "/manifest.m3u8") {
		t.Fatalf("unexpected master path %q", plan.master)
	}
	for _, name := range []string{"1080p", "720p", "480p"} {
		if info, err := os.Stat(filepath.Join(dir, name)); err != nil || !info.IsDir() {
			t.Fatalf("expected variant directory %s", name)
		}
	}
	mp4 := plan.steps[1]
	if got := mp4[len(mp4)-1]; !strings.HasSuffix(got, "/1080p.mp4") {
		t.Fatalf("expected 1080p.mp4 output, got %q", got)
	}
	if !strings.Contains(strings.Join(plan.steps[4], " "), "-frames:v 3") {
		t.Fatalf("expected three thumbnails: %v", plan.steps[4])
	}
}

func TestBuildTranscodePlanWithoutAudio(t *testing.T) {
	plan, err := buildTranscodePlan("/tmp/in.mp4", t.TempDir(), testSpec(), false)
	if err != nil {
		t.Fatalf("buildTranscodePlan: %v", err)
	}
	hls := strings.Join(plan.steps[0], " ")
	if strings.Contains(hls, "0:a:0") || strings.Contains(hls, ",a:") {
		t.Fatalf("expected no audio mapping: %s", hls)
	}
	if !strings.Contains(strings.Join(plan.steps[1], " "), "-an") {
		t.Fatalf("expected mp4 step to drop audio: %v", plan.steps[1])
	}
	if _, err := buildTranscodePlan("", t.TempDir(), testSpec(), false); err == nil {
		t.Fatal("expected error for missing input")
	}
}

func TestVariantNamesAreUnique(t *testing.T) {
	names := variantNames([]transcoder.Rendition{{Name: "HD 720"}, {Name: "HD 720"}, {Name: "***"}})
	want := []string{"HD-720", "HD-720-1", "variant"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestControllerRunsJobAndReportsStates(t *testing.T) {
	h := newHarness(t, &fakeRunner{hasAudio: true})
	spec := testSpec()

	resp := h.submit(t, spec, "worker-token")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var submitted transcoder.SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if submitted.JobID != "jobs/"+spec.Name || submitted.JobName != spec.Name || submitted.State != "PENDING" {
		t.Fatalf("unexpected submit response %+v", submitted)
	}

	if event := h.sink.next(t); event.State != "RUNNING" || event.JobName != spec.Name {
		t.Fatalf("expected RUNNING event, got %+v", event)
	}
	event := h.sink.next(t)
	if event.State != "SUCCEEDED" || event.JobID != "jobs/"+spec.Name {
		t.Fatalf("expected SUCCEEDED event, got %+v", event)
	}
	if secret := <-h.sink.secrets; secret != "hook-secret" {
		t.Fatalf("expected webhook secret header, got %q", secret)
	}

	outputs, err := h.objects.List(context.Background(), "outputs", spec.OutputPrefix)
	if err != nil {
		t.Fatalf("list outputs: %v", err)
	}
	keys := make(map[string]bool)
	for _, obj := range outputs {
		keys[strings.TrimPrefix(obj.Key, spec.OutputPrefix)] = true
	}
	for _, want := range []string{"manifest.m3u8", "1080p/index.m3u8", "1080p/segment_00001.ts", "1080p.mp4", "720p.mp4", "480p.mp4", "thumbnail-01.jpg"} {
		if !keys[want] {
			t.Fatalf("expected output %s, got %v", want, keys)
		}
	}
	info, err := h.objects.Stat(context.Background(), "outputs", spec.OutputPrefix+"manifest.m3u8")
	if err != nil {
		t.Fatalf("stat manifest: %v", err)
	}
	if info.ContentType != "application/vnd.apple.mpegurl" {
		t.Fatalf("unexpected manifest content type %q", info.ContentType)
	}

	status := getJob(t, h, spec.Name)
	if status.State != transcoder.StateSucceeded || status.CompletedAt == nil || status.Outputs != len(outputs) {
		t.Fatalf("unexpected job record %+v", status)
	}
}

func getJob(t *testing.T, h *harness, name string) jobRecord {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, h.server.URL+"/v1/jobs/"+name, nil)
	req.Header.Set("Authorization", "Bearer worker-token")
	resp, err := h.server.Client().Do(req)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var record jobRecord
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	return record
}

func TestControllerReportsFailure(t *testing.T) {
	h := newHarness(t, &fakeRunner{failOn: 2})
	spec := testSpec()

	if resp := h.submit(t, spec, "worker-token"); resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	h.sink.next(t)
	event := h.sink.next(t)
	if event.State != "FAILED" || !strings.Contains(event.Error, "exit status 1") {
		t.Fatalf("expected FAILED event with ffmpeg error, got %+v", event)
	}
	outputs, _ := h.objects.List(context.Background(), "outputs", spec.OutputPrefix)
	if len(outputs) != 0 {
		t.Fatalf("expected no published outputs, got %d", len(outputs))
	}
}

func TestControllerMissingInputFails(t *testing.T) {
	h := newHarness(t, &fakeRunner{})
	spec := testSpec()
	spec.InputKey = "raw/v1/missing.mp4"

	h.submit(t, spec, "worker-token")
	h.sink.next(t)
	event := h.sink.next(t)
	if event.State != "FAILED" || !strings.Contains(event.Error, "open input") {
		t.Fatalf("expected FAILED event for missing input, got %+v", event)
	}
}

func TestControllerSubmitValidation(t *testing.T) {
	h := newHarness(t, &fakeRunner{})

	if resp := h.submit(t, testSpec(), "wrong"); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", resp.StatusCode)
	}

	invalid := testSpec()
	invalid.Renditions = nil
	if resp := h.submit(t, invalid, "worker-token"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty ladder, got %d", resp.StatusCode)
	}

	unsafe := testSpec()
	unsafe.Name = "../escape"
	if resp := h.submit(t, unsafe, "worker-token"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsafe name, got %d", resp.StatusCode)
	}
}

func TestControllerSubmitIsIdempotent(t *testing.T) {
	h := newHarness(t, &fakeRunner{})
	spec := testSpec()

	if resp := h.submit(t, spec, "worker-token"); resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	resp := h.submit(t, spec, "worker-token")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on resubmission, got %d", resp.StatusCode)
	}
	var again transcoder.SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&again); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if again.JobID != "jobs/"+spec.Name {
		t.Fatalf("unexpected job id %q", again.JobID)
	}
}

func TestControllerResumesUnfinishedJobs(t *testing.T) {
	root := t.TempDir()
	store, err := newMetadataStore(root)
	if err != nil {
		t.Fatalf("newMetadataStore: %v", err)
	}
	spec := testSpec()
	if err := store.Save(&jobRecord{Name: spec.Name, ID: "jobs/" + spec.Name, Spec: spec, State: transcoder.StateRunning}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(&jobRecord{Name: "done-1-job", ID: "jobs/done-1-job", Spec: spec, State: transcoder.StateSucceeded}); err != nil {
		t.Fatalf("save finished: %v", err)
	}

	objects := objectstore.NewMemory("http://localhost")
	_ = objects.Put(context.Background(), "uploads", spec.InputKey, "video/mp4", strings.NewReader("raw"))
	sink := newWebhookSink(t, http.StatusOK)
	runner := &fakeRunner{}
	ctrl, err := newController(controllerConfig{
		WorkRoot: root,
		Objects:  objects,
		Notifier: newNotifier(sink.server.URL, "", quietLogger()),
		Runner:   runner,
		Logger:   quietLogger(),
	})
	if err != nil {
		t.Fatalf("newController: %v", err)
	}
	t.Cleanup(func() { _ = ctrl.Close(context.Background()) })

	sink.next(t)
	if event := sink.next(t); event.State != "SUCCEEDED" || event.JobName != spec.Name {
		t.Fatalf("expected resumed job to succeed, got %+v", event)
	}
	select {
	case extra := <-sink.events:
		t.Fatalf("finished job should not rerun, got %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNotifierStopsOnRejection(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		http.Error(w, "invalid webhook secret", http.StatusUnauthorized)
	}))
	defer srv.Close()

	n := newNotifier(srv.URL, "bad", quietLogger())
	n.backoff = time.Millisecond
	err := n.Notify(context.Background(), &jobRecord{Name: "v1-1-job"}, transcoder.StateSucceeded, "")
	if err == nil {
		t.Fatal("expected rejection error")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestNotifierRetriesServerErrors(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		current := calls
		mu.Unlock()
		if current < 3 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := newNotifier(srv.URL, "", quietLogger())
	n.backoff = time.Millisecond
	if err := n.Notify(context.Background(), &jobRecord{Name: "v1-1-job"}, transcoder.StateRunning, ""); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestJobProducesLadderWithFFmpeg(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test requires ffmpeg")
	}
	for _, bin := range []string{"ffmpeg", "ffprobe"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not available", bin)
		}
	}

	tempDir := t.TempDir()
	sample := filepath.Join(tempDir, "sample.mp4")
	generate := exec.Command("ffmpeg", "-y",
		"-f", "lavfi", "-i", "testsrc=size=320x240:rate=10",
		"-f", "lavfi", "-i", "sine=frequency=440:sample_rate=44100",
		"-shortest", "-t", "4",
		"-pix_fmt", "yuv420p",
		"-c:v", "libx264", "-preset", "ultrafast",
		"-c:a", "aac",
		sample,
	)
	if out, err := generate.CombinedOutput(); err != nil {
		t.Fatalf("generate sample: %v (%s)", err, out)
	}

	spec := testSpec()
	spec.Renditions = []transcoder.Rendition{
		{Name: "240p", Width: 320, Height: 240, BitrateBps: 300_000, FrameRate: 10, MP4FileName: "240p.mp4"},
		{Name: "120p", Width: 160, Height: 120, BitrateBps: 100_000, FrameRate: 10, MP4FileName: "120p.mp4"},
	}
	spec.ThumbnailCount = 1

	runner := execRunner{logger: quietLogger()}
	hasAudio, err := probeAudio(context.Background(), runner, sample)
	if err != nil || !hasAudio {
		t.Fatalf("probeAudio = %v, %v", hasAudio, err)
	}
	plan, err := buildTranscodePlan(sample, filepath.Join(tempDir, "out"), spec, hasAudio)
	if err != nil {
		t.Fatalf("buildTranscodePlan: %v", err)
	}
	for _, step := range plan.steps {
		if err := runner.Run(context.Background(), spec.Name, "ffmpeg", step...); err != nil {
			t.Fatalf("ffmpeg step failed: %v", err)
		}
	}
	for _, rel := range []string{"manifest.m3u8", "240p/index.m3u8", "120p/index.m3u8", "240p.mp4", "thumbnail-01.jpg"} {
		if _, err := os.Stat(filepath.Join(tempDir, "out", rel)); err != nil {
			t.Fatalf("expected %s: %v", rel, err)
		}
	}
}

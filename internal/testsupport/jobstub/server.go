package jobstub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Options describes how the fake controller should behave.
type Options struct {
	// Token, when set, is enforced as a bearer token on every request.
	Token string

	// JobIDPrefix is prepended to the job name to form the returned job id.
	// Defaults to "jobs/".
	JobIDPrefix string

	// FailSubmits causes the first N submit requests to return HTTP 502.
	// Subsequent attempts succeed.
	FailSubmits int

	// RejectSubmits causes every submit request to return HTTP 400.
	RejectSubmits bool

	// Unhealthy makes /healthz return HTTP 503.
	Unhealthy bool
}

// Operation represents a recorded controller interaction.
type Operation struct {
	Kind      string
	JobName   string
	VideoID   string
	InputKey  string
	Ladder    []string
	Attempt   int
	Status    int
	Timestamp time.Time
}

// Controller hosts a single httptest.Server that serves the job endpoints.
type Controller struct {
	server *httptest.Server
	opts   Options

	mu         sync.Mutex
	operations []Operation
	submits    int
}

// Start spins up a new controller stub using the provided options.
func Start(opts Options) *Controller {
	if opts.JobIDPrefix == "" {
		opts.JobIDPrefix = "jobs/"
	}
	c := &Controller{opts: opts}
	c.server = httptest.NewServer(http.HandlerFunc(c.handle))
	return c
}

// Close shuts down the underlying HTTP server.
func (c *Controller) Close() {
	if c.server != nil {
		c.server.Close()
	}
}

// BaseURL returns the HTTP base URL for all controller endpoints.
func (c *Controller) BaseURL() string {
	return c.server.URL
}

// Operations returns a copy of all recorded operations in the order they occurred.
func (c *Controller) Operations() []Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Operation, len(c.operations))
	copy(out, c.operations)
	return out
}

func (c *Controller) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/healthz":
		c.handleHealth(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/v1/jobs":
		c.handleSubmit(w, r)
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/v1/jobs/"):
		c.handleCancel(w, r)
	default:
		http.Error(w, "unexpected request", http.StatusNotFound)
	}
}

func (c *Controller) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !c.expectBearer(w, r) {
		return
	}
	if c.opts.Unhealthy {
		http.Error(w, "ffmpeg unavailable", http.StatusServiceUnavailable)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// submitRequest mirrors the wire shape of transcoder.SubmitRequest; the stub
// decodes only the fields it records.
type submitRequest struct {
	Spec struct {
		Name       string `json:"name"`
		VideoID    string `json:"videoId"`
		InputKey   string `json:"inputKey"`
		Renditions []struct {
			Name string `json:"name"`
		} `json:"renditions"`
	} `json:"spec"`
}

func (c *Controller) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !c.expectBearer(w, r) {
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	c.mu.Lock()
	c.submits++
	attempt := c.submits
	c.mu.Unlock()

	op := Operation{
		Kind:      "job-submit",
		JobName:   req.Spec.Name,
		VideoID:   req.Spec.VideoID,
		InputKey:  req.Spec.InputKey,
		Attempt:   attempt,
		Status:    http.StatusCreated,
		Timestamp: time.Now(),
	}
	for _, rendition := range req.Spec.Renditions {
		op.Ladder = append(op.Ladder, rendition.Name)
	}

	switch {
	case c.opts.RejectSubmits:
		op.Status = http.StatusBadRequest
		c.record(op)
		http.Error(w, "job rejected", http.StatusBadRequest)
		return
	case attempt <= c.opts.FailSubmits:
		op.Status = http.StatusBadGateway
		c.record(op)
		http.Error(w, "transcoder offline", http.StatusBadGateway)
		return
	}
	c.record(op)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"jobId":   c.opts.JobIDPrefix + req.Spec.Name,
		"jobName": req.Spec.Name,
		"state":   "PENDING",
	})
}

func (c *Controller) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !c.expectBearer(w, r) {
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")
	c.record(Operation{Kind: "job-cancel", JobName: name, Status: http.StatusNoContent})
	w.WriteHeader(http.StatusNoContent)
}

func (c *Controller) record(op Operation) {
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations = append(c.operations, op)
}

func (c *Controller) expectBearer(w http.ResponseWriter, r *http.Request) bool {
	expected := strings.TrimSpace(c.opts.Token)
	if expected == "" {
		return true
	}
	if got := r.Header.Get("Authorization"); got != fmt.Sprintf("Bearer %s", expected) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

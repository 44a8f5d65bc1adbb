package transcoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPConfig configures the self-hosted job controller client.
type HTTPConfig struct {
	BaseURL        string
	Token          string
	HealthEndpoint string
	HTTPClient     *http.Client
}

// HTTPClient submits jobs to the ffmpeg job controller in cmd/transcoder.
type HTTPClient struct {
	config HTTPConfig
}

// SubmitRequest is the body of POST /v1/jobs.
type SubmitRequest struct {
	Spec JobSpec `json:"spec"`
}

// SubmitResponse is returned by POST /v1/jobs.
type SubmitResponse struct {
	JobID   string `json:"jobId"`
	JobName string `json:"jobName"`
	State   string `json:"state"`
}

// NewHTTPClient returns a client for the job controller at cfg.BaseURL.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("job controller base url required")
	}
	if cfg.HealthEndpoint == "" {
		cfg.HealthEndpoint = "/healthz"
	}
	return &HTTPClient{config: cfg}, nil
}

func (c *HTTPClient) httpClient() *http.Client {
	if c.config.HTTPClient != nil {
		return c.config.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (c *HTTPClient) Submit(ctx context.Context, spec JobSpec) (Job, error) {
	if err := spec.Validate(); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrSubmissionRejected, err)
	}
	var response SubmitResponse
	url := fmt.Sprintf("%s/v1/jobs", strings.TrimRight(c.config.BaseURL, "/"))
	if err := c.post(ctx, url, SubmitRequest{Spec: spec}, &response); err != nil {
		return Job{}, fmt.Errorf("submit transcode job %s: %w", spec.Name, err)
	}
	if response.JobID == "" {
		return Job{}, fmt.Errorf("submit transcode job %s: controller returned no job id", spec.Name)
	}
	name := response.JobName
	if name == "" {
		name = spec.Name
	}
	return Job{ID: response.JobID, Name: name, State: ParseState(response.State)}, nil
}

func (c *HTTPClient) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{Component: "transcoder"}
	url := fmt.Sprintf("%s%s", strings.TrimRight(c.config.BaseURL, "/"), c.config.HealthEndpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		status.Status = "error"
		status.Detail = err.Error()
		return status
	}
	if header := bearer(c.config.Token); header != "" {
		req.Header.Set("Authorization", header)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		status.Status = "error"
		status.Detail = err.Error()
		return status
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		status.Status = "ok"
	} else {
		status.Status = "error"
		status.Detail = resp.Status
	}
	return status
}

func (c *HTTPClient) post(ctx context.Context, url string, payload interface{}, dest interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if header := bearer(c.config.Token); header != "" {
		req.Header.Set("Authorization", header)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: %s: %s", ErrSubmissionRejected, resp.Status, strings.TrimSpace(string(data)))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if dest == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

func bearer(token string) string {
	if token == "" {
		return ""
	}
	return "Bearer " + token
}

var (
	_ Client        = (*HTTPClient)(nil)
	_ HealthChecker = (*HTTPClient)(nil)
)

package transcoder

import (
	"context"
	"errors"
	"strings"
)

// State is the job state reported by the transcoding service.
type State string

const (
	StateUnspecified State = "STATE_UNSPECIFIED"
	StatePending     State = "PENDING"
	StateRunning     State = "RUNNING"
	StateSucceeded   State = "SUCCEEDED"
	StateFailed      State = "FAILED"
)

// ParseState upper-cases and trims a reported state.
func ParseState(value string) State {
	return State(strings.ToUpper(strings.TrimSpace(value)))
}

// ErrSubmissionRejected wraps errors where the transcoder refused the job
// rather than being unreachable.
var ErrSubmissionRejected = errors.New("transcode job rejected")

// Job identifies a submitted job.
type Job struct {
	ID    string
	Name  string
	State State
}

// Client submits transcode jobs.
type Client interface {
	Submit(ctx context.Context, spec JobSpec) (Job, error)
}

// HealthStatus reports the reachability of the transcoding backend.
type HealthStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

// HealthChecker is implemented by clients that can probe their backend.
type HealthChecker interface {
	HealthCheck(ctx context.Context) HealthStatus
}

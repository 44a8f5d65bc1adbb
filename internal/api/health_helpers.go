package api

import (
	"context"
	"net/http"
	"time"
)

const healthTimeout = 3 * time.Second

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status   string            `json:"status"`
	Services []componentStatus `json:"services"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, len(h.Probes)+2)
	if h.Pipeline != nil {
		components = append(components, recordComponent("datastore", h.Pipeline.Repository().Ping(ctx)))
	}

	if h.Transcoder != nil {
		status := h.Transcoder.HealthCheck(ctx)
		component := componentStatus{Component: status.Component, Status: status.Status, Error: status.Detail}
		if component.Component == "" {
			component.Component = "transcoder"
		}
		// An unreachable transcoder degrades submissions but not playback.
		if component.Status != "ok" && overallStatus == "ok" {
			overallStatus = "degraded"
		}
		components = append(components, component)
	}

	for _, probe := range h.Probes {
		if probe.Check == nil {
			continue
		}
		components = append(components, recordComponent(probe.Name, probe.Check(ctx)))
	}

	return components, overallStatus, statusCode
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	components, status, code := h.componentHealth(ctx)
	writeJSON(w, code, healthResponse{Status: status, Services: components})
}

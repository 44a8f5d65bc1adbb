package api

import (
	"net/http"
	"time"

	"coachline/internal/models"
	"coachline/internal/pipeline"
)

type registerUploadRequest struct {
	Title       string `json:"title" validate:"max=200,no_xss"`
	Filename    string `json:"filename" validate:"required,max=255"`
	ContentType string `json:"contentType" validate:"omitempty,max=100"`
	SizeBytes   int64  `json:"sizeBytes" validate:"gte=0"`
}

type completeUploadRequest struct {
	VideoID string `json:"videoId" validate:"required,video_id"`
}

type webhookRequest struct {
	JobName string `json:"jobName" validate:"required"`
	JobID   string `json:"jobId"`
	State   string `json:"state" validate:"required"`
	Error   string `json:"error"`
}

type videoResponse struct {
	ID             string             `json:"id"`
	OwnerID        string             `json:"ownerId"`
	Title          string             `json:"title,omitempty"`
	Filename       string             `json:"filename,omitempty"`
	Status         models.VideoStatus `json:"status"`
	TranscodeJobID string             `json:"transcodeJobId,omitempty"`
	Error          string             `json:"error,omitempty"`
	InputSize      int64              `json:"inputSize,omitempty"`
	DeliveryURLs   map[string]string  `json:"deliveryUrls,omitempty"`
	CreatedAt      string             `json:"createdAt"`
	UpdatedAt      string             `json:"updatedAt"`
	ProcessedAt    *string            `json:"processedAt,omitempty"`
}

func newVideoResponse(video models.Video) videoResponse {
	resp := videoResponse{
		ID:             video.ID,
		OwnerID:        video.OwnerID,
		Title:          video.Title,
		Filename:       video.Filename,
		Status:         video.Status,
		TranscodeJobID: video.TranscodeJobID,
		Error:          video.Error,
		InputSize:      video.InputSize,
		DeliveryURLs:   video.DeliveryURLs,
		CreatedAt:      video.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:      video.UpdatedAt.Format(time.RFC3339Nano),
	}
	if video.ProcessedAt != nil {
		processed := video.ProcessedAt.Format(time.RFC3339Nano)
		resp.ProcessedAt = &processed
	}
	return resp
}

// RegisterUpload handles POST /api/video/upload.
func (h *Handler) RegisterUpload(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req registerUploadRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	ticket, err := h.Pipeline.RegisterUpload(r.Context(), identityFromRequest(r), pipeline.RegisterUploadRequest{
		Title:       req.Title,
		Filename:    req.Filename,
		ContentType: req.ContentType,
		SizeBytes:   req.SizeBytes,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

// CompleteUpload handles POST /api/video/upload-complete.
func (h *Handler) CompleteUpload(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req completeUploadRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	result, err := h.Pipeline.CompleteUpload(r.Context(), identityFromRequest(r), req.VideoID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Webhook handles POST /api/video/webhook from the transcoding service.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if !h.validWebhookSecret(r) {
		requestLogger(r, h.logger).Warn("webhook rejected: bad secret")
		WriteRequestError(w, UnauthorizedError("unauthorized"))
		return
	}
	var req webhookRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteRequestError(w, ValidationError(err.Error()))
		return
	}
	if err := validate.Struct(&req); err != nil {
		WriteRequestError(w, ValidationError("missing required fields"))
		return
	}
	if _, err := h.Pipeline.HandleJobEvent(r.Context(), pipeline.JobEvent{
		JobName: req.JobName,
		JobID:   req.JobID,
		State:   req.State,
		Error:   req.Error,
	}); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Playback handles GET /api/video/playback?videoId=&format=.
func (h *Handler) Playback(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	query := r.URL.Query()
	result, err := h.Pipeline.IssuePlayback(r.Context(), identityFromRequest(r), query.Get("videoId"), query.Get("format"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, result)
}

// VideoStatus handles GET /api/video/status?videoId=.
func (h *Handler) VideoStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	video, err := h.Pipeline.GetVideo(r.Context(), identityFromRequest(r), r.URL.Query().Get("videoId"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newVideoResponse(video))
}

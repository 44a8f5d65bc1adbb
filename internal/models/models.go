package models

import (
	"strings"
	"time"
)

// VideoStatus is the processing state of an uploaded video.
type VideoStatus string

const (
	StatusUploading   VideoStatus = "uploading"
	StatusTranscoding VideoStatus = "transcoding"
	StatusReady       VideoStatus = "ready"
	StatusError       VideoStatus = "error"
)

// ParseVideoStatus normalises a stored status value. Unknown values are
// reported as not ok so callers can reject corrupt records.
func ParseVideoStatus(value string) (VideoStatus, bool) {
	switch VideoStatus(strings.ToLower(strings.TrimSpace(value))) {
	case StatusUploading:
		return StatusUploading, true
	case StatusTranscoding:
		return StatusTranscoding, true
	case StatusReady:
		return StatusReady, true
	case StatusError:
		return StatusError, true
	default:
		return "", false
	}
}

// Terminal reports whether no further pipeline transition may leave the status.
func (s VideoStatus) Terminal() bool {
	return s == StatusReady || s == StatusError
}

// Delivery formats keyed in Video.DeliveryURLs.
const (
	DeliveryHLS        = "hls"
	DeliveryMP4        = "mp4"
	DeliveryThumbnails = "thumbnails"
)

// Video is the status record of one uploaded asset.
type Video struct {
	ID             string            `json:"id" firestore:"id"`
	OwnerID        string            `json:"ownerId" firestore:"ownerId"`
	Title          string            `json:"title,omitempty" firestore:"title"`
	Filename       string            `json:"filename,omitempty" firestore:"filename"`
	ContentType    string            `json:"contentType,omitempty" firestore:"contentType"`
	UploadPath     string            `json:"uploadPath" firestore:"uploadPath"`
	Status         VideoStatus       `json:"status" firestore:"status"`
	TranscodeJobID string            `json:"transcodeJobId,omitempty" firestore:"transcodeJobId"`
	Error          string            `json:"error,omitempty" firestore:"error"`
	InputSize      int64             `json:"inputSize,omitempty" firestore:"inputSize"`
	DeliveryURLs   map[string]string `json:"deliveryUrls,omitempty" firestore:"deliveryUrls"`
	Version        int64             `json:"version" firestore:"version"`
	CreatedAt      time.Time         `json:"createdAt" firestore:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt" firestore:"updatedAt"`
	ProcessedAt    *time.Time        `json:"processedAt,omitempty" firestore:"processedAt"`
}

// Clone returns a deep copy so callers never share the delivery map.
func (v Video) Clone() Video {
	out := v
	if v.DeliveryURLs != nil {
		out.DeliveryURLs = make(map[string]string, len(v.DeliveryURLs))
		for k, val := range v.DeliveryURLs {
			out.DeliveryURLs[k] = val
		}
	}
	if v.ProcessedAt != nil {
		processed := *v.ProcessedAt
		out.ProcessedAt = &processed
	}
	return out
}

// JobMapping links a submitted transcode job back to its video.
type JobMapping struct {
	JobID       string    `json:"jobId" firestore:"jobId"`
	JobName     string    `json:"jobName" firestore:"jobName"`
	VideoID     string    `json:"videoId" firestore:"videoId"`
	SubmittedAt time.Time `json:"submittedAt" firestore:"submittedAt"`
}

// Platform roles carried on identity tokens.
const (
	RoleAthlete    = "athlete"
	RoleCoach      = "coach"
	RoleAssistant  = "assistant"
	RoleAdmin      = "admin"
	RoleSuperadmin = "superadmin"
)

// Identity is the verified caller behind a bearer token.
type Identity struct {
	UID   string   `json:"uid"`
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// HasRole reports whether the identity carries the role, case-insensitively.
func (i Identity) HasRole(role string) bool {
	for _, existing := range i.Roles {
		if strings.EqualFold(existing, role) {
			return true
		}
	}
	return false
}

// IsStaff reports whether the identity may act on any user's videos.
func (i Identity) IsStaff() bool {
	return i.HasRole(RoleAdmin) || i.HasRole(RoleSuperadmin)
}

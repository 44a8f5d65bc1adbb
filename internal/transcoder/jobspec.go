// Package transcoder describes transcode jobs and submits them to either the
// Google Cloud Transcoder API or the self-hosted ffmpeg job controller.
package transcoder

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// OutputRoot is the folder in the outputs bucket that receives job results.
const OutputRoot = "transcoder-output"

// MasterManifest is the file name of the HLS master playlist.
const MasterManifest = "manifest.m3u8"

// Rendition is one H.264 output resolution.
type Rendition struct {
	Name        string `json:"name"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	BitrateBps  int    `json:"bitrateBps"`
	FrameRate   int    `json:"frameRate"`
	MP4FileName string `json:"mp4FileName"`
}

// JobSpec is the transcode job descriptor. Only the job name and the id the
// transcoder assigns are persisted.
type JobSpec struct {
	Name            string        `json:"name"`
	VideoID         string        `json:"videoId"`
	InputBucket     string        `json:"inputBucket"`
	InputKey        string        `json:"inputKey"`
	OutputBucket    string        `json:"outputBucket"`
	OutputPrefix    string        `json:"outputPrefix"`
	Renditions      []Rendition   `json:"renditions"`
	AudioCodec      string        `json:"audioCodec"`
	AudioBitrateBps int           `json:"audioBitrateBps"`
	SegmentDuration time.Duration `json:"segmentDuration"`
	Manifest        string        `json:"manifest"`
	ThumbnailCount  int           `json:"thumbnailCount"`
	ContentType     string        `json:"contentType,omitempty"`
	InputSize       int64         `json:"inputSize,omitempty"`
}

// DefaultLadder returns the three H.264 renditions produced for every
// upload.
func DefaultLadder() []Rendition {
	return []Rendition{
		{Name: "1080p", Width: 1920, Height: 1080, BitrateBps: 5_000_000, FrameRate: 30, MP4FileName: "1080p.mp4"},
		{Name: "720p", Width: 1280, Height: 720, BitrateBps: 2_500_000, FrameRate: 30, MP4FileName: "720p.mp4"},
		{Name: "480p", Width: 854, Height: 480, BitrateBps: 1_000_000, FrameRate: 30, MP4FileName: "480p.mp4"},
	}
}

// JobName returns <videoID>-<unix seconds>-job.
func JobName(videoID string, at time.Time) string {
	return fmt.Sprintf("%s-%d-job", videoID, at.Unix())
}

// OutputPrefix returns transcoder-output/<videoID>/.
func OutputPrefix(videoID string) string {
	return OutputRoot + "/" + videoID + "/"
}

// LegacyVideoIDFromJobName recovers the video id from a job name by taking
// everything before the first "-". Ids that contain "-" cannot be recovered
// this way; job mappings exist for that reason.
func LegacyVideoIDFromJobName(jobName string) string {
	return strings.Split(strings.TrimSpace(jobName), "-")[0]
}

// VideoIDFromJobName strips the -<unix>-job suffix produced by JobName. It
// handles ids containing "-" and reports false for names that do not follow
// the pattern.
func VideoIDFromJobName(jobName string) (string, bool) {
	name := strings.TrimSpace(jobName)
	if !strings.HasSuffix(name, "-job") {
		return "", false
	}
	trimmed := strings.TrimSuffix(name, "-job")
	idx := strings.LastIndex(trimmed, "-")
	if idx <= 0 {
		return "", false
	}
	if _, err := strconv.ParseInt(trimmed[idx+1:], 10, 64); err != nil {
		return "", false
	}
	return trimmed[:idx], true
}

// NewJobSpec builds the descriptor for a completed upload.
func NewJobSpec(videoID, inputBucket, inputKey, outputBucket string, at time.Time) JobSpec {
	return JobSpec{
		Name:            JobName(videoID, at),
		VideoID:         videoID,
		InputBucket:     inputBucket,
		InputKey:        strings.TrimLeft(inputKey, "/"),
		OutputBucket:    outputBucket,
		OutputPrefix:    OutputPrefix(videoID),
		Renditions:      DefaultLadder(),
		AudioCodec:      "aac",
		AudioBitrateBps: 128_000,
		SegmentDuration: 6 * time.Second,
		Manifest:        MasterManifest,
		ThumbnailCount:  3,
	}
}

// Validate reports descriptors that cannot be submitted.
func (s JobSpec) Validate() error {
	switch {
	case strings.TrimSpace(s.Name) == "":
		return fmt.Errorf("job name is required")
	case strings.TrimSpace(s.VideoID) == "":
		return fmt.Errorf("video id is required")
	case s.InputBucket == "" || s.InputKey == "":
		return fmt.Errorf("input location is required")
	case s.OutputBucket == "" || s.OutputPrefix == "":
		return fmt.Errorf("output location is required")
	case len(s.Renditions) == 0:
		return fmt.Errorf("at least one rendition is required")
	}
	for _, r := range s.Renditions {
		if r.Width <= 0 || r.Height <= 0 || r.BitrateBps <= 0 {
			return fmt.Errorf("rendition %q has invalid dimensions or bitrate", r.Name)
		}
	}
	return nil
}

// InputURI returns gs://<bucket>/<key>.
func (s JobSpec) InputURI() string {
	return "gs://" + s.InputBucket + "/" + s.InputKey
}

// OutputURI returns gs://<bucket>/<prefix>.
func (s JobSpec) OutputURI() string {
	return "gs://" + s.OutputBucket + "/" + s.OutputPrefix
}

package transcoder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	video "cloud.google.com/go/video/transcoder/apiv1"
	"cloud.google.com/go/video/transcoder/apiv1/transcoderpb"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/types/known/durationpb"
)

// GCPConfig configures the Cloud Transcoder API client.
type GCPConfig struct {
	ProjectID       string
	Location        string
	CredentialsFile string
	// PubsubTopic, when set, receives job state notifications which a push
	// subscription relays to the webhook.
	PubsubTopic string
}

// GCPClient submits jobs to the Google Cloud Transcoder API.
type GCPClient struct {
	client *video.Client
	cfg    GCPConfig
}

// NewGCPClient opens the Transcoder API client.
func NewGCPClient(ctx context.Context, cfg GCPConfig) (*GCPClient, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, fmt.Errorf("transcoder project id required")
	}
	if strings.TrimSpace(cfg.Location) == "" {
		cfg.Location = "us-central1"
	}
	var opts []option.ClientOption
	if file := strings.TrimSpace(cfg.CredentialsFile); file != "" {
		opts = append(opts, option.WithCredentialsFile(file))
	}
	client, err := video.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("open transcoder client: %w", err)
	}
	return &GCPClient{client: client, cfg: cfg}, nil
}

// Close releases the client connection.
func (c *GCPClient) Close() error {
	return c.client.Close()
}

func (c *GCPClient) parent() string {
	return fmt.Sprintf("projects/%s/locations/%s", c.cfg.ProjectID, c.cfg.Location)
}

func (c *GCPClient) Submit(ctx context.Context, spec JobSpec) (Job, error) {
	if err := spec.Validate(); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrSubmissionRejected, err)
	}
	req := &transcoderpb.CreateJobRequest{
		Parent: c.parent(),
		Job:    buildGCPJob(spec, c.cfg.PubsubTopic),
	}
	created, err := c.client.CreateJob(ctx, req)
	if err != nil {
		return Job{}, fmt.Errorf("create transcode job %s: %w", spec.Name, err)
	}
	return Job{
		ID:    created.GetName(),
		Name:  spec.Name,
		State: State(created.GetState().String()),
	}, nil
}

// HealthCheck lists at most one job to confirm the API is reachable with the
// configured credentials.
func (c *GCPClient) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{Component: "transcoder", Status: "ok"}
	it := c.client.ListJobs(ctx, &transcoderpb.ListJobsRequest{Parent: c.parent(), PageSize: 1})
	if _, err := it.Next(); err != nil && !errors.Is(err, iterator.Done) {
		status.Status = "error"
		status.Detail = err.Error()
	}
	return status
}

func videoStreamKey(r Rendition) string { return "video-" + r.Name }
func hlsMuxKey(r Rendition) string      { return "hls-" + r.Name }
func mp4MuxKey(r Rendition) string      { return "mp4-" + r.Name }

const audioStreamKey = "audio-aac"

// buildGCPJob maps the descriptor onto the Transcoder API job config: one
// H.264 elementary stream per rendition plus a shared AAC stream, a ts mux
// and an mp4 mux per rendition, the HLS master manifest, and a sprite sheet
// for thumbnails.
func buildGCPJob(spec JobSpec, pubsubTopic string) *transcoderpb.Job {
	elementary := make([]*transcoderpb.ElementaryStream, 0, len(spec.Renditions)+1)
	muxes := make([]*transcoderpb.MuxStream, 0, len(spec.Renditions)*2)
	hlsKeys := make([]string, 0, len(spec.Renditions))

	for _, r := range spec.Renditions {
		elementary = append(elementary, &transcoderpb.ElementaryStream{
			Key: videoStreamKey(r),
			ElementaryStream: &transcoderpb.ElementaryStream_VideoStream{
				VideoStream: &transcoderpb.VideoStream{
					CodecSettings: &transcoderpb.VideoStream_H264{
						H264: &transcoderpb.VideoStream_H264CodecSettings{
							WidthPixels:  int32(r.Width),
							HeightPixels: int32(r.Height),
							BitrateBps:   int32(r.BitrateBps),
							FrameRate:    float64(r.FrameRate),
						},
					},
				},
			},
		})
		muxes = append(muxes,
			&transcoderpb.MuxStream{
				Key:               hlsMuxKey(r),
				Container:         "ts",
				ElementaryStreams: []string{videoStreamKey(r), audioStreamKey},
				SegmentSettings: &transcoderpb.SegmentSettings{
					SegmentDuration: durationpb.New(spec.SegmentDuration),
				},
			},
			&transcoderpb.MuxStream{
				Key:               mp4MuxKey(r),
				FileName:          r.MP4FileName,
				Container:         "mp4",
				ElementaryStreams: []string{videoStreamKey(r), audioStreamKey},
			},
		)
		hlsKeys = append(hlsKeys, hlsMuxKey(r))
	}
	elementary = append(elementary, &transcoderpb.ElementaryStream{
		Key: audioStreamKey,
		ElementaryStream: &transcoderpb.ElementaryStream_AudioStream{
			AudioStream: &transcoderpb.AudioStream{
				Codec:      spec.AudioCodec,
				BitrateBps: int32(spec.AudioBitrateBps),
			},
		},
	})

	config := &transcoderpb.JobConfig{
		ElementaryStreams: elementary,
		MuxStreams:        muxes,
		Manifests: []*transcoderpb.Manifest{{
			FileName:   spec.Manifest,
			Type:       transcoderpb.Manifest_HLS,
			MuxStreams: hlsKeys,
		}},
	}
	if spec.ThumbnailCount > 0 {
		config.SpriteSheets = []*transcoderpb.SpriteSheet{{
			FilePrefix:         "thumbnail",
			SpriteWidthPixels:  640,
			SpriteHeightPixels: 360,
			ColumnCount:        1,
			RowCount:           1,
			ExtractionStrategy: &transcoderpb.SpriteSheet_TotalCount{TotalCount: int32(spec.ThumbnailCount)},
		}}
	}
	if topic := strings.TrimSpace(pubsubTopic); topic != "" {
		config.PubsubDestination = &transcoderpb.PubsubDestination{Topic: topic}
	}

	return &transcoderpb.Job{
		InputUri:  spec.InputURI(),
		OutputUri: spec.OutputURI(),
		Labels: map[string]string{
			"video_id": labelValue(spec.VideoID),
			"job_name": labelValue(spec.Name),
		},
		JobConfig: &transcoderpb.Job_Config{Config: config},
	}
}

// labelValue lower-cases and truncates to the 63 characters GCP labels allow.
func labelValue(value string) string {
	value = strings.ToLower(value)
	if len(value) > 63 {
		value = value[:63]
	}
	return value
}

var (
	_ Client        = (*GCPClient)(nil)
	_ HealthChecker = (*GCPClient)(nil)
)

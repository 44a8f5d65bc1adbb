package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"coachline/internal/models"
	"coachline/internal/objectstore"
	"coachline/internal/transcoder"
)

// Playback formats accepted by IssuePlayback.
const (
	FormatHLS       = "hls"
	FormatMP4       = "mp4"
	FormatThumbnail = "thumbnail"
	FormatAll       = "all"
)

// ParseFormat defaults an empty format to hls and rejects unknown values.
func ParseFormat(value string) (string, error) {
	format := strings.ToLower(strings.TrimSpace(value))
	switch format {
	case "":
		return FormatHLS, nil
	case FormatHLS, FormatMP4, FormatThumbnail, FormatAll:
		return format, nil
	default:
		return "", fmt.Errorf("%q: %w", value, ErrInvalidFormat)
	}
}

// PlaybackURLs holds the signed URLs for the requested format.
type PlaybackURLs struct {
	Master     string            `json:"master,omitempty"`
	Segments   map[string]string `json:"segments,omitempty"`
	MP4        map[string]string `json:"mp4,omitempty"`
	Thumbnails map[string]string `json:"thumbnails,omitempty"`
}

// PlaybackResult is the response to a playback request. Every URL in it
// expires at ExpiresAt.
type PlaybackResult struct {
	VideoID    string       `json:"videoId"`
	Format     string       `json:"format"`
	URLs       PlaybackURLs `json:"urls"`
	ExpiresAt  time.Time    `json:"expiresAt"`
	CDNEnabled bool         `json:"cdnEnabled"`
}

// IssuePlayback lists the delivery files of a ready video and signs a
// short-lived GET URL for each. Nothing is cached between calls.
func (s *Service) IssuePlayback(ctx context.Context, identity models.Identity, videoID, format string) (PlaybackResult, error) {
	if strings.TrimSpace(identity.UID) == "" {
		return PlaybackResult{}, ErrUnauthorized
	}
	videoID = strings.TrimSpace(videoID)
	if videoID == "" {
		return PlaybackResult{}, invalidField("videoId", "is required")
	}
	format, err := ParseFormat(format)
	if err != nil {
		return PlaybackResult{}, err
	}
	video, err := s.loadVideo(ctx, videoID)
	if err != nil {
		return PlaybackResult{}, err
	}
	if video.Status != models.StatusReady {
		return PlaybackResult{}, fmt.Errorf("video %s is %s: %w", video.ID, video.Status, ErrInvalidState)
	}

	// Signed URL expiries carry whole seconds.
	now := s.now().Truncate(time.Second)
	signer := playbackSigner{service: s, expires: now.Add(s.playbackTTL)}
	result := PlaybackResult{
		VideoID:    video.ID,
		Format:     format,
		ExpiresAt:  signer.expires,
		CDNEnabled: s.CDNEnabled(),
	}

	if format == FormatHLS || format == FormatAll {
		if err := signer.hls(ctx, video.ID, &result.URLs); err != nil {
			return PlaybackResult{}, err
		}
	}
	if format == FormatMP4 || format == FormatAll {
		if err := signer.mp4(ctx, video.ID, &result.URLs); err != nil {
			return PlaybackResult{}, err
		}
	}
	if format == FormatThumbnail || format == FormatAll {
		if err := signer.thumbnails(ctx, video.ID, &result.URLs); err != nil {
			return PlaybackResult{}, err
		}
	}
	return result, nil
}

// playbackSigner signs every URL of one issuance with the same expiry.
type playbackSigner struct {
	service *Service
	expires time.Time
}

func (p playbackSigner) sign(ctx context.Context, key string) (string, error) {
	s := p.service
	signed, err := s.objects.SignURL(ctx, s.deliveryBucket, key, http.MethodGet, p.expires)
	if err != nil {
		return "", fmt.Errorf("sign %s: %w", key, err)
	}
	if s.cdnBaseURL != "" {
		signed, err = objectstore.RewriteToCDN(signed, s.cdnBaseURL)
		if err != nil {
			return "", err
		}
	}
	return signed, nil
}

func (p playbackSigner) list(ctx context.Context, prefix string) ([]objectstore.ObjectInfo, error) {
	objects, err := p.service.objects.List(ctx, p.service.deliveryBucket, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	return objects, nil
}

func (p playbackSigner) hls(ctx context.Context, videoID string, urls *PlaybackURLs) error {
	prefix := videoID + "/" + models.DeliveryHLS + "/"
	master, err := p.sign(ctx, prefix+transcoder.MasterManifest)
	if err != nil {
		return err
	}
	urls.Master = master
	p.service.metrics.PlaybackURLSigned(FormatHLS)

	objects, err := p.list(ctx, prefix)
	if err != nil {
		return err
	}
	urls.Segments = make(map[string]string)
	for _, obj := range objects {
		rel := strings.TrimPrefix(obj.Key, prefix)
		if rel == transcoder.MasterManifest {
			continue
		}
		switch strings.ToLower(path.Ext(rel)) {
		case ".ts", ".m3u8":
		default:
			continue
		}
		signed, err := p.sign(ctx, obj.Key)
		if err != nil {
			return err
		}
		urls.Segments[rel] = signed
		p.service.metrics.PlaybackURLSigned(FormatHLS)
	}
	return nil
}

func (p playbackSigner) mp4(ctx context.Context, videoID string, urls *PlaybackURLs) error {
	prefix := videoID + "/" + models.DeliveryMP4 + "/"
	objects, err := p.list(ctx, prefix)
	if err != nil {
		return err
	}
	urls.MP4 = make(map[string]string)
	for _, obj := range objects {
		name := strings.TrimPrefix(obj.Key, prefix)
		signed, err := p.sign(ctx, obj.Key)
		if err != nil {
			return err
		}
		quality := guessQuality(name)
		if _, taken := urls.MP4[quality]; taken {
			quality = name
		}
		urls.MP4[quality] = signed
		p.service.metrics.PlaybackURLSigned(FormatMP4)
	}
	return nil
}

func (p playbackSigner) thumbnails(ctx context.Context, videoID string, urls *PlaybackURLs) error {
	prefix := videoID + "/" + models.DeliveryThumbnails + "/"
	objects, err := p.list(ctx, prefix)
	if err != nil {
		return err
	}
	urls.Thumbnails = make(map[string]string)
	for _, obj := range objects {
		signed, err := p.sign(ctx, obj.Key)
		if err != nil {
			return err
		}
		urls.Thumbnails[strings.TrimPrefix(obj.Key, prefix)] = signed
		p.service.metrics.PlaybackURLSigned(FormatThumbnail)
	}
	return nil
}

// guessQuality picks the rendition label out of an MP4 file name.
func guessQuality(name string) string {
	lower := strings.ToLower(name)
	for _, quality := range []string{"1080p", "720p", "480p"} {
		if strings.Contains(lower, quality) {
			return quality
		}
	}
	return "default"
}

// Package objectstore abstracts the buckets that hold raw uploads and
// delivery renditions. Backends exist for Google Cloud Storage, S3
// compatible endpoints, a local directory served by the API, and memory.
package objectstore

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"
)

// ErrObjectNotFound is returned when a bucket holds no object at the key.
var ErrObjectNotFound = errors.New("object not found")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Bucket      string
	Key         string
	Size        int64
	ContentType string
	Updated     time.Time
}

// Store is the subset of object storage the video pipeline relies on.
type Store interface {
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	// List returns every object whose key starts with prefix, sorted by key.
	List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
	Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error
	Put(ctx context.Context, bucket, key, contentType string, body io.Reader) error
	// SignURL returns a URL granting method access to the object until
	// expires. Only GET and PUT are supported.
	SignURL(ctx context.Context, bucket, key, method string, expires time.Time) (string, error)
}

// Reader is implemented by stores that can stream object bodies back, which
// the self-hosted transcoder needs to fetch inputs.
type Reader interface {
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error)
}

func normalizeKey(key string) string {
	return strings.TrimLeft(strings.TrimSpace(key), "/")
}

func validateSignMethod(method string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(method)) {
	case "", http.MethodGet:
		return http.MethodGet, nil
	case http.MethodPut:
		return http.MethodPut, nil
	default:
		return "", errors.New("unsupported signing method " + method)
	}
}

// ContentTypeForKey guesses a content type from the key extension, covering
// the streaming formats mime does not know about.
func ContentTypeForKey(key string) string {
	ext := strings.ToLower(path.Ext(key))
	switch ext {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".m4s":
		return "video/iso.segment"
	case ".mp4":
		return "video/mp4"
	}
	if guessed := mime.TypeByExtension(ext); guessed != "" {
		return guessed
	}
	return "application/octet-stream"
}

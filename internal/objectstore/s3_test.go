package objectstore

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func presignedExpiry(t *testing.T, signed string) time.Time {
	t.Helper()
	parsed, err := url.Parse(signed)
	require.NoError(t, err)
	query := parsed.Query()
	signedAt, err := time.Parse("20060102T150405Z", query.Get("X-Amz-Date"))
	require.NoError(t, err)
	seconds, err := strconv.Atoi(query.Get("X-Amz-Expires"))
	require.NoError(t, err)
	return signedAt.Add(time.Duration(seconds) * time.Second)
}

func TestS3SignURLSharesRequestedExpiry(t *testing.T) {
	t.Setenv("AWS_CONFIG_FILE", "/nonexistent")
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", "/nonexistent")
	ctx := context.Background()
	store, err := NewS3(ctx, S3Config{
		Endpoint:     "http://127.0.0.1:9000",
		Region:       "us-east-1",
		AccessKey:    "minio",
		SecretKey:    "minio-secret",
		UsePathStyle: true,
	})
	require.NoError(t, err)

	expires := time.Now().Add(15 * time.Minute).Truncate(time.Second)
	manifest, err := store.SignURL(ctx, "delivery", "v1/hls/manifest.m3u8", http.MethodGet, expires)
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)
	rendition, err := store.SignURL(ctx, "delivery", "v1/mp4/720p.mp4", http.MethodGet, expires)
	require.NoError(t, err)

	assert.True(t, expires.Equal(presignedExpiry(t, manifest)), "manifest expiry %s", presignedExpiry(t, manifest))
	assert.True(t, expires.Equal(presignedExpiry(t, rendition)), "rendition expiry %s", presignedExpiry(t, rendition))

	upload, err := store.SignURL(ctx, "uploads", "raw/v1.mp4", http.MethodPut, expires)
	require.NoError(t, err)
	assert.True(t, expires.Equal(presignedExpiry(t, upload)))

	_, err = store.SignURL(ctx, "delivery", "v1/hls/manifest.m3u8", http.MethodGet, time.Now().Add(-time.Second))
	require.Error(t, err)
}

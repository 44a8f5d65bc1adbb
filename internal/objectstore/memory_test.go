package objectstore

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemory("")
	store.PutPlaceholder("uploads", "raw/v1.mp4", "", 200*1024*1024)

	info, err := store.Stat(ctx, "uploads", "/raw/v1.mp4")
	require.NoError(t, err)
	assert.Equal(t, int64(200*1024*1024), info.Size)
	assert.Equal(t, "video/mp4", info.ContentType)

	require.NoError(t, store.Put(ctx, "outputs", "transcoder-output/v1/a.ts", "", strings.NewReader("abc")))
	require.NoError(t, store.Copy(ctx, "outputs", "transcoder-output/v1/a.ts", "delivery", "v1/hls/a.ts"))
	copied, err := store.Stat(ctx, "delivery", "v1/hls/a.ts")
	require.NoError(t, err)
	assert.Equal(t, int64(3), copied.Size)

	_, err = store.Stat(ctx, "delivery", "v1/hls/missing.ts")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	expires := time.Unix(1714565700, 0)
	signed, err := store.SignURL(ctx, "delivery", "v1/hls/a.ts", http.MethodGet, expires)
	require.NoError(t, err)
	assert.Equal(t, "https://storage.memory.local/delivery/v1/hls/a.ts?expires=1714565700&method=GET", signed)

	_, err = store.SignURL(ctx, "delivery", "v1/hls/a.ts", http.MethodDelete, expires)
	assert.Error(t, err)
}

func TestRewriteToCDN(t *testing.T) {
	signed := "https://storage.googleapis.com/delivery/v1/hls/manifest.m3u8?X-Goog-Signature=abc&X-Goog-Expires=900"

	unchanged, err := RewriteToCDN(signed, "")
	require.NoError(t, err)
	assert.Equal(t, signed, unchanged)

	rewritten, err := RewriteToCDN(signed, "https://cdn.example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/delivery/v1/hls/manifest.m3u8?X-Goog-Signature=abc&X-Goog-Expires=900", rewritten)

	prefixed, err := RewriteToCDN(signed, "https://cdn.example.com/video/")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/video/delivery/v1/hls/manifest.m3u8?X-Goog-Signature=abc&X-Goog-Expires=900", prefixed)

	_, err = RewriteToCDN(signed, "cdn.example.com")
	assert.Error(t, err)
}

func TestContentTypeForKey(t *testing.T) {
	assert.Equal(t, "video/mp2t", ContentTypeForKey("v1/hls/seg.ts"))
	assert.Equal(t, "video/mp4", ContentTypeForKey("v1/mp4/hd.MP4"))
	assert.Equal(t, "image/jpeg", ContentTypeForKey("v1/thumbnails/t.jpg"))
	assert.Equal(t, "application/octet-stream", ContentTypeForKey("v1/unknown.bin9"))
}

package objectstore

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	store, err := NewLocal(LocalConfig{Root: t.TempDir(), BaseURL: "http://localhost:8080/", Secret: "media-secret"})
	require.NoError(t, err)
	return store
}

func TestLocalPutStatListCopy(t *testing.T) {
	ctx := context.Background()
	store := newTestLocal(t)

	require.NoError(t, store.Put(ctx, "outputs", "transcoder-output/v1/manifest.m3u8", "", strings.NewReader("#EXTM3U")))
	require.NoError(t, store.Put(ctx, "outputs", "transcoder-output/v1/hd/segment_0.ts", "", strings.NewReader("ts-bytes")))
	require.NoError(t, store.Put(ctx, "outputs", "transcoder-output/v2/manifest.m3u8", "", strings.NewReader("#EXTM3U")))

	info, err := store.Stat(ctx, "outputs", "transcoder-output/v1/manifest.m3u8")
	require.NoError(t, err)
	assert.Equal(t, int64(7), info.Size)
	assert.Equal(t, "application/vnd.apple.mpegurl", info.ContentType)

	objects, err := store.List(ctx, "outputs", "transcoder-output/v1/")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, "transcoder-output/v1/hd/segment_0.ts", objects[0].Key)
	assert.Equal(t, "transcoder-output/v1/manifest.m3u8", objects[1].Key)

	empty, err := store.List(ctx, "missing-bucket", "")
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, store.Copy(ctx, "outputs", "transcoder-output/v1/hd/segment_0.ts", "delivery", "v1/hls/hd/segment_0.ts"))
	rc, _, err := store.Open(ctx, "delivery", "v1/hls/hd/segment_0.ts")
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "ts-bytes", string(body))
}

func TestLocalStatMissing(t *testing.T) {
	store := newTestLocal(t)
	_, err := store.Stat(context.Background(), "uploads", "raw/none.mp4")
	assert.ErrorIs(t, err, ErrObjectNotFound)
	err = store.Copy(context.Background(), "uploads", "raw/none.mp4", "delivery", "x")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestLocalRejectsTraversal(t *testing.T) {
	store := newTestLocal(t)
	err := store.Put(context.Background(), "uploads", "../escape", "", strings.NewReader("x"))
	assert.Error(t, err)
	_, err = store.SignURL(context.Background(), "../etc", "passwd", http.MethodGet, time.Now().Add(time.Minute))
	assert.Error(t, err)
}

func TestLocalSignAndVerify(t *testing.T) {
	store := newTestLocal(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	expires := now.Add(15 * time.Minute)

	signed, err := store.SignURL(context.Background(), "delivery", "v1/hls/manifest.m3u8", http.MethodGet, expires)
	require.NoError(t, err)
	parsed, err := url.Parse(signed)
	require.NoError(t, err)
	assert.Equal(t, "localhost:8080", parsed.Host)
	assert.Equal(t, "/media/delivery/v1/hls/manifest.m3u8", parsed.Path)
	assert.Equal(t, "1714565700", parsed.Query().Get("expires"))

	query := parsed.Query()
	assert.NoError(t, store.Verify(http.MethodGet, "delivery", "v1/hls/manifest.m3u8", query))
	assert.NoError(t, store.Verify(http.MethodHead, "delivery", "v1/hls/manifest.m3u8", query))
	assert.ErrorIs(t, store.Verify(http.MethodPut, "delivery", "v1/hls/manifest.m3u8", query), ErrSignatureInvalid)
	assert.ErrorIs(t, store.Verify(http.MethodGet, "delivery", "v1/hls/other.m3u8", query), ErrSignatureInvalid)

	store.now = func() time.Time { return expires.Add(time.Second) }
	assert.ErrorIs(t, store.Verify(http.MethodGet, "delivery", "v1/hls/manifest.m3u8", query), ErrSignatureExpired)
}

func TestLocalSignaturesDependOnSecret(t *testing.T) {
	first := newTestLocal(t)
	second, err := NewLocal(LocalConfig{Root: t.TempDir(), BaseURL: "http://localhost:8080", Secret: "other-secret"})
	require.NoError(t, err)
	expires := time.Now().Add(time.Minute)
	signed, err := first.SignURL(context.Background(), "uploads", "raw/v1.mp4", http.MethodPut, expires)
	require.NoError(t, err)
	parsed, err := url.Parse(signed)
	require.NoError(t, err)
	assert.ErrorIs(t, second.Verify(http.MethodPut, "uploads", "raw/v1.mp4", parsed.Query()), ErrSignatureInvalid)
}

package metrics

import (
	"io"
	"net/http"
	"strings"
	"time"
)

// Route labels. Paths outside the API surface collapse into RouteOther so
// probes and scanners cannot inflate label cardinality.
const (
	RouteUpload         = "/api/video/upload"
	RouteUploadComplete = "/api/video/upload-complete"
	RouteWebhook        = "/api/video/webhook"
	RoutePlayback       = "/api/video/playback"
	RouteStatus         = "/api/video/status"
	RouteMedia          = "/media/{bucket}/{key...}"
	RouteHealth         = "/healthz"
	RouteMetrics        = "/metrics"
	RouteOther          = "other"
)

var exactRoutes = map[string]string{
	RouteUpload:         RouteUpload,
	RouteUploadComplete: RouteUploadComplete,
	RouteWebhook:        RouteWebhook,
	RoutePlayback:       RoutePlayback,
	RouteStatus:         RouteStatus,
	RouteHealth:         RouteHealth,
	RouteMetrics:        RouteMetrics,
}

// RouteLabel maps a request path onto the route template it is served by.
// Media keys embed video ids and segment names, so every object under
// /media/ shares one label.
func RouteLabel(path string) string {
	if strings.HasPrefix(path, "/media/") {
		return RouteMedia
	}
	trimmed := strings.TrimSuffix(path, "/")
	if route, ok := exactRoutes[trimmed]; ok {
		return route
	}
	return RouteOther
}

// ResponseRecorder wraps an http.ResponseWriter to capture the status code
// and the number of body bytes written.
type ResponseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

// NewResponseRecorder defaults the status to 200 for handlers that never
// call WriteHeader.
func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (rr *ResponseRecorder) Status() int {
	return rr.status
}

// BytesWritten reports the response body size seen so far.
func (rr *ResponseRecorder) BytesWritten() int64 {
	return rr.bytes
}

func (rr *ResponseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *ResponseRecorder) Write(p []byte) (int, error) {
	n, err := rr.ResponseWriter.Write(p)
	rr.bytes += int64(n)
	return n, err
}

// ReadFrom keeps sendfile for media bodies streamed with io.Copy.
func (rr *ResponseRecorder) ReadFrom(r io.Reader) (int64, error) {
	var (
		n   int64
		err error
	)
	if readerFrom, ok := rr.ResponseWriter.(io.ReaderFrom); ok {
		n, err = readerFrom.ReadFrom(r)
	} else {
		n, err = io.Copy(rr.ResponseWriter, r)
	}
	rr.bytes += n
	return n, err
}

// Flush lets HLS playlists stream through the recorder.
func (rr *ResponseRecorder) Flush() {
	if flusher, ok := rr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rr *ResponseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

// HTTPMiddleware records latency and status per route template, plus the
// bytes served from the local media store. A nil recorder uses Default.
func HTTPMiddleware(recorder *Recorder, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorder
		if rec == nil {
			rec = Default()
		}
		rr := NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(rr, r)

		route := RouteLabel(r.URL.Path)
		rec.observeRoute(r.Method, route, rr.Status(), time.Since(start))
		if route == RouteMedia && rr.Status() < http.StatusBadRequest {
			rec.MediaBytesServed(r.Method, rr.BytesWritten())
		}
	})
}

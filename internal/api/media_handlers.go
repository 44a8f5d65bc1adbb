package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"coachline/internal/objectstore"
)

// maxMediaUpload bounds a single PUT to the local media store.
const maxMediaUpload = 10 << 30

// Media serves /media/{bucket}/{key...} for the local object store. GET and
// HEAD stream objects back; PUT stores uploads. Every request must carry a
// signature minted by the same store.
func (h *Handler) Media(w http.ResponseWriter, r *http.Request) {
	if h.media == nil {
		WriteRequestError(w, NotFoundError("media not served by this deployment"))
		return
	}
	if !allowMethod(w, r, http.MethodGet, http.MethodHead, http.MethodPut) {
		return
	}
	bucket, key, ok := splitMediaPath(r.URL.Path)
	if !ok {
		WriteRequestError(w, NotFoundError("object not found"))
		return
	}
	if err := h.media.Verify(r.Method, bucket, key, r.URL.Query()); err != nil {
		message := "invalid signature"
		if errors.Is(err, objectstore.ErrSignatureExpired) {
			message = "signature expired"
		}
		WriteRequestError(w, ForbiddenError(message))
		return
	}

	if r.Method == http.MethodPut {
		h.putMedia(w, r, bucket, key)
		return
	}
	h.getMedia(w, r, bucket, key)
}

func (h *Handler) getMedia(w http.ResponseWriter, r *http.Request, bucket, key string) {
	body, info, err := h.media.Open(r.Context(), bucket, key)
	if err != nil {
		if errors.Is(err, objectstore.ErrObjectNotFound) {
			WriteRequestError(w, NotFoundError("object not found"))
			return
		}
		writeServiceError(w, r, h.logger, err)
		return
	}
	defer body.Close()

	contentType := info.ContentType
	if contentType == "" {
		contentType = objectstore.ContentTypeForKey(key)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.Header().Set("Cache-Control", "private, max-age=60")
	if !info.Updated.IsZero() {
		w.Header().Set("Last-Modified", info.Updated.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, body); err != nil {
		requestLogger(r, h.logger).Warn("media stream interrupted", "bucket", bucket, "key", key, "error", err)
	}
}

func (h *Handler) putMedia(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if r.ContentLength > maxMediaUpload {
		WriteRequestError(w, newRequestError(http.StatusRequestEntityTooLarge, "too_large", "upload exceeds size limit"))
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = objectstore.ContentTypeForKey(key)
	}
	body := http.MaxBytesReader(w, r.Body, maxMediaUpload)
	defer body.Close()
	if err := h.media.Put(r.Context(), bucket, key, contentType, body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteRequestError(w, newRequestError(http.StatusRequestEntityTooLarge, "too_large", "upload exceeds size limit"))
			return
		}
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func splitMediaPath(p string) (string, string, bool) {
	rest := strings.TrimPrefix(p, "/media/")
	if rest == p {
		return "", "", false
	}
	bucket, key, found := strings.Cut(rest, "/")
	if !found || bucket == "" || strings.TrimSpace(key) == "" {
		return "", "", false
	}
	return bucket, key, true
}

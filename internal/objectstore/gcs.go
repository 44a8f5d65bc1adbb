package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSConfig configures the Cloud Storage backend.
type GCSConfig struct {
	CredentialsFile string
	// SigningAccount and SigningKey override the service account used for
	// V4 signed URLs. When empty the client credentials are used.
	SigningAccount string
	SigningKey     []byte
}

// GCS stores objects in Google Cloud Storage.
type GCS struct {
	client *storage.Client
	cfg    GCSConfig
}

// NewGCS opens a Cloud Storage client.
func NewGCS(ctx context.Context, cfg GCSConfig) (*GCS, error) {
	var opts []option.ClientOption
	if file := strings.TrimSpace(cfg.CredentialsFile); file != "" {
		opts = append(opts, option.WithCredentialsFile(file))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("open gcs client: %w", err)
	}
	return &GCS{client: client, cfg: cfg}, nil
}

// Close releases the client.
func (g *GCS) Close() error {
	return g.client.Close()
}

func gcsInfo(attrs *storage.ObjectAttrs) ObjectInfo {
	return ObjectInfo{
		Bucket:      attrs.Bucket,
		Key:         attrs.Name,
		Size:        attrs.Size,
		ContentType: attrs.ContentType,
		Updated:     attrs.Updated,
	}
}

func (g *GCS) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	attrs, err := g.client.Bucket(bucket).Object(normalizeKey(key)).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return ObjectInfo{}, fmt.Errorf("gs://%s/%s: %w", bucket, key, ErrObjectNotFound)
		}
		return ObjectInfo{}, fmt.Errorf("stat gs://%s/%s: %w", bucket, key, err)
	}
	return gcsInfo(attrs), nil
}

func (g *GCS) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	it := g.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: normalizeKey(prefix)})
	var objects []ObjectInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list gs://%s/%s: %w", bucket, prefix, err)
		}
		if strings.HasSuffix(attrs.Name, "/") {
			continue
		}
		objects = append(objects, gcsInfo(attrs))
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (g *GCS) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	src := g.client.Bucket(srcBucket).Object(normalizeKey(srcKey))
	dst := g.client.Bucket(dstBucket).Object(normalizeKey(dstKey))
	if _, err := dst.CopierFrom(src).Run(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("gs://%s/%s: %w", srcBucket, srcKey, ErrObjectNotFound)
		}
		return fmt.Errorf("copy gs://%s/%s to gs://%s/%s: %w", srcBucket, srcKey, dstBucket, dstKey, err)
	}
	return nil
}

func (g *GCS) Put(ctx context.Context, bucket, key, contentType string, body io.Reader) error {
	w := g.client.Bucket(bucket).Object(normalizeKey(key)).NewWriter(ctx)
	if contentType == "" {
		contentType = ContentTypeForKey(key)
	}
	w.ContentType = contentType
	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return fmt.Errorf("write gs://%s/%s: %w", bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize gs://%s/%s: %w", bucket, key, err)
	}
	return nil
}

func (g *GCS) Open(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	obj := g.client.Bucket(bucket).Object(normalizeKey(key))
	r, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ObjectInfo{}, fmt.Errorf("gs://%s/%s: %w", bucket, key, ErrObjectNotFound)
		}
		return nil, ObjectInfo{}, fmt.Errorf("open gs://%s/%s: %w", bucket, key, err)
	}
	info := ObjectInfo{
		Bucket:      bucket,
		Key:         normalizeKey(key),
		Size:        r.Attrs.Size,
		ContentType: r.Attrs.ContentType,
		Updated:     r.Attrs.LastModified,
	}
	return r, info, nil
}

func (g *GCS) SignURL(ctx context.Context, bucket, key, method string, expires time.Time) (string, error) {
	verb, err := validateSignMethod(method)
	if err != nil {
		return "", err
	}
	opts := &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  verb,
		Expires: expires,
	}
	if g.cfg.SigningAccount != "" {
		opts.GoogleAccessID = g.cfg.SigningAccount
		opts.PrivateKey = g.cfg.SigningKey
	}
	signed, err := g.client.Bucket(bucket).SignedURL(normalizeKey(key), opts)
	if err != nil {
		return "", fmt.Errorf("sign gs://%s/%s: %w", bucket, key, err)
	}
	return signed, nil
}

var (
	_ Store  = (*GCS)(nil)
	_ Reader = (*GCS)(nil)
)

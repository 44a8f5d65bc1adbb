package objectstore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

var (
	// ErrSignatureInvalid is returned when a signed media URL does not verify.
	ErrSignatureInvalid = errors.New("invalid signature")
	// ErrSignatureExpired is returned when a signed media URL has expired.
	ErrSignatureExpired = errors.New("signature expired")
)

const localSigningInfo = "coachline media url signing v1"

// LocalConfig configures the filesystem backend.
type LocalConfig struct {
	Root string
	// BaseURL is the public origin of the API process serving /media.
	BaseURL string
	// Secret seeds the HMAC key used for signed URLs.
	Secret string
}

// Local keeps objects under Root/<bucket>/<key> and issues URLs pointing at
// the API's /media route, authenticated by an HMAC signature.
type Local struct {
	root    string
	baseURL string
	key     []byte
	now     func() time.Time
}

// NewLocal prepares the root directory and derives the signing key.
func NewLocal(cfg LocalConfig) (*Local, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, fmt.Errorf("local object store root required")
	}
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, fmt.Errorf("local object store signing secret required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create object store root: %w", err)
	}
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(cfg.Secret), nil, []byte(localSigningInfo)), key); err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}
	return &Local{
		root:    root,
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		key:     key,
		now:     time.Now,
	}, nil
}

func (l *Local) objectPath(bucket, key string) (string, error) {
	bucket = strings.TrimSpace(bucket)
	key = normalizeKey(key)
	if bucket == "" || strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." {
		return "", fmt.Errorf("invalid bucket %q", bucket)
	}
	if key == "" {
		return "", fmt.Errorf("object key required")
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == ".." || segment == "." {
			return "", fmt.Errorf("invalid object key %q", key)
		}
	}
	return filepath.Join(l.root, bucket, filepath.FromSlash(key)), nil
}

func (l *Local) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	p, err := l.objectPath(bucket, key)
	if err != nil {
		return ObjectInfo{}, err
	}
	stat, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ObjectInfo{}, fmt.Errorf("%s/%s: %w", bucket, key, ErrObjectNotFound)
		}
		return ObjectInfo{}, fmt.Errorf("stat %s/%s: %w", bucket, key, err)
	}
	if stat.IsDir() {
		return ObjectInfo{}, fmt.Errorf("%s/%s: %w", bucket, key, ErrObjectNotFound)
	}
	return ObjectInfo{
		Bucket:      bucket,
		Key:         normalizeKey(key),
		Size:        stat.Size(),
		ContentType: ContentTypeForKey(key),
		Updated:     stat.ModTime().UTC(),
	}, nil
}

func (l *Local) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	bucketDir := filepath.Join(l.root, bucket)
	prefix = normalizeKey(prefix)
	var objects []ObjectInfo
	err := filepath.WalkDir(bucketDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(bucketDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, ObjectInfo{
			Bucket:      bucket,
			Key:         key,
			Size:        info.Size(),
			ContentType: ContentTypeForKey(key),
			Updated:     info.ModTime().UTC(),
		})
		return ctx.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, err)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (l *Local) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	rc, _, err := l.Open(ctx, srcBucket, srcKey)
	if err != nil {
		return err
	}
	defer rc.Close()
	return l.Put(ctx, dstBucket, dstKey, "", rc)
}

// Put writes through a temporary file so readers never observe a partial
// object.
func (l *Local) Put(ctx context.Context, bucket, key, contentType string, body io.Reader) error {
	p, err := l.objectPath(bucket, key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp object: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()
	if _, err := io.Copy(tmp, body); err != nil {
		return fmt.Errorf("write %s/%s: %w", bucket, key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp object: %w", err)
	}
	if err := os.Rename(tmpPath, p); err != nil {
		return fmt.Errorf("commit %s/%s: %w", bucket, key, err)
	}
	success = true
	return nil
}

func (l *Local) Open(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	info, err := l.Stat(ctx, bucket, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	p, _ := l.objectPath(bucket, key)
	file, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ObjectInfo{}, fmt.Errorf("%s/%s: %w", bucket, key, ErrObjectNotFound)
		}
		return nil, ObjectInfo{}, fmt.Errorf("open %s/%s: %w", bucket, key, err)
	}
	return file, info, nil
}

func (l *Local) signature(method, bucket, key string, expires int64) string {
	mac := hmac.New(sha256.New, l.key)
	fmt.Fprintf(mac, "%s\n%s\n%s\n%d", method, bucket, normalizeKey(key), expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignURL builds <BaseURL>/media/<bucket>/<key>?expires=..&signature=..
func (l *Local) SignURL(ctx context.Context, bucket, key, method string, expires time.Time) (string, error) {
	verb, err := validateSignMethod(method)
	if err != nil {
		return "", err
	}
	if _, err := l.objectPath(bucket, key); err != nil {
		return "", err
	}
	unix := expires.Unix()
	query := url.Values{}
	query.Set("expires", strconv.FormatInt(unix, 10))
	query.Set("signature", l.signature(verb, bucket, key, unix))
	escaped := (&url.URL{Path: "/media/" + bucket + "/" + normalizeKey(key)}).EscapedPath()
	return l.baseURL + escaped + "?" + query.Encode(), nil
}

// Verify checks a signed media request for method against bucket/key.
func (l *Local) Verify(method, bucket, key string, query url.Values) error {
	if method == http.MethodHead {
		method = http.MethodGet
	}
	verb, err := validateSignMethod(method)
	if err != nil {
		return ErrSignatureInvalid
	}
	expires, err := strconv.ParseInt(query.Get("expires"), 10, 64)
	if err != nil {
		return ErrSignatureInvalid
	}
	provided, err := hex.DecodeString(query.Get("signature"))
	if err != nil {
		return ErrSignatureInvalid
	}
	expected, _ := hex.DecodeString(l.signature(verb, bucket, key, expires))
	if !hmac.Equal(provided, expected) {
		return ErrSignatureInvalid
	}
	if l.now().Unix() > expires {
		return ErrSignatureExpired
	}
	return nil
}

var (
	_ Store  = (*Local)(nil)
	_ Reader = (*Local)(nil)
)

package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type memoryObject struct {
	data        []byte
	size        int64
	contentType string
	updated     time.Time
}

// Memory is an in-process Store used by tests and the local dev profile.
type Memory struct {
	mu      sync.RWMutex
	buckets map[string]map[string]memoryObject
	baseURL string
	now     func() time.Time
}

// NewMemory returns an empty store whose signed URLs point at baseURL.
func NewMemory(baseURL string) *Memory {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = "https://storage.memory.local"
	}
	return &Memory{
		buckets: make(map[string]map[string]memoryObject),
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) set(bucket, key string, obj memoryObject) {
	objects, ok := m.buckets[bucket]
	if !ok {
		objects = make(map[string]memoryObject)
		m.buckets[bucket] = objects
	}
	objects[normalizeKey(key)] = obj
}

// PutPlaceholder records an object of the given size without holding its
// bytes, so large uploads can be simulated cheaply.
func (m *Memory) PutPlaceholder(bucket, key, contentType string, size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if contentType == "" {
		contentType = ContentTypeForKey(key)
	}
	m.set(bucket, key, memoryObject{size: size, contentType: contentType, updated: m.now()})
}

func (m *Memory) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key = normalizeKey(key)
	obj, ok := m.buckets[bucket][key]
	if !ok {
		return ObjectInfo{}, fmt.Errorf("%s/%s: %w", bucket, key, ErrObjectNotFound)
	}
	return ObjectInfo{Bucket: bucket, Key: key, Size: obj.size, ContentType: obj.contentType, Updated: obj.updated}, nil
}

func (m *Memory) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prefix = normalizeKey(prefix)
	var objects []ObjectInfo
	for key, obj := range m.buckets[bucket] {
		if strings.HasPrefix(key, prefix) {
			objects = append(objects, ObjectInfo{Bucket: bucket, Key: key, Size: obj.size, ContentType: obj.contentType, Updated: obj.updated})
		}
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (m *Memory) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.buckets[srcBucket][normalizeKey(srcKey)]
	if !ok {
		return fmt.Errorf("%s/%s: %w", srcBucket, srcKey, ErrObjectNotFound)
	}
	copied := obj
	if obj.data != nil {
		copied.data = append([]byte(nil), obj.data...)
	}
	copied.updated = m.now()
	m.set(dstBucket, dstKey, copied)
	return nil
}

func (m *Memory) Put(ctx context.Context, bucket, key, contentType string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if contentType == "" {
		contentType = ContentTypeForKey(key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(bucket, key, memoryObject{data: data, size: int64(len(data)), contentType: contentType, updated: m.now()})
	return nil
}

func (m *Memory) Open(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	info, err := m.Stat(ctx, bucket, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	m.mu.RLock()
	data := m.buckets[bucket][info.Key].data
	m.mu.RUnlock()
	return io.NopCloser(bytes.NewReader(data)), info, nil
}

func (m *Memory) SignURL(ctx context.Context, bucket, key, method string, expires time.Time) (string, error) {
	verb, err := validateSignMethod(method)
	if err != nil {
		return "", err
	}
	query := url.Values{}
	query.Set("method", verb)
	query.Set("expires", strconv.FormatInt(expires.Unix(), 10))
	escaped := (&url.URL{Path: "/" + bucket + "/" + normalizeKey(key)}).EscapedPath()
	return m.baseURL + escaped + "?" + query.Encode(), nil
}

var (
	_ Store  = (*Memory)(nil)
	_ Reader = (*Memory)(nil)
)

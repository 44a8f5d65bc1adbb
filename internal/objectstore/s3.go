package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config configures an S3 compatible backend such as AWS or MinIO.
type S3Config struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	UsePathStyle   bool
	RequestTimeout time.Duration
}

const defaultS3RequestTimeout = 30 * time.Second

// S3 stores objects through the AWS SDK.
type S3 struct {
	client  *s3.Client
	presign *s3.PresignClient
	signer  *v4.Signer
	timeout time.Duration
}

// NewS3 loads the default AWS configuration chain, overriding region,
// endpoint and static credentials when provided.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	var loadOpts []func(*config.LoadOptions) error
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	loadOpts = append(loadOpts, config.WithRegion(region))
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultS3RequestTimeout
	}
	return &S3{client: client, presign: s3.NewPresignClient(client), signer: v4.NewSigner(), timeout: timeout}, nil
}

// fixedTimePresigner pins X-Amz-Date so that X-Amz-Date plus X-Amz-Expires
// lands on the requested expiry instead of drifting with the wall clock.
type fixedTimePresigner struct {
	signer      *v4.Signer
	signingTime time.Time
}

func (p fixedTimePresigner) PresignHTTP(ctx context.Context, creds aws.Credentials, r *http.Request, payloadHash, service, region string, _ time.Time, optFns ...func(*v4.SignerOptions)) (string, http.Header, error) {
	return p.signer.PresignHTTP(ctx, creds, r, payloadHash, service, region, p.signingTime, optFns...)
}

func isS3NotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &notFound) || errors.As(err, &noSuchKey)
}

func (s *S3) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	key = normalizeKey(key)
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return ObjectInfo{}, fmt.Errorf("s3://%s/%s: %w", bucket, key, ErrObjectNotFound)
		}
		return ObjectInfo{}, fmt.Errorf("stat s3://%s/%s: %w", bucket, key, err)
	}
	return ObjectInfo{
		Bucket:      bucket,
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
		Updated:     aws.ToTime(out.LastModified),
	}, nil
}

func (s *S3) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(normalizeKey(prefix)),
	})
	var objects []ObjectInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			objects = append(objects, ObjectInfo{
				Bucket:  bucket,
				Key:     key,
				Size:    aws.ToInt64(obj.Size),
				Updated: aws.ToTime(obj.LastModified),
			})
		}
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (s *S3) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	srcKey = normalizeKey(srcKey)
	dstKey = normalizeKey(dstKey)
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(dstBucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(srcBucket + "/" + url.PathEscape(srcKey)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return fmt.Errorf("s3://%s/%s: %w", srcBucket, srcKey, ErrObjectNotFound)
		}
		return fmt.Errorf("copy s3://%s/%s to s3://%s/%s: %w", srcBucket, srcKey, dstBucket, dstKey, err)
	}
	return nil
}

func (s *S3) Put(ctx context.Context, bucket, key, contentType string, body io.Reader) error {
	key = normalizeKey(key)
	if contentType == "" {
		contentType = ContentTypeForKey(key)
	}
	seeker, ok := body.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("buffer s3://%s/%s: %w", bucket, key, err)
		}
		seeker = bytes.NewReader(data)
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        seeker,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *S3) Open(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	key = normalizeKey(key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ObjectInfo{}, fmt.Errorf("s3://%s/%s: %w", bucket, key, ErrObjectNotFound)
		}
		return nil, ObjectInfo{}, fmt.Errorf("open s3://%s/%s: %w", bucket, key, err)
	}
	return out.Body, ObjectInfo{
		Bucket:      bucket,
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
		Updated:     aws.ToTime(out.LastModified),
	}, nil
}

func (s *S3) SignURL(ctx context.Context, bucket, key, method string, expires time.Time) (string, error) {
	verb, err := validateSignMethod(method)
	if err != nil {
		return "", err
	}
	remaining := time.Until(expires)
	if remaining <= 0 {
		return "", fmt.Errorf("sign s3://%s/%s: expiry %s already passed", bucket, key, expires.Format(time.RFC3339))
	}
	// X-Amz-Expires is whole seconds; round up and backdate the signing time
	// so every URL for the same expiry expires together.
	ttl := (remaining + time.Second - 1).Truncate(time.Second)
	presigner := fixedTimePresigner{signer: s.signer, signingTime: expires.Add(-ttl)}
	key = normalizeKey(key)
	withExpiry := func(o *s3.PresignOptions) {
		o.Expires = ttl
		o.Presigner = presigner
	}
	switch verb {
	case http.MethodPut:
		req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		}, withExpiry)
		if err != nil {
			return "", fmt.Errorf("presign put s3://%s/%s: %w", bucket, key, err)
		}
		return req.URL, nil
	default:
		req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		}, withExpiry)
		if err != nil {
			return "", fmt.Errorf("presign get s3://%s/%s: %w", bucket, key, err)
		}
		return req.URL, nil
	}
}

var (
	_ Store  = (*S3)(nil)
	_ Reader = (*S3)(nil)
)

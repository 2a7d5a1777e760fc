package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// S3Config holds settings for an S3-compatible backend. Endpoint is empty for
// AWS itself and a host[:port] for MinIO-style stores. Buckets are routed per
// purpose; unset purpose buckets fall back to Bucket.
type S3Config struct {
	Region          string
	Endpoint        string
	UseTLS          bool
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string

	Bucket           string
	MarkersBucket    string
	VideosBucket     string
	ThumbnailsBucket string

	// PublicRead uploads objects with a public-read ACL and returns
	// deterministic URLs; otherwise reads go through presigned GETs.
	PublicRead           bool
	PresignExpireMinutes int
}

func (c S3Config) bucketFor(key string) string {
	segs := strings.Split(key, "/")
	for _, s := range segs {
		switch s {
		case FolderMarkers:
			if c.MarkersBucket != "" {
				return c.MarkersBucket
			}
		case FolderVideos:
			if c.VideosBucket != "" {
				return c.VideosBucket
			}
		case FolderThumbnails:
			if c.ThumbnailsBucket != "" {
				return c.ThumbnailsBucket
			}
		}
	}
	return c.Bucket
}

func (c S3Config) bucketList() []string {
	seen := map[string]bool{}
	var out []string
	for _, b := range []string{c.Bucket, c.MarkersBucket, c.VideosBucket, c.ThumbnailsBucket} {
		if b != "" && !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	return out
}

// S3 is the S3-compatible provider.
type S3 struct {
	client   *s3.Client
	uploader *manager.Uploader
	presign  *s3.PresignClient
	cfg      S3Config
	logger   *zap.Logger

	mu      sync.Mutex
	ensured map[string]bool
}

// NewS3 builds an S3 client for the connection. Required buckets are created
// lazily on first use.
func NewS3(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(endpointURL(cfg))
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 5 * 1024 * 1024
	})
	return &S3{
		client:   client,
		uploader: uploader,
		presign:  s3.NewPresignClient(client),
		cfg:      cfg,
		logger:   logger,
		ensured:  map[string]bool{},
	}, nil
}

func endpointURL(cfg S3Config) string {
	scheme := "https"
	if !cfg.UseTLS {
		scheme = "http"
	}
	return scheme + "://" + strings.TrimRight(cfg.Endpoint, "/")
}

// Kind returns the provider tag.
func (s *S3) Kind() string { return "s3" }

// StableURLs reports whether URLs may be persisted: true for public-read
// buckets with deterministic URLs, false in presign mode where every URL
// expires. Resolved presigned URLs may be cached only below PresignExpire.
func (s *S3) StableURLs() bool { return s.cfg.PublicRead }

// PresignExpire returns the configured presign duration.
func (s *S3) PresignExpire() time.Duration {
	if s.cfg.PresignExpireMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(s.cfg.PresignExpireMinutes) * time.Minute
}

func (s *S3) ensureBucket(ctx context.Context, bucket string) error {
	s.mu.Lock()
	done := s.ensured[bucket]
	s.mu.Unlock()
	if done {
		return nil
	}
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
		if s.cfg.Region != "" && s.cfg.Region != "us-east-1" {
			input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
				LocationConstraint: types.BucketLocationConstraint(s.cfg.Region),
			}
		}
		if _, err := s.client.CreateBucket(ctx, input); err != nil {
			var owned *types.BucketAlreadyOwnedByYou
			var exists *types.BucketAlreadyExists
			if !errors.As(err, &owned) && !errors.As(err, &exists) {
				return classifyS3("ensure_bucket", bucket, err)
			}
		}
		s.logger.Info("created bucket", zap.String("bucket", bucket))
	}
	s.mu.Lock()
	s.ensured[bucket] = true
	s.mu.Unlock()
	return nil
}

// Test ensures the configured buckets exist and reports round-trip latency.
func (s *S3) Test(ctx context.Context) Status {
	start := time.Now()
	for _, b := range s.cfg.bucketList() {
		if err := s.ensureBucket(ctx, b); err != nil {
			return Status{OK: false, Latency: time.Since(start), Error: err.Error()}
		}
	}
	return Status{OK: true, Latency: time.Since(start)}
}

// Upload streams the file at localPath to the purpose bucket for key.
func (s *S3) Upload(ctx context.Context, localPath, key, contentType string) (string, error) {
	bucket := s.cfg.bucketFor(key)
	if err := s.ensureBucket(ctx, bucket); err != nil {
		return "", err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return "", opErr("s3", "upload", key, fmt.Errorf("%w: source %s", ErrNotFound, localPath))
	}
	defer f.Close()

	input := &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
	}
	if s.cfg.PublicRead {
		input.ACL = types.ObjectCannedACLPublicRead
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return "", classifyS3("upload", key, err)
	}
	return s.objectURL(ctx, bucket, key)
}

// Download fetches key into localPath.
func (s *S3) Download(ctx context.Context, key, localPath string) error {
	bucket := s.cfg.bucketFor(key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return classifyS3("download", key, err)
	}
	defer out.Body.Close()
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return opErr("s3", "download", key, err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return opErr("s3", "download", key, err)
	}
	defer f.Close()
	if _, err := f.ReadFrom(out.Body); err != nil {
		return opErr("s3", "download", key, fmt.Errorf("%w: %v", ErrTransient, err))
	}
	return nil
}

// Delete removes the object at key.
func (s *S3) Delete(ctx context.Context, key string) error {
	bucket := s.cfg.bucketFor(key)
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return classifyS3("delete", key, err)
	}
	return nil
}

// List returns the entries under folder. Non-recursive listings use a
// delimiter so common prefixes come back as folders.
func (s *S3) List(ctx context.Context, folder string, recursive bool) ([]Entry, error) {
	bucket := s.cfg.bucketFor(folder)
	prefix := strings.Trim(folder, "/")
	if prefix != "" {
		prefix += "/"
	}
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	if !recursive {
		input.Delimiter = aws.String("/")
	}

	var entries []Entry
	p := s3.NewListObjectsV2Paginator(s.client, input)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, classifyS3("list", folder, err)
		}
		for _, cp := range page.CommonPrefixes {
			key := strings.TrimSuffix(aws.ToString(cp.Prefix), "/")
			entries = append(entries, Entry{
				Key:   key,
				Name:  key[strings.LastIndex(key, "/")+1:],
				IsDir: true,
			})
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == prefix {
				continue
			}
			e := Entry{
				Key:  key,
				Name: key[strings.LastIndex(key, "/")+1:],
				Size: aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				e.ModifiedAt = obj.LastModified.UTC()
			}
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// CreateFolder writes the zero-byte folder marker S3 uses for empty prefixes.
func (s *S3) CreateFolder(ctx context.Context, path string) error {
	bucket := s.cfg.bucketFor(path)
	if err := s.ensureBucket(ctx, bucket); err != nil {
		return err
	}
	key := strings.Trim(path, "/") + "/"
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   strings.NewReader(""),
	}); err != nil {
		return classifyS3("create_folder", path, err)
	}
	return nil
}

// Usage sums object sizes under path.
func (s *S3) Usage(ctx context.Context, path string) (Usage, error) {
	entries, err := s.List(ctx, path, true)
	if err != nil {
		return Usage{}, err
	}
	var used int64
	for _, e := range entries {
		used += e.Size
	}
	return Usage{UsedBytes: used}, nil
}

// ResolveURL mints a URL for key: deterministic for public buckets, presigned
// GET otherwise.
func (s *S3) ResolveURL(ctx context.Context, key string) (string, error) {
	return s.objectURL(ctx, s.cfg.bucketFor(key), key)
}

func (s *S3) objectURL(ctx context.Context, bucket, key string) (string, error) {
	if s.cfg.PublicRead {
		return s.publicURL(bucket, key), nil
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = s.PresignExpire()
	})
	if err != nil {
		return "", classifyS3("presign", key, err)
	}
	return req.URL, nil
}

func (s *S3) publicURL(bucket, key string) string {
	if s.cfg.Endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", endpointURL(s.cfg), bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, s.cfg.Region, key)
}

// classifyS3 maps SDK errors onto the storage error classes.
func classifyS3(op, key string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return opErr("s3", op, key, fmt.Errorf("%w: %s", ErrNotFound, apiErr.ErrorCode()))
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "Forbidden":
			return opErr("s3", op, key, fmt.Errorf("%w: %s", ErrPermission, apiErr.ErrorCode()))
		}
	}
	return opErr("s3", op, key, fmt.Errorf("%w: %v", ErrTransient, err))
}

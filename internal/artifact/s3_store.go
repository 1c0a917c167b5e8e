package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const producerMetaKey = "Foreman-Producer"

type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// S3Store keeps a run's artifacts in an S3-compatible bucket under a
// "<run_id>/" prefix.
type S3Store struct {
	client     *minio.Client
	bucketName string
	region     string
	runID      string
	changes    notifier

	initOnce sync.Once
	initErr  error
}

func NewS3Store(cfg S3Config, runID string) (*S3Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	return &S3Store{
		client:     client,
		bucketName: bucket,
		region:     region,
		runID:      runID,
	}, nil
}

func (s *S3Store) ensureBucket(ctx context.Context) error {
	s.initOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucketName)
		if err != nil {
			s.initErr = err
			return
		}
		if exists {
			return
		}
		s.initErr = s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{Region: s.region})
	})
	return s.initErr
}

func (s *S3Store) Put(ctx context.Context, key string, content []byte, producer string) error {
	if err := ValidateKey(key, false); err != nil {
		return err
	}
	if err := s.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	if content == nil {
		content = []byte{}
	}
	_, err := s.client.PutObject(ctx, s.bucketName, s.objectKey(key), bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: map[string]string{producerMetaKey: producer},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	s.changes.notify(key)
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) (Record, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return Record{}, fmt.Errorf("ensure bucket: %w", err)
	}
	obj, err := s.client.GetObject(ctx, s.bucketName, s.objectKey(key), minio.GetObjectOptions{})
	if err != nil {
		return Record{}, translateS3Error(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return Record{}, translateS3Error(err)
	}
	info, err := obj.Stat()
	if err != nil {
		return Record{}, translateS3Error(err)
	}
	return Record{
		Key:       key,
		Content:   data,
		Location:  s.Locate(key),
		Producer:  info.UserMetadata[producerMetaKey],
		Size:      int64(len(data)),
		CreatedAt: info.LastModified,
	}, nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return false, fmt.Errorf("ensure bucket: %w", err)
	}
	_, err := s.client.StatObject(ctx, s.bucketName, s.objectKey(key), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if translateS3Error(err) == ErrNotFound {
		return false, nil
	}
	return false, err
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}
	runPrefix := s.runID + "/"
	keys := make([]string, 0, 32)
	for obj := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    runPrefix + prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		if obj.Key == "" {
			continue
		}
		keys = append(keys, strings.TrimPrefix(obj.Key, runPrefix))
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *S3Store) Locate(key string) string {
	return "s3://" + s.bucketName + "/" + s.objectKey(key)
}

func (s *S3Store) OnChange(fn func(key string)) func() {
	return s.changes.subscribe(fn)
}

func (s *S3Store) objectKey(key string) string {
	return s.runID + "/" + strings.TrimLeft(strings.TrimSpace(key), "/")
}

func translateS3Error(err error) error {
	errResp := minio.ToErrorResponse(err)
	if errResp.Code == "NoSuchKey" || errResp.Code == "NoSuchBucket" {
		return ErrNotFound
	}
	return err
}

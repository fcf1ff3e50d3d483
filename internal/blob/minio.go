// Package blob stores a plain-text snapshot object for every flushed
// document version in an S3 compatible bucket.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrObjectNotFound = errors.New("snapshot object not found")

// Bucket is the object storage the snapshots land in.
type Bucket interface {
	Put(ctx context.Context, key string, data []byte, meta map[string]string) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinIOBucket implements Bucket with minio-go.
type MinIOBucket struct {
	client *minio.Client
	bucket string
}

// NewMinIOBucket connects and creates the bucket when it is missing.
func NewMinIOBucket(ctx context.Context, cfg MinIOConfig) (*MinIOBucket, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinIOBucket{client: client, bucket: cfg.Bucket}, nil
}

func (b *MinIOBucket) Put(ctx context.Context, key string, data []byte, meta map[string]string) error {
	_, err := b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  "text/plain; charset=utf-8",
		UserMetadata: meta,
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (b *MinIOBucket) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (b *MinIOBucket) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for info := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, info.Err)
		}
		keys = append(keys, info.Key)
	}
	return keys, nil
}

// Ping checks that the bucket is reachable.
func (b *MinIOBucket) Ping(ctx context.Context) error {
	_, err := b.client.BucketExists(ctx, b.bucket)
	return err
}

// objectKey pads the version so keys sort in version order.
func objectKey(documentID string, version int64) string {
	return fmt.Sprintf("documents/%s/%012d.txt", documentID, version)
}

func parseVersion(key string) (int64, bool) {
	name := key[strings.LastIndex(key, "/")+1:]
	name, ok := strings.CutSuffix(name, ".txt")
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(name, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

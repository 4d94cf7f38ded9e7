package gcp

import (
	"context"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/tetrix-ml/autotrain/internal/pkg/envutil"
	"github.com/tetrix-ml/autotrain/internal/pkg/logger"
)

// StoredObject is one object under the training bucket.
type StoredObject struct {
	Bucket      string
	Name        string
	ContentType string
	Size        int64
	Updated     time.Time
}

type BucketService interface {
	// ListObjects walks every object under prefix in the training bucket.
	ListObjects(ctx context.Context, prefix string) ([]StoredObject, error)
	ReadObject(ctx context.Context, key string) ([]byte, error)
	BucketName() string
}

type bucketService struct {
	log           *logger.Logger
	storageClient *storage.Client
	bucket        string
}

func NewBucketService(log *logger.Logger) (BucketService, error) {
	serviceLog := log.With("service", "BucketService")

	bucket := envutil.String("TRAINING_GCS_BUCKET_NAME", "")
	if bucket == "" {
		return nil, fmt.Errorf("missing env var TRAINING_GCS_BUCKET_NAME")
	}

	opts := ClientOptionsFromEnv()
	opts = append(opts, option.WithScopes(storage.ScopeReadOnly))
	stClient, err := storage.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	return &bucketService{
		log:           serviceLog,
		storageClient: stClient,
		bucket:        bucket,
	}, nil
}

func (bs *bucketService) BucketName() string { return bs.bucket }

func (bs *bucketService) ListObjects(ctx context.Context, prefix string) ([]StoredObject, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	it := bs.storageClient.Bucket(bs.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	out := []StoredObject{}
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list objects under %q: %w", prefix, err)
		}
		out = append(out, StoredObject{
			Bucket:      bs.bucket,
			Name:        attrs.Name,
			ContentType: attrs.ContentType,
			Size:        attrs.Size,
			Updated:     attrs.Updated,
		})
	}
	return out, nil
}

func (bs *bucketService) ReadObject(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	rc, err := bs.storageClient.Bucket(bs.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open GCS object %q: %w", key, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

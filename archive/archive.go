// Package archive uploads historical blob content to external object
// storage before that content is excised from repository history.
package archive

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Uploader is the narrow interface the pipeline needs from object
// storage. Tests supply a mock; production uses S3Uploader.
type Uploader interface {
	// Upload stores body at key. Re-uploading an existing key is allowed
	// and overwrites, which keeps re-runs idempotent.
	Upload(ctx context.Context, key string, body io.Reader) error
	// ListKeys returns every stored key under prefix, for manual audit.
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}

// Key derives the deterministic storage key for one archived blob:
// {repository}/{firstCommit}/{filename}. The same blob always maps to
// the same key across runs.
func Key(repository, firstCommit, filename string) string {
	if firstCommit == "" {
		firstCommit = "unknown-commit"
	}

	return path.Join(repository, firstCommit, path.Base(filename))
}

// S3Uploader stores blobs in a single S3 bucket.
type S3Uploader struct {
	client *s3.Client
	bucket string
}

// NewS3Uploader builds an uploader from the ambient AWS configuration
// (environment, shared config files, instance role).
func NewS3Uploader(ctx context.Context, bucket string) (*S3Uploader, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}

	return &S3Uploader{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, key string, body io.Reader) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("uploading s3://%s/%s: %w", u.bucket, key, err)
	}

	return nil
}

func (u *S3Uploader) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	paginator := s3.NewListObjectsV2Paginator(u.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(u.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing s3://%s/%s: %w", u.bucket, prefix, err)
		}

		for _, object := range page.Contents {
			keys = append(keys, aws.ToString(object.Key))
		}
	}

	return keys, nil
}

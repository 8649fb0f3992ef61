// Package storage provides access to the object store holding invoice documents.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/supplysync/backend/internal/infrastructure/config"
)

// DocumentStore fetches and stores invoice documents on an S3-compatible
// backend (AWS S3, MinIO, RustFS).
type DocumentStore struct {
	client *s3.Client
	bucket string
	logger *zap.Logger
}

// NewDocumentStore creates a document store from storage configuration
func NewDocumentStore(cfg *config.StorageConfig, logger *zap.Logger) (*DocumentStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage bucket is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("storage credentials are required")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "http://localhost:9000"
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if cfg.UseSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String(endpoint)
	})

	return &DocumentStore{
		client: client,
		bucket: cfg.Bucket,
		logger: logger.Named("storage"),
	}, nil
}

// EnsureBucket creates the bucket if it does not exist. Called at startup.
func (d *DocumentStore) EnsureBucket(ctx context.Context) error {
	_, err := d.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(d.bucket),
	})
	if err == nil {
		return nil
	}

	var notFound *types.NotFound
	var noSuchBucket *types.NoSuchBucket
	if !errors.As(err, &notFound) && !errors.As(err, &noSuchBucket) {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	d.logger.Info("creating storage bucket", zap.String("bucket", d.bucket))
	_, err = d.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(d.bucket),
	})
	if err != nil {
		var alreadyOwned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &alreadyOwned) {
			return nil
		}
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// FetchToFile downloads a document into dir and returns the local path. The
// extractor tool only reads from disk. The caller removes the file when done.
func (d *DocumentStore) FetchToFile(ctx context.Context, documentRef, dir string) (string, error) {
	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(documentRef),
	})
	if err != nil {
		return "", fmt.Errorf("failed to fetch document %s: %w", documentRef, err)
	}
	defer out.Body.Close()

	f, err := os.CreateTemp(dir, "invoice-*"+filepath.Ext(documentRef))
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, out.Body); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write document %s: %w", documentRef, err)
	}
	return f.Name(), nil
}

// Put uploads a document under the given key
func (d *DocumentStore) Put(ctx context.Context, documentRef string, data []byte, contentType string) error {
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(documentRef),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload document %s: %w", documentRef, err)
	}
	return nil
}

// Exists reports whether a document is present in the bucket
func (d *DocumentStore) Exists(ctx context.Context, documentRef string) (bool, error) {
	_, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(documentRef),
	})
	if err != nil {
		var notFound *types.NotFound
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
			return false, nil
		}
		if strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "NoSuchKey") {
			return false, nil
		}
		return false, fmt.Errorf("failed to check document %s: %w", documentRef, err)
	}
	return true, nil
}

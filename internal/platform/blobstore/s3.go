package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const hashMetadataKey = "sha256"

// S3API is the subset of the S3 client the store calls.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3BlobStore keeps blobs as objects in one bucket.
type S3BlobStore struct {
	client S3API
	bucket string
}

// NewS3BlobStore builds a client from the default AWS configuration chain
// (environment, shared config, instance role). AWS_ENDPOINT_URL points it at
// an S3-compatible service.
func NewS3BlobStore(ctx context.Context, bucket string) (*S3BlobStore, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.New(s3.Options{
		Region:       cfg.Region,
		Credentials:  cfg.Credentials,
		HTTPClient:   cfg.HTTPClient,
		BaseEndpoint: cfg.BaseEndpoint,
		UsePathStyle: true,
	})
	return NewS3BlobStoreWithClient(client, bucket), nil
}

func NewS3BlobStoreWithClient(client S3API, bucket string) *S3BlobStore {
	return &S3BlobStore{client: client, bucket: bucket}
}

// Bucket returns the target bucket name.
func (s *S3BlobStore) Bucket() string { return s.bucket }

func (s *S3BlobStore) Put(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	data, err := readContent(&meta, content)
	if err != nil {
		return nil, err
	}

	objMeta := make(map[string]string, len(meta.Tags)+1)
	for k, v := range meta.Tags {
		objMeta[k] = v
	}
	objMeta[hashMetadataKey] = meta.Hash

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(meta.Key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(meta.Size),
		Metadata:      objMeta,
	}
	if meta.ContentType != "" {
		input.ContentType = aws.String(meta.ContentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return nil, fmt.Errorf("put s3://%s/%s: %w", s.bucket, meta.Key, err)
	}

	meta.CreatedAt = time.Now().UTC()
	return &meta, nil
}

func (s *S3BlobStore) Get(ctx context.Context, key string) (io.ReadCloser, *BlobMetadata, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, nil, ErrBlobNotFound
		}
		return nil, nil, fmt.Errorf("get s3://%s/%s: %w", s.bucket, key, err)
	}

	meta := &BlobMetadata{
		Key:         key,
		ContentType: aws.ToString(out.ContentType),
		Size:        aws.ToInt64(out.ContentLength),
		Hash:        out.Metadata[hashMetadataKey],
		CreatedAt:   aws.ToTime(out.LastModified),
	}
	if len(out.Metadata) > 0 {
		meta.Tags = make(map[string]string, len(out.Metadata))
		for k, v := range out.Metadata {
			if k != hashMetadataKey {
				meta.Tags[k] = v
			}
		}
	}
	return out.Body, meta, nil
}

func (s *S3BlobStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

// List pages through every object under prefix.
func (s *S3BlobStore) List(ctx context.Context, prefix string) ([]*BlobMetadata, error) {
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	var out []*BlobMetadata
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", s.bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			out = append(out, &BlobMetadata{
				Key:       aws.ToString(obj.Key),
				Size:      aws.ToInt64(obj.Size),
				CreatedAt: aws.ToTime(obj.LastModified),
			})
		}
	}
	return out, nil
}

// Package objstore provides the object storage gateway used for backed-up
// mail content. The production implementation targets S3-compatible services
// (iDrive e2, MinIO, AWS) through the AWS SDK with path-style addressing.
package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Entry describes one listed object.
type Entry struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Metadata describes one object without its content.
type Metadata struct {
	Size         int64
	LastModified time.Time
	ContentType  string
	ETag         string
}

// ObjectStore is the call contract against remote object storage. Keys are
// relative to the store's base path.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]Entry, error)
	Delete(ctx context.Context, key string) error
	Head(ctx context.Context, key string) (*Metadata, error)
}

// s3API is the slice of the S3 client the store needs, kept narrow for
// test fakes.
type s3API interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, input *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, input *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Config holds S3-compatible storage configuration.
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	BasePath  string
}

// S3Store implements ObjectStore against an S3-compatible bucket.
type S3Store struct {
	client   s3API
	bucket   string
	basePath string
}

// NewS3Store creates a store from config.
func NewS3Store(cfg Config) *S3Store {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return &S3Store{
		client:   s3.New(opts),
		bucket:   cfg.Bucket,
		basePath: cfg.BasePath,
	}
}

func (s *S3Store) fullKey(key string) string {
	if s.basePath == "" {
		return key
	}
	return s.basePath + "/" + key
}

func (s *S3Store) Put(ctx context.Context, key string, body []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.fullKey(key)),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]Entry, error) {
	var entries []Entry
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.fullKey(prefix)),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}

		for _, obj := range out.Contents {
			e := Entry{}
			if obj.Key != nil {
				e.Key = *obj.Key
			}
			if obj.Size != nil {
				e.Size = *obj.Size
			}
			if obj.LastModified != nil {
				e.LastModified = *obj.LastModified
			}
			entries = append(entries, e)
		}

		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	return entries, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	}); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) Head(ctx context.Context, key string) (*Metadata, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		return nil, fmt.Errorf("head %s: %w", key, err)
	}

	md := &Metadata{}
	if out.ContentLength != nil {
		md.Size = *out.ContentLength
	}
	if out.LastModified != nil {
		md.LastModified = *out.LastModified
	}
	if out.ContentType != nil {
		md.ContentType = *out.ContentType
	}
	if out.ETag != nil {
		md.ETag = *out.ETag
	}
	return md, nil
}

// Package s3store publishes artifacts to an S3 (or S3-compatible) bucket.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/memohai/imgscalr/internal/storage"
)

// Config holds the bucket and client settings. Empty credentials fall back to
// the default AWS credential chain.
type Config struct {
	Bucket          string
	BaseURL         string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// Store is an ObjectStore backed by one bucket.
type Store struct {
	client  *s3.Client
	bucket  string
	baseURL string
}

var _ storage.ObjectStore = (*Store)(nil)

// New loads AWS configuration and builds the client.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("s3 bucket is required")
	}
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
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
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
		// S3-compatible stores reject the default streaming checksum trailers.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})
	return NewWithClient(client, cfg.Bucket, cfg.BaseURL), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *s3.Client, bucket, baseURL string) *Store {
	if baseURL == "" {
		baseURL = "http://" + bucket
	}
	return &Store{client: client, bucket: bucket, baseURL: baseURL}
}

// Put uploads the object and returns its ETag.
func (s *Store) Put(ctx context.Context, in storage.PutInput) (storage.PutResult, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(in.Key),
		Body:   in.Body,
	}
	if in.Size > 0 {
		input.ContentLength = aws.Int64(in.Size)
	}
	if in.ContentType != "" {
		input.ContentType = aws.String(in.ContentType)
	}
	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		return storage.PutResult{}, fmt.Errorf("put object %s: %w", in.Key, err)
	}
	return storage.PutResult{ETag: storage.TrimETag(aws.ToString(out.ETag))}, nil
}

// MakePublic applies the public-read canned ACL.
func (s *Store) MakePublic(ctx context.Context, key string) error {
	_, err := s.client.PutObjectAcl(ctx, &s3.PutObjectAclInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		ACL:    types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		return fmt.Errorf("set public-read acl on %s: %w", key, err)
	}
	return nil
}

// PublicURL returns {baseURL}/{key}.
func (s *Store) PublicURL(key string) string {
	return storage.JoinURL(s.baseURL, key)
}

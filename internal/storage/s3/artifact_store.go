// Package s3 provides an ArtifactStore backed by Amazon S3 or any
// S3-compatible object store.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/JakeFAU/corpgraph-crawler/internal/graph"
)

// Config captures bucket and client settings.
type Config struct {
	Bucket string
	Prefix string
	Region string
	// Endpoint overrides the service URL (MinIO, localstack).
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

type putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArtifactStore writes artifacts to an S3 bucket.
type ArtifactStore struct {
	client putter
	bucket string
	prefix string
}

var _ graph.ArtifactStore = (*ArtifactStore)(nil)

// NewClient builds an S3 client from the default AWS chain, overridden by
// any static credentials or endpoint in cfg.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(cfg.Endpoint))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// New creates an S3-backed artifact store.
func New(client putter, cfg Config) (*ArtifactStore, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &ArtifactStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// PutOnce uploads with If-None-Match: *; a PreconditionFailed answer maps to
// graph.ErrArtifactExists.
func (s *ArtifactStore) PutOnce(ctx context.Context, key, contentType string, data []byte) (string, error) {
	uri, err := s.put(ctx, key, contentType, data, true)
	if isPreconditionFailed(err) {
		return uri, graph.ErrArtifactExists
	}
	return uri, err
}

// Replace uploads unconditionally.
func (s *ArtifactStore) Replace(ctx context.Context, key, contentType string, data []byte) (string, error) {
	return s.put(ctx, key, contentType, data, false)
}

func (s *ArtifactStore) put(ctx context.Context, key, contentType string, data []byte, once bool) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	name := key
	if s.prefix != "" {
		name = path.Join(s.prefix, key)
	}
	uri := fmt.Sprintf("s3://%s/%s", s.bucket, name)

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if once {
		input.IfNoneMatch = aws.String("*")
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return uri, fmt.Errorf("put object: %w", err)
	}
	return uri, nil
}

func isPreconditionFailed(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
		return true
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusPreconditionFailed
}

// Package s3 loads drug profile documents from an S3-compatible bucket
// (AWS S3 or MinIO).
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/crivet/dose-engine/internal/domain/profile"
	"github.com/crivet/dose-engine/pkg/circuitbreaker"
)

// maxDocumentSize bounds a single profile document
const maxDocumentSize = 1 << 20

// Config holds construction parameters
type Config struct {
	Region string
	Bucket string
	// Prefix selects a folder of the bucket, e.g. "profiles/"
	Prefix string
	// Endpoint enables a custom endpoint such as MinIO; it implies path-style
	// addressing
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// CatalogSource implements profile.Source over the objects under a prefix
type CatalogSource struct {
	client  *s3.Client
	bucket  string
	prefix  string
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

var _ profile.Source = (*CatalogSource)(nil)

// New creates a catalog source. Credentials come from the default chain
// unless both static keys are set. breaker may be nil.
func New(ctx context.Context, cfg Config, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) (*CatalogSource, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.UsePathStyle = true
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg.Bucket, cfg.Prefix, breaker, logger), nil
}

// NewWithClient wraps an existing client
func NewWithClient(client *s3.Client, bucket, prefix string, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *CatalogSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatalogSource{client: client, bucket: bucket, prefix: prefix, breaker: breaker, logger: logger}
}

// Documents implements profile.Source. Objects that are not yaml files are
// skipped; documents are returned sorted by key.
func (s *CatalogSource) Documents(ctx context.Context) ([]profile.Document, error) {
	var docs []profile.Document
	err := s.guard(ctx, func(ctx context.Context) error {
		keys, err := s.list(ctx)
		if err != nil {
			return err
		}
		docs = docs[:0]
		for _, key := range keys {
			data, err := s.get(ctx, key)
			if err != nil {
				return err
			}
			docs = append(docs, profile.Document{Name: key, Data: data})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("s3 catalog %s/%s: %w", s.bucket, s.prefix, err)
	}
	s.logger.Info("catalog documents fetched",
		zap.String("bucket", s.bucket),
		zap.String("prefix", s.prefix),
		zap.Int("documents", len(docs)))
	return docs, nil
}

func (s *CatalogSource) guard(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.breaker == nil {
		return fn(ctx)
	}
	return s.breaker.Do(ctx, fn)
}

func (s *CatalogSource) list(ctx context.Context) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !profile.IsDocumentName(path.Base(key)) {
				continue
			}
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *CatalogSource) get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(io.LimitReader(out.Body, maxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if len(data) > maxDocumentSize {
		return nil, fmt.Errorf("%s exceeds %d bytes", key, maxDocumentSize)
	}
	return data, nil
}

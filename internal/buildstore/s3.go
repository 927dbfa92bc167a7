// Package buildstore fetches pre-built release artifacts (a tarball or
// single binary produced by an external build step) from object storage
// so a deploy command can reference a build by key instead of requiring
// the artifact to already sit on the node's filesystem.
package buildstore

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config holds the options for creating a Store.
type Config struct {
	// Bucket is the S3 bucket artifacts are read from.
	Bucket string
	// Prefix is an optional key prefix (e.g. "releases/"). Include a
	// trailing slash.
	Prefix string
	// Region is the AWS region. Resolved from the environment if empty.
	Region string
	// EndpointURL overrides the S3 endpoint, for S3-compatible object
	// stores run alongside the node.
	EndpointURL string
}

// Store fetches release artifacts from an S3-compatible bucket. Change
// detection uses ETags via HeadObject so a caller can skip re-downloading
// an artifact it has already fetched.
type Store struct {
	client *s3.Client
	bucket string
	prefix string

	mu           sync.Mutex
	lastETagByKey map[string]string
}

// New creates a Store. AWS credentials are resolved from the standard
// chain (env vars, instance profile, shared config, etc.).
func New(ctx context.Context, cfg Config) (*Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.EndpointURL != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		})
	}

	return &Store{
		client:        s3.NewFromConfig(awsCfg, s3Opts...),
		bucket:        cfg.Bucket,
		prefix:        cfg.Prefix,
		lastETagByKey: make(map[string]string),
	}, nil
}

// NewFromClient builds a Store around a pre-configured S3 client, for
// tests and for wiring against an S3-compatible store other than AWS.
func NewFromClient(client *s3.Client, bucket, prefix string) *Store {
	return &Store{
		client:        client,
		bucket:        bucket,
		prefix:        prefix,
		lastETagByKey: make(map[string]string),
	}
}

// FetchArtifact downloads the artifact at <prefix><key> and returns its
// raw bytes (a tarball or single executable, depending on what the
// release was packaged as).
func (s *Store) FetchArtifact(ctx context.Context, key string) ([]byte, error) {
	fullKey := s.artifactKey(key)

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching s3://%s/%s: %w", s.bucket, fullKey, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading s3://%s/%s body: %w", s.bucket, fullKey, err)
	}

	if out.ETag != nil {
		s.mu.Lock()
		s.lastETagByKey[key] = *out.ETag
		s.mu.Unlock()
	}

	return data, nil
}

// ArtifactETag does a HeadObject for key to get the current ETag without
// downloading the full artifact, so a caller can skip a fetch it already
// has cached locally under the same ETag.
func (s *Store) ArtifactETag(ctx context.Context, key string) (string, error) {
	fullKey := s.artifactKey(key)

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		return "", fmt.Errorf("head s3://%s/%s: %w", s.bucket, fullKey, err)
	}

	etag := ""
	if out.ETag != nil {
		etag = *out.ETag
	}

	s.mu.Lock()
	s.lastETagByKey[key] = etag
	s.mu.Unlock()

	return etag, nil
}

// LastETag returns the ETag observed for key during the most recent
// FetchArtifact or ArtifactETag call, if any.
func (s *Store) LastETag(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	etag, ok := s.lastETagByKey[key]
	return etag, ok
}

// ListArtifacts enumerates every artifact key under the configured
// prefix, stripped of that prefix, so a caller can present available
// builds to an operator.
func (s *Store) ListArtifacts(ctx context.Context) ([]string, error) {
	var keys []string
	var continuationToken *string

	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, fmt.Errorf("listing s3://%s/%s: %w", s.bucket, s.prefix, err)
		}

		for _, obj := range out.Contents {
			if obj.Key == nil {
				continue
			}
			keys = append(keys, strings.TrimPrefix(*obj.Key, s.prefix))
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		continuationToken = out.NextContinuationToken
	}

	return keys, nil
}

func (s *Store) artifactKey(key string) string {
	return s.prefix + key
}

// Package lode persists afar's payloads and block journal on Lode stores.
//
// Two consumers share one store factory: BlobStore holds scattered values
// and task results keyed by future key, and Journal appends one record per
// dispatched block to a Hive-partitioned dataset.
package lode

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/justapithecus/lode/lode"
	lodes3 "github.com/justapithecus/lode/lode/s3"
)

// Storage backends accepted by NewFactory.
const (
	BackendMemory = "memory"
	BackendFS     = "fs"
	BackendS3     = "s3"
)

// S3Config holds configuration for the S3 storage backend.
type S3Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string
	// Prefix is the key prefix within the bucket.
	Prefix string
	// Region is the AWS region; the default chain decides when empty.
	Region string
	// Endpoint overrides the S3 endpoint for compatible providers (MinIO, R2).
	Endpoint string
	// UsePathStyle puts the bucket in the path instead of the host.
	UsePathStyle bool
}

// Validate checks that required S3 configuration is present.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("S3 bucket is required")
	}
	return nil
}

// ParseS3Path splits "bucket/prefix" into its parts.
func ParseS3Path(path string) (bucket, prefix string) {
	bucket, prefix, _ = strings.Cut(path, "/")
	return bucket, prefix
}

// NewS3Factory returns a store factory backed by S3.
// Credentials come from the AWS SDK default chain.
func NewS3Factory(ctx context.Context, s3cfg S3Config) (lode.StoreFactory, error) {
	if err := s3cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*config.LoadOptions) error
	if s3cfg.Region != "" {
		opts = append(opts, config.WithRegion(s3cfg.Region))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if s3cfg.Endpoint != "" {
		endpoint := s3cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = &endpoint })
	}
	if s3cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}
	client := s3.NewFromConfig(awsConfig, s3Opts...)

	return func() (lode.Store, error) {
		return lodes3.New(client, lodes3.Config{
			Bucket: s3cfg.Bucket,
			Prefix: s3cfg.Prefix,
		})
	}, nil
}

// StoreConfig selects a storage backend.
type StoreConfig struct {
	// Backend is one of memory, fs or s3.
	Backend string
	// Path is the root directory for fs, or "bucket/prefix" for s3.
	Path string
	// Region, Endpoint and UsePathStyle apply to s3 only.
	Region       string
	Endpoint     string
	UsePathStyle bool
}

// NewFactory builds the store factory described by cfg.
//
// A memory factory hands every caller the same store so a blob written by
// one component can be read by another in the same process.
func NewFactory(ctx context.Context, cfg StoreConfig) (lode.StoreFactory, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return SharedFactory(lode.NewMemory()), nil
	case BackendFS:
		if cfg.Path == "" {
			return nil, errors.New("fs store requires a path")
		}
		return lode.NewFSFactory(cfg.Path), nil
	case BackendS3:
		bucket, prefix := ParseS3Path(cfg.Path)
		return NewS3Factory(ctx, S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.UsePathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown store backend %q (expected memory, fs or s3)", cfg.Backend)
	}
}

// SharedFactory returns a factory that always yields store.
func SharedFactory(store lode.Store) lode.StoreFactory {
	return func() (lode.Store, error) { return store, nil }
}

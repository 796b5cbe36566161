// Package storage provides S3-compatible object storage access for the raw
// and canonical Parquet objects described in SPEC_FULL §3/§6.
//
//nolint:staticcheck // AWS SDK endpoint resolution is deprecated but requires major refactoring to update
package storage

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"pipelinecore.evalgo.org/config"
)

// sharedHTTPClient provides connection pooling and resource optimization
// across all storage operations: long-running chunk processors hold this
// client open for the lifetime of a pipeline worker.
var sharedHTTPClient = &http.Client{
	Timeout: 60 * time.Second,
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	},
}

// NewS3Client builds an AWS SDK v2 S3 client from ObjectStoreConfig,
// honoring a non-default endpoint for S3-compatible deployments
// (MinIO/Hetzner-class backends) via ForcePathStyle.
func NewS3Client(ctx context.Context, cfg config.ObjectStoreConfig, accessKey, secretKey string) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if accessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					SigningRegion:     region,
					HostnameImmutable: true,
				}, nil
			})))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.HTTPClient = sharedHTTPClient
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return client, nil
}

// S3AwsListObjects enumerates every object under prefix in bucket, paging
// through ListObjectsV2's continuation token so callers see every raw
// object key (§4.5 "read the raw object").
func S3AwsListObjects(ctx context.Context, client S3Client, bucket, prefix string) ([]types.Object, error) {
	var all []types.Object
	var token *string
	for {
		output, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list objects %s/%s: %w", bucket, prefix, err)
		}
		all = append(all, output.Contents...)
		if output.IsTruncated == nil || !*output.IsTruncated {
			break
		}
		token = output.NextContinuationToken
	}
	return all, nil
}

// GetAllLocalFiles recursively discovers all files in a directory tree.
// Used by local-path test fixtures loading sample raw Parquet files.
func GetAllLocalFiles(root string) ([]string, error) {
	var files []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return fmt.Errorf("error accessing path %s: %w", path, err)
		}
		if !info.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory tree %s: %w", root, err)
	}
	return files, nil
}

// CalculateMD5 computes the MD5 hash of a file for integrity verification
// and local-fixture change detection.
func CalculateMD5(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file %s: %w", path, err)
	}
	defer file.Close()

	hash := md5.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", fmt.Errorf("failed to calculate MD5 for %s: %w", path, err)
	}
	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}

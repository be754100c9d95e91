package model

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Loader discovers and parses every artifact file available from one
// backing location. FileSource and S3Source are the two production
// implementations; the cache can be built from either (or both, merged).
type Loader interface {
	Load(ctx context.Context) ([]Artifact, error)
}

// FileSource scans a fixed local directory for files matching the
// documented artifact filename pattern.
type FileSource struct {
	dir string
}

// NewFileSource builds a FileSource rooted at dir.
func NewFileSource(dir string) *FileSource {
	return &FileSource{dir: dir}
}

func (s *FileSource) Load(ctx context.Context) ([]Artifact, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("model: reading artifact directory %q: %w", s.dir, err)
	}

	var artifacts []Artifact
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		instrument, version, ok := parseFilename(entry.Name())
		if !ok {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("model: reading %q: %w", entry.Name(), err)
		}
		artifact, err := parseArtifact(instrument, version, raw)
		if err != nil {
			return nil, fmt.Errorf("model: parsing %q: %w", entry.Name(), err)
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, nil
}

// S3Client is the subset of *s3.Client the S3Source needs, narrowed for
// testability.
type S3Client interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source discovers artifacts under a bucket/prefix instead of a local
// directory — used in deployments where the artifacts are published by the
// (out-of-scope) training job to object storage rather than shipped with
// the binary's filesystem.
type S3Source struct {
	client S3Client
	bucket string
	prefix string
}

// NewS3Source builds an S3Source against an already-configured client.
func NewS3Source(client S3Client, bucket, prefix string) *S3Source {
	return &S3Source{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Source) Load(ctx context.Context) ([]Artifact, error) {
	var artifacts []Artifact
	var continuationToken *string

	for {
		page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, fmt.Errorf("model: listing s3://%s/%s: %w", s.bucket, s.prefix, err)
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			instrument, version, ok := parseFilename(filepath.Base(key))
			if !ok {
				continue
			}

			out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: obj.Key})
			if err != nil {
				return nil, fmt.Errorf("model: fetching s3://%s/%s: %w", s.bucket, key, err)
			}
			raw, err := io.ReadAll(out.Body)
			out.Body.Close()
			if err != nil {
				return nil, fmt.Errorf("model: reading s3://%s/%s: %w", s.bucket, key, err)
			}

			artifact, err := parseArtifact(instrument, version, raw)
			if err != nil {
				return nil, fmt.Errorf("model: parsing s3://%s/%s: %w", s.bucket, key, err)
			}
			artifacts = append(artifacts, artifact)
		}

		if page.IsTruncated == nil || !*page.IsTruncated {
			break
		}
		continuationToken = page.NextContinuationToken
	}

	return artifacts, nil
}

var _ Loader = (*FileSource)(nil)
var _ Loader = (*S3Source)(nil)

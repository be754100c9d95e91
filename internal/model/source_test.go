package model_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/atlas-quant/forecast-backend/internal/model"
)

// fakeS3Client implements model.S3Client against an in-memory object map,
// paginating two objects per page to exercise the continuation-token loop.
type fakeS3Client struct {
	objects  map[string]string // key -> body
	keys     []string
	pageSize int
}

func newFakeS3Client(objects map[string]string) *fakeS3Client {
	keys := make([]string, 0, len(objects))
	for k := range objects {
		keys = append(keys, k)
	}
	return &fakeS3Client{objects: objects, keys: keys, pageSize: 2}
}

func (f *fakeS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	start := 0
	if params.ContinuationToken != nil {
		for i, k := range f.keys {
			if k == *params.ContinuationToken {
				start = i
				break
			}
		}
	}
	end := start + f.pageSize
	if end > len(f.keys) {
		end = len(f.keys)
	}

	var contents []types.Object
	for _, k := range f.keys[start:end] {
		contents = append(contents, types.Object{Key: aws.String(k)})
	}

	truncated := end < len(f.keys)
	out := &s3.ListObjectsV2Output{
		Contents:    contents,
		IsTruncated: aws.Bool(truncated),
	}
	if truncated {
		out.NextContinuationToken = aws.String(f.keys[end])
	}
	return out, nil
}

func (f *fakeS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader([]byte(body)))}, nil
}

func TestS3SourceLoadsArtifactsAcrossPaginatedListing(t *testing.T) {
	client := newFakeS3Client(map[string]string{
		"models/btc_arima_model.json":          simpleArtifact(t),
		"models/eth_arima_model_20240115.json": simpleArtifact(t),
		"models/readme.txt":                    "not an artifact",
	})

	source := model.NewS3Source(client, "artifact-bucket", "models/")
	artifacts, err := source.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(artifacts) != 2 {
		t.Fatalf("len(artifacts) = %d, want 2", len(artifacts))
	}
}

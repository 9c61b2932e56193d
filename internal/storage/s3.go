// Package storage keeps batch files and run reports in S3 compatible
// object storage.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectStore is the part of S3 the worker needs.
type ObjectStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) (string, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// S3 is an ObjectStore on one bucket. Keys are relative to Prefix.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Params configures an S3 store. Endpoint may be empty for AWS
// itself; any other endpoint is addressed path style.
type NewS3Params struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
}

func NewS3(ctx context.Context, params NewS3Params) (*S3, error) {
	if params.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(params.Region),
	}
	if params.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			params.AccessKey,
			params.SecretKey,
			"",
		)))
	}
	if params.Endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(params.Endpoint))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load s3 config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = params.Endpoint != ""
	})
	return &S3{client: client, bucket: params.Bucket, prefix: strings.Trim(params.Prefix, "/")}, nil
}

func (s *S3) key(k string) string {
	k = strings.TrimLeft(k, "/")
	if s.prefix == "" || strings.HasPrefix(k, s.prefix+"/") {
		return k
	}
	return s.prefix + "/" + k
}

// Get downloads the object at key.
func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s from S3: %w", key, err)
	}
	defer result.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, result.Body); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return buf.Bytes(), nil
}

// Put uploads data to key and returns the full object key. The content
// type is derived from the extension.
func (s *S3) Put(ctx context.Context, key string, data []byte) (string, error) {
	full := s.key(key)
	contentType := mime.TypeByExtension(path.Ext(full))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(full),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s to S3: %w", full, err)
	}
	return full, nil
}

// List returns every key below prefix.
func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	listInput := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.key(prefix)),
	}

	for {
		listOutput, err := s.client.ListObjectsV2(ctx, listInput)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects with prefix %s: %w", prefix, err)
		}

		for _, obj := range listOutput.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}

		if listOutput.IsTruncated != nil && *listOutput.IsTruncated {
			listInput.ContinuationToken = listOutput.NextContinuationToken
		} else {
			break
		}
	}

	return keys, nil
}

// ReportKey is where the report of a run is stored.
func ReportKey(kind, runID, ext string) string {
	return path.Join("reports", kind, runID+"."+strings.TrimPrefix(ext, "."))
}

// BatchKey is where an uploaded batch file is stored.
func BatchKey(batchID string) string {
	return path.Join("batches", batchID+".json")
}

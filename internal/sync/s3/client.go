// Package s3 stores sync objects in S3-compatible storage (AWS S3,
// Cloudflare R2, MinIO).
package s3

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	apperrors "github.com/kimhsiao/millsync/backend/internal/errors"
	msync "github.com/kimhsiao/millsync/backend/internal/sync"
)

// Config holds S3 connection configuration.
type Config struct {
	Endpoint     string // empty for AWS default resolution
	Bucket       string
	Region       string
	AccessKey    string
	SecretKey    string
	Prefix       string // prepended to every key
	UsePathStyle bool   // MinIO and most self-hosted servers
}

// Client implements sync.ObjectStore on aws-sdk-go-v2.
type Client struct {
	api    *awss3.Client
	bucket string
	prefix string
}

var _ msync.ObjectStore = (*Client)(nil)

// New creates a client. Static credentials are used when given, otherwise
// the default AWS credential chain applies.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, apperrors.New(apperrors.ErrConfig, "bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "failed to load AWS config", err)
	}

	api := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Client{api: api, bucket: cfg.Bucket, prefix: prefix}, nil
}

// Upload writes data at key.
func (c *Client) Upload(ctx context.Context, key string, data []byte) error {
	_, err := c.api.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(c.prefix + key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return classify("upload "+key, err)
	}
	return nil
}

// Download reads the object at key. A missing object is ErrNotFound.
func (c *Client) Download(ctx context.Context, key string) ([]byte, error) {
	resp, err := c.api.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.prefix + key),
	})
	if err != nil {
		return nil, classify("download "+key, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Network("read "+key, err)
	}
	return data, nil
}

// Delete removes the object at key.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.api.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.prefix + key),
	})
	if err != nil {
		return classify("delete "+key, err)
	}
	return nil
}

// List returns the keys under prefix, relative to the client prefix.
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := awss3.NewListObjectsV2Paginator(c.api, &awss3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(c.prefix + prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify("list "+prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(obj.Key), c.prefix))
		}
	}
	return keys, nil
}

// TestConnection checks that the bucket is reachable with the configured
// credentials.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.api.HeadBucket(ctx, &awss3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	if err != nil {
		return classify("head bucket "+c.bucket, err)
	}
	return nil
}

// classify maps SDK errors onto the sync error taxonomy: missing objects
// are ErrNotFound, HTTP statuses follow errors.FromHTTPStatus, and
// transport failures are retryable.
func classify(op string, err error) error {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var noKey *s3types.NoSuchKey
	if stderrors.As(err, &noKey) {
		return apperrors.Wrap(apperrors.ErrNotFound, op+": no such key", err)
	}
	var noBucket *s3types.NoSuchBucket
	if stderrors.As(err, &noBucket) {
		return apperrors.Wrap(apperrors.ErrConfig, op+": no such bucket", err)
	}

	var respErr *smithyhttp.ResponseError
	if stderrors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		if status == 404 {
			return apperrors.Wrap(apperrors.ErrNotFound, op+": not found", err)
		}
		msg := op
		var apiErr smithy.APIError
		if stderrors.As(err, &apiErr) {
			msg = fmt.Sprintf("%s: %s", op, apiErr.ErrorCode())
		}
		if e := apperrors.FromHTTPStatus(status, msg); e != nil {
			e.Err = err
			return e
		}
	}
	return apperrors.Network(op, err)
}

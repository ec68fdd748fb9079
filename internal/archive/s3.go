// Package archive exports aged audit events and webhook receipts to
// S3-compatible storage before maintenance prunes them from Postgres.
// Works with AWS S3, MinIO, Wasabi, and other S3-compatible services.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/tillware/license-server/internal/config"
)

// Exporter writes gzipped JSON-lines objects to a bucket.
type Exporter struct {
	client *s3.Client
	bucket string
	prefix string
	logger zerolog.Logger
}

// NewExporter builds an Exporter from archive configuration.
func NewExporter(ctx context.Context, cfg config.ArchiveConfig, logger zerolog.Logger) (*Exporter, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to load aws config: %w", err)
	}

	clientOpts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if u, err := url.Parse(cfg.Endpoint); err == nil && u.Scheme != "" {
			clientOpts = append(clientOpts, func(o *s3.Options) {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
				o.UsePathStyle = true
			})
		} else {
			clientOpts = append(clientOpts, func(o *s3.Options) {
				o.BaseEndpoint = aws.String("https://" + endpoint)
				o.UsePathStyle = true
			})
		}
	}

	return &Exporter{
		client: s3.NewFromConfig(awsCfg, clientOpts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger.With().Str("component", "archive").Logger(),
	}, nil
}

// TestConnection verifies bucket access by heading the bucket.
func (e *Exporter) TestConnection(ctx context.Context) error {
	_, err := e.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(e.bucket),
	})
	if err != nil {
		return fmt.Errorf("archive: failed to access bucket: %w", err)
	}
	return nil
}

// Export marshals rows as gzipped JSON lines and uploads one object per
// call, keyed by kind and timestamp. Rows must be JSON-marshalable; the
// object is skipped entirely when rows is empty.
func (e *Exporter) Export(ctx context.Context, kind string, rows []any) (string, error) {
	if len(rows) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return "", fmt.Errorf("archive: encode %s row: %w", kind, err)
		}
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("archive: close gzip writer: %w", err)
	}

	key := e.objectKey(kind, time.Now().UTC())
	_, err := e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(e.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return "", fmt.Errorf("archive: put object %s: %w", key, err)
	}

	e.logger.Info().
		Str("kind", kind).
		Str("key", key).
		Int("rows", len(rows)).
		Msg("archived rows")
	return key, nil
}

func (e *Exporter) objectKey(kind string, at time.Time) string {
	key := fmt.Sprintf("%s/%s/%s.jsonl.gz", kind, at.Format("2006/01/02"), at.Format("20060102T150405Z"))
	if e.prefix != "" {
		key = e.prefix + "/" + key
	}
	return key
}

// internal/archive/s3.go
// Package archive uploads finished run reports to S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/RegistryAccord/uscore-conformance-go/internal/metrics"
	"github.com/RegistryAccord/uscore-conformance-go/internal/report"
)

// Config locates the bucket reports are archived to.
type Config struct {
	Endpoint        string        // Empty uses the AWS default endpoint
	Region          string
	Bucket          string
	Prefix          string        // Key prefix, e.g. "reports"
	AccessKeyID     string        // Empty uses the default credential chain
	SecretAccessKey string
	URLExpiry       time.Duration // Lifetime of presigned download URLs
}

// Archiver stores reports as JSON objects.
type Archiver struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	prefix  string
	expiry  time.Duration
	metrics *metrics.Metrics
}

// New creates an Archiver. Path-style addressing is used so MinIO and other
// S3-compatible services work.
func New(ctx context.Context, cfg Config) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.URLExpiry <= 0 {
		cfg.URLExpiry = 24 * time.Hour
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.Endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(cfg.Endpoint))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     cfg.AccessKeyID,
					SecretAccessKey: cfg.SecretAccessKey,
				}, nil
			})))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return &Archiver{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
		expiry:  cfg.URLExpiry,
		metrics: metrics.NewMetrics(),
	}, nil
}

// Key returns the object key of a report: <prefix>/<suite>/<run>.json.
func (a *Archiver) Key(r *report.Report) string {
	return path.Join(a.prefix, r.SuiteID, r.RunID+".json")
}

// Upload writes r as JSON and returns its object key.
func (a *Archiver) Upload(ctx context.Context, r *report.Report) (key string, err error) {
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		a.metrics.StorageOperationTotal.WithLabelValues("archive_upload", status).Inc()
		a.metrics.StorageOperationDuration.WithLabelValues("archive_upload", status).Observe(time.Since(start).Seconds())
	}()

	var buf bytes.Buffer
	if err := report.WriteJSON(&buf, r); err != nil {
		return "", err
	}

	key = a.Key(r)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentLength: aws.Int64(int64(buf.Len())),
		ContentType:   aws.String("application/json"),
		Metadata: map[string]string{
			"run-id":   r.RunID,
			"suite-id": r.SuiteID,
			"status":   string(r.Status),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload report %s: %w", key, err)
	}
	return key, nil
}

// DownloadURL presigns a GET of the object at key.
func (a *Archiver) DownloadURL(ctx context.Context, key string) (string, error) {
	res, err := a.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = a.expiry
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return res.URL, nil
}

// Verify checks that the object at key exists and returns its size.
func (a *Archiver) Verify(ctx context.Context, key string) (int64, error) {
	res, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get object metadata: %w", err)
	}
	return aws.ToInt64(res.ContentLength), nil
}

// Consume implements report.Sink: it uploads r and logs a download link.
func (a *Archiver) Consume(ctx context.Context, r *report.Report) error {
	key, err := a.Upload(ctx, r)
	if err != nil {
		return err
	}
	url, err := a.DownloadURL(ctx, key)
	if err != nil {
		return err
	}
	slog.Info("report archived", "runId", r.RunID, "bucket", a.bucket, "key", key, "url", url)
	return nil
}

// Package archive stores raw provider batch results in S3-compatible object
// storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rotisserie/eris"

	"github.com/theonetruejesse/judge-gym/internal/model"
	"github.com/theonetruejesse/judge-gym/internal/provider"
)

// Config configures the S3 archive.
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string // optional, for MinIO and other S3-compatible stores
	AccessKey string
	SecretKey string
}

// ObjectPutter is the subset of the S3 client the archiver uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes one JSON object per finished batch.
type S3Archiver struct {
	client ObjectPutter
	bucket string
}

// Record is the archived form of a batch.
type Record struct {
	BatchID         string            `json:"batch_id"`
	ProviderBatchID string            `json:"provider_batch_id"`
	Provider        model.Provider    `json:"provider"`
	Model           string            `json:"model"`
	RunID           string            `json:"run_id,omitempty"`
	ArchivedAt      time.Time         `json:"archived_at"`
	Results         []provider.Result `json:"results"`
}

// NewS3 builds an archiver from static credentials, falling back to the
// default AWS credential chain when no keys are set.
func NewS3(ctx context.Context, cfg Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, eris.New("archive: bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, eris.Wrap(err, "archive: load aws config")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return New(client, cfg.Bucket), nil
}

// New creates an archiver over an existing client.
func New(client ObjectPutter, bucket string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket}
}

// Key returns the object key of a batch archive.
func Key(b *model.LlmBatch) string {
	return fmt.Sprintf("batches/%s/%s.json", b.Provider, b.ID)
}

// PutBatchResults writes the batch's raw results to batches/<provider>/<batch_id>.json.
func (a *S3Archiver) PutBatchResults(ctx context.Context, b *model.LlmBatch, results []provider.Result) error {
	body, err := json.Marshal(Record{
		BatchID:         b.ID,
		ProviderBatchID: b.ProviderBatchID,
		Provider:        b.Provider,
		Model:           b.Model,
		RunID:           b.RunID,
		ArchivedAt:      time.Now().UTC(),
		Results:         results,
	})
	if err != nil {
		return eris.Wrap(err, "archive: marshal batch")
	}
	key := Key(b)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return eris.Wrapf(err, "archive: put s3://%s/%s", a.bucket, key)
	}
	return nil
}

package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/justapithecus/telemetry-broker/log"
)

// DeadLetterConfig configures the optional overflow archive.
type DeadLetterConfig struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

// DeadLetterArchive writes batches that have exceeded the persistence
// pipeline's high-water mark to S3 as newline-delimited JSON, rather than
// retrying them forever. Disabled unless a bucket is configured.
type DeadLetterArchive struct {
	client *s3.Client
	bucket string
	prefix string
	logger *log.Logger
}

// NewDeadLetterArchive builds an archive client using the AWS SDK default
// credential chain, mirroring the teacher's S3 client construction.
func NewDeadLetterArchive(ctx context.Context, cfg DeadLetterConfig, logger *log.Logger) (*DeadLetterArchive, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = &endpoint })
	}

	return &DeadLetterArchive{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger,
	}, nil
}

// ArchiveBatch writes records as newline-delimited JSON under a
// timestamped key, one line per record in the batch. records must be a
// slice (e.g. []types.PredictionRecord or []types.RawSampleRecord); reflect
// is used since the persistence pipeline archives either record type
// through this one entry point.
func (d *DeadLetterArchive) ArchiveBatch(ctx context.Context, table string, records any) error {
	v := reflect.ValueOf(records)
	if v.Kind() != reflect.Slice {
		return fmt.Errorf("storage: archive batch: expected a slice, got %T", records)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := 0; i < v.Len(); i++ {
		if err := enc.Encode(v.Index(i).Interface()); err != nil {
			return fmt.Errorf("storage: encode dead-letter record: %w", err)
		}
	}

	key := fmt.Sprintf("%s/%s/%d.jsonl", d.prefix, table, time.Now().UnixNano())
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &d.bucket,
		Key:    &key,
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		return fmt.Errorf("storage: put dead-letter object: %w", err)
	}

	d.logger.Warn("batch archived to dead-letter store", map[string]any{"table": table, "key": key})
	return nil
}

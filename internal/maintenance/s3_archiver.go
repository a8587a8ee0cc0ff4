package maintenance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aurorapos/aurora-server/internal/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// S3Archiver writes purged dead-letter batches to an S3 bucket as JSON lines,
// one object per batch, keyed by purge date.
type S3Archiver struct {
	client *s3.Client
	bucket string
	logger zerolog.Logger
}

// NewS3Archiver creates an archiver against the given bucket using the
// ambient AWS credential chain.
func NewS3Archiver(ctx context.Context, bucket, region string, logger zerolog.Logger) (*S3Archiver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Archiver{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		logger: logger.With().Str("component", "dead_letter_archive").Logger(),
	}, nil
}

// Archive uploads one batch of entries as a JSON-lines object.
func (a *S3Archiver) Archive(ctx context.Context, entries []*models.DeadLetterEntry) error {
	if len(entries) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encode dead letter entry %s: %w", e.ID, err)
		}
	}

	key := fmt.Sprintf("dead-letters/%s/%s.jsonl", time.Now().UTC().Format("2006/01/02"), uuid.New())
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("upload archive batch: %w", err)
	}

	a.logger.Info().
		Str("key", key).
		Int("entries", len(entries)).
		Msg("dead letter batch archived")
	return nil
}

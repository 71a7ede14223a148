// Package archive writes the final record of every terminal call to S3.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/wolfman30/callpilot/internal/booking"
	"github.com/wolfman30/callpilot/pkg/logging"
)

// S3API is the subset of the S3 client used by TranscriptArchive.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// TranscriptArchive stores call records under
// calls/v1/by-date/YYYY/MM/DD/{call_id}.json plus a monthly JSONL manifest.
type TranscriptArchive struct {
	bucket   string
	s3Client S3API
	logger   *logging.Logger
	now      func() time.Time
}

// NewTranscriptArchive returns an archive. With an empty bucket every
// operation is a no-op.
func NewTranscriptArchive(s3Client S3API, bucket string, logger *logging.Logger) *TranscriptArchive {
	if logger == nil {
		logger = logging.Default()
	}
	return &TranscriptArchive{
		bucket:   bucket,
		s3Client: s3Client,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Enabled reports whether a bucket is configured.
func (a *TranscriptArchive) Enabled() bool {
	return a != nil && a.bucket != "" && a.s3Client != nil
}

// Archive writes the record of a terminal call.
func (a *TranscriptArchive) Archive(ctx context.Context, req *booking.Request, call *booking.Call) error {
	if !a.Enabled() {
		return nil
	}
	rec := NewCallRecord(req, call, a.now())
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("archive: marshal record: %w", err)
	}

	key := RecordKey(rec.ArchivedAt, rec.CallID)
	_, err = a.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive: s3 put %s: %w", key, err)
	}
	a.logger.Info("archived call to S3", "call_id", rec.CallID, "s3_key", key, "outcome", rec.Outcome)

	entry := ManifestEntry{
		CallID:          rec.CallID,
		RequestID:       rec.RequestID,
		S3Key:           key,
		Outcome:         string(rec.Outcome),
		ArchivedAt:      rec.ArchivedAt.Format(time.RFC3339),
		TranscriptLines: len(rec.Transcript),
	}
	if err := a.appendManifest(ctx, rec.ArchivedAt, entry); err != nil {
		a.logger.Warn("failed to append manifest", "error", err, "call_id", rec.CallID)
	}
	return nil
}

// RecordKey is the object key of a call record.
func RecordKey(at time.Time, callID string) string {
	return fmt.Sprintf("calls/v1/by-date/%d/%02d/%02d/%s.json", at.Year(), at.Month(), at.Day(), callID)
}

// appendManifest rewrites the monthly manifest with entry appended; S3 has no append.
func (a *TranscriptArchive) appendManifest(ctx context.Context, at time.Time, entry ManifestEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("archive: marshal manifest entry: %w", err)
	}
	key := fmt.Sprintf("calls/v1/manifests/%d-%02d.jsonl", at.Year(), at.Month())

	var existing []byte
	resp, err := a.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	switch {
	case err == nil:
		existing, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("archive: read manifest: %w", err)
		}
	case isNotFound(err):
		a.logger.Debug("manifest not found, creating new", "key", key)
	default:
		return fmt.Errorf("archive: s3 get manifest: %w", err)
	}

	var buf bytes.Buffer
	if len(existing) > 0 {
		buf.Write(existing)
		if existing[len(existing)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	buf.Write(line)
	buf.WriteByte('\n')

	_, err = a.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("archive: s3 put manifest: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var notFound *s3types.NotFound
	return errors.As(err, &notFound)
}

// Package storage archives advisory transcripts in Cloud Storage.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/stitchquote/api/internal/services"
)

// objectOpener returns a writer that creates object only when it does not exist yet.
type objectOpener func(ctx context.Context, object string) io.WriteCloser

// TranscriptArchive writes one JSON object per stored quote.
type TranscriptArchive struct {
	bucket string
	open   objectOpener
}

var _ services.TranscriptArchive = (*TranscriptArchive)(nil)

// NewTranscriptArchive writes into bucket using client.
func NewTranscriptArchive(client *gcs.Client, bucket string) (*TranscriptArchive, error) {
	if client == nil {
		return nil, errors.New("transcript archive: storage client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("transcript archive: bucket is required")
	}
	handle := client.Bucket(bucket)
	return &TranscriptArchive{
		bucket: bucket,
		open: func(ctx context.Context, object string) io.WriteCloser {
			w := handle.Object(object).If(gcs.Conditions{DoesNotExist: true}).NewWriter(ctx)
			w.ContentType = "application/json"
			w.CacheControl = "private, no-store"
			return w
		},
	}, nil
}

// ArchiveTranscript stores transcript. An object already written for the quote is left untouched.
func (a *TranscriptArchive) ArchiveTranscript(ctx context.Context, transcript services.AdvisoryTranscript) error {
	object, err := TranscriptObjectPath(transcript.QuoteID, transcript.RecordedAt)
	if err != nil {
		return err
	}
	data, err := json.Marshal(transcript)
	if err != nil {
		return fmt.Errorf("transcript archive: marshal: %w", err)
	}

	w := a.open(ctx, object)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("transcript archive: write gs://%s/%s: %w", a.bucket, object, err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return nil
		}
		return fmt.Errorf("transcript archive: close gs://%s/%s: %w", a.bucket, object, err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}

package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"google.golang.org/api/googleapi"

	"github.com/stitchquote/api/internal/services"
)

type memoryObject struct {
	bytes.Buffer
	closeErr error
	closed   bool
}

func (m *memoryObject) Close() error {
	m.closed = true
	return m.closeErr
}

func newMemoryArchive(closeErr error) (*TranscriptArchive, map[string]*memoryObject) {
	objects := map[string]*memoryObject{}
	archive := &TranscriptArchive{
		bucket: "quote-transcripts",
		open: func(_ context.Context, object string) io.WriteCloser {
			obj := &memoryObject{closeErr: closeErr}
			objects[object] = obj
			return obj
		},
	}
	return archive, objects
}

func testTranscript() services.AdvisoryTranscript {
	return services.AdvisoryTranscript{
		QuoteID:    "01JQUOTE",
		Provider:   "google-genai",
		Model:      "gemini-2.5-flash",
		Prompt:     "Product type: T-Shirts",
		Response:   "UNIT PRICE: $6.40",
		RecordedAt: time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC),
	}
}

func TestArchiveTranscriptWritesJSON(t *testing.T) {
	archive, objects := newMemoryArchive(nil)

	if err := archive.ArchiveTranscript(context.Background(), testTranscript()); err != nil {
		t.Fatalf("ArchiveTranscript: %v", err)
	}

	obj, ok := objects["transcripts/2026/10/16/01JQUOTE.json"]
	if !ok {
		t.Fatalf("expected object at dated path, got %v", objects)
	}
	if !obj.closed {
		t.Fatalf("expected writer to be closed")
	}
	var stored services.AdvisoryTranscript
	if err := json.Unmarshal(obj.Bytes(), &stored); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stored != testTranscript() {
		t.Fatalf("unexpected transcript %+v", stored)
	}
}

func TestArchiveTranscriptExistingObjectIsNoop(t *testing.T) {
	archive, _ := newMemoryArchive(&googleapi.Error{Code: http.StatusPreconditionFailed})

	if err := archive.ArchiveTranscript(context.Background(), testTranscript()); err != nil {
		t.Fatalf("expected precondition failure to be ignored, got %v", err)
	}
}

func TestArchiveTranscriptReportsFailures(t *testing.T) {
	archive, _ := newMemoryArchive(errors.New("connection reset"))

	err := archive.ArchiveTranscript(context.Background(), testTranscript())
	if err == nil || !strings.Contains(err.Error(), "gs://quote-transcripts/") {
		t.Fatalf("expected wrapped close error, got %v", err)
	}

	transcript := testTranscript()
	transcript.QuoteID = "../escape"
	if err := archive.ArchiveTranscript(context.Background(), transcript); err == nil {
		t.Fatalf("expected invalid quote id to be rejected")
	}
}

func TestNewTranscriptArchiveValidates(t *testing.T) {
	if _, err := NewTranscriptArchive(nil, "bucket"); err == nil {
		t.Fatalf("expected error for nil client")
	}
}

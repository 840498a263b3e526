package storage

import (
	"fmt"
	"strings"
	"time"
)

// TranscriptObjectPath places transcripts under a UTC date prefix so lifecycle rules can expire whole days.
func TranscriptObjectPath(quoteID string, recordedAt time.Time) (string, error) {
	id, err := validateSegment("quoteID", quoteID)
	if err != nil {
		return "", err
	}
	if recordedAt.IsZero() {
		return "", fmt.Errorf("storage: recordedAt is required")
	}
	return fmt.Sprintf("transcripts/%s/%s.json", recordedAt.UTC().Format("2006/01/02"), id), nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}

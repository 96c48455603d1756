package model

import (
	"encoding/json"
	"strings"
)

// Status is the outcome of a single test.
type Status string

const (
	StatusPassed    Status = "passed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusUndefined Status = "undefined"
)

// ParseStatus maps free-form producer input onto a known Status.
// Anything unrecognized becomes StatusUndefined.
func ParseStatus(s string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusPassed:
		return StatusPassed
	case StatusFailed:
		return StatusFailed
	case StatusSkipped:
		return StatusSkipped
	default:
		return StatusUndefined
	}
}

// FileRef points at an artifact on local disk.
// In JSON it is either a bare path string or an object.
type FileRef struct {
	// Absolute or working-directory relative path
	Path string `json:"path"`
	// MIME type, if the producer knows it
	Type string `json:"type,omitempty"`
	// Display name used for the storage key
	Name string `json:"name,omitempty"`
}

func (f *FileRef) UnmarshalJSON(data []byte) error {
	var path string
	if err := json.Unmarshal(data, &path); err == nil {
		*f = FileRef{Path: path}
		return nil
	}

	type plain FileRef
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*f = FileRef(p)
	return nil
}

// Buffer is an in-memory artifact such as a screenshot taken by the
// framework without touching disk.
type Buffer struct {
	Data []byte `json:"data"`
	// Optional file name, its extension wins over any guessing
	Name string `json:"name,omitempty"`
	// Optional MIME type
	Type string `json:"type,omitempty"`
}

// TestRecord is one reported test outcome.
type TestRecord struct {
	// Idempotency key. Re-submitting a record with the same RID updates
	// the test on the destinations instead of creating a duplicate.
	RID        string `json:"rid,omitempty"`
	Title      string `json:"title,omitempty"`
	SuiteTitle string `json:"suite_title,omitempty"`
	SuiteID    string `json:"suite_id,omitempty"`
	TestID     string `json:"test_id,omitempty"`
	Status     Status `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
	Stack      string `json:"stack,omitempty"`
	Message    string `json:"message,omitempty"`
	Code       string `json:"code,omitempty"`
	Logs       string `json:"logs,omitempty"`
	// Duration in milliseconds
	Time  float64 `json:"time,omitempty"`
	Steps string  `json:"steps,omitempty"`
	// Parameters of a data-driven example
	Example map[string]any    `json:"example,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
	Tags    []string          `json:"tags,omitempty"`

	Files        []FileRef `json:"files,omitempty"`
	FilesBuffers []Buffer  `json:"files_buffers,omitempty"`
	Artifacts    []string  `json:"artifacts,omitempty"`
}

// HasArtifacts reports whether the record references any file or buffer
// that still needs uploading.
func (r *TestRecord) HasArtifacts() bool {
	return len(r.Files) > 0 || len(r.FilesBuffers) > 0
}

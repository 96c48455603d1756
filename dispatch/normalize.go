package dispatch

import (
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/google/uuid"
	"github.com/perfgo/testpipe/model"
)

const (
	// UnknownTitle replaces a missing test title.
	UnknownTitle = "Unknown test"

	maxErrorLen = 64 * 1024
	maxLogsLen  = 256 * 1024
	maxStepsLen = 256 * 1024
)

// normalizeRecord prepares a producer record for delivery: it fills in
// the status, title and rid, and cleans up free-form text fields. Unknown
// statuses become undefined.
func normalizeRecord(status model.Status, r model.TestRecord) model.TestRecord {
	r.Status = model.ParseStatus(string(status))

	r.Title = strings.TrimSpace(r.Title)
	if r.Title == "" {
		r.Title = UnknownTitle
	}
	if r.RID == "" {
		r.RID = uuid.NewString()
	}

	r.Error = normalizeText(r.Error, maxErrorLen)
	r.Stack = normalizeText(r.Stack, maxErrorLen)
	r.Message = normalizeText(r.Message, maxErrorLen)
	r.Logs = normalizeText(r.Logs, maxLogsLen)
	r.Steps = normalizeText(r.Steps, maxStepsLen)
	return r
}

// normalizeText strips terminal escape sequences, unifies line endings,
// trims surrounding whitespace and caps the length, keeping the tail
// where the interesting part of a log usually is.
func normalizeText(s string, limit int) string {
	if s == "" {
		return ""
	}
	s = ansi.Strip(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.TrimSpace(s)
	if limit > 0 && len(s) > limit {
		s = "...\n" + strings.ToValidUTF8(s[len(s)-limit:], "")
	}
	return s
}

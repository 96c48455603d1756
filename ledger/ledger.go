// Package ledger persists artifact upload attempts so that a later
// process can replay the ones that never reached blob storage.
//
// A ledger is a newline-delimited JSON file scoped to one run. Writers
// only ever append one complete line per write, so concurrent test
// workers can share the file without locking. Reading and rewriting
// happen in a separate replay pass that does not run concurrently with
// writers.
package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	filePrefix = "testpipe.run."
	fileSuffix = ".jsonl"
)

// ErrStale is returned by Open when the ledger is older than the allowed
// age and must not be replayed.
var ErrStale = errors.New("ledger is stale")

// Entry is one upload attempt.
type Entry struct {
	RID      string `json:"rid"`
	File     string `json:"file"`
	Name     string `json:"name,omitempty"` // overrides the file name in the storage key
	Uploaded bool   `json:"uploaded"`
}

type artifact struct {
	rid  string
	file string
}

func (e Entry) artifact() artifact {
	return artifact{rid: e.RID, file: e.File}
}

// FileName returns the ledger file name for a run.
func FileName(runID string) string {
	return filePrefix + runID + fileSuffix
}

// Path returns the ledger path for a run inside dir.
func Path(dir, runID string) string {
	return filepath.Join(dir, FileName(runID))
}

// RunIDFromPath extracts the run id from a ledger path. The second
// return value is false for files that are not ledgers.
func RunIDFromPath(path string) (string, bool) {
	base := filepath.Base(path)
	if !strings.HasPrefix(base, filePrefix) || !strings.HasSuffix(base, fileSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(base, filePrefix), fileSuffix)
	return id, id != ""
}

// Append writes e as a single line at the end of the ledger at path.
func Append(path string, e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger entry: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer f.Close()

	// one write per line keeps concurrent appends from interleaving
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// Read parses all entries of the ledger at path. Malformed lines are
// logged and skipped.
func Read(logger zerolog.Logger, path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil || e.File == "" {
			logger.Warn().Err(err).Str("path", path).Int("line", lineNo).Msg("Skipping malformed ledger line")
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("failed to scan ledger: %w", err)
	}
	return entries, nil
}

// IsStale reports whether the ledger at path was last written more than
// maxAge before now.
func IsStale(path string, maxAge time.Duration, now time.Time) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return now.Sub(info.ModTime()) > maxAge, nil
}

// Open reads the ledger for replay. It returns ErrStale without entries
// when the file is older than maxAge.
func Open(logger zerolog.Logger, path string, maxAge time.Duration) ([]Entry, error) {
	stale, err := IsStale(path, maxAge, time.Now())
	if err != nil {
		return nil, err
	}
	if stale {
		return nil, ErrStale
	}
	return Read(logger, path)
}

// Pending returns one entry per artifact that still needs uploading.
// An artifact is identified by rid and file and counts as uploaded once
// any of its lines says so. With force set every artifact is returned.
func Pending(entries []Entry, force bool) []Entry {
	uploaded := uploadedArtifacts(entries)
	seen := make(map[artifact]struct{}, len(entries))
	var out []Entry
	for _, e := range entries {
		a := e.artifact()
		if _, ok := seen[a]; ok {
			continue
		}
		if _, ok := uploaded[a]; ok && !force {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, e)
	}
	return out
}

func uploadedArtifacts(entries []Entry) map[artifact]struct{} {
	uploaded := make(map[artifact]struct{})
	for _, e := range entries {
		if e.Uploaded {
			uploaded[e.artifact()] = struct{}{}
		}
	}
	return uploaded
}

// Rewrite atomically replaces the ledger at path with entries.
func Rewrite(path string, entries []Entry) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("failed to marshal ledger entry: %w", err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary ledger: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temporary ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary ledger: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace ledger: %w", err)
	}
	return nil
}

// MarkUploaded flips the uploaded flag of every entry whose artifact is
// in uploaded. Entries are matched by rid and file.
func MarkUploaded(entries []Entry, uploaded []Entry) []Entry {
	done := make(map[artifact]struct{}, len(uploaded))
	for _, e := range uploaded {
		done[e.artifact()] = struct{}{}
	}
	out := make([]Entry, len(entries))
	for i, e := range entries {
		if _, ok := done[e.artifact()]; ok {
			e.Uploaded = true
		}
		out[i] = e
	}
	return out
}

package ledger

// This file contains ledger discovery used to list pending uploads left
// behind by earlier runs.

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// Info describes one ledger file found on disk. Counts are per artifact,
// not per line.
type Info struct {
	RunID    string
	Path     string
	Modified time.Time
	Uploaded int
	Pending  int
}

// Discover loads a summary of every ledger in dir, newest first.
// Unreadable ledgers are logged and skipped.
func Discover(logger zerolog.Logger, dir string) ([]Info, error) {
	matches, err := filepath.Glob(filepath.Join(dir, filePrefix+"*"+fileSuffix))
	if err != nil {
		return nil, fmt.Errorf("failed to list ledgers in %s: %w", dir, err)
	}

	var infos []Info
	for _, path := range matches {
		runID, ok := RunIDFromPath(path)
		if !ok {
			continue
		}
		stat, err := os.Stat(path)
		if err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("Failed to stat ledger")
			continue
		}
		entries, err := Read(logger, path)
		if err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("Failed to read ledger")
			continue
		}

		info := Info{
			RunID:    runID,
			Path:     path,
			Modified: stat.ModTime(),
		}
		info.Uploaded = len(uploadedArtifacts(entries))
		info.Pending = len(Pending(entries, false))
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Modified.After(infos[j].Modified)
	})
	return infos, nil
}

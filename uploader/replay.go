package uploader

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/perfgo/testpipe/ledger"
)

// ReplayResult describes one replay pass over a run ledger.
type ReplayResult struct {
	// Stale is set when the ledger was too old and nothing was replayed.
	Stale bool
	// Attempted is the number of artifacts picked for upload.
	Attempted int
	// URLs maps each test rid to the artifact URLs uploaded for it.
	URLs map[string][]string
}

// Uploaded is the number of entries uploaded by the pass.
func (r ReplayResult) Uploaded() int {
	n := 0
	for _, urls := range r.URLs {
		n += len(urls)
	}
	return n
}

// Replay uploads the entries of a run ledger that were not uploaded yet,
// or all of them when force is set, and rewrites the ledger with their
// new state. It binds the uploader to runID.
//
// A ledger older than the configured maximum age is not replayed: it
// most likely belongs to an unrelated, historical run.
func (u *Uploader) Replay(ctx context.Context, runID string, force bool) (ReplayResult, error) {
	result := ReplayResult{URLs: map[string][]string{}}
	if runID == "" {
		return result, errors.New("run id is required to replay artifacts")
	}
	u.SetRunID(runID)
	path := ledger.Path(u.ledgerDir, runID)

	entries, err := ledger.Open(u.logger, path, u.ledgerMaxAge)
	if errors.Is(err, ledger.ErrStale) {
		u.logger.Warn().
			Str("ledger", path).
			Dur("max_age", u.ledgerMaxAge).
			Msg("Ledger is older than the allowed age, artifacts are not replayed")
		result.Stale = true
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("failed to open ledger for run %s: %w", runID, err)
	}

	pending := ledger.Pending(entries, force)
	result.Attempted = len(pending)
	if len(pending) == 0 {
		u.logger.Info().Str("run_id", runID).Msg("No pending artifacts to upload")
		return result, nil
	}
	if !u.HasStorage() {
		return result, errors.New("no artifact storage configured")
	}

	var done []ledger.Entry
	for _, e := range pending {
		if err := ctx.Err(); err != nil {
			break
		}
		url := u.uploadFile(ctx, e.RID, e.File, "", e.Name, "", false)
		if url == "" {
			continue
		}
		done = append(done, e)
		if !slices.Contains(result.URLs[e.RID], url) {
			result.URLs[e.RID] = append(result.URLs[e.RID], url)
		}
	}

	if err := ledger.Rewrite(path, ledger.MarkUploaded(entries, done)); err != nil {
		return result, err
	}

	u.logger.Info().
		Str("run_id", runID).
		Int("attempted", result.Attempted).
		Int("uploaded", len(done)).
		Msg("Replayed pending artifacts")
	return result, nil
}

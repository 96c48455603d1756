// Package uploader moves test artifacts to blob storage. Every attempt,
// successful or not, is recorded in the run ledger so that artifacts
// which could not be uploaded by the producing process can be replayed
// later by another one.
package uploader

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/perfgo/testpipe/ledger"
	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"
)

// ErrFileMissing is reported when a referenced file never appeared.
var ErrFileMissing = errors.New("artifact file not found")

// Stats are the artifact counters surfaced in the end of run summary.
type Stats struct {
	Uploaded int64
	Skipped  int64
	Failed   int64
	Deferred int64
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithStorage sets the blob storage. Without storage every upload is
// deferred to the ledger.
func WithStorage(s Storage) Option {
	return func(u *Uploader) {
		u.storage = s
	}
}

// WithMaxSize sets the upload ceiling in bytes. Zero disables it.
func WithMaxSize(n int64) Option {
	return func(u *Uploader) {
		u.maxSize = n
	}
}

// WithRetry sets the number of upload attempts and the pause between them.
func WithRetry(attempts int, interval time.Duration) Option {
	return func(u *Uploader) {
		u.attempts = max(attempts, 1)
		u.retryInterval = interval
	}
}

// WithExistenceChecks sets how often a missing file is looked for before
// it is given up on. Files referenced by a test may still be flushed by
// the OS when the record arrives.
func WithExistenceChecks(checks int, interval time.Duration) Option {
	return func(u *Uploader) {
		u.checks = max(checks, 1)
		u.checkInterval = interval
	}
}

// WithLedgerDir sets the directory holding run ledgers.
func WithLedgerDir(dir string) Option {
	return func(u *Uploader) {
		u.ledgerDir = dir
	}
}

// WithLedgerMaxAge sets the age after which a ledger is not replayed.
func WithLedgerMaxAge(d time.Duration) Option {
	return func(u *Uploader) {
		u.ledgerMaxAge = d
	}
}

// WithRunID binds the uploader to a run up front.
func WithRunID(id string) Option {
	return func(u *Uploader) {
		u.runID = id
	}
}

// Disabled turns the uploader into a no-op that records nothing.
func Disabled() Option {
	return func(u *Uploader) {
		u.disabled = true
	}
}

// Uploader uploads artifacts and keeps the run ledger. It is safe for
// concurrent use.
type Uploader struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	storage Storage
	runID   string

	ledgerDir     string
	ledgerMaxAge  time.Duration
	maxSize       int64
	disabled      bool
	attempts      int
	retryInterval time.Duration
	checks        int
	checkInterval time.Duration

	group singleflight.Group
	memo  sync.Map

	uploaded atomic.Int64
	skipped  atomic.Int64
	failed   atomic.Int64
	deferred atomic.Int64
}

// New creates an uploader.
func New(logger zerolog.Logger, opts ...Option) *Uploader {
	u := &Uploader{
		logger:        logger.With().Str("component", "uploader").Logger(),
		ledgerDir:     os.TempDir(),
		ledgerMaxAge:  3 * time.Hour,
		attempts:      3,
		retryInterval: time.Second,
		checks:        5,
		checkInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// SetStorage installs blob storage once credentials become available,
// typically after the remote run was created.
func (u *Uploader) SetStorage(s Storage) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.storage = s
}

// SetRunID binds the uploader to a run. It determines storage keys and
// the ledger file.
func (u *Uploader) SetRunID(id string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.runID = id
}

// RunID returns the run the uploader is bound to.
func (u *Uploader) RunID() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.runID
}

// Enabled reports whether artifacts are handled at all.
func (u *Uploader) Enabled() bool {
	return !u.disabled
}

// HasStorage reports whether uploads go to storage or to the ledger only.
func (u *Uploader) HasStorage() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.storage != nil
}

// Stats returns a snapshot of the counters.
func (u *Uploader) Stats() Stats {
	return Stats{
		Uploaded: u.uploaded.Load(),
		Skipped:  u.skipped.Load(),
		Failed:   u.failed.Load(),
		Deferred: u.deferred.Load(),
	}
}

// LedgerPath returns the ledger file of the current run, or "" when no
// run is bound.
func (u *Uploader) LedgerPath() string {
	runID := u.RunID()
	if runID == "" {
		return ""
	}
	return ledger.Path(u.ledgerDir, runID)
}

// FileKey returns the storage key used for a file of a test. Only the
// last element of path is used.
func (u *Uploader) FileKey(rid, path string) string {
	return joinKey(u.RunID(), rid, filepath.Base(path))
}

// UploadFileByPath uploads the file at path under key and returns its
// URL. An empty key derives one from the run, rid and file name. The
// returned URL is empty when the file was skipped, deferred or failed;
// the outcome is counted and recorded in the ledger, never returned as
// an error.
func (u *Uploader) UploadFileByPath(ctx context.Context, rid, path, key string) string {
	return u.uploadFile(ctx, rid, path, key, "", "", true)
}

// UploadFile uploads the file at path with an explicit content type. A
// non-empty name replaces the file name in the derived storage key and is
// kept in the ledger so a replay uses the same key.
func (u *Uploader) UploadFile(ctx context.Context, rid, path, name, contentType string) string {
	return u.uploadFile(ctx, rid, path, "", name, contentType, true)
}

func (u *Uploader) uploadFile(ctx context.Context, rid, path, key, name, contentType string, record bool) string {
	if u.disabled || path == "" {
		return ""
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if key == "" {
		base := path
		if name != "" {
			base = name
		}
		key = u.FileKey(rid, base)
	}

	memoKey := path + "\x00" + key
	if url, ok := u.memo.Load(memoKey); ok {
		return url.(string)
	}

	v, _, _ := u.group.Do(memoKey, func() (any, error) {
		if url, ok := u.memo.Load(memoKey); ok {
			return url, nil
		}
		url := u.transferFile(ctx, rid, path, key, name, contentType, record)
		if url != "" {
			u.memo.Store(memoKey, url)
		}
		return url, nil
	})
	return v.(string)
}

func (u *Uploader) transferFile(ctx context.Context, rid, path, key, name, contentType string, record bool) string {
	logger := u.logger.With().Str("rid", rid).Str("file", path).Logger()

	info, err := u.waitForFile(ctx, path)
	if err != nil {
		u.skipped.Add(1)
		logger.Warn().Err(err).Int("checks", u.checks).Msg("Artifact file not found, skipping")
		u.record(record, rid, path, name, false)
		return ""
	}

	if u.maxSize > 0 && info.Size() > u.maxSize {
		u.skipped.Add(1)
		logger.Warn().
			Int64("size", info.Size()).
			Int64("limit", u.maxSize).
			Msg("Artifact exceeds size limit, skipping")
		u.record(record, rid, path, name, false)
		return ""
	}

	u.mu.RLock()
	storage := u.storage
	u.mu.RUnlock()
	if storage == nil {
		u.deferred.Add(1)
		logger.Debug().Msg("No artifact storage configured, deferring upload")
		u.record(record, rid, path, name, false)
		return ""
	}

	ct := contentTypeFor(path, contentType)
	url, err := u.put(ctx, storage, key, func() (*os.File, int64, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, 0, backoff.Permanent(err)
		}
		return f, info.Size(), nil
	}, ct)
	if err != nil {
		u.failed.Add(1)
		logger.Error().Err(err).Str("key", key).Msg("Failed to upload artifact")
		u.record(record, rid, path, name, false)
		return ""
	}

	u.uploaded.Add(1)
	logger.Debug().Str("key", key).Str("url", url).Msg("Uploaded artifact")
	u.record(record, rid, path, name, true)
	return url
}

// put uploads with bounded retries. open is called per attempt so every
// attempt reads the file from the start.
func (u *Uploader) put(ctx context.Context, storage Storage, key string, open func() (*os.File, int64, error), contentType string) (string, error) {
	var url string
	op := func() error {
		f, size, err := open()
		if err != nil {
			return err
		}
		defer f.Close()
		url, err = storage.Put(ctx, key, f, size, contentType)
		return err
	}
	err := backoff.RetryNotify(op, u.retryPolicy(ctx, u.attempts, u.retryInterval), func(err error, next time.Duration) {
		u.logger.Debug().Err(err).Str("key", key).Dur("retry_in", next).Msg("Artifact upload failed, retrying")
	})
	return url, err
}

// waitForFile polls for path a bounded number of times.
func (u *Uploader) waitForFile(ctx context.Context, path string) (os.FileInfo, error) {
	var info os.FileInfo
	op := func() error {
		stat, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return ErrFileMissing
			}
			return backoff.Permanent(err)
		}
		if stat.IsDir() {
			return backoff.Permanent(fmt.Errorf("%s is a directory", path))
		}
		info = stat
		return nil
	}
	if err := backoff.Retry(op, u.retryPolicy(ctx, u.checks, u.checkInterval)); err != nil {
		return nil, err
	}
	return info, nil
}

func (u *Uploader) retryPolicy(ctx context.Context, attempts int, interval time.Duration) backoff.BackOff {
	var b backoff.BackOff = backoff.NewConstantBackOff(interval)
	b = backoff.WithMaxRetries(b, uint64(max(attempts, 1)-1))
	return backoff.WithContext(b, ctx)
}

// UploadBuffer uploads an in-memory artifact. Its key is content
// addressed: the same bytes for the same test always map to the same
// object. Every buffer is also written next to the ledger and recorded by
// that path, so a replay, forced or not, can pick it up.
func (u *Uploader) UploadBuffer(ctx context.Context, rid string, data []byte, name, contentType string) string {
	if u.disabled || len(data) == 0 {
		return ""
	}

	sum := blake3.Sum256(data)
	fileName := hex.EncodeToString(sum[:16]) + bufferExtension(name, contentType, data)
	key := joinKey(u.RunID(), rid, fileName)

	if url, ok := u.memo.Load(key); ok {
		return url.(string)
	}

	v, _, _ := u.group.Do(key, func() (any, error) {
		if url, ok := u.memo.Load(key); ok {
			return url, nil
		}
		url := u.transferBuffer(ctx, rid, data, fileName, key, contentType)
		if url != "" {
			u.memo.Store(key, url)
		}
		return url, nil
	})
	return v.(string)
}

func (u *Uploader) transferBuffer(ctx context.Context, rid string, data []byte, fileName, key, contentType string) string {
	logger := u.logger.With().Str("rid", rid).Str("key", key).Logger()

	if u.maxSize > 0 && int64(len(data)) > u.maxSize {
		u.skipped.Add(1)
		logger.Warn().Int("size", len(data)).Int64("limit", u.maxSize).Msg("Artifact buffer exceeds size limit, skipping")
		if spill := u.spill(rid, fileName, data); spill != "" {
			u.record(true, rid, spill, "", false)
		}
		return ""
	}

	u.mu.RLock()
	storage := u.storage
	u.mu.RUnlock()
	if storage == nil {
		u.deferred.Add(1)
		if spill := u.spill(rid, fileName, data); spill != "" {
			u.record(true, rid, spill, "", false)
		}
		return ""
	}

	if contentType == "" {
		contentType = contentTypeFor(fileName, "")
	}

	var url string
	op := func() error {
		var err error
		url, err = storage.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType)
		return err
	}
	if err := backoff.Retry(op, u.retryPolicy(ctx, u.attempts, u.retryInterval)); err != nil {
		u.failed.Add(1)
		logger.Error().Err(err).Msg("Failed to upload artifact buffer")
		if spill := u.spill(rid, fileName, data); spill != "" {
			u.record(true, rid, spill, "", false)
		}
		return ""
	}

	u.uploaded.Add(1)
	logger.Debug().Str("url", url).Msg("Uploaded artifact buffer")
	if spill := u.spill(rid, fileName, data); spill != "" {
		u.record(true, rid, spill, "", true)
	}
	return url
}

// spill writes a buffer to disk so it can be replayed by path. The file
// name is the content address, replay derives the same storage key.
func (u *Uploader) spill(rid, fileName string, data []byte) string {
	runID := u.RunID()
	if runID == "" {
		u.logger.Warn().Str("rid", rid).Msg("No run bound, artifact buffer is dropped")
		return ""
	}
	dir := filepath.Join(u.ledgerDir, "testpipe.artifacts."+runID, rid)
	if err := os.MkdirAll(dir, 0755); err != nil {
		u.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to create spill directory")
		return ""
	}
	dst := filepath.Join(dir, fileName)
	if err := os.WriteFile(dst, data, 0644); err != nil {
		u.logger.Warn().Err(err).Str("file", dst).Msg("Failed to spill artifact buffer")
		return ""
	}
	return dst
}

func (u *Uploader) record(enabled bool, rid, file, name string, uploaded bool) {
	if !enabled {
		return
	}
	path := u.LedgerPath()
	if path == "" {
		u.logger.Debug().Str("file", file).Msg("No run bound, ledger entry not written")
		return
	}
	if err := ledger.Append(path, ledger.Entry{RID: rid, File: file, Name: name, Uploaded: uploaded}); err != nil {
		u.logger.Warn().Err(err).Str("ledger", path).Msg("Failed to record artifact")
	}
}

func joinKey(parts ...string) string {
	var b bytes.Buffer
	for _, p := range parts {
		if p == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('/')
		}
		b.WriteString(p)
	}
	return b.String()
}

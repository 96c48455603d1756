package uploader

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/perfgo/testpipe/ledger"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockStorage struct {
	mock.Mock
}

func (m *mockStorage) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	args := m.Called(key, data, size, contentType)
	return args.String(0), args.Error(1)
}

// countingStorage records every Put and can be slowed down to widen
// race windows.
type countingStorage struct {
	mu    sync.Mutex
	calls map[string]int
	delay time.Duration
}

func (s *countingStorage) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[key]++
	return "https://cdn.example.com/" + key, nil
}

func (s *countingStorage) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func newTestUploader(t *testing.T, opts ...Option) (*Uploader, string) {
	t.Helper()
	dir := t.TempDir()
	base := []Option{
		WithLedgerDir(dir),
		WithRunID("run"),
		WithRetry(3, time.Millisecond),
		WithExistenceChecks(3, time.Millisecond),
	}
	return New(zerolog.Nop(), append(base, opts...)...), dir
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func readLedger(t *testing.T, u *Uploader) []ledger.Entry {
	t.Helper()
	entries, err := ledger.Read(zerolog.Nop(), u.LedgerPath())
	require.NoError(t, err)
	return entries
}

func TestUploadFileByPathIsIdempotent(t *testing.T) {
	storage := &mockStorage{}
	u, _ := newTestUploader(t, WithStorage(storage))
	path := writeFile(t, t.TempDir(), "shot.png", []byte("png"))

	storage.On("Put", "run/r1/shot.png", []byte("png"), int64(3), "image/png").
		Return("https://cdn.example.com/run/r1/shot.png", nil).
		Once()

	first := u.UploadFileByPath(context.Background(), "r1", path, "")
	second := u.UploadFileByPath(context.Background(), "r1", path, "")

	assert.Equal(t, "https://cdn.example.com/run/r1/shot.png", first)
	assert.Equal(t, first, second)
	storage.AssertNumberOfCalls(t, "Put", 1)
	assert.Equal(t, Stats{Uploaded: 1}, u.Stats())
	assert.Equal(t, []ledger.Entry{{RID: "r1", File: path, Uploaded: true}}, readLedger(t, u))
}

func TestUploadFileByPathCollapsesConcurrentCalls(t *testing.T) {
	storage := &countingStorage{delay: 20 * time.Millisecond}
	u, _ := newTestUploader(t, WithStorage(storage))
	path := writeFile(t, t.TempDir(), "video.webm", []byte("webm"))

	var wg sync.WaitGroup
	urls := make([]string, 10)
	for i := range urls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			urls[i] = u.UploadFileByPath(context.Background(), "r1", path, "")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, storage.total())
	for _, url := range urls {
		assert.Equal(t, "https://cdn.example.com/run/r1/video.webm", url)
	}
}

func TestUploadFileByPathSizeCeiling(t *testing.T) {
	storage := &mockStorage{}
	u, _ := newTestUploader(t, WithStorage(storage), WithMaxSize(1024*1024))
	path := writeFile(t, t.TempDir(), "trace.zip", bytes.Repeat([]byte{'x'}, 2*1024*1024))

	url := u.UploadFileByPath(context.Background(), "r1", path, "")

	assert.Empty(t, url)
	storage.AssertNotCalled(t, "Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, Stats{Skipped: 1}, u.Stats())
	assert.Equal(t, []ledger.Entry{{RID: "r1", File: path, Uploaded: false}}, readLedger(t, u))
}

func TestUploadFileByPathMissingFileIsSkipped(t *testing.T) {
	storage := &mockStorage{}
	u, _ := newTestUploader(t, WithStorage(storage))
	path := filepath.Join(t.TempDir(), "never.png")

	url := u.UploadFileByPath(context.Background(), "r1", path, "")

	assert.Empty(t, url)
	assert.Equal(t, Stats{Skipped: 1}, u.Stats())
	assert.Equal(t, []ledger.Entry{{RID: "r1", File: path, Uploaded: false}}, readLedger(t, u))
}

func TestUploadFileByPathWaitsForLateFile(t *testing.T) {
	storage := &countingStorage{}
	u, _ := newTestUploader(t, WithStorage(storage), WithExistenceChecks(50, 10*time.Millisecond))
	dir := t.TempDir()
	path := filepath.Join(dir, "late.png")

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = os.WriteFile(path, []byte("png"), 0644)
	}()

	url := u.UploadFileByPath(context.Background(), "r1", path, "")
	assert.Equal(t, "https://cdn.example.com/run/r1/late.png", url)
	assert.Equal(t, 1, storage.total())
}

func TestUploadFileByPathRetriesTransientErrors(t *testing.T) {
	storage := &mockStorage{}
	u, _ := newTestUploader(t, WithStorage(storage))
	path := writeFile(t, t.TempDir(), "log.txt", []byte("log"))

	storage.On("Put", "custom/key.txt", []byte("log"), int64(3), mock.Anything).
		Return("", errors.New("connection reset")).
		Once()
	storage.On("Put", "custom/key.txt", []byte("log"), int64(3), mock.Anything).
		Return("https://cdn.example.com/custom/key.txt", nil).
		Once()

	url := u.UploadFileByPath(context.Background(), "r1", path, "custom/key.txt")
	assert.Equal(t, "https://cdn.example.com/custom/key.txt", url)
	storage.AssertNumberOfCalls(t, "Put", 2)
}

func TestUploadFileByPathPermanentFailure(t *testing.T) {
	storage := &mockStorage{}
	u, _ := newTestUploader(t, WithStorage(storage))
	path := writeFile(t, t.TempDir(), "log.txt", []byte("log"))

	storage.On("Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("", errors.New("service unavailable"))

	url := u.UploadFileByPath(context.Background(), "r1", path, "")

	assert.Empty(t, url)
	storage.AssertNumberOfCalls(t, "Put", 3)
	assert.Equal(t, Stats{Failed: 1}, u.Stats())
	assert.Equal(t, []ledger.Entry{{RID: "r1", File: path, Uploaded: false}}, readLedger(t, u))
}

func TestUploadFileByPathWithoutStorageDefers(t *testing.T) {
	u, _ := newTestUploader(t)
	path := writeFile(t, t.TempDir(), "shot.png", []byte("png"))

	assert.Empty(t, u.UploadFileByPath(context.Background(), "r1", path, ""))
	assert.Equal(t, Stats{Deferred: 1}, u.Stats())
	assert.Equal(t, []ledger.Entry{{RID: "r1", File: path, Uploaded: false}}, readLedger(t, u))
}

func TestDisabledUploaderDoesNothing(t *testing.T) {
	storage := &countingStorage{}
	u, _ := newTestUploader(t, WithStorage(storage), Disabled())
	path := writeFile(t, t.TempDir(), "shot.png", []byte("png"))

	assert.Empty(t, u.UploadFileByPath(context.Background(), "r1", path, ""))
	assert.Empty(t, u.UploadBuffer(context.Background(), "r1", []byte("png"), "", ""))
	assert.Zero(t, storage.total())
	assert.NoFileExists(t, u.LedgerPath())
}

func TestUploadBufferIsContentAddressed(t *testing.T) {
	storage := &countingStorage{}
	u, _ := newTestUploader(t, WithStorage(storage))
	png := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A}

	first := u.UploadBuffer(context.Background(), "r1", png, "", "")
	second := u.UploadBuffer(context.Background(), "r1", png, "", "")
	other := u.UploadBuffer(context.Background(), "r1", []byte("plain bytes"), "", "")

	require.NotEmpty(t, first)
	assert.Equal(t, first, second)
	assert.NotEqual(t, first, other)
	assert.Equal(t, ".png", filepath.Ext(first))
	assert.Equal(t, "", filepath.Ext(other))
	assert.Equal(t, 2, storage.total())
}

func TestUploadBufferWithoutStorageSpillsToDisk(t *testing.T) {
	u, dir := newTestUploader(t)
	data := []byte{0xFF, 0xD8, 0xFF, 0xE0}

	assert.Empty(t, u.UploadBuffer(context.Background(), "r1", data, "", ""))

	entries := readLedger(t, u)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Uploaded)
	assert.True(t, strings.HasPrefix(entries[0].File, dir))
	assert.Equal(t, ".jpg", filepath.Ext(entries[0].File))

	spilled, err := os.ReadFile(entries[0].File)
	require.NoError(t, err)
	assert.Equal(t, data, spilled)
}

func TestReplayUploadsOnlyPendingEntries(t *testing.T) {
	storage := &countingStorage{}
	u, dir := newTestUploader(t, WithStorage(storage))
	files := t.TempDir()
	done := writeFile(t, files, "done.png", []byte("done"))
	pending := writeFile(t, files, "pending.png", []byte("pending"))

	path := ledger.Path(dir, "run-7")
	require.NoError(t, ledger.Append(path, ledger.Entry{RID: "a", File: done, Uploaded: true}))
	require.NoError(t, ledger.Append(path, ledger.Entry{RID: "b", File: pending, Uploaded: false}))

	result, err := u.Replay(context.Background(), "run-7", false)
	require.NoError(t, err)

	assert.False(t, result.Stale)
	assert.Equal(t, 1, result.Attempted)
	assert.Equal(t, map[string][]string{"b": {"https://cdn.example.com/run-7/b/pending.png"}}, result.URLs)
	assert.Equal(t, 1, storage.total())

	entries, err := ledger.Read(zerolog.Nop(), path)
	require.NoError(t, err)
	assert.Equal(t, []ledger.Entry{
		{RID: "a", File: done, Uploaded: true},
		{RID: "b", File: pending, Uploaded: true},
	}, entries)

	// a second pass finds nothing left to do
	result, err = u.Replay(context.Background(), "run-7", false)
	require.NoError(t, err)
	assert.Zero(t, result.Attempted)
	assert.Equal(t, 1, storage.total())
}

func TestReplayForceUploadsEverything(t *testing.T) {
	storage := &countingStorage{}
	u, dir := newTestUploader(t, WithStorage(storage))
	files := t.TempDir()
	done := writeFile(t, files, "done.png", []byte("done"))

	path := ledger.Path(dir, "run-8")
	require.NoError(t, ledger.Append(path, ledger.Entry{RID: "a", File: done, Uploaded: true}))

	result, err := u.Replay(context.Background(), "run-8", true)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Uploaded())
	assert.Equal(t, 1, storage.total())
}

func TestReplayStaleLedger(t *testing.T) {
	storage := &countingStorage{}
	u, dir := newTestUploader(t, WithStorage(storage), WithLedgerMaxAge(time.Hour))
	pending := writeFile(t, t.TempDir(), "pending.png", []byte("pending"))

	path := ledger.Path(dir, "old-run")
	require.NoError(t, ledger.Append(path, ledger.Entry{RID: "b", File: pending}))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	result, err := u.Replay(context.Background(), "old-run", false)
	require.NoError(t, err)
	assert.True(t, result.Stale)
	assert.Zero(t, result.Uploaded())
	assert.Zero(t, storage.total())
}

func TestReplayMissingLedger(t *testing.T) {
	u, _ := newTestUploader(t, WithStorage(&countingStorage{}))

	_, err := u.Replay(context.Background(), "nope", false)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestReplaySkipsArtifactsUploadedLater(t *testing.T) {
	storage := &countingStorage{}
	u, dir := newTestUploader(t, WithStorage(storage))
	shot := writeFile(t, t.TempDir(), "shot.png", []byte("png"))

	path := ledger.Path(dir, "run-9")
	require.NoError(t, ledger.Append(path, ledger.Entry{RID: "a", File: shot, Uploaded: false}))
	require.NoError(t, ledger.Append(path, ledger.Entry{RID: "a", File: shot, Uploaded: true}))

	result, err := u.Replay(context.Background(), "run-9", false)
	require.NoError(t, err)
	assert.Zero(t, result.Attempted)
	assert.Zero(t, storage.total())
}

func TestReplayCollapsesRepeatedDeferrals(t *testing.T) {
	deferring, dir := newTestUploader(t)
	shot := writeFile(t, t.TempDir(), "shot.png", []byte("png"))
	assert.Empty(t, deferring.UploadFileByPath(context.Background(), "a", shot, ""))
	assert.Empty(t, deferring.UploadFileByPath(context.Background(), "a", shot, ""))
	require.Len(t, readLedger(t, deferring), 2)

	storage := &countingStorage{}
	u := New(zerolog.Nop(), WithLedgerDir(dir), WithStorage(storage), WithRetry(1, time.Millisecond))
	result, err := u.Replay(context.Background(), "run", false)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Attempted)
	assert.Equal(t, 1, result.Uploaded())
	assert.Equal(t, map[string][]string{"a": {"https://cdn.example.com/run/a/shot.png"}}, result.URLs)
	assert.Equal(t, 1, storage.total())
	for _, e := range readLedger(t, u) {
		assert.True(t, e.Uploaded, e.File)
	}
}

func TestUploadBufferRecordsUploadInLedger(t *testing.T) {
	storage := &countingStorage{}
	u, dir := newTestUploader(t, WithStorage(storage))
	data := []byte("<html></html>")

	url := u.UploadBuffer(context.Background(), "r1", data, "page.html", "")
	require.NotEmpty(t, url)

	entries := readLedger(t, u)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Uploaded)
	assert.True(t, strings.HasPrefix(entries[0].File, dir))
	spilled, err := os.ReadFile(entries[0].File)
	require.NoError(t, err)
	assert.Equal(t, data, spilled)

	result, err := u.Replay(context.Background(), "run", true)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"r1": {url}}, result.URLs, "a forced replay uploads to the same key")
	assert.Equal(t, 2, storage.total())
}

func TestUploadFileUsesDisplayName(t *testing.T) {
	storage := &countingStorage{}
	u, _ := newTestUploader(t, WithStorage(storage))
	path := writeFile(t, t.TempDir(), "0f3a9c.tmp", []byte("<html></html>"))

	url := u.UploadFile(context.Background(), "r1", path, "report.html", "text/html")
	assert.Equal(t, "https://cdn.example.com/run/r1/report.html", url)
	assert.Equal(t, []ledger.Entry{{RID: "r1", File: path, Name: "report.html", Uploaded: true}}, readLedger(t, u))
}

func TestReplayKeepsDisplayName(t *testing.T) {
	deferring, dir := newTestUploader(t)
	path := writeFile(t, t.TempDir(), "0f3a9c.tmp", []byte("<html></html>"))
	assert.Empty(t, deferring.UploadFile(context.Background(), "r1", path, "report.html", ""))

	u := New(zerolog.Nop(), WithLedgerDir(dir), WithStorage(&countingStorage{}))
	result, err := u.Replay(context.Background(), "run", false)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"r1": {"https://cdn.example.com/run/r1/report.html"}}, result.URLs)
}

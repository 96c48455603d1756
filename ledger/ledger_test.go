package ledger

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndRead(t *testing.T) {
	path := Path(t.TempDir(), "run-1")

	require.NoError(t, Append(path, Entry{RID: "a", File: "/tmp/a.png", Uploaded: true}))
	require.NoError(t, Append(path, Entry{RID: "b", File: "/tmp/b.png"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t,
		`{"rid":"a","file":"/tmp/a.png","uploaded":true}`+"\n"+
			`{"rid":"b","file":"/tmp/b.png","uploaded":false}`+"\n",
		string(data))

	entries, err := Read(zerolog.Nop(), path)
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{RID: "a", File: "/tmp/a.png", Uploaded: true},
		{RID: "b", File: "/tmp/b.png"},
	}, entries)
}

func TestReadSkipsMalformedLines(t *testing.T) {
	path := Path(t.TempDir(), "run-2")
	content := `{"rid":"a","file":"/tmp/a.png","uploaded":false}
not json at all
{"rid":"b"}

{"rid":"c","file":"/tmp/c.png","uploaded":true}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	entries, err := Read(zerolog.Nop(), path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].RID)
	assert.Equal(t, "c", entries[1].RID)
}

func TestConcurrentAppend(t *testing.T) {
	path := Path(t.TempDir(), "run-3")

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, Append(path, Entry{RID: "r", File: filepath.Join("/tmp", string(rune('a'+i%26))+".png")}))
		}()
	}
	wg.Wait()

	entries, err := Read(zerolog.Nop(), path)
	require.NoError(t, err)
	assert.Len(t, entries, 50)
}

func TestOpenStale(t *testing.T) {
	path := Path(t.TempDir(), "old")
	require.NoError(t, Append(path, Entry{RID: "a", File: "/tmp/a.png"}))
	old := time.Now().Add(-5 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	entries, err := Open(zerolog.Nop(), path, 3*time.Hour)
	require.ErrorIs(t, err, ErrStale)
	assert.Empty(t, entries)

	entries, err = Open(zerolog.Nop(), path, 6*time.Hour)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPendingAndMarkUploaded(t *testing.T) {
	entries := []Entry{
		{RID: "a", File: "/tmp/a.png", Uploaded: true},
		{RID: "b", File: "/tmp/b.png"},
		{RID: "c", File: "/tmp/c.png"},
	}

	assert.Equal(t, entries[1:], Pending(entries, false))
	assert.Equal(t, entries, Pending(entries, true))

	marked := MarkUploaded(entries, []Entry{{RID: "b", File: "/tmp/b.png"}})
	assert.True(t, marked[0].Uploaded)
	assert.True(t, marked[1].Uploaded)
	assert.False(t, marked[2].Uploaded)
	assert.False(t, entries[1].Uploaded, "input must not be modified")
}

func TestPendingPerArtifact(t *testing.T) {
	entries := []Entry{
		{RID: "a", File: "/tmp/a.png"},
		{RID: "a", File: "/tmp/a.png", Uploaded: true},
		{RID: "b", File: "/tmp/b.png"},
		{RID: "b", File: "/tmp/b.png"},
		{RID: "c", File: "/tmp/b.png"},
	}

	assert.Equal(t, []Entry{
		{RID: "b", File: "/tmp/b.png"},
		{RID: "c", File: "/tmp/b.png"},
	}, Pending(entries, false))
	assert.Equal(t, []Entry{
		{RID: "a", File: "/tmp/a.png"},
		{RID: "b", File: "/tmp/b.png"},
		{RID: "c", File: "/tmp/b.png"},
	}, Pending(entries, true))

	marked := MarkUploaded(entries, []Entry{{RID: "b", File: "/tmp/b.png"}})
	assert.True(t, marked[2].Uploaded)
	assert.True(t, marked[3].Uploaded)
	assert.False(t, marked[4].Uploaded)
}

func TestRewrite(t *testing.T) {
	path := Path(t.TempDir(), "run-4")
	require.NoError(t, Append(path, Entry{RID: "a", File: "/tmp/a.png"}))

	require.NoError(t, Rewrite(path, []Entry{{RID: "a", File: "/tmp/a.png", Uploaded: true}}))

	entries, err := Read(zerolog.Nop(), path)
	require.NoError(t, err)
	assert.Equal(t, []Entry{{RID: "a", File: "/tmp/a.png", Uploaded: true}}, entries)

	leftovers, err := filepath.Glob(path + ".*.tmp")
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Append(Path(dir, "first"), Entry{RID: "a", File: "/tmp/a.png", Uploaded: true}))
	require.NoError(t, Append(Path(dir, "first"), Entry{RID: "b", File: "/tmp/b.png"}))
	require.NoError(t, Append(Path(dir, "second"), Entry{RID: "c", File: "/tmp/c.png"}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.jsonl"), []byte("{}\n"), 0644))

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(Path(dir, "first"), old, old))

	infos, err := Discover(zerolog.Nop(), dir)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "second", infos[0].RunID)
	assert.Equal(t, 1, infos[0].Pending)
	assert.Equal(t, "first", infos[1].RunID)
	assert.Equal(t, 1, infos[1].Uploaded)
	assert.Equal(t, 1, infos[1].Pending)
}

func TestRunIDFromPath(t *testing.T) {
	id, ok := RunIDFromPath("/tmp/testpipe.run.abc-123.jsonl")
	assert.True(t, ok)
	assert.Equal(t, "abc-123", id)

	_, ok = RunIDFromPath("/tmp/other.jsonl")
	assert.False(t, ok)
}

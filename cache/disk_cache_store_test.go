package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cyverse/imagecache/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestDiskCacheStore(t *testing.T) {
	t.Run("test PutGet", testPutGet)
	t.Run("test Overwrite", testOverwrite)
	t.Run("test ReopenPersists", testReopenPersists)
	t.Run("test JournalReplay", testJournalReplay)
	t.Run("test CorruptJournalLines", testCorruptJournalLines)
	t.Run("test CorruptDirectory", testCorruptDirectory)
	t.Run("test OrphanFiles", testOrphanFiles)
	t.Run("test Sweep", testSweep)
	t.Run("test RemoveAndClear", testRemoveAndClear)
	t.Run("test MaxEntries", testMaxEntries)
	t.Run("test Compaction", testCompaction)
	t.Run("test OpenStream", testOpenStream)
	t.Run("test WriteReadRace", testWriteReadRace)
	t.Run("test PendingWriteBlocksRead", testPendingWriteBlocksRead)
	t.Run("test CanceledWait", testCanceledWait)
	t.Run("test ClearWaitsForWrites", testClearWaitsForWrites)
	t.Run("test ClearDuringPuts", testClearDuringPuts)
}

func newTestDiskCache(t *testing.T, rootPath string) *DiskCacheStore {
	store, err := NewDiskCacheStore(rootPath, time.Hour, 0, 100)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func writeJournal(t *testing.T, rootPath string, lines ...string) {
	require.NoError(t, os.MkdirAll(rootPath, 0755))
	content := strings.Join(lines, "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(rootPath, journalFileName), []byte(content), 0644))
}

func readJournal(t *testing.T, rootPath string) []string {
	data, err := os.ReadFile(filepath.Join(rootPath, journalFileName))
	require.NoError(t, err)
	return strings.Fields(strings.ReplaceAll(string(data), "\n", " | "))
}

func testPutGet(t *testing.T) {
	store := newTestDiskCache(t, t.TempDir())
	ctx := context.Background()

	key := "https://example.com/images/cat.gif?size=large"
	data := []byte("GIF89a-not-really")

	_, ok, err := store.TryGet(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, store.Exists(key))

	require.NoError(t, store.Put(ctx, key, data, 0))
	assert.True(t, store.Exists(key))
	assert.Equal(t, 1, store.GetTotalEntries())

	read, ok, err := store.TryGet(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, data, read)

	entry := store.GetEntry(key)
	require.NotNil(t, entry)
	assert.Equal(t, time.Hour, entry.GetTTL())
	assert.Equal(t, int64(len(data)), entry.GetSize())
	assert.Equal(t, "httpsexamplecomimagescatgifsizelarge.3600", filepath.Base(entry.GetFilePath()))
}

func testOverwrite(t *testing.T) {
	rootPath := t.TempDir()
	store := newTestDiskCache(t, rootPath)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", []byte("first"), time.Minute))
	require.NoError(t, store.Put(ctx, "k", []byte("second"), 2*time.Minute))

	read, ok, err := store.TryGet(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("second"), read)

	// the file of the first ttl is gone
	_, err = os.Stat(filepath.Join(rootPath, "k.60"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(rootPath, "k.120"))
	assert.NoError(t, err)

	journal := readJournal(t, rootPath)
	assert.Contains(t, journal, "Modified")
}

func testReopenPersists(t *testing.T) {
	rootPath := t.TempDir()
	ctx := context.Background()

	store, err := NewDiskCacheStore(rootPath, time.Hour, 0, 100)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "a", []byte("aaa"), 0))
	require.NoError(t, store.Put(ctx, "b", []byte("bbb"), 0))
	require.NoError(t, store.Put(ctx, "c", []byte("ccc"), 0))
	require.NoError(t, store.Remove("b"))
	store.Close()

	reopened := newTestDiskCache(t, rootPath)
	assert.Equal(t, []string{"a", "c"}, reopened.GetEntryKeys())

	read, ok, err := reopened.TryGet(ctx, "c")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("ccc"), read)

	// compacted on open
	assert.Equal(t, 2, reopened.GetJournalLines())
}

func testJournalReplay(t *testing.T) {
	rootPath := t.TempDir()
	origin := time.Now().UTC()

	t1 := (&JournalRecord{Op: JournalCreated, Key: "k", Origin: origin, TTL: time.Hour}).String()
	t2 := (&JournalRecord{Op: JournalModified, Key: "k", Origin: origin.Add(time.Second), TTL: time.Hour}).String()
	del := (&JournalRecord{Op: JournalDeleted, Key: "k"}).String()
	other := (&JournalRecord{Op: JournalCreated, Key: "other", Origin: origin, TTL: time.Hour}).String()

	writeJournal(t, rootPath, t1, t2, del, other)
	require.NoError(t, os.WriteFile(filepath.Join(rootPath, "k.3600"), []byte("k"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(rootPath, "other.3600"), []byte("o"), 0644))

	store := newTestDiskCache(t, rootPath)
	assert.False(t, store.Exists("k"))
	assert.True(t, store.Exists("other"))
	assert.Equal(t, []string{"other"}, store.GetEntryKeys())

	// the file of the deleted key is an orphan now
	_, err := os.Stat(filepath.Join(rootPath, "k.3600"))
	assert.True(t, os.IsNotExist(err))
}

func testCorruptJournalLines(t *testing.T) {
	rootPath := t.TempDir()
	origin := time.Now().UTC()

	good := (&JournalRecord{Op: JournalCreated, Key: "good key/1", Origin: origin, TTL: time.Hour}).String()
	writeJournal(t, rootPath,
		"Created",
		"Created broken notanumber 10",
		good,
		"Exploded key",
		"Deleted a b c",
		"Created trunc 1234",
	)
	require.NoError(t, os.WriteFile(filepath.Join(rootPath, "goodkey1.3600"), []byte("good"), 0644))

	store := newTestDiskCache(t, rootPath)
	assert.Equal(t, []string{"good key/1"}, store.GetEntryKeys())

	read, ok, err := store.TryGet(context.Background(), "good key/1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("good"), read)
}

func testCorruptDirectory(t *testing.T) {
	rootPath := t.TempDir()

	// the journal cannot be read
	require.NoError(t, os.MkdirAll(filepath.Join(rootPath, journalFileName), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(rootPath, "stale.3600"), []byte("x"), 0644))

	store := newTestDiskCache(t, rootPath)
	assert.Equal(t, 0, store.GetTotalEntries())

	info, err := os.Stat(filepath.Join(rootPath, journalFileName))
	require.NoError(t, err)
	assert.False(t, info.IsDir())

	_, err = os.Stat(filepath.Join(rootPath, "stale.3600"))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, store.Put(context.Background(), "k", []byte("v"), 0))
	assert.True(t, store.Exists("k"))
}

func testOrphanFiles(t *testing.T) {
	rootPath := t.TempDir()
	origin := time.Now().UTC()

	writeJournal(t, rootPath,
		(&JournalRecord{Op: JournalCreated, Key: "kept", Origin: origin, TTL: time.Hour}).String(),
		(&JournalRecord{Op: JournalCreated, Key: "missing", Origin: origin, TTL: time.Hour}).String(),
	)
	require.NoError(t, os.WriteFile(filepath.Join(rootPath, "kept.3600"), []byte("k"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(rootPath, "orphan.3600"), []byte("o"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(rootPath, ".kept.3600.tmp-abc"), []byte("partial"), 0644))

	store := newTestDiskCache(t, rootPath)
	assert.Equal(t, []string{"kept"}, store.GetEntryKeys())

	dirEntries, err := os.ReadDir(rootPath)
	require.NoError(t, err)

	names := []string{}
	for _, dirEntry := range dirEntries {
		names = append(names, dirEntry.Name())
	}
	assert.ElementsMatch(t, []string{journalFileName, "kept.3600"}, names)
}

func testSweep(t *testing.T) {
	rootPath := t.TempDir()
	ctx := context.Background()

	// expired before the store opens
	old := time.Now().UTC().Add(-2 * time.Hour)
	writeJournal(t, rootPath,
		(&JournalRecord{Op: JournalCreated, Key: "old", Origin: old, TTL: time.Hour}).String(),
	)
	require.NoError(t, os.WriteFile(filepath.Join(rootPath, "old.3600"), []byte("o"), 0644))

	store := newTestDiskCache(t, rootPath)
	assert.False(t, store.Exists("old"))
	_, err := os.Stat(filepath.Join(rootPath, "old.3600"))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, store.Put(ctx, "short", []byte("s"), 20*time.Millisecond))
	require.NoError(t, store.Put(ctx, "long", []byte("l"), time.Hour))

	time.Sleep(50 * time.Millisecond)
	assert.False(t, store.Exists("short"))

	assert.Equal(t, 1, store.Sweep())
	assert.Equal(t, []string{"long"}, store.GetEntryKeys())
	assert.Equal(t, 0, store.Sweep())

	journal := readJournal(t, rootPath)
	assert.Contains(t, journal, "Deleted")

	// a file that cannot be deleted does not keep the entry
	require.NoError(t, store.Put(ctx, "gone", []byte("g"), 20*time.Millisecond))
	require.NoError(t, os.Remove(store.GetEntry("gone").GetFilePath()))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, store.Sweep())
	assert.False(t, store.Exists("gone"))
}

func testRemoveAndClear(t *testing.T) {
	rootPath := t.TempDir()
	store := newTestDiskCache(t, rootPath)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Put(ctx, fmt.Sprintf("key%d", i), []byte{byte(i)}, 0))
	}

	require.NoError(t, store.Remove("key2"))
	assert.False(t, store.Exists("key2"))
	_, err := os.Stat(filepath.Join(rootPath, "key2.3600"))
	assert.True(t, os.IsNotExist(err))

	// removing an absent key is fine
	require.NoError(t, store.Remove("nothing"))

	require.NoError(t, store.Clear())
	assert.Equal(t, 0, store.GetTotalEntries())
	assert.Equal(t, 0, store.GetJournalLines())

	dirEntries, err := os.ReadDir(rootPath)
	require.NoError(t, err)
	assert.Len(t, dirEntries, 1)

	// still usable after clear
	require.NoError(t, store.Put(ctx, "after", []byte("a"), 0))
	store.Close()

	reopened := newTestDiskCache(t, rootPath)
	assert.Equal(t, []string{"after"}, reopened.GetEntryKeys())
}

func testMaxEntries(t *testing.T) {
	rootPath := t.TempDir()
	store, err := NewDiskCacheStore(rootPath, time.Hour, 2, 100)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "a", []byte("a"), 0))
	require.NoError(t, store.Put(ctx, "b", []byte("b"), 0))

	// touch a so b is least recently used
	_, ok, err := store.TryGet(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.Put(ctx, "c", []byte("c"), 0))
	assert.Equal(t, []string{"a", "c"}, store.GetEntryKeys())

	_, err = os.Stat(filepath.Join(rootPath, "b.3600"))
	assert.True(t, os.IsNotExist(err))
}

func testCompaction(t *testing.T) {
	rootPath := t.TempDir()
	store, err := NewDiskCacheStore(rootPath, time.Hour, 0, 10)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, store.Put(ctx, "same", []byte{byte(i)}, 0))
	}

	// one live entry: never more than threshold + 2 lines
	assert.LessOrEqual(t, store.GetJournalLines(), 12)

	lines := readJournal(t, rootPath)
	assert.NotEmpty(t, lines)

	store.Close()
	reopened := newTestDiskCache(t, rootPath)
	read, ok, err := reopened.TryGet(ctx, "same")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{19}, read)
}

func testOpenStream(t *testing.T) {
	store := newTestDiskCache(t, t.TempDir())
	ctx := context.Background()

	_, ok, err := store.OpenStream(ctx, "none")
	require.NoError(t, err)
	assert.False(t, ok)

	data := bytes.Repeat([]byte("0123456789"), 1000)
	require.NoError(t, store.Put(ctx, "big", data, 0))

	reader, ok, err := store.OpenStream(ctx, "big")
	require.NoError(t, err)
	require.True(t, ok)
	defer reader.Close()

	read, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, data, read)
}

func testWriteReadRace(t *testing.T) {
	store := newTestDiskCache(t, t.TempDir())
	ctx := context.Background()

	payloads := [][]byte{
		bytes.Repeat([]byte{'a'}, 256*1024),
		bytes.Repeat([]byte{'b'}, 128*1024),
		bytes.Repeat([]byte{'c'}, 512*1024),
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < 30; i++ {
		payload := payloads[i%len(payloads)]

		group.Go(func() error {
			return store.Put(groupCtx, "race", payload, 0)
		})

		group.Go(func() error {
			read, ok, err := store.TryGet(groupCtx, "race")
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}

			for _, candidate := range payloads {
				if bytes.Equal(candidate, read) {
					return nil
				}
			}
			return fmt.Errorf("read a partial blob of %d bytes", len(read))
		})
	}

	require.NoError(t, group.Wait())
	assert.Equal(t, 0, store.pending.Len())
}

func testPendingWriteBlocksRead(t *testing.T) {
	store := newTestDiskCache(t, t.TempDir())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", []byte("old"), 0))

	// hold the marker as a writer would
	write, err := store.pending.Acquire(ctx, "k")
	require.NoError(t, err)

	result := make(chan []byte)
	go func() {
		read, _, _ := store.TryGet(ctx, "k")
		result <- read
	}()

	select {
	case <-result:
		assert.Fail(t, "read did not wait for the pending write")
	case <-time.After(50 * time.Millisecond):
	}

	store.pending.Done(write, false)
	assert.Equal(t, []byte("old"), <-result)
}

func testCanceledWait(t *testing.T) {
	store := newTestDiskCache(t, t.TempDir())

	write, err := store.pending.Acquire(context.Background(), "k")
	require.NoError(t, err)
	defer store.pending.Done(write, true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, _, err = store.TryGet(ctx, "k")
	assert.True(t, types.IsCanceledError(err))

	err = store.Put(ctx, "k", []byte("v"), 0)
	assert.True(t, types.IsCanceledError(err))
}

func testClearWaitsForWrites(t *testing.T) {
	store := newTestDiskCache(t, t.TempDir())
	require.NoError(t, store.Put(context.Background(), "old", []byte("o"), 0))

	write, err := store.pending.Acquire(context.Background(), "inflight")
	require.NoError(t, err)

	cleared := make(chan error, 1)
	go func() {
		cleared <- store.Clear()
	}()

	select {
	case <-cleared:
		t.Fatal("Clear returned while a write is pending")
	case <-time.After(50 * time.Millisecond):
	}
	assert.True(t, store.Exists("old"))

	store.pending.Done(write, false)
	require.NoError(t, <-cleared)
	assert.Equal(t, 0, store.GetTotalEntries())
}

func testClearDuringPuts(t *testing.T) {
	rootPath := t.TempDir()
	store := newTestDiskCache(t, rootPath)

	group, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 4; i++ {
		i := i
		group.Go(func() error {
			for j := 0; j < 50; j++ {
				// a put losing to a clear fails, which is fine
				store.Put(ctx, fmt.Sprintf("key%d-%d", i, j), []byte("data"), 0)
			}
			return nil
		})
	}
	group.Go(func() error {
		for j := 0; j < 10; j++ {
			if err := store.Clear(); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, group.Wait())

	// every indexed entry has its file
	for _, key := range store.GetEntryKeys() {
		entry := store.GetEntry(key)
		require.NotNil(t, entry, key)
		_, err := os.Stat(entry.filePath)
		assert.NoError(t, err, key)
	}
}

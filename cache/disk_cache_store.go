package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cyverse/imagecache/types"
	"github.com/cyverse/imagecache/utils"
	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	tempFileMarker = ".tmp-"
)

// DiskCacheEntry is an entry of DiskCacheStore
type DiskCacheEntry struct {
	key      string
	origin   time.Time
	ttl      time.Duration
	size     int64
	filePath string
}

// NewDiskCacheEntry creates a new DiskCacheEntry. The file name is derived from the key and the ttl.
func NewDiskCacheEntry(store *DiskCacheStore, key string, origin time.Time, ttl time.Duration) *DiskCacheEntry {
	fileName := fmt.Sprintf("%s.%d", utils.SanitizeKey(key), int64(ttl/time.Second))

	return &DiskCacheEntry{
		key:      key,
		origin:   origin.UTC(),
		ttl:      ttl,
		size:     -1,
		filePath: filepath.Join(store.GetRootPath(), fileName),
	}
}

// GetKey returns key of the entry
func (entry *DiskCacheEntry) GetKey() string {
	return entry.key
}

// GetOriginTime returns creation or last write time of the entry
func (entry *DiskCacheEntry) GetOriginTime() time.Time {
	return entry.origin
}

// GetTTL returns time-to-live of the entry
func (entry *DiskCacheEntry) GetTTL() time.Duration {
	return entry.ttl
}

// GetSize returns the size of the entry, -1 if unknown
func (entry *DiskCacheEntry) GetSize() int64 {
	return entry.size
}

// GetFilePath returns the path of the backing file
func (entry *DiskCacheEntry) GetFilePath() string {
	return entry.filePath
}

// IsExpired checks if the entry is expired at now
func (entry *DiskCacheEntry) IsExpired(now time.Time) bool {
	return entry.origin.Add(entry.ttl).Before(now)
}

func (entry *DiskCacheEntry) makeRecord(op JournalOp) *JournalRecord {
	return &JournalRecord{
		Op:     op,
		Key:    entry.key,
		Origin: entry.origin,
		TTL:    entry.ttl,
	}
}

func (entry *DiskCacheEntry) deleteDataFile() error {
	err := os.Remove(entry.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return xerrors.Errorf("failed to remove cache file %s: %w", entry.filePath, err)
	}
	return nil
}

// DiskCacheStore implements DiskCache.
// Each entry is a file in the root directory; mutations are recorded in a journal
// which is replayed on open.
type DiskCacheStore struct {
	rootPath            string
	defaultTTL          time.Duration
	maxEntries          int
	compactionThreshold int

	index   *simplelru.LRU // key -> *DiskCacheEntry
	journal *Journal
	pending *PendingWriteMap

	silent     bool // suppresses file deletion and journaling of removed entries
	closed     bool
	terminated chan struct{}
	mutex      sync.Mutex
}

// NewDiskCacheStore opens a disk cache at rootPath, creating it if missing.
// maxEntries <= 0 means no limit on the number of entries.
func NewDiskCacheStore(rootPath string, defaultTTL time.Duration, maxEntries int, compactionThreshold int) (*DiskCacheStore, error) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"function": "NewDiskCacheStore",
	})

	indexSize := maxEntries
	if indexSize <= 0 {
		indexSize = math.MaxInt32
	}

	store := &DiskCacheStore{
		rootPath:            rootPath,
		defaultTTL:          defaultTTL,
		maxEntries:          maxEntries,
		compactionThreshold: compactionThreshold,
		pending:             NewPendingWriteMap(),
		terminated:          make(chan struct{}),
	}

	index, err := simplelru.NewLRU(indexSize, store.onEvicted)
	if err != nil {
		return nil, xerrors.Errorf("failed to create LRU index: %w", err)
	}
	store.index = index

	lines, err := store.load()
	if err != nil {
		logger.WithError(err).Warnf("disk cache at %s is corrupt, recreating", rootPath)

		if err := store.reset(); err != nil {
			return nil, err
		}

		lines = 0
	}

	journal, err := OpenJournal(store.getJournalPath(), lines)
	if err != nil {
		return nil, types.NewIOError("open journal", store.getJournalPath(), err)
	}
	store.journal = journal

	store.mutex.Lock()
	defer store.mutex.Unlock()

	store.validate()
	store.compact()
	expired := store.sweep(time.Now().UTC())

	logger.Infof("opened disk cache at %s with %d entries (%d expired)", rootPath, store.index.Len(), expired)
	return store, nil
}

// load makes the root directory and replays the journal into the index
func (store *DiskCacheStore) load() (int, error) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DiskCacheStore",
		"function": "load",
	})

	err := os.MkdirAll(store.rootPath, 0755)
	if err != nil {
		return 0, types.NewIOError("make dir", store.rootPath, err)
	}

	if _, err := os.ReadDir(store.rootPath); err != nil {
		return 0, types.NewIOError("read dir", store.rootPath, err)
	}

	store.silent = true
	defer func() {
		store.silent = false
	}()

	lines, skipped, err := ReplayJournal(store.getJournalPath(), func(record *JournalRecord) {
		switch record.Op {
		case JournalCreated, JournalModified:
			store.index.Add(record.Key, NewDiskCacheEntry(store, record.Key, record.Origin, record.TTL))
		case JournalDeleted:
			store.index.Remove(record.Key)
		}
	})
	if err != nil {
		store.index.Purge()
		return 0, types.NewIOError("replay journal", store.getJournalPath(), err)
	}

	if skipped > 0 {
		logger.Warnf("skipped %d corrupt journal lines of %d", skipped, lines)
	}

	return lines, nil
}

// reset deletes everything under the root directory and starts empty
func (store *DiskCacheStore) reset() error {
	store.silent = true
	store.index.Purge()
	store.silent = false

	if err := os.RemoveAll(store.rootPath); err != nil {
		return types.NewIOError("remove dir", store.rootPath, err)
	}

	if err := os.MkdirAll(store.rootPath, 0755); err != nil {
		return types.NewIOError("make dir", store.rootPath, err)
	}
	return nil
}

// validate drops entries without a backing file and deletes files no entry refers to
func (store *DiskCacheStore) validate() {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DiskCacheStore",
		"function": "validate",
	})

	known := map[string]bool{}
	for _, key := range store.index.Keys() {
		value, _ := store.index.Peek(key)
		entry := value.(*DiskCacheEntry)

		info, err := os.Stat(entry.filePath)
		if err != nil {
			logger.Debugf("dropping entry %s without file", entry.key)
			store.silent = true
			store.index.Remove(key)
			store.silent = false
			continue
		}

		entry.size = info.Size()
		known[filepath.Base(entry.filePath)] = true
	}

	dirEntries, err := os.ReadDir(store.rootPath)
	if err != nil {
		logger.WithError(err).Warnf("failed to list %s", store.rootPath)
		return
	}

	for _, dirEntry := range dirEntries {
		name := dirEntry.Name()
		if name == journalFileName || known[name] {
			continue
		}

		logger.Debugf("deleting orphan file %s", name)
		if err := os.RemoveAll(filepath.Join(store.rootPath, name)); err != nil {
			logger.WithError(err).Warnf("failed to delete orphan file %s", name)
		}
	}
}

// compact rewrites the journal as one Created line per live entry, oldest first
func (store *DiskCacheStore) compact() {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DiskCacheStore",
		"function": "compact",
	})

	records := []*JournalRecord{}
	for _, key := range store.index.Keys() {
		value, _ := store.index.Peek(key)
		records = append(records, value.(*DiskCacheEntry).makeRecord(JournalCreated))
	}

	before := store.journal.GetLines()
	if err := store.journal.Rewrite(records); err != nil {
		logger.WithError(err).Warn("failed to compact journal")
		return
	}

	logger.Debugf("compacted journal from %d to %d lines", before, len(records))
}

func (store *DiskCacheStore) compactIfNeeded() {
	if store.journal.GetLines() > store.compactionThreshold+2*store.index.Len() {
		store.compact()
	}
}

func (store *DiskCacheStore) appendJournal(record *JournalRecord) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DiskCacheStore",
		"function": "appendJournal",
	})

	if err := store.journal.Append(record); err != nil {
		// the index stays authoritative for this process; a restart may resurrect or lose the entry
		logger.WithError(err).Errorf("failed to journal %s of %s", record.Op, record.Key)
	}
}

func (store *DiskCacheStore) getJournalPath() string {
	return filepath.Join(store.rootPath, journalFileName)
}

// Close stops the sweeper and closes the journal
func (store *DiskCacheStore) Close() {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if store.closed {
		return
	}

	store.closed = true
	close(store.terminated)
	store.journal.Close()
}

// GetRootPath returns root path of disk cache
func (store *DiskCacheStore) GetRootPath() string {
	return store.rootPath
}

// GetDefaultTTL returns ttl used when Put is given none
func (store *DiskCacheStore) GetDefaultTTL() time.Duration {
	return store.defaultTTL
}

// GetTotalEntries returns total number of entries in cache
func (store *DiskCacheStore) GetTotalEntries() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	return store.index.Len()
}

// GetJournalLines returns the number of lines in the journal
func (store *DiskCacheStore) GetJournalLines() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	return store.journal.GetLines()
}

// GetEntryKeys returns all entry keys, least recently used first
func (store *DiskCacheStore) GetEntryKeys() []string {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	keys := []string{}
	for _, key := range store.index.Keys() {
		if strkey, ok := key.(string); ok {
			keys = append(keys, strkey)
		}
	}
	return keys
}

// GetEntry returns the entry for key without promoting it, nil if absent
func (store *DiskCacheStore) GetEntry(key string) *DiskCacheEntry {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if value, ok := store.index.Peek(key); ok {
		return value.(*DiskCacheEntry)
	}
	return nil
}

// Put writes data for key. A Put for a key already being written waits for that write
// and then overwrites it. ttl <= 0 uses the default ttl.
func (store *DiskCacheStore) Put(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DiskCacheStore",
		"function": "Put",
	})

	defer utils.StackTraceFromPanic(logger)

	if ttl <= 0 {
		ttl = store.defaultTTL
	}

	write, err := store.pending.Acquire(ctx, key)
	if err != nil {
		return types.NewCanceledError("disk cache put")
	}

	failed := true
	defer func() {
		store.pending.Done(write, failed)
	}()

	store.mutex.Lock()
	closed := store.closed
	store.mutex.Unlock()
	if closed {
		return xerrors.Errorf("disk cache %s is closed", store.rootPath)
	}

	entry := NewDiskCacheEntry(store, key, time.Now(), ttl)
	entry.size = int64(len(data))

	// readers only ever see a complete file
	tempPath := filepath.Join(store.rootPath, fmt.Sprintf(".%s%s%s", filepath.Base(entry.filePath), tempFileMarker, xid.New().String()))
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		os.Remove(tempPath)
		return types.NewIOError("write cache file", tempPath, err)
	}

	if err := os.Rename(tempPath, entry.filePath); err != nil {
		os.Remove(tempPath)
		return types.NewIOError("rename cache file", entry.filePath, err)
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()

	// a Clear between the rename and the lock deletes the file
	if _, err := os.Stat(entry.filePath); err != nil {
		return types.NewIOError("stat cache file", entry.filePath, err)
	}

	op := JournalCreated
	if value, ok := store.index.Peek(key); ok {
		op = JournalModified

		existing := value.(*DiskCacheEntry)
		if existing.filePath != entry.filePath {
			if err := existing.deleteDataFile(); err != nil {
				logger.WithError(err).Warnf("failed to delete replaced file of %s", key)
			}
		}
	}

	store.index.Add(key, entry)
	store.appendJournal(entry.makeRecord(op))
	store.compactIfNeeded()

	logger.Debugf("%s %s (%d bytes, ttl %s)", op, key, len(data), ttl)
	failed = false
	return nil
}

// lookup returns a live entry for key, promoting it. Expired entries are removed.
func (store *DiskCacheStore) lookup(key string) *DiskCacheEntry {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	value, ok := store.index.Get(key)
	if !ok {
		return nil
	}

	entry := value.(*DiskCacheEntry)
	if entry.IsExpired(time.Now().UTC()) {
		store.index.Remove(key)
		return nil
	}
	return entry
}

// forget removes entry for key if it is still the current one
func (store *DiskCacheStore) forget(entry *DiskCacheEntry) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if value, ok := store.index.Peek(entry.key); ok && value.(*DiskCacheEntry) == entry {
		store.index.Remove(entry.key)
	}
}

// TryGet returns data for key, waiting for a pending write of the key first.
// Returns false if the key is absent or expired.
func (store *DiskCacheStore) TryGet(ctx context.Context, key string) ([]byte, bool, error) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DiskCacheStore",
		"function": "TryGet",
	})

	if err := store.pending.Wait(ctx, key); err != nil {
		return nil, false, types.NewCanceledError("disk cache get")
	}

	entry := store.lookup(key)
	if entry == nil {
		return nil, false, nil
	}

	data, err := os.ReadFile(entry.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Debugf("file of %s is gone", key)
			store.forget(entry)
			return nil, false, nil
		}
		return nil, false, types.NewIOError("read cache file", entry.filePath, err)
	}

	return data, true, nil
}

// OpenStream is TryGet returning a reader over the file instead of its content.
// The caller must close the reader.
func (store *DiskCacheStore) OpenStream(ctx context.Context, key string) (io.ReadCloser, bool, error) {
	if err := store.pending.Wait(ctx, key); err != nil {
		return nil, false, types.NewCanceledError("disk cache open")
	}

	entry := store.lookup(key)
	if entry == nil {
		return nil, false, nil
	}

	f, err := os.Open(entry.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			store.forget(entry)
			return nil, false, nil
		}
		return nil, false, types.NewIOError("open cache file", entry.filePath, err)
	}

	return f, true, nil
}

// Exists checks if a live entry for key is present
func (store *DiskCacheStore) Exists(key string) bool {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	value, ok := store.index.Peek(key)
	if !ok {
		return false
	}
	return !value.(*DiskCacheEntry).IsExpired(time.Now().UTC())
}

// Remove deletes the entry for key, after a pending write of the key finishes
func (store *DiskCacheStore) Remove(key string) error {
	write, err := store.pending.Acquire(context.Background(), key)
	if err != nil {
		return err
	}
	defer store.pending.Done(write, false)

	store.mutex.Lock()
	defer store.mutex.Unlock()

	store.index.Remove(key)
	store.compactIfNeeded()
	return nil
}

// Clear deletes all entries and their files, after writes in flight finish
func (store *DiskCacheStore) Clear() error {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DiskCacheStore",
		"function": "Clear",
	})

	if err := store.pending.WaitAll(context.Background()); err != nil {
		return xerrors.Errorf("failed to wait for pending writes: %w", err)
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()

	count := store.index.Len()

	store.silent = true
	store.index.Purge()
	store.silent = false

	if err := store.journal.Rewrite(nil); err != nil {
		return types.NewIOError("clear journal", store.getJournalPath(), err)
	}

	dirEntries, err := os.ReadDir(store.rootPath)
	if err != nil {
		return types.NewIOError("read dir", store.rootPath, err)
	}

	for _, dirEntry := range dirEntries {
		name := dirEntry.Name()
		// files of writes in flight are left to their writers
		if name == journalFileName || strings.Contains(name, tempFileMarker) {
			continue
		}

		if err := os.RemoveAll(filepath.Join(store.rootPath, name)); err != nil {
			logger.WithError(err).Warnf("failed to delete %s", name)
		}
	}

	logger.Infof("cleared %d entries", count)
	return nil
}

// Sweep removes expired entries and returns how many were removed
func (store *DiskCacheStore) Sweep() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	return store.sweep(time.Now().UTC())
}

func (store *DiskCacheStore) sweep(now time.Time) int {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DiskCacheStore",
		"function": "sweep",
	})

	removed := 0
	for _, key := range store.index.Keys() {
		value, ok := store.index.Peek(key)
		if !ok {
			continue
		}

		if value.(*DiskCacheEntry).IsExpired(now) {
			store.index.Remove(key)
			removed++
		}
	}

	if removed > 0 {
		logger.Infof("swept %d expired entries", removed)
		store.compactIfNeeded()
	}
	return removed
}

// StartSweeper sweeps every interval until ctx ends or the store is closed
func (store *DiskCacheStore) StartSweeper(ctx context.Context, interval time.Duration) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DiskCacheStore",
		"function": "StartSweeper",
	})

	go func() {
		defer utils.StackTraceFromPanic(logger)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-store.terminated:
				return
			case <-ticker.C:
				store.Sweep()
			}
		}
	}()
}

func (store *DiskCacheStore) onEvicted(key interface{}, value interface{}) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DiskCacheStore",
		"function": "onEvicted",
	})

	if store.silent {
		return
	}

	if entry, ok := value.(*DiskCacheEntry); ok {
		// a dangling file is harmless, so the entry is dropped regardless
		if err := entry.deleteDataFile(); err != nil {
			logger.WithError(err).Warnf("failed to delete file of %s", entry.key)
		}

		store.appendJournal(&JournalRecord{
			Op:  JournalDeleted,
			Key: entry.key,
		})
	}
}

package report

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// LoadSource tells where a load found its image
type LoadSource string

const (
	// LoadSourceMemory is the memory cache
	LoadSourceMemory LoadSource = "memory"
	// LoadSourceDisk is the disk cache
	LoadSourceDisk LoadSource = "disk"
	// LoadSourceFetch is the byte source
	LoadSourceFetch LoadSource = "fetch"
)

// Stats are totals over all keys
type Stats struct {
	MemoryHits    int64
	DiskHits      int64
	Fetches       int64
	FetchedBytes  int64
	Decodes       int64
	Failures      int64
	Cancellations int64
	FetchTime     time.Duration
	DecodeTime    time.Duration
}

// GetRequests returns the number of loads that reached an outcome
func (stats *Stats) GetRequests() int64 {
	return stats.MemoryHits + stats.DiskHits + stats.Fetches + stats.Failures + stats.Cancellations
}

// GetHitRatio returns the share of loads served from a cache
func (stats *Stats) GetHitRatio() float64 {
	requests := stats.GetRequests()
	if requests == 0 {
		return 0
	}
	return float64(stats.MemoryHits+stats.DiskHits) / float64(requests)
}

// KeyReport is the history of one key
type KeyReport struct {
	Key        string
	Loads      int64
	Failures   int64
	LastSource LoadSource
	LastError  string
	FirstTime  time.Time
	LastTime   time.Time
}

// StatsReporter accumulates Stats and per-key reports in memory
type StatsReporter struct {
	stats      Stats
	keyReports map[string]*KeyReport
	mutex      sync.Mutex
}

// NewStatsReporter creates a new StatsReporter
func NewStatsReporter() *StatsReporter {
	return &StatsReporter{
		keyReports: map[string]*KeyReport{},
		mutex:      sync.Mutex{},
	}
}

// GetStats returns a copy of the totals
func (reporter *StatsReporter) GetStats() Stats {
	reporter.mutex.Lock()
	defer reporter.mutex.Unlock()

	return reporter.stats
}

// GetKeyReport returns a copy of the report of key, nil if never seen
func (reporter *StatsReporter) GetKeyReport(key string) *KeyReport {
	reporter.mutex.Lock()
	defer reporter.mutex.Unlock()

	if keyReport, ok := reporter.keyReports[key]; ok {
		copied := *keyReport
		return &copied
	}
	return nil
}

// getKeyReport returns the report of key, creating it; caller holds the mutex
func (reporter *StatsReporter) getKeyReport(key string) *KeyReport {
	now := time.Now().UTC()

	keyReport, ok := reporter.keyReports[key]
	if !ok {
		keyReport = &KeyReport{
			Key:       key,
			FirstTime: now,
		}
		reporter.keyReports[key] = keyReport
	}

	keyReport.LastTime = now
	return keyReport
}

// MemoryHit reports a load served by the memory cache
func (reporter *StatsReporter) MemoryHit(key string) {
	reporter.mutex.Lock()
	defer reporter.mutex.Unlock()

	reporter.stats.MemoryHits++

	keyReport := reporter.getKeyReport(key)
	keyReport.Loads++
	keyReport.LastSource = LoadSourceMemory
}

// DiskHit reports a load served by the disk cache
func (reporter *StatsReporter) DiskHit(key string, size int) {
	reporter.mutex.Lock()
	defer reporter.mutex.Unlock()

	reporter.stats.DiskHits++

	keyReport := reporter.getKeyReport(key)
	keyReport.Loads++
	keyReport.LastSource = LoadSourceDisk
}

// Fetched reports a load served by the byte source
func (reporter *StatsReporter) Fetched(key string, size int, elapsed time.Duration) {
	reporter.mutex.Lock()
	defer reporter.mutex.Unlock()

	reporter.stats.Fetches++
	reporter.stats.FetchedBytes += int64(size)
	reporter.stats.FetchTime += elapsed

	keyReport := reporter.getKeyReport(key)
	keyReport.Loads++
	keyReport.LastSource = LoadSourceFetch
}

// Decoded reports a decode
func (reporter *StatsReporter) Decoded(key string, frames int, elapsed time.Duration) {
	reporter.mutex.Lock()
	defer reporter.mutex.Unlock()

	reporter.stats.Decodes++
	reporter.stats.DecodeTime += elapsed
}

// Failed reports a failed load
func (reporter *StatsReporter) Failed(key string, err error) {
	reporter.mutex.Lock()
	defer reporter.mutex.Unlock()

	reporter.stats.Failures++

	keyReport := reporter.getKeyReport(key)
	keyReport.Failures++
	if err != nil {
		keyReport.LastError = err.Error()
	}
}

// Cancelled reports a cancelled load
func (reporter *StatsReporter) Cancelled(key string) {
	reporter.mutex.Lock()
	defer reporter.mutex.Unlock()

	reporter.stats.Cancellations++
}

// LogReporter writes load events to the log
type LogReporter struct {
	logger *log.Entry
}

// NewLogReporter creates a new LogReporter
func NewLogReporter() *LogReporter {
	return &LogReporter{
		logger: log.WithFields(log.Fields{
			"package": "report",
			"struct":  "LogReporter",
		}),
	}
}

// MemoryHit reports a load served by the memory cache
func (reporter *LogReporter) MemoryHit(key string) {
	reporter.logger.Debugf("memory hit %s", key)
}

// DiskHit reports a load served by the disk cache
func (reporter *LogReporter) DiskHit(key string, size int) {
	reporter.logger.Debugf("disk hit %s (%d bytes)", key, size)
}

// Fetched reports a load served by the byte source
func (reporter *LogReporter) Fetched(key string, size int, elapsed time.Duration) {
	reporter.logger.Infof("fetched %s (%d bytes) in %s", key, size, elapsed)
}

// Decoded reports a decode
func (reporter *LogReporter) Decoded(key string, frames int, elapsed time.Duration) {
	reporter.logger.Debugf("decoded %s (%d frames) in %s", key, frames, elapsed)
}

// Failed reports a failed load
func (reporter *LogReporter) Failed(key string, err error) {
	reporter.logger.WithError(err).Warnf("failed to load %s", key)
}

// Cancelled reports a cancelled load
func (reporter *LogReporter) Cancelled(key string) {
	reporter.logger.Debugf("cancelled %s", key)
}

// MultiReporter passes events to several reporters
type MultiReporter struct {
	reporters []Reporter
}

// NewMultiReporter creates a new MultiReporter
func NewMultiReporter(reporters ...Reporter) *MultiReporter {
	return &MultiReporter{
		reporters: reporters,
	}
}

// MemoryHit reports a load served by the memory cache
func (reporter *MultiReporter) MemoryHit(key string) {
	for _, r := range reporter.reporters {
		r.MemoryHit(key)
	}
}

// DiskHit reports a load served by the disk cache
func (reporter *MultiReporter) DiskHit(key string, size int) {
	for _, r := range reporter.reporters {
		r.DiskHit(key, size)
	}
}

// Fetched reports a load served by the byte source
func (reporter *MultiReporter) Fetched(key string, size int, elapsed time.Duration) {
	for _, r := range reporter.reporters {
		r.Fetched(key, size, elapsed)
	}
}

// Decoded reports a decode
func (reporter *MultiReporter) Decoded(key string, frames int, elapsed time.Duration) {
	for _, r := range reporter.reporters {
		r.Decoded(key, frames, elapsed)
	}
}

// Failed reports a failed load
func (reporter *MultiReporter) Failed(key string, err error) {
	for _, r := range reporter.reporters {
		r.Failed(key, err)
	}
}

// Cancelled reports a cancelled load
func (reporter *MultiReporter) Cancelled(key string) {
	for _, r := range reporter.reporters {
		r.Cancelled(key)
	}
}

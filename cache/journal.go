package cache

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cyverse/imagecache/utils"
	"golang.org/x/xerrors"
)

// JournalOp is a mutation recorded in the journal
type JournalOp string

const (
	// JournalCreated records a new entry
	JournalCreated JournalOp = "Created"
	// JournalModified records an overwritten entry
	JournalModified JournalOp = "Modified"
	// JournalDeleted records a removed entry
	JournalDeleted JournalOp = "Deleted"
)

const (
	journalFileName = "journal"
)

// JournalRecord is a line of the journal
type JournalRecord struct {
	Op     JournalOp
	Key    string
	Origin time.Time     // unset for JournalDeleted
	TTL    time.Duration // unset for JournalDeleted
}

// String formats the record as a journal line without the newline
func (record *JournalRecord) String() string {
	key := url.QueryEscape(record.Key)
	if record.Op == JournalDeleted {
		return fmt.Sprintf("%s %s", record.Op, key)
	}
	return fmt.Sprintf("%s %s %d %d", record.Op, key, utils.MakeTicks(record.Origin), record.TTL.Milliseconds())
}

// ParseJournalRecord parses a journal line
func ParseJournalRecord(line string) (*JournalRecord, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil, xerrors.Errorf("journal line %q has too few fields", line)
	}

	key, err := url.QueryUnescape(fields[1])
	if err != nil {
		return nil, xerrors.Errorf("failed to unescape key %q: %w", fields[1], err)
	}

	op := JournalOp(fields[0])
	switch op {
	case JournalDeleted:
		if len(fields) != 2 {
			return nil, xerrors.Errorf("journal line %q has wrong number of fields", line)
		}

		return &JournalRecord{
			Op:  op,
			Key: key,
		}, nil
	case JournalCreated, JournalModified:
		if len(fields) != 4 {
			return nil, xerrors.Errorf("journal line %q has wrong number of fields", line)
		}

		ticks, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, xerrors.Errorf("failed to parse origin %q: %w", fields[2], err)
		}

		ttlMs, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil || ttlMs < 0 {
			return nil, xerrors.Errorf("failed to parse ttl %q", fields[3])
		}

		return &JournalRecord{
			Op:     op,
			Key:    key,
			Origin: utils.ParseTicks(ticks),
			TTL:    time.Duration(ttlMs) * time.Millisecond,
		}, nil
	default:
		return nil, xerrors.Errorf("unknown journal op %q", fields[0])
	}
}

// Journal is an append-only file of JournalRecords
type Journal struct {
	path  string
	file  *os.File
	lines int // lines in the file, including unparsable ones
}

// ReplayJournal reads all records from the journal at path in file order and passes valid ones to apply.
// Lines that fail to parse are counted and skipped. A missing journal is empty.
func ReplayJournal(path string, apply func(record *JournalRecord)) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, xerrors.Errorf("failed to open journal %s: %w", path, err)
	}
	defer f.Close()

	lines := 0
	skipped := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines++

		record, err := ParseJournalRecord(scanner.Text())
		if err != nil {
			skipped++
			continue
		}

		apply(record)
	}

	if err := scanner.Err(); err != nil {
		return lines, skipped, xerrors.Errorf("failed to read journal %s: %w", path, err)
	}

	return lines, skipped, nil
}

// OpenJournal opens the journal at path for appending
func OpenJournal(path string, lines int) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, xerrors.Errorf("failed to open journal %s: %w", path, err)
	}

	return &Journal{
		path:  path,
		file:  f,
		lines: lines,
	}, nil
}

// GetLines returns the number of lines in the journal
func (journal *Journal) GetLines() int {
	return journal.lines
}

// Append writes a record
func (journal *Journal) Append(record *JournalRecord) error {
	if journal.file == nil {
		return xerrors.Errorf("journal %s is closed", journal.path)
	}

	_, err := journal.file.WriteString(record.String() + "\n")
	if err != nil {
		return xerrors.Errorf("failed to append to journal %s: %w", journal.path, err)
	}

	journal.lines++
	return nil
}

// Rewrite replaces the journal with records, through a temp file renamed into place
func (journal *Journal) Rewrite(records []*JournalRecord) error {
	tempPath := journal.path + ".tmp"

	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return xerrors.Errorf("failed to create journal %s: %w", tempPath, err)
	}

	writer := bufio.NewWriter(f)
	for _, record := range records {
		writer.WriteString(record.String() + "\n")
	}

	if err := writer.Flush(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return xerrors.Errorf("failed to write journal %s: %w", tempPath, err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return xerrors.Errorf("failed to close journal %s: %w", tempPath, err)
	}

	if journal.file != nil {
		journal.file.Close()
		journal.file = nil
	}

	renameErr := os.Rename(tempPath, journal.path)
	if renameErr != nil {
		os.Remove(tempPath)
	}

	// the old journal stays in use if the rename failed
	reopened, err := os.OpenFile(journal.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return xerrors.Errorf("failed to open journal %s: %w", journal.path, err)
	}
	journal.file = reopened

	if renameErr != nil {
		return xerrors.Errorf("failed to replace journal %s: %w", journal.path, renameErr)
	}

	journal.lines = len(records)
	return nil
}

// Close closes the journal file
func (journal *Journal) Close() error {
	if journal.file == nil {
		return nil
	}

	err := journal.file.Close()
	journal.file = nil
	return err
}

package state

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dhcgn/mailscribe/model"
)

// FileRecords persists processing records as an append-only JSON lines log
// so future runs see earlier outcomes. Every write appends the full record;
// on load the last line per message id wins.
type FileRecords struct {
	*MemoryRecords
	path    string
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
}

// NewFileRecords opens (or creates) records.jsonl in stateDir.
func NewFileRecords(stateDir string) (*FileRecords, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	records := &FileRecords{
		MemoryRecords: NewMemoryRecords(),
		path:          filepath.Join(stateDir, "records.jsonl"),
	}

	if err := records.load(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(records.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open state file for append: %w", err)
	}
	records.file = file
	records.writer = bufio.NewWriterSize(file, 64*1024) // 64KB buffer

	return records, nil
}

// Path returns the location of the log file.
func (f *FileRecords) Path() string {
	return f.path
}

func (f *FileRecords) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var record model.ProcessingRecord
		if err := json.Unmarshal(text, &record); err != nil {
			return fmt.Errorf("parse state line %d: %w", line, err)
		}
		if record.MessageID == "" {
			continue
		}

		f.mu.Lock()
		f.records[record.MessageID] = record
		f.mu.Unlock()
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	return nil
}

func (f *FileRecords) Create(ctx context.Context, rec model.ProcessingRecord) (bool, error) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	created, err := f.MemoryRecords.Create(ctx, rec)
	if err != nil || !created {
		return created, err
	}
	return true, f.append(rec)
}

func (f *FileRecords) Upsert(ctx context.Context, rec model.ProcessingRecord) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if err := f.MemoryRecords.Upsert(ctx, rec); err != nil {
		return err
	}
	return f.append(rec)
}

func (f *FileRecords) ClaimRetry(_ context.Context, id string, maxRetries int) (bool, error) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	rec, ok, err := f.claimRetry(id, maxRetries)
	if err != nil || !ok {
		return ok, err
	}
	return true, f.append(rec)
}

// append must be called with writeMu held.
func (f *FileRecords) append(rec model.ProcessingRecord) error {
	if f.writer == nil {
		return fmt.Errorf("state file is closed")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}
	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("write state record: %w", err)
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}
	return nil
}

// Close flushes and closes the state file.
func (f *FileRecords) Close() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if f.file == nil {
		return nil
	}

	var firstErr error
	if err := f.writer.Flush(); err != nil {
		firstErr = fmt.Errorf("flush state file: %w", err)
	}
	if err := f.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync state file: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close state file: %w", err)
	}
	f.file = nil
	f.writer = nil

	return firstErr
}

package reconcile

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/thetopham/tradingview-bot/internal/metrics"
)

// Store is the durable home for finished records. Upsert must treat "already
// exists" as success so retried writes converge on exactly one final row.
type Store interface {
	Upsert(ctx context.Context, rec Record) error
}

type journalEntry struct {
	CorrelationID string `json:"correlation_id"`
	Record        Record `json:"record"`
	AttemptCount  int    `json:"attempt_count"`
}

// Journal is the append-only local fallback for records that could not reach
// the durable store. Entries survive restarts and are only removed once a
// flush succeeds.
type Journal struct {
	mu   sync.Mutex
	path string
	file *os.File
	enc  *json.Encoder
}

// NewJournal creates/opens the journal file in append mode.
func NewJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	j := &Journal{path: path, file: file, enc: json.NewEncoder(file)}
	metrics.FallbackPending.Set(float64(j.countLocked()))
	return j, nil
}

// Append writes one record to the journal.
func (j *Journal) Append(rec Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return fmt.Errorf("journal closed")
	}
	if err := j.enc.Encode(journalEntry{CorrelationID: rec.CorrelationID, Record: rec, AttemptCount: 1}); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	metrics.FallbackPending.Inc()
	return nil
}

// Flush retries every journaled record against the store. Records that still
// fail stay in the journal with an incremented attempt count; nothing is ever
// discarded. Returns the records that reached the store and how many remain.
func (j *Journal) Flush(ctx context.Context, store Store) (flushed []Record, remaining int, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entries, err := j.readAllLocked()
	if err != nil {
		return nil, 0, err
	}
	if len(entries) == 0 {
		metrics.FallbackPending.Set(0)
		return nil, 0, nil
	}

	var leftover []journalEntry
	for _, entry := range entries {
		if err := store.Upsert(ctx, entry.Record); err != nil {
			entry.AttemptCount++
			leftover = append(leftover, entry)
			continue
		}
		flushed = append(flushed, entry.Record)
	}

	if err := j.rewriteLocked(leftover); err != nil {
		return flushed, len(leftover), err
	}
	metrics.FallbackPending.Set(float64(len(leftover)))
	return flushed, len(leftover), nil
}

// Len reports how many entries are waiting.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.countLocked()
}

// Close flushes and closes the file handle.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

func (j *Journal) readAllLocked() ([]journalEntry, error) {
	file, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var entries []journalEntry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry journalEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			// A torn write at the tail must not block older entries.
			continue
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

// rewriteLocked replaces the journal with the surviving entries via a rename
// so a crash mid-rewrite cannot lose records.
func (j *Journal) rewriteLocked(entries []journalEntry) error {
	tmp := j.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(file)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			file.Close()
			return err
		}
	}
	if err := file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return err
	}

	if j.file != nil {
		j.file.Close()
	}
	j.file, err = os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	j.enc = json.NewEncoder(j.file)
	return nil
}

func (j *Journal) countLocked() int {
	entries, err := j.readAllLocked()
	if err != nil {
		return 0
	}
	return len(entries)
}

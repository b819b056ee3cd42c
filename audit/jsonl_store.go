package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/capagent/cap-agent/capcrypto"
)

// JSONLStore persists events as one canonical JSON object per line, per the
// "<log>.jsonl" output file contract in spec.md §6. Appends are flushed and
// fsynced before returning so a crash never leaves a torn line.
type JSONLStore struct {
	path string
}

// NewJSONLStore opens (or prepares to create) a JSONL-backed audit store at
// path. The file is not created until the first Append.
func NewJSONLStore(path string) *JSONLStore {
	return &JSONLStore{path: path}
}

// Append writes ev as one more line, appending to the file.
func (s *JSONLStore) Append(ev Event) error {
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("audit jsonl: open: %w", err)
	}
	defer f.Close()

	line, err := capcrypto.CanonicalJSONOf(ev)
	if err != nil {
		return fmt.Errorf("audit jsonl: marshal: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit jsonl: write: %w", err)
	}
	return f.Sync()
}

// Scan reads the file front to back, calling fn for each decoded event. A
// missing file is treated as an empty log, not an error.
func (s *JSONLStore) Scan(fn func(Event) error) error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("audit jsonl: open: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return fmt.Errorf("audit jsonl: decode line: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Len returns the number of events currently stored.
func (s *JSONLStore) Len() (int, error) {
	n := 0
	err := s.Scan(func(Event) error {
		n++
		return nil
	})
	return n, err
}

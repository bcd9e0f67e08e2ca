package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileRecorder stores entries as JSON lines in a single file.
type FileRecorder struct {
	path string
	mu   sync.Mutex
}

func NewFileRecorder(path string) (*FileRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure transcript dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to init transcript file: %w", err)
	}
	_ = f.Close()
	return &FileRecorder{path: path}, nil
}

// Load returns the entries of one session. An empty sessionID returns all.
func (r *FileRecorder) Load(sessionID string) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all, err := r.readAllLocked()
	if err != nil {
		return nil, err
	}
	if sessionID == "" {
		return all, nil
	}
	var out []Entry
	for _, e := range all {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Rewrite replaces every entry of sessionID with entries, keeping other
// sessions untouched and in place.
func (r *FileRecorder) Rewrite(sessionID string, entries []Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	all, err := r.readAllLocked()
	if err != nil {
		return err
	}
	kept := make([]Entry, 0, len(all)+len(entries))
	for _, e := range all {
		if e.SessionID != sessionID {
			kept = append(kept, e)
		}
	}
	kept = append(kept, entries...)

	wf, err := os.OpenFile(r.path, os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open write: %w", err)
	}
	defer func(wf *os.File) {
		_ = wf.Close()
	}(wf)
	enc := json.NewEncoder(wf)
	for _, e := range kept {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encode: %w", err)
		}
	}
	return nil
}

func (r *FileRecorder) readAllLocked() ([]Entry, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("open read: %w", err)
	}
	defer func(f *os.File) {
		_ = f.Close()
	}(f)
	s := bufio.NewScanner(f)
	buf := make([]byte, 0, 1024*1024)
	s.Buffer(buf, 10*1024*1024)
	var entries []Entry
	for s.Scan() {
		line := s.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return entries, nil
}

package eventlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FileStore persists each instance as a directory holding a newline-delimited
// JSON event log and the latest snapshot.
//
//	<dir>/<instance>/events.jsonl
//	<dir>/<instance>/snapshot.json
type FileStore struct {
	dir     string
	openLog func(path string) (logFile, error)

	mu      sync.Mutex
	lastSeq map[string]int64
}

// logFile is the part of *os.File an event log is appended through.
type logFile interface {
	io.Writer
	Sync() error
	Stat() (os.FileInfo, error)
	Truncate(size int64) error
	Close() error
}

func openLogFile(path string) (logFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// NewFileStore creates the data directory if needed. An empty dir defaults to
// ~/.agentflow/instances.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".agentflow", "instances")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir, openLog: openLogFile, lastSeq: map[string]int64{}}, nil
}

func (s *FileStore) eventsPath(instanceID string) string {
	return filepath.Join(s.dir, instanceID, "events.jsonl")
}

func (s *FileStore) snapshotPath(instanceID string) string {
	return filepath.Join(s.dir, instanceID, "snapshot.json")
}

func (s *FileStore) Append(ctx context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.eventsPath(e.InstanceID)
	last, ok := s.lastSeq[e.InstanceID]
	if !ok {
		events, size, err := s.readEvents(e.InstanceID)
		if err != nil {
			return err
		}
		// Drop a torn line left by a crash so the next line starts clean
		if info, err := os.Stat(path); err == nil && info.Size() > size {
			if err := os.Truncate(path, size); err != nil {
				return fmt.Errorf("failed to repair event log: %w", err)
			}
		}
		last = int64(len(events))
	}
	if e.Seq != last+1 {
		return fmt.Errorf("%w: %s is at seq %d, got %d", ErrSequenceConflict, e.InstanceID, last, e.Seq)
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create instance directory: %w", err)
	}
	f, err := s.openLog(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	if err := writeLine(f, line); err != nil {
		// Whatever reached the file is cut off again. If that fails too the
		// log is recounted from disk on the next append.
		if truncErr := f.Truncate(info.Size()); truncErr != nil {
			delete(s.lastSeq, e.InstanceID)
			return errors.Join(err, fmt.Errorf("failed to truncate event log: %w", truncErr))
		}
		return err
	}
	s.lastSeq[e.InstanceID] = e.Seq
	return nil
}

func writeLine(f logFile, line []byte) error {
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync event log: %w", err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context, instanceID string, afterSeq int64) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, _, err := s.readEvents(instanceID)
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, e := range events {
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

// readEvents parses the whole log and returns the size of its complete
// lines. A torn final line from a crash mid-write is ignored.
func (s *FileStore) readEvents(instanceID string) ([]Event, int64, error) {
	data, err := os.ReadFile(s.eventsPath(instanceID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to read event log: %w", err)
	}
	var events []Event
	var size int64
	complete := bytes.HasSuffix(data, []byte("\n"))
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		// A final line without its newline was never acknowledged
		if !complete && size+int64(len(line)) == int64(len(data)) {
			break
		}
		if len(line) > 0 {
			var e Event
			if err := json.Unmarshal(line, &e); err != nil {
				return nil, 0, fmt.Errorf("failed to unmarshal event: %w", err)
			}
			events = append(events, e)
		}
		size += int64(len(line)) + 1
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, err
	}
	return events, size, nil
}

// SaveSnapshot writes to a temporary file and renames it into place.
func (s *FileStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	path := s.snapshotPath(snap.InstanceID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create instance directory: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot file: %w", err)
	}
	return os.Rename(tmp, path)
}

func (s *FileStore) LoadSnapshot(ctx context.Context, instanceID string) (*Snapshot, error) {
	data, err := os.ReadFile(s.snapshotPath(instanceID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot file: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func (s *FileStore) Instances(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read instances directory: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(s.eventsPath(entry.Name())); err == nil {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

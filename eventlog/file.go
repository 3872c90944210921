package eventlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ruteri/did-credential-ledger/interfaces"
)

// FileStore persists events as JSON lines in a single append-only file.
// Every Append is fsynced before it returns.
type FileStore struct {
	mu      sync.RWMutex
	path    string
	file    *os.File
	offsets []int64 // offsets[i] is the byte offset of the event with Seq i+1
	size    int64
	log     *slog.Logger
}

// NewFileStore opens (or creates) the log at path and indexes existing
// events. A torn trailing line left by a crash mid-write is truncated.
func NewFileStore(path string, log *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}

	s := &FileStore{
		path: path,
		file: f,
		log:  log,
	}
	if err := s.index(); err != nil {
		f.Close()
		return nil, err
	}

	log.Debug("Opened file event store", "path", path, "events", len(s.offsets))
	return s, nil
}

func (s *FileStore) index() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek event log: %w", err)
	}

	r := bufio.NewReader(s.file)
	var offset int64
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			if len(line) > 0 {
				s.log.Warn("Truncating torn event log tail", "path", s.path, "offset", offset, "bytes", len(line))
				if err := s.file.Truncate(offset); err != nil {
					return fmt.Errorf("failed to truncate torn event log tail: %w", err)
				}
			}
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event log: %w", err)
		}

		var ev interfaces.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return fmt.Errorf("corrupt event at offset %d: %w", offset, err)
		}
		if want := uint64(len(s.offsets)) + 1; ev.Seq != want {
			return fmt.Errorf("%w: event at offset %d has seq %d, expected %d", interfaces.ErrSequenceGap, offset, ev.Seq, want)
		}

		s.offsets = append(s.offsets, offset)
		offset += int64(len(line))
	}

	s.size = offset
	return nil
}

func (s *FileStore) Append(_ context.Context, event interfaces.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return errStoreClosed
	}
	if want := uint64(len(s.offsets)) + 1; event.Seq != want {
		return fmt.Errorf("%w: got seq %d, expected %d", interfaces.ErrSequenceGap, event.Seq, want)
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	line = append(line, '\n')

	if _, err := s.file.WriteAt(line, s.size); err != nil {
		// Drop whatever part of the line made it to disk.
		_ = s.file.Truncate(s.size)
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		_ = s.file.Truncate(s.size)
		return fmt.Errorf("failed to sync event log: %w", err)
	}

	s.offsets = append(s.offsets, s.size)
	s.size += int64(len(line))
	return nil
}

func (s *FileStore) Read(_ context.Context, fromSeq uint64, limit int) ([]interfaces.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.file == nil {
		return nil, errStoreClosed
	}
	start, end := window(fromSeq, limit, uint64(len(s.offsets)))
	if start >= end {
		return nil, nil
	}

	endOffset := s.size
	if end < uint64(len(s.offsets)) {
		endOffset = s.offsets[end]
	}
	buf := make([]byte, endOffset-s.offsets[start])
	if _, err := s.file.ReadAt(buf, s.offsets[start]); err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}

	events := make([]interfaces.Event, 0, end-start)
	for _, line := range bytes.Split(bytes.TrimSuffix(buf, []byte{'\n'}), []byte{'\n'}) {
		var ev interfaces.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "fogworker/pkg/logx"
)

// fileStore is the memory ring persisted as a JSON Lines journal.
//
// Every append is one line; the journal is rewritten from the ring once it
// grows past twice the ring size, and on Clear/Prune.
type fileStore struct {
	*memStore
	path  string
	f     *os.File
	lines int
	log   logx.Logger
}

func openFile(cfg Config, log logx.Logger) (History, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("history.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	mem := newMemory(cfg.MaxEntries)
	lines, err := replayJournal(path, mem)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s := &fileStore{memStore: mem, path: path, f: f, lines: lines, log: log}
	log.Debug("history loaded", logx.String("path", path), logx.Int("records", len(mem.recs)))
	return s, nil
}

func replayJournal(path string, into *memStore) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	n := 0
	for sc.Scan() {
		n++
		var r CycleRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.TaskID == "" {
			continue
		}
		into.appendLocked(r)
	}
	return n, sc.Err()
}

func (s *fileStore) Append(_ context.Context, r CycleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.f == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.f).Encode(r); err != nil {
		return err
	}
	s.lines++
	s.appendLocked(r)
	if s.lines > 2*s.max {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("history compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.f == nil {
		return ErrClosed
	}
	s.recs = nil
	return s.compactLocked()
}

func (s *fileStore) Prune(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.f == nil {
		return 0, ErrClosed
	}
	n := s.pruneLocked(before)
	if n == 0 {
		return 0, nil
	}
	return n, s.compactLocked()
}

// compactLocked rewrites the journal from the ring via a temp file and
// rename. The temp file's handle becomes the writer, so s.f stays valid
// whether or not compaction succeeds.
func (s *fileStore) compactLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	enc := json.NewEncoder(f)
	for _, r := range s.recs {
		if err := enc.Encode(r); err != nil {
			return fail(err)
		}
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fail(err)
	}
	_ = s.f.Close()
	s.f = f
	s.lines = len(s.recs)
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

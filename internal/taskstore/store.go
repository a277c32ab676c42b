package taskstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"wasched/internal/schedule"
	logx "wasched/pkg/logx"
)

// Store persists tasks in a single CSV file.
//
// Every save rewrites the whole file: the previous version is copied to
// <path>.backup (best-effort), the new content goes to <path>.tmp and is
// renamed over the original. One process is assumed to be the only writer.
type Store struct {
	path string
	log  logx.Logger
	now  func() time.Time

	mu sync.Mutex
}

type Option func(*Store)

// WithClock overrides the time source used for save confirmations.
func WithClock(c schedule.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.now = c.Now
		}
	}
}

func New(path string, log logx.Logger, opts ...Option) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{
		path: strings.TrimSpace(path),
		log:  log.Named("taskstore"),
		now:  time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Path() string { return s.path }

// Load returns every stored task. A missing file yields no tasks.
func (s *Store) Load(ctx context.Context) ([]schedule.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tasks, _, err := s.read()
	return tasks, err
}

// Save replaces the stored set with tasks.
func (s *Store) Save(ctx context.Context, tasks []schedule.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(tasks)
}

// Update runs a serialized load-mutate-save. fn receives a fresh copy of the
// stored tasks and returns the new set plus whether anything changed; nothing
// is written when it reports no change or returns an error. Rows that received
// a derived id on load are persisted even if fn changed nothing.
func (s *Store) Update(ctx context.Context, fn func([]schedule.Task) ([]schedule.Task, bool, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, derived, err := s.read()
	if err != nil {
		return err
	}
	next, changed, err := fn(tasks)
	if err != nil {
		return err
	}
	if !changed {
		if !derived {
			return nil
		}
		next = tasks
	}
	return s.write(next)
}

func (s *Store) read() ([]schedule.Task, bool, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []schedule.Task{}, false, nil
	}
	if err != nil {
		return nil, false, &schedule.StorageError{Op: "open", Path: s.path, Err: err}
	}
	defer f.Close()

	tasks, derived, err := decode(f)
	if err != nil {
		return nil, false, &schedule.StorageError{Op: "parse", Path: s.path, Err: err}
	}
	if tasks == nil {
		tasks = []schedule.Task{}
	}
	return tasks, derived, nil
}

func (s *Store) write(tasks []schedule.Task) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return &schedule.StorageError{Op: "mkdir", Path: s.path, Err: err}
	}
	if err := copyFile(s.path, s.path+".backup"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Warn("backup failed", logx.String("path", s.path+".backup"), logx.Err(err))
	}

	var buf bytes.Buffer
	if err := encode(&buf, tasks); err != nil {
		return &schedule.StorageError{Op: "encode", Path: s.path, Err: err}
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return &schedule.StorageError{Op: "write", Path: tmp, Err: err}
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return &schedule.StorageError{Op: "write", Path: tmp, Err: err}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return &schedule.StorageError{Op: "sync", Path: tmp, Err: err}
	}
	if err := f.Close(); err != nil {
		return &schedule.StorageError{Op: "close", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return &schedule.StorageError{Op: "rename", Path: s.path, Err: err}
	}

	s.log.Info("tasks saved", logx.Int("records", len(tasks)), logx.Time("at", s.now()))
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

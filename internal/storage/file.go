package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "wasched/pkg/logx"
)

// fileStore keeps the journal as two JSONL files sharing a prefix:
// <prefix>.deliveries.jsonl (oldest first) and <prefix>.marks.jsonl.
type fileStore struct {
	log logx.Logger

	mu        sync.Mutex
	path      string
	out       *os.File
	marks     *markLog
	corrupted int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("journal.path is required for file driver")
	}
	prefix := strings.TrimSuffix(path, filepath.Ext(path))
	if err := os.MkdirAll(filepath.Dir(prefix), 0o755); err != nil {
		return nil, err
	}

	marks, err := openMarkLog(prefix+".marks.jsonl", time.Now())
	if err != nil {
		return nil, err
	}
	s := &fileStore{log: log, path: prefix + ".deliveries.jsonl", marks: marks}
	if s.out, err = appendOnly(s.path); err != nil {
		_ = marks.close()
		return nil, err
	}
	log.Info("journal opened", logx.String("path", s.path))
	return s, nil
}

func appendOnly(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.out != nil {
		err = s.out.Close()
		s.out = nil
	}
	return errors.Join(err, s.marks.close())
}

func (s *fileStore) AppendDelivery(ctx context.Context, e DeliveryEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return ErrDisabled
	}
	_, err = s.out.Write(append(line, '\n'))
	return err
}

// scan calls fn for each decodable entry in file order. Undecodable lines
// (a torn final write) are counted and skipped.
func (s *fileStore) scan(fn func(DeliveryEntry)) error {
	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	bad := 0
	for sc.Scan() {
		var e DeliveryEntry
		if json.Unmarshal(sc.Bytes(), &e) != nil {
			bad++
			continue
		}
		fn(e)
	}
	if bad > s.corrupted {
		s.log.Warn("skipping undecodable journal lines", logx.Int("lines", bad))
	}
	s.corrupted = bad
	return sc.Err()
}

func (s *fileStore) ListDeliveries(ctx context.Context, q Query) ([]DeliveryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Keep the last n matches; the file is oldest first.
	n := q.limit()
	tail := newRing[DeliveryEntry](n)
	if err := s.scan(func(e DeliveryEntry) {
		if q.match(e) {
			tail.push(e)
		}
	}); err != nil {
		return nil, err
	}
	return tail.newestFirst(), nil
}

// Prune drops expired marks and, when before is set, deliveries older than
// before. The deliveries file is rewritten through a temp file.
func (s *fileStore) Prune(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return 0, ErrDisabled
	}

	if s.marks.expire(time.Now()) > 0 {
		if err := s.marks.rewrite(); err != nil {
			return 0, err
		}
	}
	if before.IsZero() {
		return 0, nil
	}

	var keep []DeliveryEntry
	dropped := 0
	if err := s.scan(func(e DeliveryEntry) {
		if e.At.Before(before) {
			dropped++
			return
		}
		keep = append(keep, e)
	}); err != nil {
		return 0, err
	}
	if dropped == 0 {
		return 0, nil
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, e := range keep {
		if err := enc.Encode(e); err != nil {
			_ = f.Close()
			return 0, err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	_ = s.out.Close()
	if err := os.Rename(tmp, s.path); err != nil {
		s.out, _ = appendOnly(s.path)
		return 0, err
	}
	if s.out, err = appendOnly(s.path); err != nil {
		return dropped, err
	}
	return dropped, nil
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marks.put(key, until, time.Now())
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.marks.get(strings.TrimSpace(key))
	return until, ok, nil
}

// ring keeps the last cap values pushed.
type ring[T any] struct {
	buf  []T
	next int
	full bool
}

func newRing[T any](n int) *ring[T] { return &ring[T]{buf: make([]T, n)} }

func (r *ring[T]) push(v T) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring[T]) newestFirst() []T {
	n := r.next
	if r.full {
		n = len(r.buf)
	}
	out := make([]T, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, r.buf[(r.next-i+len(r.buf))%len(r.buf)])
	}
	return out
}

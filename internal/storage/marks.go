package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"time"
)

// markLog is the file driver's dedup table: an append-only JSONL file where
// the last line for a key wins. It is rewritten with only live marks when
// open and whenever stale lines outnumber live ones.
type markLog struct {
	path  string
	f     *os.File
	live  map[string]int64 // key -> until, unix ms
	lines int
}

type markLine struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openMarkLog(path string, now time.Time) (*markLog, error) {
	m := &markLog{path: path, live: map[string]int64{}}
	if err := m.replay(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	m.expire(now)
	if err := m.rewrite(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *markLog) replay() error {
	f, err := os.Open(m.path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var l markLine
		if json.Unmarshal(sc.Bytes(), &l) != nil || l.Key == "" {
			continue
		}
		m.live[l.Key] = l.Until
	}
	return sc.Err()
}

func (m *markLog) expire(now time.Time) int {
	cut, n := now.UnixMilli(), 0
	for k, until := range m.live {
		if until < cut {
			delete(m.live, k)
			n++
		}
	}
	return n
}

// rewrite replaces the file with one line per live mark.
func (m *markLog) rewrite() error {
	tmp := m.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for k, until := range m.live {
		if err := enc.Encode(markLine{Key: k, Until: until}); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return err
	}

	if m.f != nil {
		_ = m.f.Close()
	}
	m.f, err = os.OpenFile(m.path, os.O_APPEND|os.O_WRONLY, 0o600)
	m.lines = len(m.live)
	return err
}

func (m *markLog) put(key string, until time.Time, now time.Time) error {
	if m.f == nil {
		return ErrDisabled
	}
	ms := until.UnixMilli()
	m.live[key] = ms
	if err := json.NewEncoder(m.f).Encode(markLine{Key: key, Until: ms}); err != nil {
		return err
	}
	m.lines++
	if m.lines > 2*len(m.live)+256 {
		m.expire(now)
		return m.rewrite()
	}
	return nil
}

func (m *markLog) get(key string) (time.Time, bool) {
	ms, ok := m.live[key]
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func (m *markLog) close() error {
	if m.f == nil {
		return nil
	}
	err := m.f.Close()
	m.f = nil
	return err
}

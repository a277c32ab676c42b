package config

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "wasched/pkg/logx"
)

// Change is one committed reload. Old is the config the subscriber last
// received, so coalesced updates still diff against what was applied.
type Change struct {
	Old, New *Config
}

type snapshot struct {
	cfg *Config
	sum uint64
}

// Manager owns the live configuration: it parses the file, overlays the
// environment, validates reloads and hands changes to subscribers.
type Manager struct {
	path     string
	lookup   func(string) (string, bool)
	validate func(ctx context.Context, cfg *Config) error
	debounce time.Duration
	log      logx.Logger

	cur atomic.Pointer[snapshot]

	subsMu sync.Mutex
	subs   map[int]chan Change
	nextID int

	// reloadMu serializes Reload so Old/New pairs stay ordered.
	reloadMu sync.Mutex
}

// NewManager returns a manager for path. A missing file means defaults plus
// environment.
func NewManager(path string) *Manager {
	return &Manager{
		path:     path,
		lookup:   os.LookupEnv,
		debounce: 250 * time.Millisecond,
		subs:     map[int]chan Change{},
	}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log.Named("config") }

// SetLookup replaces the environment lookup. nil is ignored.
func (m *Manager) SetLookup(fn func(string) (string, bool)) {
	if fn != nil {
		m.lookup = fn
	}
}

// SetValidator installs a check run on every reload before it is committed.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validate = fn
}

func (m *Manager) Path() string { return m.path }

// Parse builds a config from file, environment and defaults without
// committing it.
func (m *Manager) Parse() (*Config, error) {
	data, err := readConfig(m.path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := decodeJSON(data, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", m.path, err)
	}
	if err := ApplyEnv(cfg, m.lookup); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// Load parses and commits without notifying subscribers.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.cur.Store(&snapshot{cfg: cfg, sum: fingerprint(cfg)})
	return cfg, nil
}

func (m *Manager) Get() *Config {
	if s := m.cur.Load(); s != nil {
		return s.cfg
	}
	return nil
}

// Subscribe returns a channel holding at most one pending Change. A newer
// change replaces an unread one and keeps its Old.
func (m *Manager) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, 1)
	m.subsMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, id)
			close(ch)
			m.subsMu.Unlock()
		})
	}
}

func (m *Manager) publish(old, cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		c := Change{Old: old, New: cfg}
		select {
		case pending := <-ch:
			c.Old = pending.Old
		default:
		}
		// Only publish sends, under subsMu, so the slot is free here.
		ch <- c
	}
}

// Reload parses, validates and publishes the file once. It reports whether
// a new config was committed; an identical file is not republished.
func (m *Manager) Reload(ctx context.Context) (bool, error) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	cfg, err := m.Parse()
	if err != nil {
		return false, err
	}
	sum := fingerprint(cfg)
	prev := m.cur.Load()
	if prev != nil && sum != 0 && sum == prev.sum {
		m.log.Debug("config unchanged", logx.String("path", m.path))
		return false, nil
	}
	if m.validate != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validate(vctx, cfg)
		cancel()
		if err != nil {
			return false, fmt.Errorf("config rejected: %w", err)
		}
	}

	m.cur.Store(&snapshot{cfg: cfg, sum: sum})
	var old *Config
	if prev != nil {
		old = prev.cfg
	}
	m.publish(old, cfg)
	m.log.Debug("config published", logx.String("path", m.path), logx.String("sum", fmt.Sprintf("%016x", sum)))
	return true, nil
}

// Watch reloads the file after changes settle for the debounce interval,
// until ctx is done. A failed watcher is rebuilt with jittered backoff.
func (m *Manager) Watch(ctx context.Context) error {
	retry := backoff{base: 250 * time.Millisecond, max: 5 * time.Second}
	for {
		err := m.watchOnce(ctx, &retry)
		if ctx.Err() != nil {
			return nil
		}
		wait := retry.next()
		m.log.Warn("config watcher stopped; restarting", logx.Err(err), logx.Duration("backoff", wait))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// watchOnce runs one fsnotify watcher on the config's directory, so editors
// that replace the file by rename are still seen.
func (m *Manager) watchOnce(ctx context.Context, retry *backoff) error {
	dir, name := filepath.Split(m.path)
	if dir == "" {
		dir = "."
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	retry.reset()
	m.log.Debug("watching config", logx.String("dir", dir), logx.String("file", name))

	settle := time.NewTimer(m.debounce)
	settle.Stop()
	defer settle.Stop()
	var fire <-chan time.Time
	arm := func() {
		settle.Reset(m.debounce)
		fire = settle.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("fsnotify event stream closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), name) {
				arm()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("fsnotify error stream closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; forcing reload")
				arm()
				continue
			}
			m.log.Warn("config watch error", logx.Err(err))
		case <-fire:
			fire = nil
			if _, err := m.Reload(ctx); err != nil {
				m.log.Warn("config reload failed", logx.String("path", m.path), logx.Err(err))
			}
		}
	}
}

type backoff struct {
	base, max time.Duration
	cur       time.Duration
}

func (b *backoff) reset() { b.cur = 0 }

// next doubles the delay up to max and adds up to 50% jitter.
func (b *backoff) next() time.Duration {
	if b.cur == 0 {
		b.cur = b.base
	} else {
		b.cur = min(b.cur*2, b.max)
	}
	return b.cur + rand.N(b.cur/2+1)
}

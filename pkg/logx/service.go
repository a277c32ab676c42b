package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	// Components maps a Named logger to its own level.
	Components map[string]string
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const defaultLogFile = "./wasched.log"

// Service owns the log sinks. Loggers it hands out stay live across Apply.
type Service struct {
	mu     sync.Mutex
	stdout io.Writer
	file   *os.File

	state atomic.Pointer[sinkState]
}

// New applies cfg and returns the service with its root logger. A log file
// that cannot be opened is reported through the returned logger and the
// service falls back to the remaining sinks.
func New(cfg Config) (*Service, Logger) {
	return newService(cfg, os.Stdout)
}

func newService(cfg Config, stdout io.Writer) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{stdout: stdout}
	log := Logger{src: s}
	if err := s.Apply(cfg); err != nil {
		log.Warn("log file unavailable", Err(err))
	}
	return s, log
}

func (s *Service) snapshot() *sinkState {
	if st := s.state.Load(); st != nil {
		return st
	}
	return nopState
}

// Apply swaps sinks and levels. The previous log file is closed only after
// the new generation is visible.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		writers []io.Writer
		file    *os.File
		openErr error
	)
	if cfg.Console {
		writers = append(writers, consoleWriter(s.stdout))
	}
	if cfg.File.Enabled {
		f, err := openLogFile(cfg.File.Path)
		if err != nil {
			openErr = err
		} else {
			file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(s.stdout))
	}

	lvl, ok := ParseLevel(cfg.Level)
	if !ok {
		lvl = LevelInfo
	}
	comps := make(map[string]Level, len(cfg.Components))
	for name, v := range cfg.Components {
		if cl, ok := ParseLevel(v); ok {
			comps[strings.TrimSpace(name)] = cl
		}
	}

	root := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(lvl).With().Timestamp().Logger()
	s.state.Store(&sinkState{root: root, comps: comps})

	prev := s.file
	s.file = file
	if prev != nil {
		_ = prev.Close()
	}
	return openErr
}

// Close releases the log file. Later writes go to the console only.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	cur := s.snapshot()
	root := zerolog.New(consoleWriter(s.stdout)).Level(cur.root.GetLevel()).With().Timestamp().Logger()
	s.state.Store(&sinkState{root: root, comps: cur.comps})
	f := s.file
	s.file = nil
	return f.Close()
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("log dir %q: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("log file %q: %w", path, err)
	}
	return f, nil
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: timeFormat,
		// caller is already short (file:line); skip the default path trimming.
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}

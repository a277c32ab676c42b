package logx

import (
	"io"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// ParseLevel accepts trace, debug, info, warn/warning and error in any case.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, true
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	}
	return LevelInfo, false
}

// sinkState is one immutable generation of outputs. Service.Apply swaps it
// wholesale so derived loggers pick up new levels without being rebuilt.
type sinkState struct {
	root  zerolog.Logger
	comps map[string]Level
}

func (s *sinkState) forComponent(comp string) zerolog.Logger {
	if comp != "" {
		if lvl, ok := s.comps[comp]; ok {
			return s.root.Level(lvl)
		}
	}
	return s.root
}

type source interface {
	snapshot() *sinkState
}

type fixedSource struct{ st *sinkState }

func (f fixedSource) snapshot() *sinkState { return f.st }

var nopState = &sinkState{root: zerolog.Nop()}

// Logger is a value type; copies are cheap and share their source.
// The zero Logger discards everything.
type Logger struct {
	src    source
	comp   string
	fields []Field
}

func Nop() Logger { return Logger{src: fixedSource{nopState}} }

// NewWriter logs JSON lines to w with no Service behind it.
func NewWriter(w io.Writer, level string) Logger {
	lvl, ok := ParseLevel(level)
	if !ok {
		lvl = LevelDebug
	}
	zl := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return Logger{src: fixedSource{&sinkState{root: zl}}}
}

func (l Logger) IsZero() bool { return l.src == nil && l.comp == "" && len(l.fields) == 0 }

func (l Logger) zl() zerolog.Logger {
	if l.src == nil {
		return nopState.root
	}
	return l.src.snapshot().forComponent(l.comp)
}

// Named tags the logger with comp=name. A logging.components entry for
// name overrides the global level for everything logged through it.
func (l Logger) Named(name string) Logger {
	cp := l.With(String("comp", name))
	cp.comp = name
	return cp
}

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := l
	cp.fields = append(append([]Field(nil), l.fields...), fields...)
	return cp
}

func (l Logger) Enabled(level Level) bool {
	zl := l.zl()
	return level >= zl.GetLevel()
}

func (l Logger) Debug(msg string, fields ...Field) { l.emit(LevelDebug, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(LevelInfo, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(LevelWarn, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(LevelError, msg, fields) }

func (l Logger) emit(level Level, msg string, fields []Field) {
	zl := l.zl()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	// 0 caller, 1 emit, 2 Info/Warn/..., 3 call site.
	if c := caller(3); c != "" {
		e.Str(zerolog.CallerFieldName, c)
	}
	apply(e, l.fields)
	apply(e, fields)
	e.Msg(msg)
}

func apply(e *zerolog.Event, fields []Field) {
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}
}

func caller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok || file == "" {
		return ""
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}

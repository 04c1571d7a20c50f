package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

const timeFormat = "2006-01-02 15:04:05"

var current atomic.Pointer[zerolog.Logger]

// logFile is the file opened by Configure, closed when the output changes.
var (
	fileMu  sync.Mutex
	logFile *os.File
)

func init() {
	l := build(os.Stdout, "text", LevelInfo)
	current.Store(&l)
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ParseLevel maps a case-insensitive level name to a Level.
// Unknown names fall back to LevelInfo.
func ParseLevel(level string) Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return LevelDebug
	case "WARN":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func build(w io.Writer, format string, level Level) zerolog.Logger {
	if format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat, NoColor: true}
	}
	return zerolog.New(w).Level(level.zerolog()).With().Timestamp().Logger()
}

// SetLevel changes the minimum level of the process logger, keeping its
// current output and format.
func SetLevel(level string) {
	l := current.Load().Level(ParseLevel(level).zerolog())
	current.Store(&l)
}

// Configure replaces the process logger.
//
// format is "text" (human readable) or "json". output is "stdout", "stderr"
// or a file path, which is opened in append mode.
func Configure(level, format, output string) error {
	switch output {
	case "", "stdout":
		setOutput(os.Stdout, nil, format, level)
	case "stderr":
		setOutput(os.Stderr, nil, format, level)
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log output %s: %w", output, err)
		}
		setOutput(f, f, format, level)
	}
	return nil
}

// SetOutput replaces the process logger with one writing to w.
func SetOutput(w io.Writer, format, level string) {
	setOutput(w, nil, format, level)
}

// setOutput installs a logger writing to w. file is the file owned by the
// logger, if any; the previously owned file is closed after the swap.
func setOutput(w io.Writer, file *os.File, format, level string) {
	l := build(w, format, ParseLevel(level))

	fileMu.Lock()
	defer fileMu.Unlock()

	current.Store(&l)
	if logFile != nil && logFile != file {
		_ = logFile.Close()
	}
	logFile = file
}

func log(level zerolog.Level, name string, format string, v ...any) {
	l := current.Load()
	ev := l.WithLevel(level)
	if ev == nil {
		return
	}
	if name != "" {
		ev = ev.Str("logger", name)
	}
	ev.Msgf(format, v...)
}

func Debug(format string, v ...any) {
	log(zerolog.DebugLevel, "", format, v...)
}

func Info(format string, v ...any) {
	log(zerolog.InfoLevel, "", format, v...)
}

func Warn(format string, v ...any) {
	log(zerolog.WarnLevel, "", format, v...)
}

func Error(format string, v ...any) {
	log(zerolog.ErrorLevel, "", format, v...)
}

// Scoped tags every line with a logger name, e.g. "calculator/18812".
type Scoped struct {
	name string
}

// Named returns a logger that tags its lines with name. It always writes
// through the current process logger, so later Configure calls apply.
func Named(name string) *Scoped {
	return &Scoped{name: name}
}

func (s *Scoped) Name() string { return s.name }

func (s *Scoped) Debug(format string, v ...any) {
	log(zerolog.DebugLevel, s.name, format, v...)
}

func (s *Scoped) Info(format string, v ...any) {
	log(zerolog.InfoLevel, s.name, format, v...)
}

func (s *Scoped) Warn(format string, v ...any) {
	log(zerolog.WarnLevel, s.name, format, v...)
}

func (s *Scoped) Error(format string, v ...any) {
	log(zerolog.ErrorLevel, s.name, format, v...)
}

package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings shared by the daemon log and server output files.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Output formats accepted by Setup.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config controls the supervisor's own log output.
type Config struct {
	Level  string     `mapstructure:"level" validate:"omitempty,oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Format string     `mapstructure:"format" validate:"omitempty,oneof=text json"`
	Color  *bool      `mapstructure:"color"`
	File   FileConfig `mapstructure:",squash"`
}

// FileConfig describes file destinations with lumberjack rotation.
//
// Path is the daemon log file. For supervised servers, Dir/<name>.stdout.log
// and Dir/<name>.stderr.log are used unless StdoutPath/StderrPath are set.
type FileConfig struct {
	Path       string `mapstructure:"file"`
	Dir        string `mapstructure:"dir"`
	StdoutPath string `mapstructure:"stdout"`
	StderrPath string `mapstructure:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
	Compress   bool   `mapstructure:"compress"`
}

// ParseLevel maps a level name to slog.Level. Unknown names yield info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a logger writing to w according to c.
func New(c Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	if strings.EqualFold(c.Format, FormatJSON) {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	if useColor(c, w) {
		return slog.New(NewColorTextHandler(w, opts, true))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Setup installs the configured logger as the slog default. When a log file
// is configured the returned closer must be closed on exit.
func Setup(c Config) (*slog.Logger, io.Closer, error) {
	var (
		w      io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if c.File.Path != "" {
		if err := os.MkdirAll(filepath.Dir(c.File.Path), 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		fw := c.File.rotating(c.File.Path)
		w, closer = fw, fw
	}
	l := New(c, w)
	slog.SetDefault(l)
	return l, closer, nil
}

// ProcessWriters returns rotating writers for a supervised server's stdout
// and stderr. A nil writer means that stream is not captured.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	return c.File.ProcessWriters(name)
}

// ProcessPaths resolves the stdout and stderr file paths for a server and
// creates Dir when set. An empty path means that stream is not captured.
func (f FileConfig) ProcessPaths(name string) (string, string, error) {
	stdout, stderr := f.StdoutPath, f.StderrPath
	if f.Dir != "" {
		if err := os.MkdirAll(f.Dir, 0o750); err != nil {
			return "", "", fmt.Errorf("create log dir: %w", err)
		}
		if stdout == "" {
			stdout = filepath.Join(f.Dir, name+".stdout.log")
		}
		if stderr == "" {
			stderr = filepath.Join(f.Dir, name+".stderr.log")
		}
	}
	return stdout, stderr, nil
}

// ProcessWriters returns rotating writers for the given server name.
func (f FileConfig) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout, stderr, err := f.ProcessPaths(name)
	if err != nil {
		return nil, nil, err
	}
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = f.rotating(stdout)
	}
	if stderr != "" {
		errW = f.rotating(stderr)
	}
	return outW, errW, nil
}

// Enabled reports whether any server output capture is configured.
func (f FileConfig) Enabled() bool {
	return f.Dir != "" || f.StdoutPath != "" || f.StderrPath != ""
}

func (f FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

func useColor(c Config, w io.Writer) bool {
	if c.Color != nil {
		return *c.Color
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

//go:build prod

package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup writes logs to a rotating file under cfg.Dir, mirrored to stderr
// when cfg.Console is set. Several drivers launched from different processes
// share the same file, so every record carries the pid.
func Setup(cfg *Config) (*slog.Logger, func() error, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	dir := cfg.Dir
	if dir == "" {
		dir = DefaultLogDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	name := cfg.FileName
	if name == "" {
		name = "ucdriver.log"
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(dir, name),
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}

	var out io.Writer = rotator
	if cfg.Console {
		out = io.MultiWriter(rotator, os.Stderr)
	}

	logger := slog.New(newHandler(out, cfg)).With("pid", os.Getpid())
	setGlobal(logger)

	return logger, rotator.Close, nil
}

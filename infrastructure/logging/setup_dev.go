//go:build !prod

package logging

import (
	"log/slog"
	"os"
)

// Setup writes logs to stderr, or to cfg.Output when set, so stdout stays
// free for command output. The close function is a no-op.
func Setup(cfg *Config) (*slog.Logger, func() error, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	logger := slog.New(newHandler(out, cfg)).With("pid", os.Getpid())
	setGlobal(logger)

	return logger, func() error { return nil }, nil
}

// Package dprocess starts browser processes that outlive their parent.
package dprocess

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Registry tracks detached processes so they can be terminated on shutdown.
type Registry struct {
	mu     sync.Mutex
	pids   map[int]struct{}
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		pids:   make(map[int]struct{}),
		logger: logger.With("component", "dprocess"),
	}
}

var defaultRegistry = NewRegistry(nil)

// Default returns the process wide registry.
func Default() *Registry {
	return defaultRegistry
}

// StartDetached starts executable in its own session with stdio detached and
// returns its pid. The process is registered for Cleanup.
func (r *Registry) StartDetached(executable string, args ...string) (int, error) {
	cmd := exec.Command(executable, args...)
	cmd.SysProcAttr = detachedAttr()

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start %s: %w", executable, err)
	}
	pid := cmd.Process.Pid

	r.mu.Lock()
	r.pids[pid] = struct{}{}
	r.mu.Unlock()

	// reap in the background so the child never lingers as a zombie
	go func() {
		_ = cmd.Wait()
		r.mu.Lock()
		delete(r.pids, pid)
		r.mu.Unlock()
		r.logger.Debug("Detached process exited", "pid", pid)
	}()

	r.logger.Debug("Started detached process", "pid", pid, "executable", executable)
	return pid, nil
}

// StartAttached starts executable tied to ctx. Its output is drained into
// the debug log.
func (r *Registry) StartAttached(ctx context.Context, executable string, args ...string) (*exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, executable, args...)
	cmd.SysProcAttr = attachedAttr()
	cmd.Stdout = outputWriter{logger: r.logger, stream: "stdout", executable: executable}
	cmd.Stderr = outputWriter{logger: r.logger, stream: "stderr", executable: executable}
	// Grandchildren may inherit the output pipes; don't let them hold Wait.
	cmd.WaitDelay = time.Second
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", executable, err)
	}
	r.logger.Debug("Started attached process", "pid", cmd.Process.Pid, "executable", executable)
	return cmd, nil
}

type outputWriter struct {
	logger     *slog.Logger
	stream     string
	executable string
}

func (w outputWriter) Write(p []byte) (int, error) {
	if !w.logger.Enabled(context.Background(), slog.LevelDebug) {
		return len(p), nil
	}
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line != "" {
			w.logger.Debug("Process output", "executable", w.executable, "stream", w.stream, "line", line)
		}
	}
	return len(p), nil
}

// Pids returns the registered pids.
func (r *Registry) Pids() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	pids := make([]int, 0, len(r.pids))
	for pid := range r.pids {
		pids = append(pids, pid)
	}
	return pids
}

// Kill terminates a single process and forgets it.
func (r *Registry) Kill(pid int) error {
	r.mu.Lock()
	delete(r.pids, pid)
	r.mu.Unlock()
	return terminate(pid)
}

// Cleanup terminates every registered process. Errors are ignored.
func (r *Registry) Cleanup() {
	r.mu.Lock()
	pids := make([]int, 0, len(r.pids))
	for pid := range r.pids {
		pids = append(pids, pid)
	}
	r.pids = make(map[int]struct{})
	r.mu.Unlock()

	for _, pid := range pids {
		r.logger.Debug("Cleaning up pid", "pid", pid)
		_ = terminate(pid)
	}
}

// StartDetached starts a detached process on the default registry.
func StartDetached(executable string, args ...string) (int, error) {
	return defaultRegistry.StartDetached(executable, args...)
}

// Cleanup terminates every process on the default registry.
func Cleanup() {
	defaultRegistry.Cleanup()
}

// Kill terminates pid. It is not required to be registered.
func Kill(pid int) error {
	return defaultRegistry.Kill(pid)
}

// FreePort returns a TCP port that is free on 127.0.0.1.
func FreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to find free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

package undetected

import (
	"context"

	"ucdriver-go/infrastructure/dprocess"
)

// Launcher starts and terminates the browser process.
type Launcher interface {
	// Launch starts executable and returns its pid. When detached is true the
	// process survives its parent.
	Launch(executable string, args []string, detached bool) (int, error)
	// Terminate asks the process to exit.
	Terminate(pid int) error
}

type processLauncher struct {
	registry *dprocess.Registry
}

// NewProcessLauncher returns a Launcher backed by registry.
func NewProcessLauncher(registry *dprocess.Registry) Launcher {
	if registry == nil {
		registry = dprocess.Default()
	}
	return &processLauncher{registry: registry}
}

func (l *processLauncher) Launch(executable string, args []string, detached bool) (int, error) {
	if detached {
		return l.registry.StartDetached(executable, args...)
	}
	cmd, err := l.registry.StartAttached(context.Background(), executable, args...)
	if err != nil {
		return 0, err
	}
	go func() { _ = cmd.Wait() }()
	return cmd.Process.Pid, nil
}

func (l *processLauncher) Terminate(pid int) error {
	return l.registry.Kill(pid)
}

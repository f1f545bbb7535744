package patcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// LockFileName is the inter-process lock guarding driver downloads and patches.
const LockFileName = "driver_fixing.lock"

var errLockTimeout = errors.New("timed out waiting for the driver lock")

func (p *Patcher) lock(ctx context.Context) (func(), error) {
	return p.acquire(ctx, false)
}

// SharedLock holds the driver lock in shared mode, so the binary is not
// replaced by another process while it is being launched. Auto takes the
// lock exclusively.
func (p *Patcher) SharedLock(ctx context.Context) (func(), error) {
	return p.acquire(ctx, true)
}

func (p *Patcher) acquire(ctx context.Context, shared bool) (func(), error) {
	fl := flock.New(filepath.Join(p.dataPath, LockFileName))

	if p.lockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.lockTimeout)
		defer cancel()
	}

	try := fl.TryLockContext
	if shared {
		try = fl.TryRLockContext
	}
	locked, err := try(ctx, 50*time.Millisecond)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errLockTimeout
		}
		return nil, fmt.Errorf("failed to acquire driver lock: %w", err)
	}
	if !locked {
		return nil, errLockTimeout
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			p.logger.Debug("Failed to release driver lock", "error", err)
		}
	}, nil
}

package install

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/slateos/slate/internal/executor"
	"github.com/slateos/slate/internal/logging"
)

// MountTracker records every mount made during a run so they can be
// unwound in reverse order, on success and on failure alike.
type MountTracker struct {
	exec   runner
	logger *slog.Logger

	mu     sync.Mutex
	active []string
}

func NewMountTracker(exec runner, logger *slog.Logger) *MountTracker {
	return &MountTracker{
		exec:   exec,
		logger: logging.Ensure(logger).With("component", "mounts"),
	}
}

// Mount mounts device at mountpoint and records it on success.
func (t *MountTracker) Mount(ctx context.Context, device, mountpoint string, options ...string) error {
	args := []string{}
	if len(options) > 0 {
		args = append(args, "-o", strings.Join(options, ","))
	}
	args = append(args, device, mountpoint)

	_, err := t.exec.Execute(ctx,
		executor.Command("mount", args...),
		fmt.Sprintf("mount %s at %s", device, mountpoint))
	if err != nil {
		return fmt.Errorf("mount %s at %s: %w", device, mountpoint, err)
	}
	t.record(mountpoint)
	return nil
}

// Bind bind-mounts a live-host directory into the target tree.
func (t *MountTracker) Bind(ctx context.Context, source, mountpoint string) error {
	_, err := t.exec.Execute(ctx,
		executor.Command("mount", "--bind", source, mountpoint),
		fmt.Sprintf("bind %s into %s", source, mountpoint))
	if err != nil {
		return fmt.Errorf("bind %s into %s: %w", source, mountpoint, err)
	}
	t.record(mountpoint)
	return nil
}

func (t *MountTracker) record(mountpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = append(t.active, mountpoint)
}

// Active returns the currently tracked mountpoints in mount order.
func (t *MountTracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.active))
	copy(out, t.active)
	return out
}

// UnmountAll unwinds every tracked mount in reverse order. A failed unmount
// does not stop the pass; all failures are joined into the returned error.
// Successfully unmounted entries are dropped from the tracker either way.
func (t *MountTracker) UnmountAll(ctx context.Context) error {
	t.mu.Lock()
	pending := t.active
	t.active = nil
	t.mu.Unlock()

	var errs []error
	for i := len(pending) - 1; i >= 0; i-- {
		mountpoint := pending[i]
		_, err := t.exec.Execute(ctx,
			executor.Command("umount", mountpoint),
			fmt.Sprintf("unmount %s", mountpoint))
		if err != nil {
			t.logger.Warn("unmount failed", "mountpoint", mountpoint, "error", err)
			errs = append(errs, fmt.Errorf("unmount %s: %w", mountpoint, err))
			t.record(mountpoint)
		}
	}
	return errors.Join(errs...)
}

// Package install drives the phased installation: preparing the host,
// partitioning the target drive, copying the system, and configuring boot
// and first-boot settings. Phases run strictly in order and the run halts at
// the first failure.
package install

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/slateos/slate/internal/addons"
	"github.com/slateos/slate/internal/config"
	"github.com/slateos/slate/internal/drives"
	"github.com/slateos/slate/internal/executor"
	"github.com/slateos/slate/internal/firmware"
	"github.com/slateos/slate/internal/logging"
	"github.com/slateos/slate/internal/media"
	"github.com/slateos/slate/internal/network"
)

// runner is the executor surface the phases need.
type runner interface {
	Execute(ctx context.Context, spec executor.Spec, description string) (executor.Result, error)
	Query(ctx context.Context, spec executor.Spec, description string) (executor.Result, error)
	Mode() executor.Mode
}

// Context carries everything a phase needs for one run. It is built once
// before the orchestrator starts and passed explicitly; nothing here lives
// in package state.
type Context struct {
	Exec     runner
	Config   *config.InstallationConfig
	Drive    drives.DriveDescriptor
	Source   media.Source
	Logger   *slog.Logger
	Events   Observer
	Mounts   *MountTracker
	Firmware *firmware.Reconciler
	Addons   *addons.Runner

	// KeepEntry decides the fate of pre-existing boot entries on other
	// drives; nil keeps them all.
	KeepEntry firmware.KeepDecision

	// TargetRoot is where the root partition is mounted during the install.
	TargetRoot string
	// RunDir hosts the transient source and ISO mountpoints.
	RunDir string
	// AddonDir holds the post-install scripts.
	AddonDir string
	// EFIMarker existing on the live host means the firmware is EFI.
	EFIMarker string

	// LookPath resolves required tools; defaults to exec.LookPath.
	LookPath func(string) (string, error)

	// ValidateInterface confirms a statically configured interface exists
	// on the live host; defaults to netlink-backed discovery.
	ValidateInterface func(name string) error
}

// NewContext builds a run context with production paths and defaults.
func NewContext(exec runner, cfg *config.InstallationConfig, drive drives.DriveDescriptor, logger *slog.Logger) *Context {
	logger = logging.Ensure(logger).With("component", "install")
	discovery := network.NewDiscovery(logger)
	return &Context{
		Exec:       exec,
		Config:     cfg,
		Drive:      drive,
		Logger:     logger,
		Events:     nopObserver{},
		Mounts:     NewMountTracker(exec, logger),
		Firmware:   firmware.NewReconciler(exec, logger),
		Addons:     addons.NewRunner(exec, logger),
		TargetRoot: "/mnt/slate",
		RunDir:     "/run/slate",
		AddonDir:   "/etc/slate/addons.d",
		EFIMarker:  "/sys/firmware/efi",

		ValidateInterface: discovery.ValidateInterface,
	}
}

// ESP returns the device path of the EFI system partition on the target.
func (rc *Context) ESP() string {
	return partitionPath(rc.Drive.Path, 1)
}

// RootPartition returns the device path of the root partition on the target.
func (rc *Context) RootPartition() string {
	return partitionPath(rc.Drive.Path, 2)
}

// partitionPath derives a partition device path. Drives whose name ends in a
// digit (nvme0n1, mmcblk0) take a "p" separator.
func partitionPath(drive string, n int) string {
	if drive == "" {
		return ""
	}
	last := drive[len(drive)-1]
	if last >= '0' && last <= '9' {
		return fmt.Sprintf("%sp%d", drive, n)
	}
	return fmt.Sprintf("%s%d", drive, n)
}

func (rc *Context) simulated() bool {
	return rc.Exec.Mode() == executor.ModeSimulate
}

// WriteFile writes into the target tree, or records the intent when
// simulating. Direct file writes bypass the executor, so they carry their
// own simulate gate.
func (rc *Context) WriteFile(path string, data []byte, perm os.FileMode) error {
	if rc.simulated() {
		rc.Logger.Info("would write file", "path", path, "bytes", len(data), "perm", perm.String())
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// MkdirAll creates a directory in the target tree under the same simulate
// gate as WriteFile.
func (rc *Context) MkdirAll(path string) error {
	if rc.simulated() {
		rc.Logger.Debug("would create directory", "path", path)
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	return nil
}

func (rc *Context) lookPath(tool string) (string, error) {
	if rc.LookPath != nil {
		return rc.LookPath(tool)
	}
	return exec.LookPath(tool)
}

func (rc *Context) progress(phase PhaseID, percent int, message string) {
	if rc.Events != nil {
		rc.Events.Progress(phase, percent, message)
	}
}

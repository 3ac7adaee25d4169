// Package drives enumerates install-eligible storage devices and classifies
// Windows presence so the orchestrator never targets a disk the user did not
// explicitly sacrifice.
package drives

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/slateos/slate/internal/executor"
	"github.com/slateos/slate/internal/logging"
)

// WindowsPresence is the detector's verdict for one drive.
type WindowsPresence int

const (
	// WindowsNone means no signal in the evidence chain fired.
	WindowsNone WindowsPresence = iota
	// WindowsSuspected means a sufficient but unconfirmed signal fired,
	// such as an NTFS-typed partition.
	WindowsSuspected
	// WindowsConfirmed means canonical Windows artifacts were observed.
	WindowsConfirmed
)

func (p WindowsPresence) String() string {
	switch p {
	case WindowsSuspected:
		return "suspected"
	case WindowsConfirmed:
		return "confirmed"
	default:
		return "none"
	}
}

// DriveDescriptor describes one whole-disk block device. Built once per run
// by enumeration and immutable afterwards.
type DriveDescriptor struct {
	Path            string
	SizeBytes       int64
	Model           string
	Removable       bool
	WindowsPresence WindowsPresence
	// Evidence explains the verdict, in the order signals fired.
	Evidence []string
}

func (d DriveDescriptor) String() string {
	size := float64(d.SizeBytes) / (1000 * 1000 * 1000)
	if d.Model != "" {
		return fmt.Sprintf("%s (%.0fGB - %s)", d.Path, size, d.Model)
	}
	return fmt.Sprintf("%s (%.0fGB)", d.Path, size)
}

// runner is the slice of the executor the detector needs. Detector commands
// go through Query and keep working under simulate mode; the mode is
// consulted so that probe mounts, which touch the mount table, are only
// issued on live runs.
type runner interface {
	Query(ctx context.Context, spec executor.Spec, description string) (executor.Result, error)
	Mode() executor.Mode
}

// Detector discovers drives through sysfs and classifies them with
// read-only probes issued through the executor.
type Detector struct {
	Runner runner
	Logger *slog.Logger

	// SysfsRoot is /sys in production; tests point it at a fixture tree.
	SysfsRoot string
	// DevRoot is /dev in production.
	DevRoot string
	// ProbeDir hosts the temporary read-only mountpoints.
	ProbeDir string
}

// NewDetector constructs a detector with production paths.
func NewDetector(run runner, logger *slog.Logger) *Detector {
	return &Detector{
		Runner:    run,
		Logger:    logging.Ensure(logger).With("component", "drives"),
		SysfsRoot: "/sys",
		DevRoot:   "/dev",
		ProbeDir:  "/run/slate",
	}
}

// Ignored whole-disk device name prefixes: virtual, optical and stacked
// devices are never installation targets.
var ignoredPrefixes = []string{"loop", "ram", "zram", "sr", "fd", "dm-", "md", "nbd"}

// Enumerate returns the internal, non-removable, whole-disk block devices.
// Removable and external media are excluded unconditionally and never
// offered as install targets, regardless of flags.
func (d *Detector) Enumerate(ctx context.Context) ([]DriveDescriptor, error) {
	blockDir := filepath.Join(d.SysfsRoot, "block")
	entries, err := os.ReadDir(blockDir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", blockDir, err)
	}

	var result []DriveDescriptor
	for _, entry := range entries {
		name := entry.Name()
		if isIgnoredDevice(name) {
			continue
		}

		sysPath := filepath.Join(blockDir, name)
		if readSysfsValue(filepath.Join(sysPath, "removable")) == "1" {
			d.Logger.Debug("skipping removable device", "device", name)
			continue
		}

		sizeSectors, err := strconv.ParseInt(readSysfsValue(filepath.Join(sysPath, "size")), 10, 64)
		if err != nil || sizeSectors == 0 {
			continue
		}

		drive := DriveDescriptor{
			Path:      filepath.Join(d.DevRoot, name),
			SizeBytes: sizeSectors * 512,
			Model:     strings.ReplaceAll(readSysfsValue(filepath.Join(sysPath, "device", "model")), "\x00", ""),
		}
		presence, evidence := d.classify(ctx, drive.Path)
		drive.WindowsPresence = presence
		drive.Evidence = evidence
		result = append(result, drive)

		d.Logger.Info("found drive",
			"path", drive.Path,
			"size_bytes", drive.SizeBytes,
			"model", drive.Model,
			"windows", presence.String(),
		)
	}
	return result, nil
}

func isIgnoredDevice(name string) bool {
	for _, prefix := range ignoredPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func readSysfsValue(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

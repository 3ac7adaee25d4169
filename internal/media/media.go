// Package media locates the system image the installer copies onto the
// target: either the squashfs of the running live medium or one inside a
// user-supplied ISO.
package media

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"

	"github.com/slateos/slate/internal/logging"
)

// Source describes a located system image and how to reach it.
type Source struct {
	// ISOPath is set when the image lives inside an ISO file that must be
	// loop-mounted first.
	ISOPath string
	// SquashfsPath is the system squashfs, relative to the ISO root when
	// ISOPath is set, absolute otherwise.
	SquashfsPath string
	// KernelPath and InitrdPath stage the boot files into the target.
	KernelPath string
	InitrdPath string
}

// MountStep is one mount in the chain exposing the squashfs content.
type MountStep struct {
	Device     string
	Mountpoint string
	Options    []string
}

// MountSteps returns the ordered mounts needed to expose the squashfs
// content under contentDir, using isoDir as the intermediate ISO mountpoint.
func (s Source) MountSteps(isoDir, contentDir string) []MountStep {
	if s.ISOPath == "" {
		return []MountStep{{
			Device:     s.SquashfsPath,
			Mountpoint: contentDir,
			Options:    []string{"loop", "ro"},
		}}
	}
	return []MountStep{
		{
			Device:     s.ISOPath,
			Mountpoint: isoDir,
			Options:    []string{"loop", "ro"},
		},
		{
			Device:     filepath.Join(isoDir, s.SquashfsPath),
			Mountpoint: contentDir,
			Options:    []string{"loop", "ro"},
		},
	}
}

// Standard live-medium squashfs locations, probed in order.
var liveSquashfsCandidates = []string{
	"/run/live/medium/live/filesystem.squashfs",
	"/run/initramfs/live/LiveOS/squashfs.img",
	"/run/archiso/bootmnt/arch/x86_64/airootfs.sfs",
	"/lib/live/mount/medium/live/filesystem.squashfs",
}

// Locator finds the installation source image.
type Locator struct {
	Logger *slog.Logger
	// Candidates overrides the standard live squashfs paths in tests.
	Candidates []string
}

func NewLocator(logger *slog.Logger) *Locator {
	return &Locator{
		Logger:     logging.Ensure(logger).With("component", "media"),
		Candidates: liveSquashfsCandidates,
	}
}

// Locate resolves the system image. An empty sourceArg scans the standard
// live-medium paths; a path ending in .iso is opened and inspected; any
// other path is taken as a squashfs file directly.
func (l *Locator) Locate(sourceArg string) (Source, error) {
	if sourceArg == "" {
		for _, candidate := range l.Candidates {
			if _, err := os.Stat(candidate); err == nil {
				l.Logger.Info("using live medium image", "squashfs", candidate)
				return Source{SquashfsPath: candidate}, nil
			}
		}
		return Source{}, fmt.Errorf("no live system image found under the standard paths; pass --source explicitly")
	}

	if strings.EqualFold(filepath.Ext(sourceArg), ".iso") {
		return l.inspectISO(sourceArg)
	}

	if _, err := os.Stat(sourceArg); err != nil {
		return Source{}, fmt.Errorf("source image %s: %w", sourceArg, err)
	}
	return Source{SquashfsPath: sourceArg}, nil
}

// inspectISO verifies that the ISO carries a system squashfs and boot files
// before anything is mounted, so a wrong image fails during Preparing rather
// than mid-copy.
func (l *Locator) inspectISO(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return Source{}, fmt.Errorf("open ISO %s: %w", path, err)
	}
	defer f.Close()

	img, err := iso9660.OpenImage(f)
	if err != nil {
		return Source{}, fmt.Errorf("read ISO %s: %w", path, err)
	}
	root, err := img.RootDir()
	if err != nil {
		return Source{}, fmt.Errorf("read ISO root directory: %w", err)
	}

	source := Source{ISOPath: path}
	if err := walkISO(root, "", &source); err != nil {
		return Source{}, fmt.Errorf("walk ISO %s: %w", path, err)
	}
	if source.SquashfsPath == "" {
		return Source{}, fmt.Errorf("ISO %s contains no system squashfs", path)
	}
	if source.KernelPath == "" || source.InitrdPath == "" {
		return Source{}, fmt.Errorf("ISO %s is missing kernel or initrd", path)
	}
	l.Logger.Info("using ISO image",
		"iso", path,
		"squashfs", source.SquashfsPath,
		"kernel", source.KernelPath,
		"initrd", source.InitrdPath,
	)
	return source, nil
}

func walkISO(dir *iso9660.File, prefix string, source *Source) error {
	children, err := dir.GetChildren()
	if err != nil {
		return err
	}
	for _, child := range children {
		name := child.Name()
		rel := filepath.Join(prefix, name)
		if child.IsDir() {
			if err := walkISO(child, rel, source); err != nil {
				return err
			}
			continue
		}
		lower := strings.ToLower(name)
		switch {
		case strings.HasSuffix(lower, ".squashfs") || strings.HasSuffix(lower, ".sfs") || lower == "squashfs.img":
			source.SquashfsPath = rel
		case strings.HasPrefix(lower, "vmlinuz"):
			source.KernelPath = rel
		case strings.HasPrefix(lower, "initrd"):
			source.InitrdPath = rel
		}
	}
	return nil
}

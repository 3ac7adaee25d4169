package install

import (
	"context"
	"fmt"
	"os"

	"github.com/slateos/slate/internal/config"
	"github.com/slateos/slate/internal/executor"
)

// Tools every later phase shells out to. Checked up front so a missing
// binary fails the run before anything touches the drive.
var requiredTools = []string{
	"wipefs", "sgdisk", "partprobe",
	"mkfs.vfat", "rsync", "mkswap",
	"mount", "umount", "chroot", "efibootmgr",
}

// runPreparing verifies the live host can carry the install through: EFI
// firmware, the partitioning toolchain, a located source image, and a
// best-effort look at network reachability.
func runPreparing(ctx context.Context, rc *Context) error {
	if _, err := os.Stat(rc.EFIMarker); err != nil {
		return fmt.Errorf("EFI firmware required (missing %s): %w", rc.EFIMarker, err)
	}
	rc.progress(PhasePreparing, 20, "EFI firmware present")

	tools := append([]string{}, requiredTools...)
	tools = append(tools, mkfsTool(rc.Config.RootFilesystem))
	for _, tool := range tools {
		if _, err := rc.lookPath(tool); err != nil {
			return fmt.Errorf("required tool %q not found on the live system: %w", tool, err)
		}
	}
	rc.progress(PhasePreparing, 50, "partitioning tools available")

	if rc.Source.SquashfsPath == "" {
		return fmt.Errorf("no source image located before the run started")
	}

	// A static profile names an interface; a typo here would only surface
	// on the installed system's first boot, so check it now.
	if rc.Config.Network.Mode == config.NetworkStatic && rc.ValidateInterface != nil {
		if err := rc.ValidateInterface(rc.Config.Network.Interface); err != nil {
			return fmt.Errorf("static network interface: %w", err)
		}
	}

	// Reachability only affects later package operations, so a dead network
	// is a warning, not a failure.
	if _, err := rc.Exec.Query(ctx,
		executor.Command("ping", "-c", "1", "-W", "2", "deb.debian.org"),
		"check network reachability"); err != nil {
		rc.Logger.Warn("network unreachable, continuing offline", "error", err)
	}
	rc.progress(PhasePreparing, 100, "host ready")
	return nil
}

func mkfsTool(filesystem string) string {
	return "mkfs." + filesystem
}

package install

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/slateos/slate/internal/executor"
)

// runConfiguringBoot installs the bootloader into the target and reconciles
// the firmware boot entry list afterwards.
func runConfiguringBoot(ctx context.Context, rc *Context) error {
	for _, dir := range []string{"dev", "proc", "sys"} {
		if err := rc.Mounts.Bind(ctx, "/"+dir, filepath.Join(rc.TargetRoot, dir)); err != nil {
			return err
		}
	}
	if err := rc.Mounts.Mount(ctx, rc.ESP(), filepath.Join(rc.TargetRoot, "boot", "efi")); err != nil {
		return err
	}
	rc.progress(PhaseConfiguringBoot, 20, "target tree assembled")

	before, err := rc.Firmware.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot boot entries: %w", err)
	}

	if _, err := rc.Exec.Execute(ctx,
		executor.Command("chroot", rc.TargetRoot,
			"grub-install", "--target=x86_64-efi",
			"--efi-directory=/boot/efi", "--bootloader-id=slate"),
		"install the bootloader"); err != nil {
		return fmt.Errorf("install bootloader: %w", err)
	}
	if _, err := rc.Exec.Execute(ctx,
		executor.Command("chroot", rc.TargetRoot,
			"grub-mkconfig", "-o", "/boot/grub/grub.cfg"),
		"generate the boot configuration"); err != nil {
		return fmt.Errorf("generate boot configuration: %w", err)
	}
	rc.progress(PhaseConfiguringBoot, 60, "bootloader installed")

	after, err := rc.Firmware.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot boot entries: %w", err)
	}
	report, err := rc.Firmware.Reconcile(ctx, before, after, rc.Drive.Path, rc.KeepEntry)
	if err != nil {
		return fmt.Errorf("reconcile boot entries: %w", err)
	}
	rc.Logger.Info("boot entries reconciled",
		"new", len(report.New), "removed", len(report.Removed), "kept", len(report.Kept))
	rc.progress(PhaseConfiguringBoot, 80, "boot entries reconciled")

	if err := writeFstab(ctx, rc); err != nil {
		return err
	}
	rc.progress(PhaseConfiguringBoot, 100, "boot configured")
	return nil
}

// writeFstab renders /etc/fstab referencing partitions by UUID. Device
// paths are not stable across boots and never appear in the generated file.
func writeFstab(ctx context.Context, rc *Context) error {
	rootUUID, err := rc.filesystemUUID(ctx, rc.RootPartition())
	if err != nil {
		return fmt.Errorf("resolve root filesystem UUID: %w", err)
	}
	espUUID, err := rc.filesystemUUID(ctx, rc.ESP())
	if err != nil {
		return fmt.Errorf("resolve ESP UUID: %w", err)
	}
	content := renderFstab(rootUUID, espUUID, rc.Config.RootFilesystem)
	return rc.WriteFile(filepath.Join(rc.TargetRoot, "etc", "fstab"), []byte(content), 0o644)
}

func renderFstab(rootUUID, espUUID, rootFS string) string {
	var b strings.Builder
	b.WriteString("# generated by slate\n")
	fmt.Fprintf(&b, "UUID=%s\t/\t%s\tdefaults\t0 1\n", rootUUID, rootFS)
	fmt.Fprintf(&b, "UUID=%s\t/boot/efi\tvfat\tumask=0077\t0 2\n", espUUID)
	b.WriteString("/swapfile\tnone\tswap\tsw\t0 0\n")
	return b.String()
}

// filesystemUUID resolves a partition's filesystem UUID. Under simulate the
// partition was never created, so a probe failure yields a placeholder
// instead of failing the dry run.
func (rc *Context) filesystemUUID(ctx context.Context, device string) (string, error) {
	result, err := rc.Exec.Query(ctx,
		executor.Command("blkid", "-s", "UUID", "-o", "value", device),
		fmt.Sprintf("read filesystem UUID of %s", device))
	if err != nil || strings.TrimSpace(result.Output) == "" {
		if rc.simulated() {
			return "simulated-" + filepath.Base(device), nil
		}
		if err == nil {
			err = fmt.Errorf("no UUID reported for %s", device)
		}
		return "", err
	}
	return strings.TrimSpace(result.Output), nil
}

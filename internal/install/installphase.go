package install

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/slateos/slate/internal/executor"
)

// Pseudo-filesystem trees never copied into the target.
var copyExcludes = []string{"/proc", "/sys", "/dev", "/run", "/tmp"}

// Directories the copied tree must contain even though they are excluded
// from the copy or absent from the squashfs.
var essentialDirs = []string{"proc", "sys", "dev", "run", "tmp", "boot/efi"}

// runInstalling mounts the target and the source image, copies the system
// over, creates the swap file, and stages the boot files.
func runInstalling(ctx context.Context, rc *Context) error {
	if err := rc.MkdirAll(rc.TargetRoot); err != nil {
		return err
	}
	if err := rc.Mounts.Mount(ctx, rc.RootPartition(), rc.TargetRoot); err != nil {
		return err
	}
	rc.progress(PhaseInstalling, 10, "target mounted")

	isoDir := filepath.Join(rc.RunDir, "iso")
	sourceDir := filepath.Join(rc.RunDir, "source")
	for _, step := range rc.Source.MountSteps(isoDir, sourceDir) {
		if err := rc.MkdirAll(step.Mountpoint); err != nil {
			return err
		}
		if err := rc.Mounts.Mount(ctx, step.Device, step.Mountpoint, step.Options...); err != nil {
			return err
		}
	}
	rc.progress(PhaseInstalling, 20, "source image mounted")

	args := []string{"-aHAX", "--numeric-ids"}
	for _, exclude := range copyExcludes {
		args = append(args, "--exclude="+exclude)
	}
	args = append(args, sourceDir+"/", rc.TargetRoot+"/")
	if _, err := rc.Exec.Execute(ctx,
		executor.Command("rsync", args...),
		"copy the system image onto the target"); err != nil {
		return fmt.Errorf("copy system image: %w", err)
	}
	rc.progress(PhaseInstalling, 70, "system copied")

	for _, dir := range essentialDirs {
		if err := rc.MkdirAll(filepath.Join(rc.TargetRoot, dir)); err != nil {
			return err
		}
	}

	if err := createSwapFile(ctx, rc); err != nil {
		return err
	}
	rc.progress(PhaseInstalling, 90, "swap file created")

	if err := stageBootFiles(ctx, rc, isoDir); err != nil {
		return err
	}
	rc.progress(PhaseInstalling, 100, "system installed")
	return nil
}

func createSwapFile(ctx context.Context, rc *Context) error {
	size, err := resolveSwapBytes(rc.Config.SwapSize)
	if err != nil {
		return fmt.Errorf("resolve swap size: %w", err)
	}
	swapPath := filepath.Join(rc.TargetRoot, "swapfile")
	rc.Logger.Info("creating swap file", "path", swapPath, "bytes", size)

	steps := []struct {
		spec        executor.Spec
		description string
	}{
		{executor.Command("fallocate", "-l", strconv.FormatInt(size, 10), swapPath),
			fmt.Sprintf("allocate %d byte swap file", size)},
		{executor.Command("chmod", "600", swapPath),
			"restrict swap file permissions"},
		{executor.Command("mkswap", swapPath),
			"format the swap file"},
	}
	for _, step := range steps {
		if _, err := rc.Exec.Execute(ctx, step.spec, step.description); err != nil {
			return fmt.Errorf("%s: %w", step.description, err)
		}
	}
	return nil
}

// stageBootFiles copies the kernel and initrd out of an ISO source into the
// target's /boot. A live-medium source already carries them in the copied
// tree.
func stageBootFiles(ctx context.Context, rc *Context, isoDir string) error {
	if rc.Source.ISOPath == "" {
		return nil
	}
	files := map[string]string{
		filepath.Join(isoDir, rc.Source.KernelPath): filepath.Join(rc.TargetRoot, "boot", "vmlinuz"),
		filepath.Join(isoDir, rc.Source.InitrdPath): filepath.Join(rc.TargetRoot, "boot", "initrd.img"),
	}
	for src, dst := range files {
		if _, err := rc.Exec.Execute(ctx,
			executor.Command("cp", src, dst),
			fmt.Sprintf("stage %s into the target", filepath.Base(dst))); err != nil {
			return fmt.Errorf("stage boot file %s: %w", dst, err)
		}
	}
	return nil
}

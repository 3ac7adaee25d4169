package install

import (
	"context"
	"fmt"

	"github.com/slateos/slate/internal/executor"
)

// runPartitioning wipes the target drive and lays down a GPT with an EFI
// system partition and a root partition filling the rest. This is the first
// phase that mutates the host.
func runPartitioning(ctx context.Context, rc *Context) error {
	drive := rc.Drive.Path

	steps := []struct {
		spec        executor.Spec
		description string
		percent     int
	}{
		{executor.Command("wipefs", "-a", drive),
			fmt.Sprintf("erase filesystem signatures on %s", drive), 10},
		{executor.Command("sgdisk", "--zap-all", drive),
			fmt.Sprintf("destroy existing partition tables on %s", drive), 20},
		{executor.Command("sgdisk", "-n", "1:0:+512M", "-t", "1:ef00", "-c", "1:EFI", drive),
			"create EFI system partition", 35},
		{executor.Command("sgdisk", "-n", "2:0:0", "-t", "2:8300", "-c", "2:root", drive),
			"create root partition", 50},
		{executor.Command("partprobe", drive),
			"reread the partition table", 60},
		{executor.Command("mkfs.vfat", "-F", "32", rc.ESP()),
			fmt.Sprintf("format %s as FAT32", rc.ESP()), 75},
		{mkfsRootSpec(rc.Config.RootFilesystem, rc.RootPartition()),
			fmt.Sprintf("format %s as %s", rc.RootPartition(), rc.Config.RootFilesystem), 95},
	}

	for _, step := range steps {
		if _, err := rc.Exec.Execute(ctx, step.spec, step.description); err != nil {
			return fmt.Errorf("%s: %w", step.description, err)
		}
		rc.progress(PhasePartitioning, step.percent, step.description)
	}
	rc.progress(PhasePartitioning, 100, "partitioning complete")
	return nil
}

func mkfsRootSpec(filesystem, device string) executor.Spec {
	switch filesystem {
	case "btrfs":
		return executor.Command("mkfs.btrfs", "-f", device)
	case "xfs":
		return executor.Command("mkfs.xfs", "-f", device)
	default:
		return executor.Command("mkfs.ext4", "-F", device)
	}
}

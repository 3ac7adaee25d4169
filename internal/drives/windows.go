package drives

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/slateos/slate/internal/executor"
)

// espPartType is the GPT partition type GUID of an EFI System Partition.
const espPartType = "c12a7328-f81f-11d2-ba4b-00a0c93ec93b"

// Partition labels that strongly suggest a Windows installation.
var windowsLabels = map[string]bool{
	"windows":   true,
	"system":    true,
	"recovery":  true,
	"microsoft": true,
}

// Canonical filesystem artifacts of a Windows system volume.
var windowsArtifacts = []string{"Windows", "bootmgr", "System Volume Information"}

type partition struct {
	name     string
	fstype   string
	label    string
	partType string
}

// classify applies the ordered evidence chain to one drive. Each signal is
// independently sufficient; the chain stops as soon as the verdict reaches
// Confirmed. An NTFS-typed partition alone yields Suspected: that heuristic
// also flags non-Windows NTFS data volumes, a false-positive bias kept
// deliberately in favour of safety.
func (d *Detector) classify(ctx context.Context, drivePath string) (WindowsPresence, []string) {
	presence := WindowsNone
	var evidence []string

	// Signal 1: firmware boot entries. System-wide, so recorded as
	// informational evidence without pinning the verdict to this drive.
	if d.firmwareMentionsWindows(ctx) {
		evidence = append(evidence,
			"firmware boot entries reference a Windows Boot Manager (system-wide, not drive-specific)")
	}

	parts, err := d.partitions(ctx, drivePath)
	if err != nil {
		d.Logger.Warn("partition probe failed, relying on remaining signals",
			"drive", drivePath, "error", err)
	}

	// Signal 2: NTFS filesystem type, no mounting needed.
	var ntfsParts []partition
	for _, part := range parts {
		if strings.EqualFold(part.fstype, "ntfs") {
			ntfsParts = append(ntfsParts, part)
			presence = WindowsSuspected
			evidence = append(evidence,
				fmt.Sprintf("partition %s carries an NTFS filesystem", part.name))
		}
	}

	// Probe mounts alter the mount table, so they only happen on live
	// runs. Under simulate the verdict rests on the mount-free signals;
	// an unconfirmed NTFS partition already yields Suspected, which is
	// enough to keep the drive behind the safety gate.
	canProbe := d.Runner.Mode() == executor.ModeLive
	if !canProbe && len(ntfsParts) > 0 {
		d.Logger.Debug("skipping probe mounts under simulate", "drive", drivePath)
	}

	// Signal 3: read-only mount of each NTFS partition looking for
	// canonical artifacts. A mount failure never downgrades the
	// NTFS-based verdict.
	if canProbe {
		for _, part := range ntfsParts {
			artifact, found := d.probeMount(ctx, filepath.Join(d.DevRoot, part.name), "ntfs", findWindowsArtifact)
			if found {
				presence = WindowsConfirmed
				evidence = append(evidence,
					fmt.Sprintf("partition %s contains %q", part.name, artifact))
				return presence, evidence
			}
		}
	}

	// Signal 4: partition label match.
	for _, part := range parts {
		if windowsLabels[strings.ToLower(part.label)] {
			if presence < WindowsSuspected {
				presence = WindowsSuspected
			}
			evidence = append(evidence,
				fmt.Sprintf("partition %s is labelled %q", part.name, part.label))
		}
	}

	// Signal 5: Microsoft boot files on the EFI System Partition. Also a
	// probe mount, so live runs only.
	if canProbe {
		for _, part := range parts {
			if !strings.EqualFold(part.partType, espPartType) {
				continue
			}
			artifact, found := d.probeMount(ctx, filepath.Join(d.DevRoot, part.name), "ESP", findMicrosoftBootFiles)
			if found {
				presence = WindowsConfirmed
				evidence = append(evidence,
					fmt.Sprintf("EFI System Partition %s contains %q", part.name, artifact))
				return presence, evidence
			}
		}
	}

	return presence, evidence
}

func (d *Detector) firmwareMentionsWindows(ctx context.Context) bool {
	result, err := d.Runner.Query(ctx,
		executor.Command("efibootmgr"),
		"scan firmware boot entries for Windows signatures")
	if err != nil {
		return false
	}
	out := strings.ToLower(result.Output)
	return strings.Contains(out, "windows boot manager") || strings.Contains(out, "microsoft")
}

// partitions lists the partitions of a drive without mounting anything.
func (d *Detector) partitions(ctx context.Context, drivePath string) ([]partition, error) {
	result, err := d.Runner.Query(ctx,
		executor.Command("lsblk", "-Pno", "NAME,FSTYPE,LABEL,PARTTYPE", drivePath),
		fmt.Sprintf("probe partition table of %s", drivePath))
	if err != nil {
		return nil, err
	}
	return parsePartitions(result.Output, filepath.Base(drivePath)), nil
}

func parsePartitions(output, driveName string) []partition {
	var parts []partition
	for _, line := range strings.Split(output, "\n") {
		fields := parsePairs(line)
		name := fields["NAME"]
		if name == "" || name == driveName {
			continue
		}
		parts = append(parts, partition{
			name:     name,
			fstype:   fields["FSTYPE"],
			label:    fields["LABEL"],
			partType: fields["PARTTYPE"],
		})
	}
	return parts
}

// parsePairs parses one line of lsblk -P output: KEY="value" pairs.
func parsePairs(line string) map[string]string {
	fields := map[string]string{}
	for len(line) > 0 {
		line = strings.TrimLeft(line, " \t")
		eq := strings.Index(line, "=\"")
		if eq < 0 {
			break
		}
		key := line[:eq]
		rest := line[eq+2:]
		end := strings.Index(rest, "\"")
		if end < 0 {
			break
		}
		fields[key] = rest[:end]
		line = rest[end+1:]
	}
	return fields
}

// probeMount mounts a partition read-only under a collision-resistant
// temporary mountpoint, runs the check, and tears the mount down on every
// exit path. A failed mount is reported as nothing-found, never as an error.
func (d *Detector) probeMount(ctx context.Context, device, kind string, check func(mountpoint string) (string, bool)) (string, bool) {
	mountpoint := filepath.Join(d.ProbeDir, "probe-"+uuid.NewString())
	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		d.Logger.Warn("cannot create probe mountpoint", "device", device, "error", err)
		return "", false
	}
	defer os.RemoveAll(mountpoint)

	_, err := d.Runner.Query(ctx,
		executor.Command("mount", "-o", "ro", device, mountpoint),
		fmt.Sprintf("mount %s partition %s read-only for inspection", kind, device))
	if err != nil {
		d.Logger.Debug("probe mount failed, verdict unchanged", "device", device, "error", err)
		return "", false
	}
	defer func() {
		if _, err := d.Runner.Query(ctx,
			executor.Command("umount", mountpoint),
			fmt.Sprintf("unmount inspection mount of %s", device)); err != nil {
			d.Logger.Warn("probe unmount failed", "device", device, "error", err)
		}
	}()

	return check(mountpoint)
}

func findWindowsArtifact(mountpoint string) (string, bool) {
	for _, artifact := range windowsArtifacts {
		if _, err := os.Stat(filepath.Join(mountpoint, artifact)); err == nil {
			return artifact, true
		}
	}
	return "", false
}

func findMicrosoftBootFiles(mountpoint string) (string, bool) {
	candidate := filepath.Join("EFI", "Microsoft", "Boot")
	if _, err := os.Stat(filepath.Join(mountpoint, candidate)); err == nil {
		return candidate, true
	}
	return "", false
}

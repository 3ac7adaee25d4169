package drives

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/slateos/slate/internal/executor"
)

// stubRunner answers probe queries from canned outputs keyed by the command
// name. Mount commands optionally plant artifact files at the mountpoint so
// the artifact checks have something to find.
type stubRunner struct {
	mode         executor.Mode
	outputs      map[string]string
	mountErr     error
	plantOnMount []string
	queries      []string
}

func (r *stubRunner) Mode() executor.Mode { return r.mode }

func (r *stubRunner) Query(_ context.Context, spec executor.Spec, _ string) (executor.Result, error) {
	r.queries = append(r.queries, spec.String())
	switch spec.Path {
	case "mount":
		if r.mountErr != nil {
			return executor.Result{ExitCode: 32}, r.mountErr
		}
		mountpoint := spec.Args[len(spec.Args)-1]
		for _, artifact := range r.plantOnMount {
			path := filepath.Join(mountpoint, artifact)
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return executor.Result{}, err
			}
			if err := os.WriteFile(path, nil, 0o644); err != nil {
				return executor.Result{}, err
			}
		}
		return executor.Result{}, nil
	case "umount":
		return executor.Result{}, nil
	default:
		return executor.Result{Output: r.outputs[spec.Path]}, nil
	}
}

func testDetector(t *testing.T, run runner) *Detector {
	t.Helper()
	return &Detector{
		Runner:    run,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		SysfsRoot: "/sys",
		DevRoot:   "/dev",
		ProbeDir:  t.TempDir(),
	}
}

func writeSysfsDrive(t *testing.T, root, name, removable, size, model string) {
	t.Helper()
	dir := filepath.Join(root, "block", name)
	if err := os.MkdirAll(filepath.Join(dir, "device"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "removable"), []byte(removable+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "size"), []byte(size+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if model != "" {
		if err := os.WriteFile(filepath.Join(dir, "device", "model"), []byte(model+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestEnumerateExcludesRemovableAndVirtualDevices(t *testing.T) {
	sysfs := t.TempDir()
	writeSysfsDrive(t, sysfs, "nvme0n1", "0", "1953525168", "Samsung SSD 980")
	writeSysfsDrive(t, sysfs, "sdb", "1", "60604416", "USB Flash")
	writeSysfsDrive(t, sysfs, "loop0", "0", "8388608", "")
	writeSysfsDrive(t, sysfs, "sr0", "0", "1331200", "DVD-RW")

	run := &stubRunner{outputs: map[string]string{
		"lsblk": `NAME="nvme0n1" FSTYPE="" LABEL="" PARTTYPE=""`,
	}}
	detector := testDetector(t, run)
	detector.SysfsRoot = sysfs

	found, err := detector.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("expected 1 drive, got %d: %+v", len(found), found)
	}
	drive := found[0]
	if drive.Path != "/dev/nvme0n1" {
		t.Fatalf("unexpected path %s", drive.Path)
	}
	if drive.SizeBytes != 1953525168*512 {
		t.Fatalf("unexpected size %d", drive.SizeBytes)
	}
	if drive.Model != "Samsung SSD 980" {
		t.Fatalf("unexpected model %q", drive.Model)
	}
}

func TestClassifyNTFSYieldsSuspectedWithoutMounting(t *testing.T) {
	run := &stubRunner{
		mode: executor.ModeLive,
		outputs: map[string]string{
			"lsblk": `NAME="sda1" FSTYPE="ntfs" LABEL="Data" PARTTYPE=""`,
		},
		mountErr: errors.New("mount refused"),
	}
	detector := testDetector(t, run)

	presence, evidence := detector.classify(context.Background(), "/dev/sda")
	if presence != WindowsSuspected {
		t.Fatalf("expected suspected, got %s", presence)
	}
	if len(evidence) == 0 || !strings.Contains(evidence[0], "NTFS") {
		t.Fatalf("expected NTFS evidence, got %v", evidence)
	}
}

func TestClassifyMountConfirmationUpgradesVerdict(t *testing.T) {
	run := &stubRunner{
		mode: executor.ModeLive,
		outputs: map[string]string{
			"lsblk": `NAME="sda1" FSTYPE="ntfs" LABEL="" PARTTYPE=""`,
		},
		plantOnMount: []string{"Windows/System32/kernel32.dll"},
	}
	detector := testDetector(t, run)

	presence, evidence := detector.classify(context.Background(), "/dev/sda")
	if presence != WindowsConfirmed {
		t.Fatalf("expected confirmed, got %s", presence)
	}
	var confirmed bool
	for _, ev := range evidence {
		if strings.Contains(ev, "Windows") && strings.Contains(ev, "sda1") {
			confirmed = true
		}
	}
	if !confirmed {
		t.Fatalf("expected artifact evidence, got %v", evidence)
	}
}

func TestClassifyMountFailureDoesNotDowngrade(t *testing.T) {
	run := &stubRunner{
		mode: executor.ModeLive,
		outputs: map[string]string{
			"lsblk": `NAME="sda1" FSTYPE="ntfs" LABEL="" PARTTYPE=""`,
		},
		mountErr: errors.New("dirty volume"),
	}
	detector := testDetector(t, run)

	presence, _ := detector.classify(context.Background(), "/dev/sda")
	if presence != WindowsSuspected {
		t.Fatalf("mount failure downgraded verdict to %s", presence)
	}
}

func TestClassifyLabelMatch(t *testing.T) {
	run := &stubRunner{outputs: map[string]string{
		"lsblk": `NAME="sda2" FSTYPE="ext4" LABEL="Recovery" PARTTYPE=""`,
	}}
	detector := testDetector(t, run)

	presence, evidence := detector.classify(context.Background(), "/dev/sda")
	if presence != WindowsSuspected {
		t.Fatalf("expected suspected from label, got %s", presence)
	}
	if len(evidence) == 0 || !strings.Contains(evidence[0], "Recovery") {
		t.Fatalf("expected label evidence, got %v", evidence)
	}
}

func TestClassifyESPProbeConfirms(t *testing.T) {
	run := &stubRunner{
		mode: executor.ModeLive,
		outputs: map[string]string{
			"lsblk": fmt.Sprintf(`NAME="sda1" FSTYPE="vfat" LABEL="" PARTTYPE=%q`, espPartType),
		},
		plantOnMount: []string{"EFI/Microsoft/Boot/bootmgfw.efi"},
	}
	detector := testDetector(t, run)

	presence, _ := detector.classify(context.Background(), "/dev/sda")
	if presence != WindowsConfirmed {
		t.Fatalf("expected confirmed from ESP probe, got %s", presence)
	}
}

func TestClassifyFirmwareSignalIsInformationalOnly(t *testing.T) {
	run := &stubRunner{outputs: map[string]string{
		"efibootmgr": "Boot0000* Windows Boot Manager HD(1,GPT,...)",
		"lsblk":      `NAME="sdb1" FSTYPE="ext4" LABEL="" PARTTYPE=""`,
	}}
	detector := testDetector(t, run)

	presence, evidence := detector.classify(context.Background(), "/dev/sdb")
	if presence != WindowsNone {
		t.Fatalf("system-wide firmware signal must not pin a drive, got %s", presence)
	}
	if len(evidence) != 1 || !strings.Contains(evidence[0], "firmware") {
		t.Fatalf("expected informational firmware evidence, got %v", evidence)
	}
}

// A simulate-mode run must leave the mount table alone: classification may
// not issue mount or umount commands, and the verdict settles on the
// mount-free signals.
func TestClassifySimulateModeNeverMounts(t *testing.T) {
	run := &stubRunner{
		mode: executor.ModeSimulate,
		outputs: map[string]string{
			"lsblk": `NAME="sda1" FSTYPE="ntfs" LABEL="" PARTTYPE=""`,
		},
		plantOnMount: []string{"Windows"},
	}
	detector := testDetector(t, run)

	presence, _ := detector.classify(context.Background(), "/dev/sda")
	if presence != WindowsSuspected {
		t.Fatalf("expected suspected from mount-free signals, got %s", presence)
	}
	for _, q := range run.queries {
		if strings.HasPrefix(q, "mount") || strings.HasPrefix(q, "umount") {
			t.Fatalf("simulate-mode classification touched the mount table: %v", run.queries)
		}
	}
}

func TestProbeMountAlwaysCleansUp(t *testing.T) {
	run := &stubRunner{mode: executor.ModeLive, plantOnMount: []string{"Windows"}}
	detector := testDetector(t, run)

	_, found := detector.probeMount(context.Background(), "/dev/sda1", "ntfs", findWindowsArtifact)
	if !found {
		t.Fatal("expected artifact to be found")
	}

	entries, err := os.ReadDir(detector.ProbeDir)
	if err != nil {
		t.Fatalf("read probe dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("probe mountpoint leaked: %v", entries)
	}
	var unmounted bool
	for _, q := range run.queries {
		if strings.HasPrefix(q, "umount") {
			unmounted = true
		}
	}
	if !unmounted {
		t.Fatal("probe mount never unmounted")
	}
}

func TestSelectTargetsNeverOffersWindowsDrivesWithoutOverride(t *testing.T) {
	sets := [][]DriveDescriptor{
		{
			{Path: "/dev/sda", WindowsPresence: WindowsConfirmed},
			{Path: "/dev/sdb", WindowsPresence: WindowsNone},
			{Path: "/dev/sdc", WindowsPresence: WindowsSuspected},
		},
		{
			{Path: "/dev/nvme0n1", WindowsPresence: WindowsNone},
		},
		{
			{Path: "/dev/sda", WindowsPresence: WindowsSuspected},
			{Path: "/dev/sdb", WindowsPresence: WindowsNone},
		},
	}
	for _, set := range sets {
		selected, err := SelectTargets(set, Flags{})
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		for _, drive := range selected {
			if drive.WindowsPresence != WindowsNone {
				t.Fatalf("windows drive %s offered without override", drive.Path)
			}
		}
	}
}

func TestSelectTargetsAllWindowsAborts(t *testing.T) {
	// Scenario: a single drive with confirmed Windows and no override.
	drives := []DriveDescriptor{
		{Path: "/dev/sda", WindowsPresence: WindowsConfirmed,
			Evidence: []string{"partition sda1 carries an NTFS filesystem"}},
	}

	_, err := SelectTargets(drives, Flags{})
	var abort *SafetyAbortError
	if !errors.As(err, &abort) {
		t.Fatalf("expected SafetyAbortError, got %v", err)
	}
	msg := abort.Error()
	if !strings.Contains(msg, "--show-windows") || !strings.Contains(msg, "--force") {
		t.Fatalf("abort message does not reference the override flags: %s", msg)
	}
}

func TestSelectTargetsMixedReturnsOnlySafeDrive(t *testing.T) {
	// Scenario: one confirmed-Windows drive, one clean drive, no override.
	candidates := []DriveDescriptor{
		{Path: "/dev/sda", WindowsPresence: WindowsConfirmed},
		{Path: "/dev/sdb", WindowsPresence: WindowsNone},
	}

	selected, err := SelectTargets(candidates, Flags{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(selected) != 1 || selected[0].Path != "/dev/sdb" {
		t.Fatalf("expected exactly /dev/sdb, got %+v", selected)
	}
}

func TestSelectTargetsOverrideOffersEverything(t *testing.T) {
	candidates := []DriveDescriptor{
		{Path: "/dev/sda", WindowsPresence: WindowsConfirmed},
		{Path: "/dev/sdb", WindowsPresence: WindowsNone},
	}

	selected, err := SelectTargets(candidates, Flags{ShowWindows: true})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(selected) != 2 {
		t.Fatalf("expected both drives with override, got %+v", selected)
	}
}

func TestParsePairs(t *testing.T) {
	fields := parsePairs(`NAME="sda1" FSTYPE="ntfs" LABEL="My Data" PARTTYPE=""`)
	if fields["NAME"] != "sda1" || fields["FSTYPE"] != "ntfs" {
		t.Fatalf("unexpected fields: %v", fields)
	}
	if fields["LABEL"] != "My Data" {
		t.Fatalf("quoted value with space mishandled: %q", fields["LABEL"])
	}
}

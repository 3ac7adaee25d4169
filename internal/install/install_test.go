package install

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/slateos/slate/internal/config"
	"github.com/slateos/slate/internal/drives"
	"github.com/slateos/slate/internal/executor"
	"github.com/slateos/slate/internal/media"
)

// stubExec satisfies the runner interface, recording every mutation and
// answering queries from canned output.
type stubExec struct {
	mode        executor.Mode
	queryOutput map[string]string
	failOn      string
	executed    []string
}

func (e *stubExec) Execute(_ context.Context, spec executor.Spec, _ string) (executor.Result, error) {
	e.executed = append(e.executed, spec.String())
	if e.failOn != "" && spec.Path == e.failOn {
		return executor.Result{ExitCode: 1}, &executor.ExecutionError{Command: spec.String(), ExitCode: 1}
	}
	return executor.Result{}, nil
}

func (e *stubExec) Query(_ context.Context, spec executor.Spec, _ string) (executor.Result, error) {
	if out, ok := e.queryOutput[spec.Path]; ok {
		return executor.Result{Output: out}, nil
	}
	return executor.Result{}, nil
}

func (e *stubExec) Mode() executor.Mode { return e.mode }

func (e *stubExec) commandsRun(path string) []string {
	var out []string
	for _, cmd := range e.executed {
		if strings.HasPrefix(cmd, path) {
			out = append(out, cmd)
		}
	}
	return out
}

func testContext(t *testing.T, exec *stubExec) *Context {
	t.Helper()
	cfg := config.Defaults()
	cfg.TargetDrive = "/dev/vda"
	cfg.Hostname = "workstation"
	cfg.SwapSize = "2G"
	cfg.User = config.UserConfig{Name: "alice", PasswordHash: "$6$salt$hash"}

	marker := filepath.Join(t.TempDir(), "efi")
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	rc := NewContext(exec, cfg, drives.DriveDescriptor{Path: "/dev/vda"}, nil)
	rc.Source = media.Source{SquashfsPath: "/run/live/medium/live/filesystem.squashfs"}
	rc.EFIMarker = marker
	rc.RunDir = t.TempDir()
	rc.AddonDir = filepath.Join(t.TempDir(), "addons.d")
	rc.LookPath = func(tool string) (string, error) { return "/usr/sbin/" + tool, nil }
	rc.ValidateInterface = func(string) error { return nil }
	return rc
}

func TestPreparingValidatesStaticInterface(t *testing.T) {
	exec := &stubExec{mode: executor.ModeSimulate}
	rc := testContext(t, exec)
	rc.Config.Network = config.NetworkConfig{
		Mode:      config.NetworkStatic,
		Interface: "enp0s9",
		IP:        "192.168.1.50",
		Netmask:   "255.255.255.0",
		Gateway:   "192.168.1.1",
	}
	var checked string
	rc.ValidateInterface = func(name string) error {
		checked = name
		return fmt.Errorf("network interface %q does not exist on this host", name)
	}

	err := runPreparing(context.Background(), rc)
	if err == nil {
		t.Fatal("expected preparing to fail on a missing static interface")
	}
	if checked != "enp0s9" {
		t.Fatalf("validated wrong interface %q", checked)
	}
	if !strings.Contains(err.Error(), "enp0s9") {
		t.Fatalf("error does not name the interface: %v", err)
	}
}

func TestPreparingSkipsInterfaceCheckForDHCP(t *testing.T) {
	exec := &stubExec{mode: executor.ModeSimulate}
	rc := testContext(t, exec)
	rc.Config.Network = config.NetworkConfig{Mode: config.NetworkDHCP}
	rc.ValidateInterface = func(string) error {
		t.Fatal("interface validated for a non-static profile")
		return nil
	}

	if err := runPreparing(context.Background(), rc); err != nil {
		t.Fatalf("preparing: %v", err)
	}
}

func TestPartitionPath(t *testing.T) {
	cases := []struct {
		drive string
		n     int
		want  string
	}{
		{"/dev/sda", 1, "/dev/sda1"},
		{"/dev/nvme0n1", 2, "/dev/nvme0n1p2"},
		{"/dev/mmcblk0", 1, "/dev/mmcblk0p1"},
		{"/dev/vdb", 2, "/dev/vdb2"},
	}
	for _, tc := range cases {
		if got := partitionPath(tc.drive, tc.n); got != tc.want {
			t.Errorf("partitionPath(%q, %d) = %q, want %q", tc.drive, tc.n, got, tc.want)
		}
	}
}

func TestTieredSwapBytes(t *testing.T) {
	cases := []struct {
		ram  int64
		want int64
	}{
		{1 * gib, 2 * gib},
		{2 * gib, 4 * gib},
		{4 * gib, 4 * gib},
		{8 * gib, 8 * gib},
		{16 * gib, 8 * gib},
		{32 * gib, 8 * gib},
		{64 * gib, 4 * gib},
	}
	for _, tc := range cases {
		if got := tieredSwapBytes(tc.ram); got != tc.want {
			t.Errorf("tieredSwapBytes(%d GiB) = %d, want %d", tc.ram/gib, got, tc.want)
		}
	}
}

func TestRenderFstabReferencesUUIDsNotDevices(t *testing.T) {
	fstab := renderFstab("root-uuid", "esp-uuid", "ext4")
	if strings.Contains(fstab, "/dev/") {
		t.Fatalf("fstab references a device path:\n%s", fstab)
	}
	for _, want := range []string{"UUID=root-uuid\t/\text4", "UUID=esp-uuid\t/boot/efi\tvfat", "/swapfile"} {
		if !strings.Contains(fstab, want) {
			t.Fatalf("fstab missing %q:\n%s", want, fstab)
		}
	}
}

func TestMountTrackerUnmountsInReverseOrder(t *testing.T) {
	exec := &stubExec{mode: executor.ModeLive}
	tracker := NewMountTracker(exec, nil)
	ctx := context.Background()

	for _, mp := range []string{"/mnt/a", "/mnt/a/b", "/mnt/a/b/c"} {
		if err := tracker.Mount(ctx, "/dev/x", mp); err != nil {
			t.Fatalf("mount: %v", err)
		}
	}
	if err := tracker.UnmountAll(ctx); err != nil {
		t.Fatalf("unmount all: %v", err)
	}

	umounts := exec.commandsRun("umount")
	want := []string{"umount /mnt/a/b/c", "umount /mnt/a/b", "umount /mnt/a"}
	if len(umounts) != len(want) {
		t.Fatalf("unexpected umounts: %v", umounts)
	}
	for i := range want {
		if umounts[i] != want[i] {
			t.Fatalf("umount order wrong at %d: got %v", i, umounts)
		}
	}
	if len(tracker.Active()) != 0 {
		t.Fatalf("tracker still holds mounts: %v", tracker.Active())
	}
}

func TestMountTrackerContinuesPastFailedUnmount(t *testing.T) {
	exec := &stubExec{mode: executor.ModeLive}
	tracker := NewMountTracker(exec, nil)
	ctx := context.Background()

	tracker.record("/mnt/a")
	tracker.record("/mnt/b")
	exec.failOn = "umount"

	err := tracker.UnmountAll(ctx)
	if err == nil {
		t.Fatal("expected joined unmount errors")
	}
	if got := len(exec.commandsRun("umount")); got != 2 {
		t.Fatalf("expected both unmounts attempted, got %d", got)
	}
	if got := len(tracker.Active()); got != 2 {
		t.Fatalf("failed unmounts should stay tracked, got %v", tracker.Active())
	}
}

func TestOrchestratorHaltsAtFirstFailure(t *testing.T) {
	var ran []PhaseID
	boom := errors.New("boom")
	phases := []phase{
		{PhasePreparing, StatePreparing, func(context.Context, *Context) error {
			ran = append(ran, PhasePreparing)
			return nil
		}},
		{PhasePartitioning, StatePartitioning, func(context.Context, *Context) error {
			ran = append(ran, PhasePartitioning)
			return boom
		}},
		{PhaseInstalling, StateInstalling, func(context.Context, *Context) error {
			ran = append(ran, PhaseInstalling)
			return nil
		}},
	}

	exec := &stubExec{mode: executor.ModeLive}
	rc := testContext(t, exec)
	o := newOrchestrator(nil, phases)

	err := o.Run(context.Background(), rc)
	if !errors.Is(err, boom) {
		t.Fatalf("expected phase error, got %v", err)
	}
	if o.State() != StateFailed {
		t.Fatalf("expected failed state, got %s", o.State())
	}
	if len(ran) != 2 || ran[1] != PhasePartitioning {
		t.Fatalf("phases after the failure must not run: %v", ran)
	}

	results := o.Results()
	if len(results) != 3 {
		t.Fatalf("expected every phase in the audit trail, got %+v", results)
	}
	if results[0].Status != StatusSuccess || results[0].Err != nil {
		t.Fatalf("first phase should be success: %+v", results[0])
	}
	if results[1].Status != StatusFailed || results[1].Err == nil {
		t.Fatalf("failing phase should be failed: %+v", results[1])
	}
	if results[2].Status != StatusSkipped || !results[2].StartedAt.IsZero() {
		t.Fatalf("cut-off phase should be skipped with no timestamps: %+v", results[2])
	}
}

func TestOrchestratorUnwindsMountsOnFailure(t *testing.T) {
	exec := &stubExec{mode: executor.ModeLive}
	rc := testContext(t, exec)

	phases := []phase{
		{PhaseInstalling, StateInstalling, func(ctx context.Context, rc *Context) error {
			if err := rc.Mounts.Mount(ctx, "/dev/vda2", "/mnt/slate"); err != nil {
				return err
			}
			return errors.New("copy failed")
		}},
	}
	o := newOrchestrator(nil, phases)

	if err := o.Run(context.Background(), rc); err == nil {
		t.Fatal("expected failure")
	}
	if got := exec.commandsRun("umount"); len(got) != 1 || got[0] != "umount /mnt/slate" {
		t.Fatalf("expected cleanup unmount, got %v", got)
	}
}

func TestOrchestratorEmitsEventsInPhaseOrder(t *testing.T) {
	exec := &stubExec{mode: executor.ModeLive}
	rc := testContext(t, exec)
	events := &recordingObserver{}
	rc.Events = events

	phases := []phase{
		{PhasePreparing, StatePreparing, func(context.Context, *Context) error { return nil }},
		{PhasePartitioning, StatePartitioning, func(context.Context, *Context) error { return nil }},
	}
	o := newOrchestrator(nil, phases)
	if err := o.Run(context.Background(), rc); err != nil {
		t.Fatalf("run: %v", err)
	}
	if o.State() != StateCompleted {
		t.Fatalf("expected completed, got %s", o.State())
	}

	want := []string{
		"started preparing", "finished preparing",
		"started partitioning", "finished partitioning",
	}
	if len(events.log) != len(want) {
		t.Fatalf("unexpected events: %v", events.log)
	}
	for i := range want {
		if events.log[i] != want[i] {
			t.Fatalf("event %d: got %q, want %q", i, events.log[i], want[i])
		}
	}
}

func TestOrchestratorRefusesSecondRun(t *testing.T) {
	exec := &stubExec{mode: executor.ModeLive}
	rc := testContext(t, exec)
	o := newOrchestrator(nil, []phase{})

	if err := o.Run(context.Background(), rc); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := o.Run(context.Background(), rc); err == nil {
		t.Fatal("expected second run to be refused")
	}
}

type recordingObserver struct {
	log []string
}

func (r *recordingObserver) PhaseStarted(id PhaseID) {
	r.log = append(r.log, "started "+string(id))
}
func (r *recordingObserver) Progress(PhaseID, int, string) {}
func (r *recordingObserver) PhaseFinished(res PhaseResult) {
	r.log = append(r.log, "finished "+string(res.Phase))
}

// A full simulate run touches every phase but must leave the filesystem
// alone: every mutation stays inside the stub executor.
func TestFullRunOrdersMutationsCorrectly(t *testing.T) {
	exec := &stubExec{
		mode: executor.ModeSimulate,
		queryOutput: map[string]string{
			"blkid": "some-uuid\n",
		},
	}
	rc := testContext(t, exec)

	o := NewOrchestrator(nil)
	if err := o.Run(context.Background(), rc); err != nil {
		t.Fatalf("run: %v", err)
	}
	if o.State() != StateCompleted {
		t.Fatalf("expected completed, got %s", o.State())
	}

	order := []string{"wipefs", "sgdisk", "mkfs.vfat", "mkfs.ext4", "rsync", "mkswap"}
	last := -1
	for _, prefix := range order {
		idx := indexOfPrefix(exec.executed, prefix)
		if idx < 0 {
			t.Fatalf("command %s never ran: %v", prefix, exec.executed)
		}
		if idx < last {
			t.Fatalf("command %s ran out of order: %v", prefix, exec.executed)
		}
		last = idx
	}

	grub := indexOfPrefix(exec.executed, "chroot /mnt/slate grub-install")
	if grub < last {
		t.Fatalf("bootloader installed before the system copy finished: %v", exec.executed)
	}

	// The final unmount pass must unwind everything that was mounted.
	if len(rc.Mounts.Active()) != 0 {
		t.Fatalf("mounts left behind: %v", rc.Mounts.Active())
	}
}

func TestFullRunFailedPartitioningNeverReachesBootConfig(t *testing.T) {
	exec := &stubExec{mode: executor.ModeSimulate, failOn: "sgdisk"}
	rc := testContext(t, exec)

	o := NewOrchestrator(nil)
	err := o.Run(context.Background(), rc)
	var execErr *executor.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected execution error, got %v", err)
	}
	if o.State() != StateFailed {
		t.Fatalf("expected failed state, got %s", o.State())
	}
	if idx := indexOfPrefix(exec.executed, "chroot /mnt/slate grub-install"); idx >= 0 {
		t.Fatal("boot configuration ran despite partitioning failure")
	}
	if idx := indexOfPrefix(exec.executed, "rsync"); idx >= 0 {
		t.Fatal("system copy ran despite partitioning failure")
	}
}

func indexOfPrefix(commands []string, prefix string) int {
	for i, cmd := range commands {
		if strings.HasPrefix(cmd, prefix) {
			return i
		}
	}
	return -1
}

func TestContextWriteFileSimulateLeavesFilesystemAlone(t *testing.T) {
	exec := &stubExec{mode: executor.ModeSimulate}
	rc := testContext(t, exec)
	path := filepath.Join(t.TempDir(), "etc", "fstab")

	if err := rc.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("simulate mode wrote a real file")
	}
}

func TestContextWriteFileLiveWritesFile(t *testing.T) {
	exec := &stubExec{mode: executor.ModeLive}
	rc := testContext(t, exec)
	path := filepath.Join(t.TempDir(), "etc", "fstab")

	if err := rc.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "data" {
		t.Fatalf("file not written: %v", err)
	}
}

func TestCreateSwapFileUsesConfiguredSize(t *testing.T) {
	exec := &stubExec{mode: executor.ModeSimulate}
	rc := testContext(t, exec)
	rc.Config.SwapSize = "1G"

	if err := createSwapFile(context.Background(), rc); err != nil {
		t.Fatalf("create swap: %v", err)
	}
	want := fmt.Sprintf("fallocate -l %d /mnt/slate/swapfile", int64(1)<<30)
	if idx := indexOfPrefix(exec.executed, want); idx < 0 {
		t.Fatalf("expected %q, got %v", want, exec.executed)
	}
}

package firmware

import (
	"context"
	"strings"
	"testing"

	"github.com/slateos/slate/internal/executor"
)

const targetUUID = "aabbccdd-1111-2222-3333-444455556666"
const otherUUID = "99999999-8888-7777-6666-555544443333"

type stubRunner struct {
	snapshot  string
	partUUIDs string
	executed  []string
}

func (r *stubRunner) Query(_ context.Context, spec executor.Spec, _ string) (executor.Result, error) {
	switch spec.Path {
	case "efibootmgr":
		return executor.Result{Output: r.snapshot}, nil
	case "lsblk":
		return executor.Result{Output: r.partUUIDs}, nil
	}
	return executor.Result{}, nil
}

func (r *stubRunner) Execute(_ context.Context, spec executor.Spec, _ string) (executor.Result, error) {
	r.executed = append(r.executed, spec.String())
	return executor.Result{}, nil
}

func TestParseEntries(t *testing.T) {
	output := strings.Join([]string{
		"BootCurrent: 0002",
		"Timeout: 1 seconds",
		"BootOrder: 0002,0001",
		"Boot0001* Windows Boot Manager\tHD(1,GPT," + targetUUID + ",0x800,0x32000)/File(\\EFI\\Microsoft\\Boot\\bootmgfw.efi)",
		"Boot0002  UEFI Shell\tFvVol(7cb8bdc9)/FvFile(7c04a583)",
	}, "\n")

	entries := parseEntries(output)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %+v", len(entries), entries)
	}
	first := entries[0]
	if first.ID != "0001" || !first.Active || first.Label != "Windows Boot Manager" {
		t.Fatalf("unexpected first entry: %+v", first)
	}
	if first.PartitionUUID() != targetUUID {
		t.Fatalf("unexpected partition UUID %q", first.PartitionUUID())
	}
	if entries[1].Active {
		t.Fatal("inactive entry parsed as active")
	}
	if entries[1].PartitionUUID() != "" {
		t.Fatal("non-disk entry should have no partition UUID")
	}
}

func TestDiffSplitsCreatedFromPreExisting(t *testing.T) {
	before := []BootEntry{{ID: "0001"}, {ID: "0002"}}
	after := []BootEntry{{ID: "0001"}, {ID: "0002"}, {ID: "0003"}}

	created, preExisting := Diff(before, after)
	if len(created) != 1 || created[0].ID != "0003" {
		t.Fatalf("unexpected created set: %+v", created)
	}
	if len(preExisting) != 2 {
		t.Fatalf("unexpected pre-existing set: %+v", preExisting)
	}
}

// Three pre-existing entries survive the install alongside one new entry:
// the one on the target drive goes automatically, the two on other drives
// are offered individually and kept by default, and the new entry is never
// touched.
func TestReconcilePrunesOnlyStaleTargetEntries(t *testing.T) {
	run := &stubRunner{
		partUUIDs: `NAME="sda" PARTUUID=""` + "\n" +
			`NAME="sda1" PARTUUID="` + targetUUID + `"`,
	}
	reconciler := NewReconciler(run, nil)

	before := []BootEntry{
		{ID: "0001", Label: "Old Linux", HardwarePath: "HD(1,GPT," + targetUUID + ",0x800,0x32000)/File(\\EFI\\old\\grubx64.efi)"},
		{ID: "0002", Label: "Windows Boot Manager", HardwarePath: "HD(2,GPT," + otherUUID + ",0x800,0x32000)/File(\\EFI\\Microsoft\\Boot\\bootmgfw.efi)"},
		{ID: "0003", Label: "Rescue", HardwarePath: "HD(1,GPT," + otherUUID + ",0x800,0x32000)/File(\\EFI\\rescue\\shim.efi)"},
	}
	after := append([]BootEntry{
		{ID: "0004", Label: "slate", HardwarePath: "HD(1,GPT," + targetUUID + ",0x800,0x32000)/File(\\EFI\\slate\\grubx64.efi)"},
	}, before...)

	var offered []string
	report, err := reconciler.Reconcile(context.Background(), before, after, "/dev/sda",
		func(entry BootEntry) bool {
			offered = append(offered, entry.ID)
			return false
		})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if len(report.Removed) != 1 || report.Removed[0].ID != "0001" {
		t.Fatalf("expected only Boot0001 removed, got %+v", report.Removed)
	}
	if len(report.Kept) != 2 {
		t.Fatalf("expected 2 kept entries, got %+v", report.Kept)
	}
	if len(report.New) != 1 || report.New[0].ID != "0004" {
		t.Fatalf("expected Boot0004 as the new entry, got %+v", report.New)
	}

	if len(offered) != 2 || offered[0] != "0002" || offered[1] != "0003" {
		t.Fatalf("expected per-entry offers for 0002 and 0003, got %v", offered)
	}

	if len(run.executed) != 1 || run.executed[0] != "efibootmgr -b 0001 -B" {
		t.Fatalf("unexpected mutations: %v", run.executed)
	}
}

func TestReconcileNilDecisionKeepsOtherDriveEntries(t *testing.T) {
	run := &stubRunner{
		partUUIDs: `NAME="sda1" PARTUUID="` + targetUUID + `"`,
	}
	reconciler := NewReconciler(run, nil)

	before := []BootEntry{
		{ID: "0002", Label: "Windows Boot Manager", HardwarePath: "HD(2,GPT," + otherUUID + ",0x800,0x32000)/File(\\EFI\\Microsoft\\Boot\\bootmgfw.efi)"},
	}

	report, err := reconciler.Reconcile(context.Background(), before, before, "/dev/sda", nil)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.Removed) != 0 || len(report.Kept) != 1 {
		t.Fatalf("nil decision must keep by default, got %+v", report)
	}
	if len(run.executed) != 0 {
		t.Fatalf("unexpected mutations: %v", run.executed)
	}
}

func TestReconcileOptInRemovesOtherDriveEntry(t *testing.T) {
	run := &stubRunner{
		partUUIDs: `NAME="sda1" PARTUUID="` + targetUUID + `"`,
	}
	reconciler := NewReconciler(run, nil)

	before := []BootEntry{
		{ID: "0002", Label: "Stale", HardwarePath: "HD(1,GPT," + otherUUID + ",0x800,0x32000)/File(\\EFI\\stale\\shim.efi)"},
	}

	report, err := reconciler.Reconcile(context.Background(), before, before, "/dev/sda",
		func(BootEntry) bool { return true })
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.Removed) != 1 {
		t.Fatalf("opt-in removal did not happen: %+v", report)
	}
	if len(run.executed) != 1 || run.executed[0] != "efibootmgr -b 0002 -B" {
		t.Fatalf("unexpected mutations: %v", run.executed)
	}
}

// Package firmware reconciles EFI boot entries after bootloader
// installation, removing only the stale entries that point at the drive the
// installer just rewrote.
package firmware

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/slateos/slate/internal/executor"
	"github.com/slateos/slate/internal/logging"
)

// BootEntry is one firmware boot entry as reported by efibootmgr.
type BootEntry struct {
	// ID is the four-digit hex boot number, e.g. "0001".
	ID string
	// Label is the human-readable entry name.
	Label string
	// HardwarePath is the device path suffix, e.g. "HD(1,GPT,…)/File(…)".
	HardwarePath string
	Active       bool
}

func (e BootEntry) String() string {
	return fmt.Sprintf("Boot%s %q %s", e.ID, e.Label, e.HardwarePath)
}

// PartitionUUID extracts the GPT partition UUID from the entry's hardware
// path, or "" when the entry does not point at a disk partition.
func (e BootEntry) PartitionUUID() string {
	m := hdNodeRe.FindStringSubmatch(e.HardwarePath)
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}

// Boot0001* Label<tab>HD(1,GPT,uuid,start,size)/File(\EFI\...\x.efi)
var (
	entryRe  = regexp.MustCompile(`^Boot([0-9A-Fa-f]{4})(\*?)\s+(.*?)\t(.*)$`)
	hdNodeRe = regexp.MustCompile(`HD\(\d+,GPT,([0-9A-Fa-f-]+),`)
)

// runner is the slice of the executor the reconciler needs. Listing boot
// entries is a query; deleting one is a mutation and respects simulate mode.
type runner interface {
	Query(ctx context.Context, spec executor.Spec, description string) (executor.Result, error)
	Execute(ctx context.Context, spec executor.Spec, description string) (executor.Result, error)
}

// KeepDecision is asked once per pre-existing entry that references a drive
// other than the install target. Returning false keeps the entry; nil
// decision functions keep everything.
type KeepDecision func(entry BootEntry) (remove bool)

// Report summarizes one reconciliation pass.
type Report struct {
	New     []BootEntry
	Removed []BootEntry
	Kept    []BootEntry
}

// Reconciler snapshots and prunes firmware boot entries.
type Reconciler struct {
	Runner runner
	Logger *slog.Logger
}

func NewReconciler(run runner, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		Runner: run,
		Logger: logging.Ensure(logger).With("component", "firmware"),
	}
}

// Snapshot lists the current firmware boot entries. A host without an EFI
// variable store yields an empty snapshot rather than an error.
func (r *Reconciler) Snapshot(ctx context.Context) ([]BootEntry, error) {
	result, err := r.Runner.Query(ctx,
		executor.Command("efibootmgr", "-v"),
		"snapshot firmware boot entries")
	if err != nil {
		r.Logger.Debug("efibootmgr unavailable, treating boot entry list as empty", "error", err)
		return nil, nil
	}
	return parseEntries(result.Output), nil
}

func parseEntries(output string) []BootEntry {
	var entries []BootEntry
	for _, line := range strings.Split(output, "\n") {
		m := entryRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		entries = append(entries, BootEntry{
			ID:           strings.ToUpper(m[1]),
			Active:       m[2] == "*",
			Label:        strings.TrimSpace(m[3]),
			HardwarePath: strings.TrimSpace(m[4]),
		})
	}
	return entries
}

// Diff splits the post-install snapshot into entries created during the
// install and entries that predate it.
func Diff(before, after []BootEntry) (created, preExisting []BootEntry) {
	known := make(map[string]bool, len(before))
	for _, entry := range before {
		known[entry.ID] = true
	}
	for _, entry := range after {
		if known[entry.ID] {
			preExisting = append(preExisting, entry)
		} else {
			created = append(created, entry)
		}
	}
	return created, preExisting
}

// Reconcile prunes the boot entry list after bootloader installation.
// Entries created during the install are never touched. Pre-existing entries
// whose hardware path references a partition on the target drive are stale
// by construction and removed automatically. Pre-existing entries referencing
// other drives are surfaced one at a time through decide; the default is to
// keep them.
func (r *Reconciler) Reconcile(ctx context.Context, before, after []BootEntry, targetDrive string, decide KeepDecision) (Report, error) {
	targetUUIDs, err := r.partitionUUIDs(ctx, targetDrive)
	if err != nil {
		return Report{}, fmt.Errorf("resolve partitions of %s: %w", targetDrive, err)
	}

	var report Report
	created, preExisting := Diff(before, after)
	report.New = created
	for _, entry := range created {
		r.Logger.Debug("boot entry created during install, leaving untouched", "entry", entry.String())
	}

	for _, entry := range preExisting {
		uuid := entry.PartitionUUID()
		switch {
		case uuid != "" && targetUUIDs[uuid]:
			if err := r.remove(ctx, entry, "references the rewritten target drive"); err != nil {
				return report, err
			}
			report.Removed = append(report.Removed, entry)
		case decide != nil && decide(entry):
			if err := r.remove(ctx, entry, "removal confirmed for entry on another drive"); err != nil {
				return report, err
			}
			report.Removed = append(report.Removed, entry)
		default:
			r.Logger.Info("keeping boot entry", "entry", entry.String())
			report.Kept = append(report.Kept, entry)
		}
	}
	return report, nil
}

func (r *Reconciler) remove(ctx context.Context, entry BootEntry, reason string) error {
	r.Logger.Info("removing boot entry", "entry", entry.String(), "reason", reason)
	_, err := r.Runner.Execute(ctx,
		executor.Command("efibootmgr", "-b", entry.ID, "-B"),
		fmt.Sprintf("delete firmware boot entry Boot%s (%s)", entry.ID, entry.Label))
	if err != nil {
		return fmt.Errorf("delete boot entry Boot%s: %w", entry.ID, err)
	}
	return nil
}

// partitionUUIDs maps the lowercase GPT partition UUIDs of a drive.
func (r *Reconciler) partitionUUIDs(ctx context.Context, drivePath string) (map[string]bool, error) {
	result, err := r.Runner.Query(ctx,
		executor.Command("lsblk", "-Pno", "NAME,PARTUUID", drivePath),
		fmt.Sprintf("list partition UUIDs of %s", drivePath))
	if err != nil {
		return nil, err
	}
	uuids := map[string]bool{}
	for _, line := range strings.Split(result.Output, "\n") {
		for _, field := range strings.Fields(line) {
			if rest, ok := strings.CutPrefix(field, `PARTUUID="`); ok {
				if uuid := strings.TrimSuffix(rest, `"`); uuid != "" {
					uuids[strings.ToLower(uuid)] = true
				}
			}
		}
	}
	return uuids, nil
}

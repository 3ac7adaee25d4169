package drives

import (
	"fmt"
	"strings"
)

// Flags are the explicit overrides that widen target selection. Neither is
// set by default.
type Flags struct {
	// ShowWindows offers Windows-bearing drives for selection.
	ShowWindows bool
	// Force additionally suppresses the interactive destruction gate.
	Force bool
}

// SafetyAbortError means no non-destructive install target exists and no
// override was given. It is fatal and guaranteed to fire before any host
// mutation.
type SafetyAbortError struct {
	Drives []DriveDescriptor
}

func (e *SafetyAbortError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "every candidate drive carries a Windows installation; refusing to pick a destructive default\n")
	for _, drive := range e.Drives {
		fmt.Fprintf(&b, "  %s: windows %s\n", drive.String(), drive.WindowsPresence)
		for _, ev := range drive.Evidence {
			fmt.Fprintf(&b, "    - %s\n", ev)
		}
	}
	b.WriteString("re-run with --show-windows to select a Windows drive explicitly, or --force to override the safety gate")
	return b.String()
}

// SelectTargets filters the enumerated drives down to the set that may be
// offered as install targets. Without an override flag, drives showing
// Windows are never offered; if that leaves nothing, the run fails with a
// SafetyAbortError instead of silently defaulting to a destructive choice.
func SelectTargets(candidates []DriveDescriptor, flags Flags) ([]DriveDescriptor, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no install-eligible drives found")
	}

	if flags.ShowWindows || flags.Force {
		out := make([]DriveDescriptor, len(candidates))
		copy(out, candidates)
		return out, nil
	}

	var safe []DriveDescriptor
	for _, drive := range candidates {
		if drive.WindowsPresence == WindowsNone {
			safe = append(safe, drive)
		}
	}
	if len(safe) == 0 {
		return nil, &SafetyAbortError{Drives: candidates}
	}
	return safe, nil
}

// FindByPath returns the drive with the given device path.
func FindByPath(candidates []DriveDescriptor, path string) (DriveDescriptor, bool) {
	for _, drive := range candidates {
		if drive.Path == path {
			return drive, true
		}
	}
	return DriveDescriptor{}, false
}

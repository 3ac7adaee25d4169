// Package addons discovers and runs post-install extension scripts. Addon
// failures are isolated: a broken script never aborts the installation.
package addons

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/slateos/slate/internal/executor"
	"github.com/slateos/slate/internal/logging"
)

// ScriptResult records the outcome of one addon script.
type ScriptResult struct {
	Path     string
	ExitCode int
	// Skipped means the script could not be started at all.
	Skipped bool
	Err     error
}

// Summary aggregates a full addon pass.
type Summary struct {
	Results []ScriptResult
}

func (s Summary) Succeeded() int {
	n := 0
	for _, r := range s.Results {
		if r.Err == nil && !r.Skipped {
			n++
		}
	}
	return n
}

func (s Summary) Failed() int {
	return len(s.Results) - s.Succeeded()
}

// runner is the slice of the executor the addon pass needs.
type runner interface {
	Execute(ctx context.Context, spec executor.Spec, description string) (executor.Result, error)
}

// Runner executes addon scripts against a populated install root.
type Runner struct {
	Exec   runner
	Logger *slog.Logger
}

func NewRunner(exec runner, logger *slog.Logger) *Runner {
	return &Runner{
		Exec:   exec,
		Logger: logging.Ensure(logger).With("component", "addons"),
	}
}

// Discover lists the executable scripts in dir in execution order. Numeric
// prefixes sort by value, so 2-swap runs before 10-network. A missing
// directory is not an error; it simply yields no scripts.
func (r *Runner) Discover(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		r.Logger.Debug("addon directory absent, nothing to run", "dir", dir)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read addon directory %s: %w", dir, err)
	}

	var scripts []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.Mode().Perm()&0o111 == 0 {
			r.Logger.Debug("skipping non-executable addon file", "file", entry.Name())
			continue
		}
		scripts = append(scripts, filepath.Join(dir, entry.Name()))
	}
	sort.Slice(scripts, func(i, j int) bool {
		return naturalLess(filepath.Base(scripts[i]), filepath.Base(scripts[j]))
	})
	return scripts, nil
}

// Run invokes each script with the install root as its sole argument. A
// failing or unstartable script is recorded and the pass continues with the
// next one.
func (r *Runner) Run(ctx context.Context, scripts []string, installRoot string) Summary {
	var summary Summary
	for _, script := range scripts {
		result, err := r.Exec.Execute(ctx,
			executor.Command(script, installRoot),
			fmt.Sprintf("run addon script %s", filepath.Base(script)))

		sr := ScriptResult{Path: script, ExitCode: result.ExitCode, Err: err}
		if err != nil {
			var execErr *executor.ExecutionError
			if !errors.As(err, &execErr) {
				sr.Skipped = true
			}
			r.Logger.Warn("addon script failed, continuing",
				"script", script, "exit_code", sr.ExitCode, "error", err)
		} else {
			r.Logger.Info("addon script finished", "script", script)
		}
		summary.Results = append(summary.Results, sr)
	}
	r.Logger.Info("addon pass complete",
		"total", len(summary.Results),
		"succeeded", summary.Succeeded(),
		"failed", summary.Failed(),
	)
	return summary
}

// naturalLess compares filenames so embedded numbers order by value rather
// than lexically.
func naturalLess(a, b string) bool {
	for a != "" && b != "" {
		aChunk, aRest, aNum := nextChunk(a)
		bChunk, bRest, bNum := nextChunk(b)
		if aNum && bNum {
			av := numericValue(aChunk)
			bv := numericValue(bChunk)
			if av != bv {
				return av < bv
			}
		} else if aChunk != bChunk {
			return aChunk < bChunk
		}
		a, b = aRest, bRest
	}
	return a == "" && b != ""
}

func nextChunk(s string) (chunk, rest string, numeric bool) {
	numeric = unicode.IsDigit(rune(s[0]))
	for i, r := range s {
		if unicode.IsDigit(r) != numeric {
			return s[:i], s[i:], numeric
		}
	}
	return s, "", numeric
}

func numericValue(s string) int64 {
	var v int64
	for _, r := range strings.TrimLeft(s, "0") {
		v = v*10 + int64(r-'0')
	}
	return v
}

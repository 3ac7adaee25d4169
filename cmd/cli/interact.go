package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/slateos/slate/internal/config"
	"github.com/slateos/slate/internal/drives"
	"github.com/slateos/slate/internal/executor"
	"github.com/slateos/slate/internal/firmware"
	"github.com/slateos/slate/internal/geoip"
	"github.com/slateos/slate/internal/install"
	"github.com/slateos/slate/internal/network"
)

// confirmDestruction is the last interactive gate before the target drive is
// wiped. Only a literal "yes" proceeds.
func confirmDestruction(cmd *cobra.Command, target drives.DriveDescriptor) bool {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nAbout to ERASE ALL DATA on %s.\n", target.String())
	if target.WindowsPresence != drives.WindowsNone {
		fmt.Fprintf(out, "This drive shows a Windows installation (%s):\n", target.WindowsPresence)
		for _, evidence := range target.Evidence {
			fmt.Fprintf(out, "  - %s\n", evidence)
		}
	}
	fmt.Fprint(out, "Type 'yes' to continue: ")

	answer, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil {
		return false
	}
	return strings.TrimSpace(answer) == "yes"
}

// promptBootEntryRemoval asks, entry by entry, whether pre-existing boot
// entries on other drives should go. Anything but an explicit yes keeps the
// entry.
func promptBootEntryRemoval(cmd *cobra.Command) firmware.KeepDecision {
	reader := bufio.NewReader(cmd.InOrStdin())
	out := cmd.OutOrStdout()
	return func(entry firmware.BootEntry) bool {
		fmt.Fprintf(out, "Boot entry %s points at another drive.\n", entry.String())
		fmt.Fprint(out, "Remove it? [y/N]: ")
		answer, err := reader.ReadString('\n')
		if err != nil {
			return false
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		return answer == "y" || answer == "yes"
	}
}

// progressPrinter renders phase progress for the terminal.
type progressPrinter struct {
	out io.Writer
}

func newProgressPrinter(out io.Writer) *progressPrinter {
	return &progressPrinter{out: out}
}

func (p *progressPrinter) PhaseStarted(phase install.PhaseID) {
	fmt.Fprintf(p.out, "==> %s\n", phase)
}

func (p *progressPrinter) Progress(phase install.PhaseID, percent int, message string) {
	fmt.Fprintf(p.out, "    [%3d%%] %s\n", percent, message)
}

func (p *progressPrinter) PhaseFinished(result install.PhaseResult) {
	if result.Status == install.StatusFailed {
		fmt.Fprintf(p.out, "==> %s failed: %v\n", result.Phase, result.Err)
		return
	}
	fmt.Fprintf(p.out, "==> %s done (%s)\n",
		result.Phase, result.EndedAt.Sub(result.StartedAt).Round(time.Millisecond))
}

func printPhaseTrail(cmd *cobra.Command, results []install.PhaseResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "\nphase summary:")
	for _, result := range results {
		if result.Status == install.StatusSkipped {
			fmt.Fprintf(out, "  %-20s %-10s skipped\n", result.Phase, "-")
			continue
		}
		status := "ok"
		if result.Status == install.StatusFailed {
			status = "failed: " + result.Err.Error()
		}
		fmt.Fprintf(out, "  %-20s %-10s %s\n",
			result.Phase, result.EndedAt.Sub(result.StartedAt).Round(time.Millisecond), status)
	}
}

// promptRecovery resolves a configuration file that failed to load. A
// non-interactive run cannot ask, so it proceeds with defaults; Recover
// echoes that decision to the log.
func promptRecovery(cmd *cobra.Command, interactive bool, loadErr error) config.RecoveryChoice {
	if !interactive {
		return config.RecoveryDefaults
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nconfiguration could not be loaded:\n%v\n", loadErr)
	fmt.Fprint(out, "[k]eep the file and abort, [d]elete it and start over, or [p]roceed with defaults? [K/d/p]: ")
	answer, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil {
		return config.RecoveryKeep
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "d", "delete":
		return config.RecoveryDelete
	case "p", "proceed":
		return config.RecoveryDefaults
	default:
		return config.RecoveryKeep
	}
}

// runConfigInit walks through the settings interactively and saves the
// result. Locale and timezone defaults come from a best-effort GeoIP lookup.
func runConfigInit(cmd *cobra.Command, logger *slog.Logger, path string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	cfg := config.Defaults()

	suggestion := geoip.NewClient(logger).Suggest(ctx)
	if suggestion.Locale != "" {
		cfg.Locale = suggestion.Locale
	}
	if suggestion.Timezone != "" {
		cfg.Timezone = suggestion.Timezone
	}
	fmt.Fprintf(out, "detected region defaults: %s\n\n", suggestion.Describe())

	exec := executor.New(executor.ModeSimulate, logger)
	detector := drives.NewDetector(exec, logger)
	if found, err := detector.Enumerate(ctx); err == nil && len(found) > 0 {
		fmt.Fprintln(out, "detected drives:")
		for _, drive := range found {
			fmt.Fprintf(out, "  %s\twindows=%s\n", drive.String(), drive.WindowsPresence)
		}
	}

	if err := promptSettings(cmd, logger, cfg); err != nil {
		return err
	}
	return validateAndSave(cmd, logger, cfg, path)
}

// runConfigEdit walks through the same prompts seeded from the saved file, so
// pressing enter keeps each current value. A file that fails to load falls
// back to stock defaults rather than blocking the edit.
func runConfigEdit(cmd *cobra.Command, logger *slog.Logger, path string) error {
	store := config.NewStore(logger)
	cfg, err := store.Load(path)
	if err != nil {
		logger.Warn("configuration not loadable, editing from defaults",
			"path", path, "error", err)
		cfg = config.Defaults()
	}

	if err := promptSettings(cmd, logger, cfg); err != nil {
		return err
	}
	return validateAndSave(cmd, logger, cfg, path)
}

// promptSettings walks through every setting, seeding each prompt from the
// current value of cfg and mutating cfg in place. An empty answer keeps the
// seeded value; an empty password keeps the stored hash.
func promptSettings(cmd *cobra.Command, logger *slog.Logger, cfg *config.InstallationConfig) error {
	reader := bufio.NewReader(cmd.InOrStdin())
	out := cmd.OutOrStdout()

	cfg.TargetDrive = prompt(reader, out, "target drive", cfg.TargetDrive)
	cfg.Hostname = prompt(reader, out, "hostname", cfg.Hostname)
	cfg.Locale = prompt(reader, out, "locale", cfg.Locale)
	cfg.Timezone = prompt(reader, out, "timezone", cfg.Timezone)
	cfg.KeyboardLayout = prompt(reader, out, "keyboard layout", cfg.KeyboardLayout)
	cfg.RootFilesystem = prompt(reader, out, "root filesystem (ext4/btrfs/xfs)", cfg.RootFilesystem)
	cfg.SwapSize = prompt(reader, out, "swap size (auto or e.g. 4G)", cfg.SwapSize)

	cfg.User.Name = prompt(reader, out, "username", cfg.User.Name)
	cfg.User.FullName = prompt(reader, out, "full name", cfg.User.FullName)
	passwordLabel := "password"
	if cfg.User.PasswordHash != "" {
		passwordLabel = "password (empty keeps current)"
	}
	if password := prompt(reader, out, passwordLabel, ""); password != "" {
		hash, err := hashPassword(password)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		cfg.User.PasswordHash = hash
	}
	cfg.User.SudoNoPassword = promptBool(reader, out, "allow sudo without password", cfg.User.SudoNoPassword)

	cfg.Network.Mode = config.NetworkMode(prompt(reader, out, "network mode (dhcp/static/manual)", string(cfg.Network.Mode)))
	if cfg.Network.Mode == config.NetworkStatic || cfg.Network.Mode == config.NetworkDHCP {
		discovery := network.NewDiscovery(logger)
		if names, err := discovery.Interfaces(); err == nil && len(names) > 0 {
			fmt.Fprintf(out, "available interfaces: %s\n", strings.Join(names, ", "))
		}
		defaultIface := cfg.Network.Interface
		if defaultIface == "" {
			if iface, err := discovery.DefaultInterface(); err == nil {
				defaultIface = iface
			}
		}
		cfg.Network.Interface = prompt(reader, out, "interface", defaultIface)
	}
	if cfg.Network.Mode == config.NetworkStatic {
		cfg.Network.IP = prompt(reader, out, "IP address", cfg.Network.IP)
		netmask := cfg.Network.Netmask
		if netmask == "" {
			netmask = "255.255.255.0"
		}
		cfg.Network.Netmask = prompt(reader, out, "netmask", netmask)
		cfg.Network.Gateway = prompt(reader, out, "gateway", cfg.Network.Gateway)
		if dns := prompt(reader, out, "DNS servers (space separated)", strings.Join(cfg.Network.DNS, " ")); dns != "" {
			cfg.Network.DNS = strings.Fields(dns)
		}
	}
	return nil
}

func validateAndSave(cmd *cobra.Command, logger *slog.Logger, cfg *config.InstallationConfig, path string) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	store := config.NewStore(logger)
	if err := store.Save(cfg, path); err != nil {
		return fmt.Errorf("save configuration: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\nconfiguration written to %s\n", path)
	return nil
}

func prompt(reader *bufio.Reader, out io.Writer, label, fallback string) string {
	if fallback != "" {
		fmt.Fprintf(out, "%s [%s]: ", label, fallback)
	} else {
		fmt.Fprintf(out, "%s: ", label)
	}
	answer, err := reader.ReadString('\n')
	if err != nil {
		return fallback
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return fallback
	}
	return answer
}

func promptBool(reader *bufio.Reader, out io.Writer, label string, fallback bool) bool {
	hint := "y/N"
	if fallback {
		hint = "Y/n"
	}
	fmt.Fprintf(out, "%s [%s]: ", label, hint)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	case "n", "no":
		return false
	default:
		return fallback
	}
}

// hashPassword produces a crypt(3) SHA-512 hash. The plaintext goes over
// stdin and is discarded immediately after; only the hash is ever stored.
func hashPassword(password string) (string, error) {
	cmd := exec.Command("openssl", "passwd", "-6", "-stdin")
	cmd.Stdin = strings.NewReader(password + "\n")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("openssl passwd: %w", err)
	}
	hash := strings.TrimSpace(stdout.String())
	if !strings.HasPrefix(hash, "$") {
		return "", fmt.Errorf("unexpected hash output")
	}
	return hash, nil
}

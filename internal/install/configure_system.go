package install

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/slateos/slate/internal/executor"
	"github.com/slateos/slate/internal/network"
)

// Packages that only make sense on the live medium. Purged best-effort; the
// target distribution may not ship all of them.
var liveOnlyPackages = []string{"live-boot", "live-config", "casper"}

// runConfiguringSystem applies first-boot configuration inside the target
// and finishes by unwinding the whole mount tree. Here the unmount is part
// of the phase contract: a stuck mount fails the run.
func runConfiguringSystem(ctx context.Context, rc *Context) error {
	cfg := rc.Config

	if err := configureLocale(ctx, rc); err != nil {
		return err
	}
	rc.progress(PhaseConfiguringSystem, 15, "locale configured")

	if _, err := rc.chroot(ctx, "set the timezone",
		"ln", "-sf", "/usr/share/zoneinfo/"+cfg.Timezone, "/etc/localtime"); err != nil {
		return err
	}

	if err := rc.WriteFile(filepath.Join(rc.TargetRoot, "etc", "hostname"),
		[]byte(cfg.Hostname+"\n"), 0o644); err != nil {
		return err
	}
	hosts := fmt.Sprintf("127.0.0.1\tlocalhost\n127.0.1.1\t%s\n", cfg.Hostname)
	if err := rc.WriteFile(filepath.Join(rc.TargetRoot, "etc", "hosts"),
		[]byte(hosts), 0o644); err != nil {
		return err
	}
	rc.progress(PhaseConfiguringSystem, 30, "identity configured")

	profile, err := network.Render(cfg.Network)
	if err != nil {
		return fmt.Errorf("render network profile: %w", err)
	}
	if err := rc.WriteFile(filepath.Join(rc.TargetRoot, network.ProfilePath),
		profile, 0o600); err != nil {
		return err
	}
	rc.progress(PhaseConfiguringSystem, 45, "network profile written")

	if err := createUser(ctx, rc); err != nil {
		return err
	}
	rc.progress(PhaseConfiguringSystem, 60, "user created")

	for _, pkg := range liveOnlyPackages {
		if _, err := rc.chroot(ctx, fmt.Sprintf("purge live-only package %s", pkg),
			"apt-get", "-y", "purge", pkg); err != nil {
			rc.Logger.Debug("live package purge skipped", "package", pkg, "error", err)
		}
	}
	rc.progress(PhaseConfiguringSystem, 70, "live packages purged")

	scripts, err := rc.Addons.Discover(rc.AddonDir)
	if err != nil {
		return fmt.Errorf("discover addons: %w", err)
	}
	summary := rc.Addons.Run(ctx, scripts, rc.TargetRoot)
	rc.progress(PhaseConfiguringSystem, 85,
		fmt.Sprintf("addons finished (%d ok, %d failed)", summary.Succeeded(), summary.Failed()))

	if err := rc.Mounts.UnmountAll(ctx); err != nil {
		return fmt.Errorf("unmount target tree: %w", err)
	}
	rc.progress(PhaseConfiguringSystem, 100, "installation finalized")
	return nil
}

func configureLocale(ctx context.Context, rc *Context) error {
	cfg := rc.Config
	if err := rc.WriteFile(filepath.Join(rc.TargetRoot, "etc", "locale.gen"),
		[]byte(cfg.Locale+" UTF-8\n"), 0o644); err != nil {
		return err
	}
	if _, err := rc.chroot(ctx, "generate locales", "locale-gen"); err != nil {
		return err
	}
	if err := rc.WriteFile(filepath.Join(rc.TargetRoot, "etc", "default", "locale"),
		[]byte("LANG="+cfg.Locale+"\n"), 0o644); err != nil {
		return err
	}
	if cfg.KeyboardLayout != "" {
		keyboard := fmt.Sprintf("XKBMODEL=\"pc105\"\nXKBLAYOUT=%q\n", cfg.KeyboardLayout)
		if err := rc.WriteFile(filepath.Join(rc.TargetRoot, "etc", "default", "keyboard"),
			[]byte(keyboard), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func createUser(ctx context.Context, rc *Context) error {
	user := rc.Config.User

	args := []string{"useradd", "-m", "-s", "/bin/bash"}
	if user.FullName != "" {
		args = append(args, "-c", user.FullName)
	}
	args = append(args, user.Name)
	if _, err := rc.chroot(ctx, fmt.Sprintf("create user %s", user.Name), args...); err != nil {
		return fmt.Errorf("create user: %w", err)
	}

	// The hash goes straight into the shadow entry; plaintext never
	// crosses this boundary.
	if user.PasswordHash != "" {
		if _, err := rc.chroot(ctx, "set the user password hash",
			"usermod", "-p", user.PasswordHash, user.Name); err != nil {
			return fmt.Errorf("set password: %w", err)
		}
	}
	if _, err := rc.chroot(ctx, "grant sudo membership",
		"usermod", "-aG", "sudo", user.Name); err != nil {
		return fmt.Errorf("grant sudo: %w", err)
	}

	policy := fmt.Sprintf("%s ALL=(ALL:ALL) ALL\n", user.Name)
	if user.SudoNoPassword {
		policy = fmt.Sprintf("%s ALL=(ALL:ALL) NOPASSWD:ALL\n", user.Name)
	}
	sudoers := filepath.Join(rc.TargetRoot, "etc", "sudoers.d", "90-"+user.Name)
	if err := rc.WriteFile(sudoers, []byte(policy), 0o440); err != nil {
		return err
	}
	return nil
}

// chroot runs a command inside the mounted target tree.
func (rc *Context) chroot(ctx context.Context, description string, args ...string) (executor.Result, error) {
	full := append([]string{rc.TargetRoot}, args...)
	return rc.Exec.Execute(ctx, executor.Command("chroot", full...), description)
}

package config

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

// Finding is one validation problem, named after the offending field.
type Finding struct {
	Field   string
	Message string
}

// ValidationErrorSet aggregates every validation finding for a configuration.
// Validation never stops at the first problem; the whole report is returned
// so the operator can fix the file in one pass.
type ValidationErrorSet struct {
	Findings []Finding
}

func (e *ValidationErrorSet) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "configuration invalid (%d problems):", len(e.Findings))
	for _, f := range e.Findings {
		fmt.Fprintf(&b, "\n  %s: %s", f.Field, f.Message)
	}
	return b.String()
}

// Contains reports whether any finding names the given field.
func (e *ValidationErrorSet) Contains(field string) bool {
	for _, f := range e.Findings {
		if f.Field == field {
			return true
		}
	}
	return false
}

// Validator is one pure validation rule. Rules run in a fixed order and each
// returns all of its findings instead of failing fast.
type Validator func(*InstallationConfig) []Finding

var validators = []Validator{
	validateRequired,
	validateTargetDrive,
	validateLocale,
	validateTimezone,
	validateUsername,
	validateHostname,
	validateSwapSize,
	validateFilesystem,
	validateNetworkMode,
	validateNetworkCrossField,
}

// Validate runs every rule and aggregates all findings. A nil return means
// the configuration is valid.
func Validate(cfg *InstallationConfig) *ValidationErrorSet {
	var findings []Finding
	for _, rule := range validators {
		findings = append(findings, rule(cfg)...)
	}
	if len(findings) == 0 {
		return nil
	}
	return &ValidationErrorSet{Findings: findings}
}

var (
	localeRe   = regexp.MustCompile(`^[a-z]{2}_[A-Z]{2}\.UTF-8$`)
	timezoneRe = regexp.MustCompile(`^[A-Z][A-Za-z_]*/[A-Z][A-Za-z_+-]*$`)
	usernameRe = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)
	hostnameRe = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?$`)
	swapRe     = regexp.MustCompile(`^\d+[KMG]$`)
	driveRe    = regexp.MustCompile(`^/dev/[a-z][a-z0-9]*$`)
)

func validateRequired(cfg *InstallationConfig) []Finding {
	var findings []Finding
	if strings.TrimSpace(cfg.TargetDrive) == "" {
		findings = append(findings, Finding{"target_drive", "target drive is required"})
	}
	if strings.TrimSpace(cfg.User.Name) == "" {
		findings = append(findings, Finding{"user.name", "username is required"})
	}
	if strings.TrimSpace(cfg.Hostname) == "" {
		findings = append(findings, Finding{"hostname", "hostname is required"})
	}
	return findings
}

func validateTargetDrive(cfg *InstallationConfig) []Finding {
	if cfg.TargetDrive == "" {
		return nil
	}
	if !driveRe.MatchString(cfg.TargetDrive) {
		return []Finding{{"target_drive", fmt.Sprintf("%q is not a whole-disk device path", cfg.TargetDrive)}}
	}
	return nil
}

func validateLocale(cfg *InstallationConfig) []Finding {
	if cfg.Locale == "" {
		return nil
	}
	if !localeRe.MatchString(cfg.Locale) {
		return []Finding{{"locale", fmt.Sprintf("%q must be of the form en_US.UTF-8", cfg.Locale)}}
	}
	return nil
}

func validateTimezone(cfg *InstallationConfig) []Finding {
	if cfg.Timezone == "" {
		return nil
	}
	if !timezoneRe.MatchString(cfg.Timezone) {
		return []Finding{{"timezone", fmt.Sprintf("%q must be of the form Area/City", cfg.Timezone)}}
	}
	return nil
}

func validateUsername(cfg *InstallationConfig) []Finding {
	name := cfg.User.Name
	if name == "" {
		return nil
	}
	var findings []Finding
	if !usernameRe.MatchString(name) {
		findings = append(findings, Finding{"user.name",
			"must start with a lowercase letter and contain only lowercase letters, digits, underscore and dash"})
	}
	if len(name) > 32 {
		findings = append(findings, Finding{"user.name", "too long (max 32 characters)"})
	}
	return findings
}

func validateHostname(cfg *InstallationConfig) []Finding {
	host := cfg.Hostname
	if host == "" {
		return nil
	}
	var findings []Finding
	if !hostnameRe.MatchString(host) {
		findings = append(findings, Finding{"hostname",
			"must contain only letters, digits and interior hyphens"})
	}
	if len(host) > 63 {
		findings = append(findings, Finding{"hostname", "too long (max 63 characters)"})
	}
	return findings
}

func validateSwapSize(cfg *InstallationConfig) []Finding {
	size := cfg.SwapSize
	if size == "" || size == SwapAuto {
		return nil
	}
	if !swapRe.MatchString(size) {
		return []Finding{{"swap_size", fmt.Sprintf("%q must be %q or of the form <number><K|M|G>", size, SwapAuto)}}
	}
	if bytes, err := ParseSwapSize(size); err != nil || bytes <= 0 {
		return []Finding{{"swap_size", "must be greater than zero"}}
	}
	return nil
}

func validateFilesystem(cfg *InstallationConfig) []Finding {
	switch cfg.RootFilesystem {
	case "", "ext4", "btrfs", "xfs":
		return nil
	default:
		return []Finding{{"filesystem", fmt.Sprintf("%q is not one of ext4, btrfs, xfs", cfg.RootFilesystem)}}
	}
}

func validateNetworkMode(cfg *InstallationConfig) []Finding {
	switch cfg.Network.Mode {
	case "", NetworkDHCP, NetworkStatic, NetworkManual:
		return nil
	default:
		return []Finding{{"network.mode", fmt.Sprintf("%q is not one of dhcp, static, manual", cfg.Network.Mode)}}
	}
}

func validateNetworkCrossField(cfg *InstallationConfig) []Finding {
	nc := cfg.Network
	switch nc.Mode {
	case NetworkStatic:
		var findings []Finding
		for _, field := range []struct {
			name, value string
		}{
			{"network.interface", nc.Interface},
			{"network.ip", nc.IP},
			{"network.netmask", nc.Netmask},
			{"network.gateway", nc.Gateway},
		} {
			if strings.TrimSpace(field.value) == "" {
				findings = append(findings, Finding{field.name, "required for static network configuration"})
			}
		}
		findings = append(findings, validateIPv4("network.ip", nc.IP)...)
		findings = append(findings, validateIPv4("network.netmask", nc.Netmask)...)
		findings = append(findings, validateIPv4("network.gateway", nc.Gateway)...)
		for _, dns := range nc.DNS {
			findings = append(findings, validateIPv4("network.dns", dns)...)
		}
		return findings
	case NetworkManual:
		var findings []Finding
		for _, field := range []struct {
			name, value string
		}{
			{"network.ip", nc.IP},
			{"network.netmask", nc.Netmask},
			{"network.gateway", nc.Gateway},
		} {
			if field.value != "" {
				findings = append(findings, Finding{field.name, "must not be set for manual network configuration"})
			}
		}
		return findings
	default:
		return nil
	}
}

func validateIPv4(field, value string) []Finding {
	if value == "" {
		return nil
	}
	ip := net.ParseIP(value)
	if ip == nil || ip.To4() == nil || strings.Contains(value, ":") {
		return []Finding{{field, fmt.Sprintf("%q is not a well-formed IPv4 address", value)}}
	}
	return nil
}

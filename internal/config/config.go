// Package config defines the installation settings schema, its on-disk YAML
// format, and the aggregating validation rules that gate every run.
package config

import (
	"fmt"
	"strconv"
	"strings"
)

// NetworkMode enumerates the supported network profiles.
type NetworkMode string

const (
	NetworkDHCP   NetworkMode = "dhcp"
	NetworkStatic NetworkMode = "static"
	NetworkManual NetworkMode = "manual"
)

// SwapAuto sizes the swap file from detected installed RAM at install time.
const SwapAuto = "auto"

// NetworkConfig describes the network profile written into the target system.
type NetworkConfig struct {
	Mode           NetworkMode `yaml:"mode"`
	Interface      string      `yaml:"interface,omitempty"`
	IP             string      `yaml:"ip,omitempty"`
	Netmask        string      `yaml:"netmask,omitempty"`
	Gateway        string      `yaml:"gateway,omitempty"`
	DNS            []string    `yaml:"dns,omitempty"`
	SearchDomains  []string    `yaml:"search_domains,omitempty"`
	RoutingDomains []string    `yaml:"routing_domains,omitempty"`
}

// UserConfig describes the primary account created on the target system.
// The password is carried exclusively as a crypt(3) hash; plaintext never
// enters this struct.
type UserConfig struct {
	Name           string `yaml:"name"`
	FullName       string `yaml:"full_name,omitempty"`
	PasswordHash   string `yaml:"password_hash,omitempty"`
	SudoNoPassword bool   `yaml:"sudo_nopasswd,omitempty"`
}

// InstallationConfig is the complete set of installation settings. Field
// names double as the on-disk YAML schema consumed by the surrounding CLI.
type InstallationConfig struct {
	TargetDrive    string        `yaml:"target_drive"`
	Locale         string        `yaml:"locale"`
	Timezone       string        `yaml:"timezone"`
	KeyboardLayout string        `yaml:"keyboard_layout,omitempty"`
	Hostname       string        `yaml:"hostname"`
	User           UserConfig    `yaml:"user"`
	SwapSize       string        `yaml:"swap_size"`
	RootFilesystem string        `yaml:"filesystem"`
	Network        NetworkConfig `yaml:"network"`
}

// Defaults returns a configuration populated with the stock defaults. The
// caller still has to supply target drive, user and hostname before the
// config validates.
func Defaults() *InstallationConfig {
	return &InstallationConfig{
		Locale:         "en_US.UTF-8",
		Timezone:       "America/New_York",
		KeyboardLayout: "us",
		SwapSize:       SwapAuto,
		RootFilesystem: "ext4",
		Network: NetworkConfig{
			Mode: NetworkDHCP,
		},
	}
}

// ParseSwapSize resolves an explicit size-with-unit swap string ("4G",
// "512M", "1024K") to bytes. SwapAuto is resolved elsewhere from installed
// RAM and is rejected here.
func ParseSwapSize(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" || value == SwapAuto {
		return 0, fmt.Errorf("swap size %q has no explicit byte value", value)
	}
	if len(value) < 2 {
		return 0, fmt.Errorf("swap size %q is not of the form <number><K|M|G>", value)
	}
	unit := value[len(value)-1]
	num, err := strconv.ParseInt(value[:len(value)-1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("swap size %q is not of the form <number><K|M|G>", value)
	}
	var multiplier int64
	switch unit {
	case 'K':
		multiplier = 1 << 10
	case 'M':
		multiplier = 1 << 20
	case 'G':
		multiplier = 1 << 30
	default:
		return 0, fmt.Errorf("swap size %q has unknown unit %q", value, string(unit))
	}
	bytes := num * multiplier
	if bytes <= 0 {
		return 0, fmt.Errorf("swap size must be greater than zero, got %q", value)
	}
	return bytes, nil
}

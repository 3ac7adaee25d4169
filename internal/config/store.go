package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/slateos/slate/internal/logging"
)

// Minimum plausible size of a settings file. Anything shorter is treated as
// a truncated write from an interrupted previous run.
const minConfigBytes = 32

// DefaultPath is where the installer persists its settings between runs.
const DefaultPath = "/etc/slate/install.yaml"

// RecoveryChoice is how a caller resolves a failed load.
type RecoveryChoice int

const (
	// RecoveryKeep keeps the broken file and surfaces the failure.
	RecoveryKeep RecoveryChoice = iota
	// RecoveryDelete removes the broken file so a fresh one can be created.
	RecoveryDelete
	// RecoveryDefaults proceeds with stock defaults, leaving the file alone.
	// Intended for non-interactive contexts; the decision is echoed to the
	// log.
	RecoveryDefaults
)

// Store loads, validates and persists installation settings.
type Store struct {
	Logger *slog.Logger
}

// NewStore constructs a Store logging through the provided logger.
func NewStore(logger *slog.Logger) *Store {
	return &Store{Logger: logging.Ensure(logger).With("component", "config")}
}

// Load reads and validates the settings file. On any problem it returns a
// ValidationErrorSet carrying every finding; it never stops at the first.
func (s *Store) Load(path string) (*InstallationConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read configuration %s: %w", path, err)
	}

	if len(data) < minConfigBytes {
		return nil, &ValidationErrorSet{Findings: []Finding{
			{"file", fmt.Sprintf("configuration is only %d bytes, likely truncated", len(data))},
		}}
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &ValidationErrorSet{Findings: []Finding{
			{"file", fmt.Sprintf("not well-formed YAML: %v", err)},
		}}
	}

	if verr := Validate(cfg); verr != nil {
		return nil, verr
	}
	return cfg, nil
}

// Recover resolves a failed load according to the chosen policy. It returns
// the configuration to continue with, or the original error when the choice
// is to keep and fail.
func (s *Store) Recover(path string, loadErr error, choice RecoveryChoice) (*InstallationConfig, error) {
	switch choice {
	case RecoveryDelete:
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove broken configuration: %w", err)
		}
		s.Logger.Info("removed broken configuration, starting over", "path", path)
		return Defaults(), nil
	case RecoveryDefaults:
		s.Logger.Warn("configuration invalid, proceeding with defaults",
			"path", path, "error", loadErr)
		return Defaults(), nil
	default:
		return nil, loadErr
	}
}

// Save persists the configuration with restrictive permissions. It refuses
// to write anything that looks like a plaintext password: the password field
// must be empty or a crypt(3) hash.
func (s *Store) Save(cfg *InstallationConfig, path string) error {
	if hash := cfg.User.PasswordHash; hash != "" && !strings.HasPrefix(hash, "$") {
		return fmt.Errorf("refusing to persist a password that is not a crypt hash")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create configuration directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write configuration: %w", err)
	}
	// WriteFile only applies the mode on creation; tighten pre-existing files.
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("restrict configuration permissions: %w", err)
	}
	s.Logger.Info("configuration saved", "path", path)
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/slateos/slate/internal/config"
	"github.com/slateos/slate/internal/drives"
	"github.com/slateos/slate/internal/executor"
	"github.com/slateos/slate/internal/install"
	"github.com/slateos/slate/internal/logging"
	"github.com/slateos/slate/internal/media"
)

const defaultLogLevel = "info"
const defaultRunLogPath = "/var/log/slate/install.log"

// Exit statuses are part of the scripting contract.
const (
	exitValidation  = 2
	exitSafetyAbort = 3
	exitExecution   = 4
	exitInterrupted = 130
)

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(exitInterrupted)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var validation *config.ValidationErrorSet
	if errors.As(err, &validation) {
		return exitValidation
	}
	var abort *drives.SafetyAbortError
	if errors.As(err, &abort) {
		return exitSafetyAbort
	}
	var execution *executor.ExecutionError
	if errors.As(err, &execution) {
		return exitExecution
	}
	return 1
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	logLevel := defaultLogLevel

	root := &cobra.Command{
		Use:           "slate",
		Short:         "CLI for 'slate': automated installer with Windows-protection gating",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := parseLogLevel(logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		return nil
	}

	root.AddCommand(
		newInstallCommand(logger, levelVar),
		newDrivesCommand(logger),
		newConfigCommand(logger),
	)
	return root
}

func newInstallCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	var (
		configPath  string
		simulate    bool
		showWindows bool
		force       bool
		sourceArg   string
		addonDir    string
		runLogPath  string
	)

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Run the installation described by the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "install")

			if !simulate && unix.Geteuid() != 0 {
				cmdLogger.Warn("not running as root, forcing simulate mode")
				simulate = true
			}
			mode := executor.ModeLive
			if simulate {
				mode = executor.ModeSimulate
			}

			store := config.NewStore(cmdLogger)
			cfg, err := store.Load(configPath)
			if err != nil {
				var verr *config.ValidationErrorSet
				if !errors.As(err, &verr) {
					return err
				}
				choice := promptRecovery(cmd, stdinIsTerminal(), err)
				cfg, err = store.Recover(configPath, err, choice)
				if err != nil {
					return err
				}
				if choice == config.RecoveryDelete {
					return fmt.Errorf("broken configuration removed; run 'slate config init' and try again")
				}
			}

			runLogger := cmdLogger
			runLog, err := logging.NewRunLog(os.Stderr, runLogPath, levelVar)
			if err != nil {
				cmdLogger.Warn("run log unavailable, console only", "path", runLogPath, "error", err)
			} else {
				defer runLog.Close()
				runLogger = runLog.Logger
				cmdLogger.Info("run log started", "path", runLog.Path)
			}

			exec := executor.New(mode, runLogger)
			runLogger.Info("starting installation",
				"run_id", exec.RunID(), "mode", mode.String(), "config", configPath)

			ctx := cmd.Context()
			detector := drives.NewDetector(exec, runLogger)
			found, err := detector.Enumerate(ctx)
			if err != nil {
				return fmt.Errorf("enumerate drives: %w", err)
			}
			selectable, err := drives.SelectTargets(found, drives.Flags{ShowWindows: showWindows, Force: force})
			if err != nil {
				return err
			}
			target, ok := drives.FindByPath(selectable, cfg.TargetDrive)
			if !ok {
				return fmt.Errorf("configured target %s is not among the selectable drives (%d found)",
					cfg.TargetDrive, len(selectable))
			}

			if !force && !simulate {
				if !confirmDestruction(cmd, target) {
					return fmt.Errorf("installation declined at the destruction gate")
				}
			}

			source, err := media.NewLocator(runLogger).Locate(sourceArg)
			if err != nil {
				return fmt.Errorf("locate source image: %w", err)
			}

			rc := install.NewContext(exec, cfg, target, runLogger)
			rc.Source = source
			if addonDir != "" {
				rc.AddonDir = addonDir
			}
			rc.Events = newProgressPrinter(cmd.OutOrStdout())
			if !force {
				rc.KeepEntry = promptBootEntryRemoval(cmd)
			}

			orchestrator := install.NewOrchestrator(runLogger)
			if err := orchestrator.Run(ctx, rc); err != nil {
				printPhaseTrail(cmd, orchestrator.Results())
				return err
			}
			printPhaseTrail(cmd, orchestrator.Results())
			runLogger.Info("installation finished", "run_id", exec.RunID(), "commands", exec.Calls())
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", config.DefaultPath, "Path to the installation configuration file")
	cmd.Flags().BoolVar(&simulate, "simulate", false, "Log intended actions without mutating the host")
	cmd.Flags().BoolVar(&showWindows, "show-windows", false, "Offer drives carrying a Windows installation as targets")
	cmd.Flags().BoolVar(&force, "force", false, "Suppress the safety gate and interactive confirmations")
	cmd.Flags().StringVar(&sourceArg, "source", "", "Source image: a squashfs path or an ISO file (default: the live medium)")
	cmd.Flags().StringVar(&addonDir, "addons", "", "Directory of post-install addon scripts")
	cmd.Flags().StringVar(&runLogPath, "run-log", defaultRunLogPath, "Path of the JSON run log")

	return cmd
}

func newDrivesCommand(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drives",
		Short: "Inspect storage devices",
	}
	cmd.AddCommand(newDrivesListCommand(logger))
	return cmd
}

func newDrivesListCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List install-eligible drives and their Windows verdicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "drives.list")

			exec := executor.New(executor.ModeSimulate, cmdLogger)
			detector := drives.NewDetector(exec, cmdLogger)
			found, err := detector.Enumerate(cmd.Context())
			if err != nil {
				return fmt.Errorf("enumerate drives: %w", err)
			}
			if len(found) == 0 {
				cmdLogger.Warn("no install-eligible drives found")
				return nil
			}

			out := cmd.OutOrStdout()
			for _, drive := range found {
				fmt.Fprintf(out, "%s\twindows=%s\n", drive.String(), drive.WindowsPresence)
				for _, evidence := range drive.Evidence {
					fmt.Fprintf(out, "\t- %s\n", evidence)
				}
			}
			return nil
		},
	}
}

func newConfigCommand(logger *slog.Logger) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the installation configuration",
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Path to the installation configuration file")

	cmd.AddCommand(
		newConfigValidateCommand(logger, &configPath),
		newConfigShowCommand(logger, &configPath),
		newConfigInitCommand(logger, &configPath),
		newConfigEditCommand(logger, &configPath),
	)
	return cmd
}

func newConfigValidateCommand(logger *slog.Logger, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file, reporting every finding",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := config.NewStore(logger.With("command", "config.validate"))
			if _, err := store.Load(*configPath); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	}
}

func newConfigShowCommand(logger *slog.Logger, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := config.NewStore(logger.With("command", "config.show"))
			cfg, err := store.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.User.PasswordHash != "" {
				cfg.User.PasswordHash = "<redacted>"
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("render configuration: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func newConfigInitCommand(logger *slog.Logger, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a configuration interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(cmd, logger.With("command", "config.init"), *configPath)
		},
	}
}

func newConfigEditCommand(logger *slog.Logger, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "edit",
		Short: "Walk through the existing configuration and change settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigEdit(cmd, logger.With("command", "config.edit"), *configPath)
		},
	}
}

// stdinIsTerminal reports whether stdin is an interactive terminal, which
// decides whether recovery from a broken configuration may prompt.
func stdinIsTerminal() bool {
	_, err := unix.IoctlGetTermios(int(os.Stdin.Fd()), unix.TCGETS)
	return err == nil
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}

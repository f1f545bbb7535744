// Package main is the entry point for the ucdriver command.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ucdriver-go/application/undetected"
	"ucdriver-go/infrastructure/config"
	"ucdriver-go/infrastructure/dprocess"
	"ucdriver-go/infrastructure/logging"
	"ucdriver-go/infrastructure/patcher"
)

// app carries what every subcommand needs once the root command has run.
type app struct {
	configPath string
	verbose    bool

	cfg      *config.Config
	logger   *slog.Logger
	closeLog func() error
}

func main() {
	os.Exit(run(os.Args[1:]))
}

// run executes the command line and returns the exit code. Detached browsers
// started along the way are terminated before it returns.
func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer dprocess.Cleanup()

	a := &app{}
	root := a.rootCmd()
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ucdriver",
		Short:         "Launch Chrome through a patched chromedriver",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.closeLog != nil {
				_ = a.closeLog()
			}
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", config.DefaultPath(), "config file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(
		a.locateCmd(),
		a.versionCmd(),
		a.patchCmd(),
		a.launchCmd(),
		a.cdpCmd(),
		a.profilesCmd(),
	)
	return root
}

// init loads configuration and sets up logging.
func (a *app) init() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	logCfg := logging.DefaultConfig()
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	if a.verbose {
		level = slog.LevelDebug
	}
	logCfg.Level = level
	logCfg.Format = cfg.Logging.Format
	logCfg.Dir = cfg.Logging.Dir
	logCfg.MaxSizeMB = cfg.Logging.MaxSizeMB
	logCfg.MaxBackups = cfg.Logging.MaxBackups
	logCfg.MaxAgeDays = cfg.Logging.MaxAgeDays

	logger, closeLog, err := logging.Setup(logCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	a.logger = logger
	a.closeLog = closeLog
	return nil
}

func (a *app) patcherConfig() *patcher.Config {
	pc := patcher.DefaultConfig()
	p := a.cfg.Patcher
	if p.DataDir != "" {
		pc.DataDir = p.DataDir
	}
	pc.ExecutablePath = a.cfg.Driver.DriverExecutablePath
	pc.VersionMain = p.VersionMain
	pc.Force = p.Force
	if p.LegacyURL != "" {
		pc.LegacyURL = p.LegacyURL
	}
	if p.CfTURL != "" {
		pc.CfTURL = p.CfTURL
	}
	if p.HTTPTimeout > 0 {
		pc.HTTPTimeout = p.HTTPTimeout.Std()
	}
	if p.LockTimeout > 0 {
		pc.LockTimeout = p.LockTimeout.Std()
	}
	return pc
}

// driverTemplate converts the driver section into a facade configuration.
func (a *app) driverTemplate() *undetected.Config {
	d := a.cfg.Driver
	uc := undetected.DefaultConfig()
	uc.BrowserExecutablePath = d.BrowserExecutablePath
	uc.DriverExecutablePath = d.DriverExecutablePath
	uc.UserDataDir = d.UserDataDir
	uc.Port = d.Port
	uc.Headless = d.Headless
	uc.EnableCDPEvents = d.EnableCDPEvents
	uc.SuppressWelcome = d.SuppressWelcome
	uc.UseSubprocess = d.UseSubprocess
	uc.LogLevel = d.LogLevel
	uc.PatchDriver = a.cfg.Patcher.Enabled
	uc.VersionMain = a.cfg.Patcher.VersionMain
	uc.PatcherForceClose = a.cfg.Patcher.Force
	uc.Debug = a.verbose
	uc.Patcher = a.patcherConfig()
	if d.StartupTimeout > 0 {
		uc.StartupTimeout = d.StartupTimeout.Std()
	}
	return uc
}

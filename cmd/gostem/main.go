// Command gostem separates a music track into stems (vocals, drums, bass,
// ...) with a model or bag of models from a local or remote repository.
//
// Usage:
//
//	gostem [flags] <command> [args]
//
// Commands:
//
//	separate   - Separate WAV tracks into stems
//	models     - List, verify and sign repository models
//	config     - Write the default config file
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/chaz8081/gostem/internal/config"
	"github.com/chaz8081/gostem/internal/telemetry"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if hint := errors.FlattenHints(err); hint != "" {
			fmt.Fprintf(os.Stderr, "Hint: %s\n", hint)
		}
		os.Exit(1)
	}
}

// app carries the state shared by every command of one invocation.
type app struct {
	configPath string
	verbose    bool

	cfg *config.Config
	tel *telemetry.Telemetry
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "gostem",
		Short: "Separate music tracks into stems",
		Long: `gostem - music source separation.

Models are weight files named <signature>[-<checksum>].model; bags of models
are YAML manifests named <bag>.yaml. Both are looked up in models.dir
(or downloaded from models.remote) as configured in
~/.config/gostem/config.yaml.

Examples:
  gostem separate song.wav
  gostem separate -n demo --shifts 4 -j 4 --two-stems vocals song.wav
  gostem models list`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.tel == nil {
				return nil
			}
			return a.tel.Shutdown(cmd.Context())
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to config file (default: ~/.config/gostem/config.yaml)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newSeparateCmd(a), newModelsCmd(a), newConfigCmd())
	return root
}

// init loads the config, installs the logger and starts telemetry.
func (a *app) init(ctx context.Context) error {
	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return errors.Wrap(err, "config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config validation")
	}
	a.cfg = cfg

	level := config.ParseLogLevel(cfg.LogLevel)
	if a.verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	tel, err := telemetry.Setup(ctx, cfg.Telemetry, version)
	if err != nil {
		return errors.Wrap(err, "telemetry")
	}
	a.tel = tel
	return nil
}

// loadConfig reads path, or the default config file when path is empty.
// A missing default file yields the built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	path = config.DefaultConfigPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the config file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default config file if none exists",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.WriteDefault()
			if err != nil {
				return err
			}
			if path == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Config already exists: %s\n", config.DefaultConfigPath())
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	})
	return cmd
}

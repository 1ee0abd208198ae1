package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"rtk-rover/internal/config"
	"rtk-rover/internal/logging"
	"rtk-rover/internal/web"
)

var version = "dev"

type rootOptions struct {
	configPath string
	envFile    string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "rover",
		Short:         "GNSS rover session manager with NTRIP corrections",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to YAML config (defaults apply when empty)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Optional KEY=value file loaded before the config")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the receiver and NTRIP controllers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRover(cmd, opts)
		},
	}

	root.AddCommand(runCmd, newProfilesCommand(opts), newDecodeCommand())
	return root
}

// loadConfig reads the env file, then the YAML config. Without a config
// path the defaults are used, still subject to environment overrides.
func loadConfig(opts *rootOptions) (config.Config, error) {
	if err := config.LoadEnvFile(opts.envFile); err != nil {
		return config.Config{}, fmt.Errorf("env file: %w", err)
	}
	if opts.configPath == "" {
		cfg := config.Config{}
		config.ApplyEnv(&cfg)
		if err := config.DefaultAndValidate(&cfg); err != nil {
			return config.Config{}, err
		}
		return cfg, nil
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("config load failed: %w", err)
	}
	return cfg, nil
}

func runRover(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logs := web.NewLogBuffer(2000)
	root := logging.NewWriter(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Mirror: logs,
	}, cmd.ErrOrStderr())
	web.Version = version

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(ctx, cfg, root, logs)
	if err != nil {
		return err
	}
	root.Info().Str("version", version).Str("receiver", cfg.Receiver.Transport).Str("profiles", cfg.Profiles.Backend).Msg("rover starting")
	err = rt.Run(ctx)
	root.Info().Msg("rover stopping")
	return err
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"ctfrange/config"
	"ctfrange/internal/daemon"
	"ctfrange/internal/logging"

	"github.com/spf13/cobra"
)

func main() {
	if err := logging.Configure(logging.LevelInfo, false); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "ctfranged",
		Short: "Ephemeral challenge machine daemon",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			level := cfg.LogLevel
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level, cfg.LogJSON)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			d, err := daemon.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer d.Close()

			slog.Info("daemon started",
				"runtime", cfg.Runtime,
				"ports", cfg.PortFrom,
				"ports_to", cfg.PortTo,
				"data_dir", cfg.DataDir)
			return d.Run(ctx)
		},
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Config file path")
	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	cmd.AddCommand(seedCmd(&configPath))
	cmd.AddCommand(instancesCmd(&configPath))
	return cmd
}

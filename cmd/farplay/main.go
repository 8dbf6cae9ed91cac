package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zsiec/farplay/internal/config"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

// errSessionEnded stops a client once its host goes away.
var errSessionEnded = errors.New("session ended")

type globalOptions struct {
	configPath string
	debug      bool
}

func main() {
	var opts globalOptions

	root := &cobra.Command{
		Use:   "farplay",
		Short: "Stream a game session to one remote player",
		Long: `farplay streams emulator video and audio from a host to one remote
client and carries controller input and voice back.

Both sides run from the same binary. Without an emulator attached, the host
streams a synthetic test pattern and tone so links can be tested end to end.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging (also DEBUG=1)")

	root.AddCommand(
		hostCmd(&opts),
		clientCmd(&opts),
		versionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and environment, forces the role of the
// running command and installs the default logger.
func loadConfig(opts *globalOptions, role string) (config.Config, error) {
	cfg := config.Default()
	cfg.Role = role
	if opts.configPath != "" {
		data, err := os.ReadFile(opts.configPath)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := config.Parse(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing %s: %w", opts.configPath, err)
		}
		cfg.Role = role
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	cfg.Role = role
	if opts.debug {
		cfg.Debug = true
	}
	setupLogging(cfg.Debug)
	return cfg, nil
}

func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

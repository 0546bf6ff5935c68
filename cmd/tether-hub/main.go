// ABOUTME: Entry point for tether-hub, the agent command-and-control server
// ABOUTME: Provides serve plus operator commands that talk to a running hub over HTTP

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/tether/internal/config"
	"github.com/2389/tether/internal/hub"
	"github.com/2389/tether/internal/logging"
)

// version is set at build time via -ldflags.
var version = "dev"

const banner = `
   _       _   _                 _           _
  | |_ ___| |_| |__   ___ _ __  | |__  _   _| |__
  | __/ _ \ __| '_ \ / _ \ '__| | '_ \| | | | '_ \
  | ||  __/ |_| | | |  __/ |    | | | | |_| | |_) |
   \__\___|\__|_| |_|\___|_|    |_| |_|\__,_|_.__/
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	hubURL     string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "tether-hub",
		Short:         "tether hub - keeps agents connected and relays commands to them",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"config file (default $TETHER_CONFIG or <user config dir>/tether/hub.yaml)")
	root.PersistentFlags().StringVar(&opts.hubURL, "hub", "",
		"hub base URL for operator commands (default derived from server.http_addr)")

	root.AddCommand(
		newServeCmd(opts),
		newHealthCmd(opts),
		newClientsCmd(opts),
		newExecCmd(opts),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads the resolved config file. A missing file at the default
// location falls back to built-in defaults; a missing explicit file is an error.
func loadConfig(explicit string) (*config.Config, string, error) {
	path := config.ResolvePath(explicit)
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, path, nil
	}
	if explicit == "" && os.Getenv(config.EnvConfigPath) == "" && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), "(defaults)", nil
	}
	return nil, path, fmt.Errorf("loading config: %w", err)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the hub server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	if cfg.Database.Path != "" {
		fmt.Printf("Ledger:    %s\n", cfg.Database.Path)
	} else {
		fmt.Printf("Ledger:    ")
		gray.Println("disabled")
	}
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.HTTPS {
			color.New(color.FgYellow).Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	logger.Info("starting tether-hub",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"version", version,
	)

	h, err := hub.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating hub: %w", err)
	}
	return h.Run(ctx)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tether-hub %s\n", version)
		},
	}
}

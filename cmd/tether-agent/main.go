// ABOUTME: Entry point for tether-agent, the process that runs on each managed host
// ABOUTME: Connects to the hub, reports host state and executes commands it is sent

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/tether/internal/collect"
	"github.com/2389/tether/internal/executor"
	"github.com/2389/tether/internal/identity"
	"github.com/2389/tether/internal/logging"
	"github.com/2389/tether/internal/runner"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "tether-agent",
		Short:         "tether agent - keeps this host connected to a tether hub",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default $TETHER_AGENT_CONFIG or <user config dir>/tether/agent.toml)")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Connect to the hub and serve it until interrupted",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runAgent(cmd.Context(), configPath)
			},
		},
		&cobra.Command{
			Use:   "id",
			Short: "Print this agent's identity, allocating one if needed",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := Load(ResolvePath(configPath))
				if err != nil {
					return err
				}
				id, err := agentIdentity(cfg, logging.New(logging.Options{Level: "error", Output: os.Stderr}))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "tether-agent %s\n", version)
			},
		},
	)
	return root
}

// agentIdentity prefers a pinned id from the config file over the stored one.
func agentIdentity(cfg *Config, logger *slog.Logger) (identity.Identity, error) {
	if cfg.Agent.ID != "" {
		return identity.Parse(cfg.Agent.ID)
	}
	return runner.ResolveIdentity(cfg.Agent.IDFile, cfg.Agent.IdentityLog, logger)
}

func runAgent(ctx context.Context, configPath string) error {
	path := ResolvePath(configPath)
	cfg, err := Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	id, err := agentIdentity(cfg, logger)
	if err != nil {
		return fmt.Errorf("resolving identity: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Print("▶ ")
	fmt.Printf("tether-agent %s as ", version)
	color.New(color.FgCyan).Print(id)
	if id.Temporary() {
		color.New(color.FgYellow).Print(" (temporary)")
	}
	fmt.Printf(" -> %s\n", cfg.Hub.URL)

	logger.Info("starting tether-agent",
		"config", path,
		"agent_id", id,
		"hub_url", cfg.Hub.URL,
		"version", version,
	)

	r, err := runner.New(
		cfg.RunnerConfig(id),
		collect.NewSystem(cfg.Agent.DiskPath, logger),
		executor.New(cfg.Agent.CommandTimeout.Duration, logger),
		logger,
	)
	if err != nil {
		return err
	}
	return r.Run(ctx)
}

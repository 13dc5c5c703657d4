package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"Mansoor88-6/worktime-agent/internal/agentapi"
	"Mansoor88-6/worktime-agent/internal/app"
	"Mansoor88-6/worktime-agent/internal/config"
	"Mansoor88-6/worktime-agent/internal/logger"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type globalOptions struct {
	configPath string
	agentURL   string
	timeout    time.Duration
	logLevel   string

	logger *zap.Logger
	// openRemote replaces the configured remote store when set
	openRemote func(ctx context.Context) (*app.Remote, *config.Config, error)
}

func newRootCommand() *cobra.Command {
	return newRootCommandWith(&globalOptions{})
}

func newRootCommandWith(opts *globalOptions) *cobra.Command {
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}

	cmd := &cobra.Command{
		Use:           "worktimectl",
		Short:         "Administer worktime sessions and talk to a running agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log, err := logger.New(opts.logLevel, "console")
			if err != nil {
				return err
			}
			opts.logger = log.Logger
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "config/local.yaml", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&opts.agentURL, "agent", "http://localhost:43333", "Base URL of the local agent API")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Timeout of a single command")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	cmd.AddCommand(newSessionsCommand(opts))
	cmd.AddCommand(newUsersCommand(opts))
	cmd.AddCommand(newGroupsCommand(opts))
	cmd.AddCommand(newScheduleCommand(opts))
	cmd.AddCommand(newTablesCommand(opts))
	cmd.AddCommand(newAgentCommand(opts))
	return cmd
}

// context returns the command context bounded by the global timeout
func (o *globalOptions) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, o.timeout)
}

// remote loads the configuration and opens the configured remote store
func (o *globalOptions) remote(ctx context.Context) (*app.Remote, *config.Config, error) {
	if o.openRemote != nil {
		return o.openRemote(ctx)
	}
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	r, err := app.OpenRemote(ctx, cfg, nil, o.logger)
	if err != nil {
		return nil, nil, err
	}
	return r, cfg, nil
}

func (o *globalOptions) agent() *agentapi.Client {
	return agentapi.New(o.agentURL, o.timeout, o.logger)
}

package main

import (
	"fmt"

	"Mansoor88-6/worktime-agent/internal/models"

	"github.com/spf13/cobra"
)

func newAgentCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Drive a running agent through its local API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newAgentPingCommand(opts))
	cmd.AddCommand(newAgentSessionCommand(opts))
	cmd.AddCommand(newAgentLoginCommand(opts))
	cmd.AddCommand(newAgentStatusCommand(opts))
	cmd.AddCommand(newAgentLogoutCommand(opts))
	cmd.AddCommand(newAgentStatsCommand(opts))
	return cmd
}

func newAgentPingCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Send a liveness ping",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			if err := opts.agent().Ping(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func newAgentSessionCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "session",
		Short: "Print the session driven by the agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			state, err := opts.agent().Session(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch {
			case state.Terminated && state.Termination != nil:
				fmt.Fprintf(out, "terminated remotely: %s (session %s)\n", state.Termination.Status, state.Termination.SessionID)
			case state.Session == nil:
				fmt.Fprintln(out, "no active session")
			default:
				s := state.Session
				fmt.Fprintf(out, "%s session %s since %s, status %q\n",
					s.Email, s.SessionID, s.LoginTime.Format("2006-01-02 15:04:05"), s.Status)
			}
			return nil
		},
	}
}

func newAgentLoginCommand(opts *globalOptions) *cobra.Command {
	var req models.LoginRequest

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Start a shift",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			cur, err := opts.agent().Login(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged in %s (session %s)\n", cur.Email, cur.SessionID)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Email, "email", "", "Operator email")
	cmd.Flags().StringVar(&req.Name, "name", "", "Display name")
	cmd.Flags().StringVar(&req.Group, "group", "", "Explicit work group")
	cmd.Flags().StringVar(&req.Status, "status", "", "Initial status")
	cmd.Flags().StringVar(&req.Comment, "comment", "", "Comment")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newAgentStatusCommand(opts *globalOptions) *cobra.Command {
	var comment string

	cmd := &cobra.Command{
		Use:   "status <status>",
		Short: "Change the current status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			cur, err := opts.agent().ChangeStatus(ctx, args[0], comment)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "status %q\n", cur.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&comment, "comment", "", "Comment")
	return cmd
}

func newAgentLogoutCommand(opts *globalOptions) *cobra.Command {
	var reason, comment string

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "End the shift",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			if err := opts.agent().Logout(ctx, reason, comment); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Logout reason (user, admin, auto)")
	cmd.Flags().StringVar(&comment, "comment", "", "Comment")
	return cmd
}

func newAgentStatsCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print sync statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			st, err := opts.agent().Stats(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "mode:          %s\n", st.Mode)
			fmt.Fprintf(out, "online:        %t\n", st.Online)
			fmt.Fprintf(out, "queue size:    %d\n", st.QueueSize)
			fmt.Fprintf(out, "total synced:  %d\n", st.TotalSynced)
			fmt.Fprintf(out, "success rate:  %.2f\n", st.RollingSuccessRate)
			fmt.Fprintf(out, "last duration: %s\n", formatDuration(st.LastDuration))
			if !st.LastSyncTime.IsZero() {
				fmt.Fprintf(out, "last sync:     %s\n", st.LastSyncTime.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}

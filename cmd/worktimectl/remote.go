package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"Mansoor88-6/worktime-agent/internal/client"
	"Mansoor88-6/worktime-agent/internal/models"

	"github.com/spf13/cobra"
)

func newSessionsCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and control the active-session directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newSessionsListCommand(opts))
	cmd.AddCommand(newSessionsKickCommand(opts))
	cmd.AddCommand(newSessionsStatusCommand(opts))
	return cmd
}

func newSessionsListCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions that are still active",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			r, cfg, err := opts.remote(ctx)
			if err != nil {
				return err
			}
			defer r.Close()

			sessions, err := r.Sessions.ListActive(ctx)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "EMAIL\tNAME\tSESSION\tLOGIN")
			for _, s := range sessions {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Email, s.Name, s.SessionID, client.FormatTime(s.LoginTime, cfg.Location()))
			}
			return tw.Flush()
		},
	}
}

func newSessionsKickCommand(opts *globalOptions) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "kick <email>",
		Short: "End a user's active session and tell their agent to log out",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			r, _, err := opts.remote(ctx)
			if err != nil {
				return err
			}
			defer r.Close()

			kicked, err := r.Sessions.Kick(ctx, args[0], sessionID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "kicked %s (session %s)\n", kicked.Email, kicked.SessionID)
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Restrict to this session id")
	return cmd
}

func newSessionsStatusCommand(opts *globalOptions) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "status <email>",
		Short: "Print the directory status of a user's session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			r, _, err := opts.remote(ctx)
			if err != nil {
				return err
			}
			defer r.Close()

			status, err := r.Sessions.StatusOf(ctx, args[0], sessionID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), status)
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Prefer this session id")
	return cmd
}

func newUsersCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Inspect the users table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List known users and their groups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			r, _, err := opts.remote(ctx)
			if err != nil {
				return err
			}
			defer r.Close()

			users, err := r.Users.List(ctx)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "EMAIL\tNAME\tGROUP\tROLE")
			for _, u := range users {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", u.Email, u.Name, u.Group, u.Role)
			}
			return tw.Flush()
		},
	})
	cmd.AddCommand(newUsersUpsertCommand(opts))
	return cmd
}

func newUsersUpsertCommand(opts *globalOptions) *cobra.Command {
	var u models.User

	cmd := &cobra.Command{
		Use:   "upsert <email>",
		Short: "Add a user or update the given fields of an existing one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			r, _, err := opts.remote(ctx)
			if err != nil {
				return err
			}
			defer r.Close()

			u.Email = args[0]
			created, err := r.Users.Upsert(ctx, u)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", u.Email)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "updated %s\n", u.Email)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&u.Name, "name", "", "Display name")
	cmd.Flags().StringVar(&u.Role, "role", "", "Role")
	cmd.Flags().StringVar(&u.ShiftHours, "shift-hours", "", "Shift hours, e.g. 9-18")
	cmd.Flags().StringVar(&u.Telegram, "telegram", "", "Telegram handle")
	cmd.Flags().StringVar(&u.Group, "group", "", "Work group")
	return cmd
}

func newGroupsCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Inspect work groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List groups from the Groups table, user assignments and WorkLog tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			r, cfg, err := opts.remote(ctx)
			if err != nil {
				return err
			}
			defer r.Close()

			groups, err := r.Groups(ctx, cfg)
			if err != nil {
				return err
			}
			for _, g := range groups {
				fmt.Fprintln(cmd.OutOrStdout(), g)
			}
			return nil
		},
	})
	return cmd
}

func newScheduleCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Print the shift calendar",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			r, _, err := opts.remote(ctx)
			if err != nil {
				return err
			}
			defer r.Close()

			table, ok, err := r.ShiftCalendar(ctx)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "no shift calendar table")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, strings.Join(table.Header, "\t"))
			for _, row := range table.Rows {
				fmt.Fprintln(tw, strings.Join(row.Values, "\t"))
			}
			return tw.Flush()
		},
	}
}

func newTablesCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tables",
		Short: "Inspect and bootstrap remote tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tables in the remote store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			r, _, err := opts.remote(ctx)
			if err != nil {
				return err
			}
			defer r.Close()

			names, err := r.Client.ListTables(ctx)
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Create the session, user and default WorkLog tables when missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			r, cfg, err := opts.remote(ctx)
			if err != nil {
				return err
			}
			defer r.Close()

			created, err := r.EnsureTables(ctx, cfg)
			for _, name := range created {
				fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", name)
			}
			if err != nil {
				return err
			}
			if len(created) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "all tables exist")
			}
			return nil
		},
	})
	return cmd
}

func formatDuration(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}

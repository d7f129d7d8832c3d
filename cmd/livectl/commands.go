package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aura-live/backend/internal/app"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/internal/sessions"
)

// connector opens the wired application for one command.
type connector func(ctx context.Context, verbose bool) (*app.App, error)

func rootCmd(connect connector) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:           "livectl",
		Short:         "Operate live sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	// withApp opens the app, runs fn and releases connections.
	withApp := func(fn func(cmd *cobra.Command, a *app.App, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			a, err := connect(cmd.Context(), verbose)
			if err != nil {
				return err
			}
			defer a.Close()
			return fn(cmd, a, args)
		}
	}

	cmd.AddCommand(sessionsCmd(withApp), requestsCmd(withApp), archiveCmd(withApp))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "livectl version %s\n", Version)
		},
	})
	return cmd
}

type runner func(fn func(cmd *cobra.Command, a *app.App, args []string) error) func(*cobra.Command, []string) error

func sessionsCmd(withApp runner) *cobra.Command {
	cmd := &cobra.Command{Use: "sessions", Short: "List and end sessions"}

	var (
		all      bool
		category string
		limit    int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app.App, _ []string) error {
			f := sessions.Filter{LiveOnly: !all, Category: models.Category(category)}
			if f.Category != "" && !f.Category.Valid() {
				return fmt.Errorf("unknown category %q", category)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tBROADCASTER\tCATEGORY\tCREATED\tSTATUS\tTITLE")
			n := 0
			for s, err := range a.Sessions.List(cmd.Context(), f) {
				if err != nil {
					return err
				}
				status := "live"
				if !s.Live() {
					status = "ended"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", s.ID, s.BroadcasterID, s.Category, s.CreatedAt.Format(time.RFC3339), status, s.Title)
				if n++; limit > 0 && n >= limit {
					break
				}
			}
			return w.Flush()
		}),
	}
	list.Flags().BoolVar(&all, "all", false, "Include ended sessions")
	list.Flags().StringVar(&category, "category", "", "Filter by category (business, entertainment)")
	list.Flags().IntVar(&limit, "limit", 0, "Stop after this many sessions (0 = all)")

	end := &cobra.Command{
		Use:   "end SESSION_ID",
		Short: "Force-end a live session and run its cleanup",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid session id: %w", err)
			}
			s, err := a.Sessions.EndAbnormal(cmd.Context(), id, sessions.CauseAdmin)
			if errors.Is(err, models.ErrNotFound) {
				return fmt.Errorf("session %s not found", id)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s ended at %s\n", s.ID, s.EndedAt.Format(time.RFC3339))
			return nil
		}),
	}

	cmd.AddCommand(list, end)
	return cmd
}

func requestsCmd(withApp runner) *cobra.Command {
	cmd := &cobra.Command{Use: "requests", Short: "Maintain co-host requests"}
	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Cancel pending requests older than LIVE_PENDING_TTL",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app.App, _ []string) error {
			n, err := a.Requests.ExpireStale(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d pending requests\n", n)
			return nil
		}),
	})
	return cmd
}

func archiveCmd(withApp runner) *cobra.Command {
	cmd := &cobra.Command{Use: "archive", Short: "Inspect the archive queue"}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show pending and dead-lettered archive jobs",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app.App, _ []string) error {
			if a.Queue == nil {
				return errors.New("archive queue needs Redis (FANOUT_BACKEND or COUNTER_BACKEND=redis)")
			}
			pending, dead, err := a.Queue.Depth(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pending %d\ndead %d\n", pending, dead)
			return nil
		}),
	})
	return cmd
}

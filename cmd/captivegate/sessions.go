package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/airfi/captivegate/internal/api"
	"github.com/airfi/captivegate/internal/db"
)

func newSessionsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage sessions through the internal API",
	}
	cmd.AddCommand(
		newSessionsListCommand(a),
		newSessionsGetCommand(a),
		newSessionsActivateCommand(a),
		newSessionsEndCommand(a),
	)
	return cmd
}

func newSessionsListCommand(a *app) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			sessions, err := client.ListSessions(cmd.Context(), status)
			if err != nil {
				return err
			}
			return printSessions(cmd.OutOrStdout(), sessions)
		},
	}
	cmd.Flags().StringVar(&status, "status", db.StatusActive, "active, inactive or empty for all")
	return cmd
}

func newSessionsGetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get USER_ID",
		Short: "Show the active session of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			s, err := client.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printSessions(cmd.OutOrStdout(), []*db.Session{s})
		},
	}
}

func newSessionsActivateCommand(a *app) *cobra.Command {
	var req api.ActivateRequest

	cmd := &cobra.Command{
		Use:   "activate USER_ID",
		Short: "Grant a user internet access from a client address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.UserID = args[0]
			if req.Username == "" {
				req.Username = req.UserID
			}
			client, err := a.client()
			if err != nil {
				return err
			}
			resp, err := client.Activate(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s active until %s\n",
				resp.SessionID, resp.ExpiresAt.Local().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&req.IP, "ip", "", "client address (required)")
	cmd.Flags().StringVar(&req.MACAddress, "mac", "", "client link-layer address")
	cmd.Flags().StringVar(&req.Username, "username", "", "display name (default USER_ID)")
	cmd.Flags().StringVar(&req.Agent, "agent", "", "client user agent")
	cmd.Flags().StringVar(&req.OriginalURL, "url", "", "page the client originally requested")
	_ = cmd.MarkFlagRequired("ip")
	return cmd
}

func newSessionsEndCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "end USER_ID",
		Short: "End a user's session and revoke access",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			if err := client.End(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session for %s ended\n", args[0])
			return nil
		},
	}
}

func newStatsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show session counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			st, err := client.Stats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Active:   %d\n", st.Active)
			fmt.Fprintf(out, "Inactive: %d\n", st.Inactive)
			fmt.Fprintf(out, "Total:    %d\n", st.Total)
			fmt.Fprintf(out, "Users:    %d\n", st.Users)
			return nil
		},
	}
}

func printSessions(w io.Writer, sessions []*db.Session) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tIP\tMAC\tSTATUS\tGRANTED\tEXPIRES\tENDED")
	for _, s := range sessions {
		ended := "-"
		if s.EndedAt != nil {
			ended = fmt.Sprintf("%s (%s)", s.EndedAt.Local().Format(time.DateTime), s.EndReason)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.UserID, s.Device.IP, s.Device.MAC, s.Status,
			s.GrantedAt.Local().Format(time.DateTime),
			s.ExpiresAt.Local().Format(time.DateTime),
			ended,
		)
	}
	return tw.Flush()
}

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newAccessCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "access",
		Short: "Check or directly change firewall access for an address",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "check IP",
			Short: "Report whether an address currently has access",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := a.client()
				if err != nil {
					return err
				}
				st, err := client.CheckAccess(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s granted=%t\n", st.IP, st.Granted)
				if st.Session != nil {
					fmt.Fprintf(out, "session %s user %s expires %s\n",
						st.Session.ID, st.Session.UserID, st.Session.ExpiresAt.Local().Format(time.DateTime))
				}
				return nil
			},
		},
		// grant and revoke bypass the session store, for recovering from a
		// failed compensation.
		&cobra.Command{
			Use:   "grant IP",
			Short: "Install the access rules for an address without a session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				exec, err := a.executor()
				if err != nil {
					return err
				}
				if err := a.firewall(exec).GrantAccess(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "granted %s\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "revoke IP",
			Short: "Remove the access rules for an address",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				exec, err := a.executor()
				if err != nil {
					return err
				}
				if err := a.firewall(exec).RevokeAccess(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
				return nil
			},
		},
	)
	return cmd
}

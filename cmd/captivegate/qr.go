package main

import (
	"fmt"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"
)

func newQRCommand(a *app) *cobra.Command {
	var (
		target string
		small  bool
	)

	cmd := &cobra.Command{
		Use:   "qr",
		Short: "Print a QR code linking to the login portal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if target == "" {
				target = a.cfg.PortalURL()
			}
			out := cmd.OutOrStdout()

			config := qrterminal.Config{
				Level:     qrterminal.M,
				Writer:    out,
				BlackChar: qrterminal.BLACK,
				WhiteChar: qrterminal.WHITE,
				QuietZone: 1,
			}
			if small {
				config.HalfBlocks = true
				config.BlackChar = qrterminal.BLACK_BLACK
				config.WhiteChar = qrterminal.WHITE_WHITE
				config.BlackWhiteChar = qrterminal.BLACK_WHITE
				config.WhiteBlackChar = qrterminal.WHITE_BLACK
			}
			qrterminal.GenerateWithConfig(target, config)
			fmt.Fprintln(out, target)
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "url", "", "URL to encode (default the portal login URL)")
	cmd.Flags().BoolVar(&small, "small", false, "use half-block characters")
	return cmd
}

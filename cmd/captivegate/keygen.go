package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/airfi/captivegate/internal/auth"
)

func newKeygenCommand(a *app) *cobra.Command {
	var (
		dir   string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the ES256 key pair that signs internal API calls",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				dir = a.cfg.API.KeysDir
			}
			privPath, pubPath := auth.KeyPaths(dir)

			if !force {
				for _, p := range []string{privPath, pubPath} {
					if _, err := os.Stat(p); err == nil {
						return fmt.Errorf("%s already exists, use --force to replace it", p)
					}
				}
			}

			kp, err := auth.GenerateKeyPair()
			if err != nil {
				return err
			}
			if err := kp.SaveKeys(privPath, pubPath); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "=== API Signing Keys ===")
			fmt.Fprintf(out, "Private Key: %s\n", privPath)
			fmt.Fprintf(out, "Public Key:  %s\n", pubPath)
			fmt.Fprintf(out, "Fingerprint: %s\n", kp.Fingerprint())
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Copy the private key to every service that calls the API.")
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "output directory (default api.keys_dir)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing keys")
	return cmd
}

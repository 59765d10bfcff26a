package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/airfi/captivegate/internal/api"
	"github.com/airfi/captivegate/internal/auth"
	"github.com/airfi/captivegate/internal/config"
	"github.com/airfi/captivegate/internal/logging"
	"github.com/airfi/captivegate/internal/router"
)

// app carries the state shared by every subcommand once the root command has
// loaded the configuration.
type app struct {
	configPath string
	debug      bool
	cfg        *config.Config
	logger     *zap.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           "captivegate",
		Short:         "Captive portal gateway for WiFi access points",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	cmd.PersistentFlags().BoolVar(&a.debug, "debug", false, "log at debug level")
	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "",
		"config file (default ./config/captivegate.yaml or /etc/captivegate/captivegate.yaml)")

	cmd.AddCommand(
		newServeCommand(a),
		newKeygenCommand(a),
		newSessionsCommand(a),
		newStatsCommand(a),
		newAccessCommand(a),
		newQRCommand(a),
	)
	return cmd
}

func (a *app) init() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.debug {
		cfg.Log.Level = "debug"
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

// executor builds the command runner for the access point, local or over SSH.
func (a *app) executor() (router.Executor, error) {
	ec := a.cfg.Executor
	timeout := a.cfg.Firewall.CommandTimeout
	logger := a.logger.Named("executor")

	if ec.Mode != "ssh" {
		return router.NewLocalExecutor(ec.UseSudo, timeout, logger), nil
	}

	var privateKey string
	if ec.SSHPrivateKey != "" {
		data, err := os.ReadFile(ec.SSHPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to read ssh private key: %w", err)
		}
		privateKey = string(data)
	}

	return router.NewSSHExecutor(router.SSHConfig{
		Address:    ec.SSHAddress,
		Port:       ec.SSHPort,
		Username:   ec.SSHUsername,
		Password:   ec.SSHPassword,
		PrivateKey: privateKey,
		KnownHosts: ec.SSHKnownHosts,
		UseSudo:    ec.UseSudo,
	}, timeout, logger)
}

func (a *app) firewall(exec router.Executor) *router.Firewall {
	fc := a.cfg.Firewall
	return router.NewFirewall(exec, router.FirewallConfig{
		Interface:   fc.Interface,
		RedirectTo:  fc.RedirectTo,
		RedirectTo6: fc.RedirectTo6,
		IPTables:    fc.IPTables,
		IP6Tables:   fc.IP6Tables,
	}, a.logger.Named("firewall"))
}

// client returns an API client signing with the key pair from api.keys_dir.
func (a *app) client() (*api.Client, error) {
	kp, err := auth.LoadKeyPair(auth.KeyPaths(a.cfg.API.KeysDir))
	if err != nil {
		return nil, fmt.Errorf("failed to load api keys (run captivegate keygen): %w", err)
	}

	return api.NewClient(api.ClientConfig{
		BaseURL:  a.cfg.Client.APIURL,
		Caller:   "cli",
		Attempts: a.cfg.Client.Attempts,
		Delay:    a.cfg.Client.Delay,
	}, auth.NewJWTService(kp, a.cfg.API.Issuer), a.logger.Named("client")), nil
}

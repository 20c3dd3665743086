package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Qwaper/BigD-Gram/internal/config"
	"github.com/Qwaper/BigD-Gram/internal/logging"
)

type globalFlags struct {
	relay    string
	as       string
	secret   string
	offline  bool
	logLevel string
}

func newRootCmd() *cobra.Command {
	var g globalFlags
	var cfg *config.ClientConfig

	root := &cobra.Command{
		Use:           "chatctl",
		Short:         "Command line client for BigD-Gram direct messaging",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Load .env from CWD (env vars override)
			_ = godotenv.Load(".env")

			c, err := config.LoadClient()
			if err != nil {
				return err
			}
			if g.relay != "" {
				c.RelayURL = g.relay
			}
			if g.as != "" {
				c.Identifier = g.as
			}
			if g.secret != "" {
				c.Secret = g.secret
			}
			if g.logLevel != "" {
				c.LogLevel = g.logLevel
			}
			if err := c.Validate(); err != nil {
				return err
			}
			logging.Setup(c.LogLevel, true)
			cfg = c
			return nil
		},
	}
	root.PersistentFlags().StringVar(&g.relay, "relay", "", "Relay base URL (overrides BIGD_RELAY_URL)")
	root.PersistentFlags().StringVar(&g.as, "as", "", "Handle or contact address to sign in with (overrides BIGD_IDENTIFIER)")
	root.PersistentFlags().StringVar(&g.secret, "secret", "", "Account secret (overrides BIGD_SECRET)")
	root.PersistentFlags().BoolVar(&g.offline, "offline", false, "Run against an in-process relay that lives for this command only")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level (overrides BIGD_LOG_LEVEL)")

	env := func() *appEnv { return &appEnv{cfg: cfg, offline: g.offline} }
	root.AddCommand(
		newSignupCmd(env),
		newSearchCmd(env),
		newAddCmd(env),
		newSendCmd(env),
		newWatchCmd(env),
		newDemoCmd(env),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

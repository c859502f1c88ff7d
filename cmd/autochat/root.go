package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/ent0n29/autochat/internal/config"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	configFile string
	gateway    string
}

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "autochat",
		Short:         "Automated chat participant for Socket.IO chat rooms",
		Long:          "autochat connects to an anonymous chat server, searches for peers and answers them with replies from an HTTP reply gateway until its dialog ceiling is reached.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBot(cmd, opts)
		},
	}
	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (TOML, YAML or JSON); overrides "+config.FileEnv)
	rootCmd.PersistentFlags().StringVar(&opts.gateway, "gateway", "", "reply gateway mode override: http or mock")

	rootCmd.AddCommand(
		newRunCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

// loadConfig resolves the configuration and applies command-line overrides.
func loadConfig(opts *rootOptions) (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if strings.TrimSpace(opts.configFile) != "" {
		cfg, err = config.LoadFile(opts.configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return config.Config{}, err
	}
	if mode := strings.ToLower(strings.TrimSpace(opts.gateway)); mode != "" {
		cfg.GatewayMode = mode
		if err := cfg.Validate(); err != nil {
			return config.Config{}, err
		}
	}
	return cfg, nil
}
